package signer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Prompter asks the wallet owner a yes/no question.
type Prompter func(ctx context.Context, question string) (bool, error)

// PromptSigner asks for consent before every signature. A "no" answer is
// reported as ErrUserRejected, the same way a browser wallet reports a
// dismissed request.
type PromptSigner struct {
	next   Signer
	prompt Prompter
}

func NewPromptSigner(next Signer, prompt Prompter) *PromptSigner {
	return &PromptSigner{next: next, prompt: prompt}
}

func (s *PromptSigner) Address() common.Address {
	return s.next.Address()
}

func (s *PromptSigner) Approve(ctx context.Context, req Approval) (TxHandle, error) {
	amount := "max"
	if req.Amount != nil {
		amount = req.Amount.String()
	}
	question := fmt.Sprintf("Approve %s to spend %s of token %s on chain %d?", req.Spender.Hex(), amount, req.Token.Hex(), req.ChainID)
	if err := s.ask(ctx, question); err != nil {
		return TxHandle{}, err
	}
	return s.next.Approve(ctx, req)
}

func (s *PromptSigner) Execute(ctx context.Context, req Call) (TxHandle, error) {
	question := fmt.Sprintf("Send transaction to %s on chain %d (%d bytes of calldata)?", req.To.Hex(), req.ChainID, len(req.Data))
	if err := s.ask(ctx, question); err != nil {
		return TxHandle{}, err
	}
	return s.next.Execute(ctx, req)
}

func (s *PromptSigner) ask(ctx context.Context, question string) error {
	if s.prompt == nil {
		return nil
	}
	ok, err := s.prompt(ctx, question)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUserRejected
	}
	return nil
}
