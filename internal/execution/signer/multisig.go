package signer

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/txflow/internal/errors"
	"github.com/ggonzalez94/txflow/internal/safe"
)

// SafeService is the part of the Safe Transaction Service client a proposer uses.
type SafeService interface {
	Nonce(ctx context.Context, chainID int64, safeAddress common.Address) (uint64, error)
	Propose(ctx context.Context, chainID int64, safeAddress common.Address, proposal safe.Proposal) error
}

// MultisigProposer proposes transactions to a Safe instead of broadcasting them.
// The returned handle carries the SafeTx hash; confirmation happens once the
// other owners execute it.
type MultisigProposer struct {
	key            KeySigner
	safe           common.Address
	service        SafeService
	proposeTimeout time.Duration
}

func NewMultisigProposer(key KeySigner, safeAddress common.Address, service SafeService) *MultisigProposer {
	return &MultisigProposer{key: key, safe: safeAddress, service: service, proposeTimeout: DefaultBroadcastTimeout}
}

// Address is the Safe the transactions act on behalf of.
func (p *MultisigProposer) Address() common.Address {
	return p.safe
}

func (p *MultisigProposer) Approve(ctx context.Context, req Approval) (TxHandle, error) {
	call, err := ApprovalCall(req)
	if err != nil {
		return TxHandle{}, clierr.Wrap(clierr.CodeUsage, "build approval call", err)
	}
	return p.propose(ctx, call)
}

func (p *MultisigProposer) Execute(ctx context.Context, req Call) (TxHandle, error) {
	return p.propose(ctx, req)
}

func (p *MultisigProposer) propose(ctx context.Context, call Call) (TxHandle, error) {
	if p.service == nil {
		return TxHandle{}, clierr.New(clierr.CodeSigner, "missing safe transaction service")
	}
	if call.ChainID == 0 {
		return TxHandle{}, clierr.New(clierr.CodeActionPlan, "safe proposal requires a chain id")
	}
	nonce, err := p.service.Nonce(ctx, call.ChainID, p.safe)
	if err != nil {
		return TxHandle{}, err
	}
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	tx := safe.NewCall(call.To, value, call.Data, nonce)
	hash := safe.TxHash(call.ChainID, p.safe, tx)
	sig, err := p.key.SignHash(hash.Bytes())
	if err != nil {
		return TxHandle{}, clierr.Wrap(clierr.CodeSigner, "sign safe transaction", err)
	}
	if err := ctx.Err(); err != nil {
		return TxHandle{}, err
	}
	handle := TxHandle{Hash: hash.Hex(), ChainID: call.ChainID, Proposed: true}
	proposal := safe.NewProposal(tx, hash, p.key.Address(), sig)
	proposeCtx, cancel := detached(ctx, p.proposeTimeout)
	defer cancel()
	if err := p.service.Propose(proposeCtx, call.ChainID, p.safe, proposal); err != nil {
		return handle, err
	}
	return handle, nil
}
