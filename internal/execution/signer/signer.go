package signer

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ggonzalez94/txflow/internal/registry"
)

// ErrUserRejected is returned when the wallet owner declines a signature
// request. Callers match it with errors.Is.
var ErrUserRejected = errors.New("user rejected the signature request")

// TxHandle identifies a submitted transaction. For Safe proposals Hash is the
// SafeTx hash and Proposed is true.
type TxHandle struct {
	Hash     string `json:"hash"`
	ChainID  int64  `json:"chain_id"`
	Proposed bool   `json:"proposed,omitempty"`
}

// Approval asks the wallet to grant Spender an ERC20 allowance on Token. A nil
// Amount approves the maximum uint256.
type Approval struct {
	ChainID int64
	Token   common.Address
	Spender common.Address
	Amount  *big.Int
}

// Call is the opaque domain action (swap, position creation) to submit.
type Call struct {
	ChainID int64
	To      common.Address
	Data    []byte
	Value   *big.Int
}

// Signer is the wallet capability the orchestrator acts through. Variants are
// DirectSigner (sign and broadcast) and MultisigProposer (propose to a Safe).
//
// A handle with a Hash returned together with an error means the payload was
// signed and may have reached the network; the hash must not be discarded.
type Signer interface {
	Address() common.Address
	Approve(ctx context.Context, req Approval) (TxHandle, error)
	Execute(ctx context.Context, req Call) (TxHandle, error)
}

// KeySigner signs raw transactions and digests with a key held locally.
type KeySigner interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
	SignHash(hash []byte) ([]byte, error)
}

var erc20ABI = mustABI(registry.ERC20MinimalABI)

// MaxApproval returns 2^256-1.
func MaxApproval() *big.Int {
	return new(big.Int).Set(math.MaxBig256)
}

// ApprovalCall converts an approval request into the ERC20 approve call.
func ApprovalCall(req Approval) (Call, error) {
	amount := req.Amount
	if amount == nil {
		amount = MaxApproval()
	}
	if amount.Sign() < 0 {
		return Call{}, errors.New("approval amount must be non-negative")
	}
	data, err := erc20ABI.Pack("approve", req.Spender, amount)
	if err != nil {
		return Call{}, err
	}
	return Call{ChainID: req.ChainID, To: req.Token, Data: data, Value: new(big.Int)}, nil
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
