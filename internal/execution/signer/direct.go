package signer

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	clierr "github.com/ggonzalez94/txflow/internal/errors"
)

// Backend is the slice of ethclient.Client a DirectSigner needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// BackendSource resolves the backend for a chain.
type BackendSource func(ctx context.Context, chainID int64) (Backend, error)

type TxOptions struct {
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
}

// DefaultBroadcastTimeout bounds a broadcast or proposal once the payload is
// signed. Cancelling the caller's context does not cut it short.
const DefaultBroadcastTimeout = 30 * time.Second

func DefaultTxOptions() TxOptions {
	return TxOptions{GasMultiplier: 1.2}
}

// DirectSigner signs with a local key and broadcasts EIP-1559 transactions.
type DirectSigner struct {
	key              KeySigner
	backend          BackendSource
	opts             TxOptions
	broadcastTimeout time.Duration
}

func NewDirectSigner(key KeySigner, backend BackendSource, opts TxOptions) *DirectSigner {
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = 1.2
	}
	return &DirectSigner{key: key, backend: backend, opts: opts, broadcastTimeout: DefaultBroadcastTimeout}
}

func (s *DirectSigner) Address() common.Address {
	return s.key.Address()
}

func (s *DirectSigner) Approve(ctx context.Context, req Approval) (TxHandle, error) {
	call, err := ApprovalCall(req)
	if err != nil {
		return TxHandle{}, clierr.Wrap(clierr.CodeUsage, "build approval call", err)
	}
	return s.send(ctx, call)
}

func (s *DirectSigner) Execute(ctx context.Context, req Call) (TxHandle, error) {
	return s.send(ctx, req)
}

func (s *DirectSigner) send(ctx context.Context, call Call) (TxHandle, error) {
	if s.backend == nil {
		return TxHandle{}, clierr.New(clierr.CodeSigner, "missing rpc backend")
	}
	client, err := s.backend(ctx, call.ChainID)
	if err != nil {
		return TxHandle{}, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return TxHandle{}, clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	if call.ChainID != 0 && chainID.Int64() != call.ChainID {
		return TxHandle{}, clierr.New(clierr.CodeActionPlan, fmt.Sprintf("rpc chain mismatch: expected %d, got %d", call.ChainID, chainID.Int64()))
	}
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	from := s.key.Address()
	to := call.To
	msg := ethereum.CallMsg{From: from, To: &to, Value: value, Data: call.Data}

	gasLimit, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return TxHandle{}, clierr.Wrap(clierr.CodeUnavailable, "estimate gas", err)
	}
	gasLimit = uint64(float64(gasLimit) * s.opts.GasMultiplier)

	tipCap, err := resolveTipCap(ctx, client, s.opts.MaxPriorityFeeGwei)
	if err != nil {
		return TxHandle{}, err
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return TxHandle{}, clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap, err := resolveFeeCap(baseFee, tipCap, s.opts.MaxFeeGwei)
	if err != nil {
		return TxHandle{}, err
	}

	unlock := acquireNonceLock(chainID, from)
	defer unlock()
	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return TxHandle{}, clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      call.Data,
	})
	signed, err := s.key.SignTx(chainID, tx)
	if err != nil {
		return TxHandle{}, clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	// Nothing has left the process yet; a cancelled context still means no transaction.
	if err := ctx.Err(); err != nil {
		return TxHandle{}, err
	}
	handle := TxHandle{Hash: signed.Hash().Hex(), ChainID: chainID.Int64()}
	sendCtx, cancel := detached(ctx, s.broadcastTimeout)
	defer cancel()
	if err := client.SendTransaction(sendCtx, signed); err != nil {
		return handle, clierr.Wrap(clierr.CodeUnavailable, "broadcast transaction", err)
	}
	return handle, nil
}

// detached keeps ctx's values but not its cancellation, bounded by timeout.
func detached(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultBroadcastTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

var nonceLocks sync.Map

func acquireNonceLock(chainID *big.Int, from common.Address) func() {
	key := chainID.String() + ":" + strings.ToLower(from.Hex())
	v, _ := nonceLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func resolveTipCap(ctx context.Context, client Backend, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := ParseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --max-priority-fee-gwei", err)
		}
		return v, nil
	}
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return big.NewInt(2_000_000_000), nil // 2 gwei fallback
	}
	return tipCap, nil
}

func resolveFeeCap(baseFee, tipCap *big.Int, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := ParseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --max-fee-gwei", err)
		}
		if v.Cmp(tipCap) < 0 {
			return nil, clierr.New(clierr.CodeUsage, "--max-fee-gwei must be >= --max-priority-fee-gwei")
		}
		return v, nil
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	return feeCap.Add(feeCap, tipCap), nil
}

// ParseGwei converts a decimal gwei string into wei.
func ParseGwei(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty gwei value")
	}
	rat, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	rat.Mul(rat, big.NewRat(1_000_000_000, 1))
	if !rat.IsInt() {
		return nil, fmt.Errorf("value must resolve to an integer wei amount")
	}
	return new(big.Int).Set(rat.Num()), nil
}
