package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	clierr "github.com/ggonzalez94/txflow/internal/errors"
	"github.com/ggonzalez94/txflow/internal/execution"
	"github.com/ggonzalez94/txflow/internal/registry"
)

var erc20ABI = mustABI(registry.ERC20MinimalABI)

// RPCReader reads receipts and allowances over JSON-RPC.
type RPCReader struct {
	dialer *Dialer
}

func NewRPCReader(dialer *Dialer) *RPCReader {
	return &RPCReader{dialer: dialer}
}

func (r *RPCReader) Receipt(ctx context.Context, hash string, chainID int64) (*execution.Receipt, error) {
	txHash, ok := NormalizeHash(hash)
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid transaction hash %q", hash))
	}
	client, err := r.dialer.Client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	receipt, err := client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, clierr.Wrap(clierr.CodeUnavailable, "fetch transaction receipt", err)
	}
	out := &execution.Receipt{
		Hash:            txHash.Hex(),
		ChainID:         chainID,
		Status:          receipt.Status,
		GasUsed:         receipt.GasUsed,
		TransactionHash: receipt.TxHash.Hex(),
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

// Allowance reads ERC20 allowance(owner, spender) at the latest block.
func (r *RPCReader) Allowance(ctx context.Context, chainID int64, token, owner, spender common.Address) (*big.Int, error) {
	input, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack allowance call", err)
	}
	client, err := r.dialer.Client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	output, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read token allowance", err)
	}
	values, err := erc20ABI.Unpack("allowance", output)
	if err != nil || len(values) != 1 {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("decode allowance response %s", hexutil.Encode(output)))
	}
	allowance, ok := values[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "unexpected allowance type")
	}
	return allowance, nil
}

// VerifyChain fails when the endpoint configured for chainID serves a
// different chain.
func (r *RPCReader) VerifyChain(ctx context.Context, chainID int64) error {
	client, err := r.dialer.Client(ctx, chainID)
	if err != nil {
		return err
	}
	got, err := client.ChainID(ctx)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "read rpc chain id", err)
	}
	if got.Int64() != chainID {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("rpc endpoint serves chain %d, expected %d", got.Int64(), chainID))
	}
	return nil
}

// NormalizeHash parses a 32-byte 0x-prefixed transaction hash.
func NormalizeHash(v string) (common.Hash, bool) {
	clean := strings.TrimSpace(v)
	if !strings.HasPrefix(clean, "0x") && !strings.HasPrefix(clean, "0X") {
		return common.Hash{}, false
	}
	buf, err := hexutil.Decode("0x" + clean[2:])
	if err != nil || len(buf) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(buf), true
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
