package simulate

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	clierr "github.com/ggonzalez94/txflow/internal/errors"
	"github.com/ggonzalez94/txflow/internal/execution"
	"github.com/ggonzalez94/txflow/internal/registry"
)

// Backend is the slice of ethclient.Client the simulator needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

type BackendSource func(ctx context.Context, chainID int64) (Backend, error)

// EthCallSimulator dry-runs a payload with eth_call against the latest block.
// It only detects reverts; it does not diff balances.
type EthCallSimulator struct {
	backend   BackendSource
	supported func(chainID int64) bool
}

// NewEthCallSimulator builds a simulator. A nil supported func falls back to
// the built-in network table.
func NewEthCallSimulator(backend BackendSource, supported func(chainID int64) bool) *EthCallSimulator {
	if supported == nil {
		supported = registry.SimulationSupported
	}
	return &EthCallSimulator{backend: backend, supported: supported}
}

func (s *EthCallSimulator) Simulate(ctx context.Context, req execution.SimulationRequest) (execution.SimulationResult, error) {
	if !s.supported(req.ChainID) {
		return execution.SimulationResult{}, execution.ErrSimulationUnsupported
	}
	msg, err := callMsg(req)
	if err != nil {
		return execution.SimulationResult{}, err
	}
	backend, err := s.backend(ctx, req.ChainID)
	if err != nil {
		return execution.SimulationResult{}, err
	}
	if _, err := backend.CallContract(ctx, msg, nil); err != nil {
		if isRevert(err) {
			reason := decodeRevertFromError(err)
			if reason == "" {
				reason = err.Error()
			}
			return execution.SimulationResult{Success: false, RevertReason: reason}, nil
		}
		return execution.SimulationResult{}, wrapEVMExecutionError(clierr.CodeUnavailable, "simulate execute payload (eth_call)", err)
	}
	result := execution.SimulationResult{Success: true}
	// Gas is informational; a failed estimate does not change the outcome.
	if gas, err := backend.EstimateGas(ctx, msg); err == nil {
		result.GasUsed = gas
	}
	return result, nil
}

func callMsg(req execution.SimulationRequest) (ethereum.CallMsg, error) {
	if !common.IsHexAddress(req.To) {
		return ethereum.CallMsg{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid simulation target %q", req.To))
	}
	to := common.HexToAddress(req.To)
	msg := ethereum.CallMsg{To: &to}
	if common.IsHexAddress(req.From) {
		msg.From = common.HexToAddress(req.From)
	}
	if data := strings.TrimSpace(req.Data); data != "" && data != "0x" {
		buf, err := hexutil.Decode(data)
		if err != nil {
			return ethereum.CallMsg{}, clierr.Wrap(clierr.CodeUsage, "decode simulation calldata", err)
		}
		msg.Data = buf
	}
	if value := strings.TrimSpace(req.Value); value != "" {
		v, ok := new(big.Int).SetString(value, 10)
		if !ok || v.Sign() < 0 {
			return ethereum.CallMsg{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid simulation value %q", req.Value))
		}
		msg.Value = v
	}
	return msg, nil
}
