package execution

import (
	"context"
	"errors"
	"strings"

	"github.com/ggonzalez94/txflow/internal/logging"
)

type SimulationOutcome string

const (
	SimulationPass        SimulationOutcome = "pass"
	SimulationFail        SimulationOutcome = "fail"
	SimulationUnavailable SimulationOutcome = "unavailable"
)

// ErrSimulationUnsupported is returned by simulators for chains they cannot serve.
var ErrSimulationUnsupported = errors.New("simulation is not supported on this chain")

type SimulationRequest struct {
	ChainID int64  `json:"chain_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Data    string `json:"data,omitempty"`
	Value   string `json:"value,omitempty"`
}

// SimulationResult is what a simulator observed. Success false means the call
// reverted; Changes lists adverse state changes it detected.
type SimulationResult struct {
	Success      bool     `json:"success"`
	RevertReason string   `json:"revert_reason,omitempty"`
	GasUsed      uint64   `json:"gas_used,omitempty"`
	Changes      []string `json:"changes,omitempty"`
}

type Simulator interface {
	Simulate(ctx context.Context, req SimulationRequest) (SimulationResult, error)
}

type SimulationReport struct {
	Outcome SimulationOutcome `json:"outcome"`
	Reason  string            `json:"reason,omitempty"`
	GasUsed uint64            `json:"gas_used,omitempty"`
}

// SimulationGate classifies a dry run of the execute payload. It never blocks
// the session; callers decide what to do with fail and unavailable.
type SimulationGate struct {
	simulator Simulator
	logger    *logging.Logger
}

func NewSimulationGate(simulator Simulator, logger *logging.Logger) *SimulationGate {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &SimulationGate{simulator: simulator, logger: logger}
}

func (g *SimulationGate) Evaluate(ctx context.Context, from string, payload Payload, chainID int64) SimulationReport {
	if g == nil || g.simulator == nil {
		return SimulationReport{Outcome: SimulationUnavailable, Reason: "no simulator configured"}
	}
	req := SimulationRequest{
		ChainID: chainID,
		From:    from,
		To:      payload.Target,
		Data:    payload.Data,
		Value:   payload.Value,
	}
	result, err := g.simulator.Simulate(ctx, req)
	if err != nil {
		g.logger.Warn("simulation unavailable", "chain_id", chainID, "error", err.Error())
		return SimulationReport{Outcome: SimulationUnavailable, Reason: err.Error()}
	}
	if !result.Success {
		reason := strings.TrimSpace(result.RevertReason)
		if reason == "" {
			reason = "execution reverted"
		}
		return SimulationReport{Outcome: SimulationFail, Reason: reason, GasUsed: result.GasUsed}
	}
	if len(result.Changes) > 0 {
		return SimulationReport{Outcome: SimulationFail, Reason: strings.Join(result.Changes, "; "), GasUsed: result.GasUsed}
	}
	return SimulationReport{Outcome: SimulationPass, GasUsed: result.GasUsed}
}
