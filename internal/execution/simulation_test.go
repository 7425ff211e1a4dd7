package execution

import (
	"context"
	"errors"
	"testing"
)

func TestSimulationGateOutcomes(t *testing.T) {
	payload := Payload{Target: testTarget, Data: "0x01", Value: "5"}
	cases := []struct {
		name    string
		sim     Simulator
		outcome SimulationOutcome
		reason  string
	}{
		{name: "pass", sim: &fakeSimulator{result: SimulationResult{Success: true}}, outcome: SimulationPass},
		{name: "revert with reason", sim: &fakeSimulator{result: SimulationResult{RevertReason: "too little received"}}, outcome: SimulationFail, reason: "too little received"},
		{name: "revert without reason", sim: &fakeSimulator{}, outcome: SimulationFail, reason: "execution reverted"},
		{name: "adverse change", sim: &fakeSimulator{result: SimulationResult{Success: true, Changes: []string{"balance drained"}}}, outcome: SimulationFail, reason: "balance drained"},
		{name: "simulator error", sim: &fakeSimulator{err: errors.New("503")}, outcome: SimulationUnavailable, reason: "503"},
		{name: "unsupported chain", sim: &fakeSimulator{err: ErrSimulationUnsupported}, outcome: SimulationUnavailable, reason: ErrSimulationUnsupported.Error()},
		{name: "no simulator", sim: nil, outcome: SimulationUnavailable, reason: "no simulator configured"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gate := NewSimulationGate(tc.sim, nil)
			report := gate.Evaluate(context.Background(), "0xfrom", payload, 1)
			if report.Outcome != tc.outcome || report.Reason != tc.reason {
				t.Fatalf("got %s/%q, want %s/%q", report.Outcome, report.Reason, tc.outcome, tc.reason)
			}
		})
	}
}

func TestSimulationGatePassesPayloadThrough(t *testing.T) {
	sim := &fakeSimulator{result: SimulationResult{Success: true}}
	NewSimulationGate(sim, nil).Evaluate(context.Background(), "0xfrom", Payload{Target: testTarget, Data: "0xab", Value: "7"}, 8453)
	want := SimulationRequest{ChainID: 8453, From: "0xfrom", To: testTarget, Data: "0xab", Value: "7"}
	if sim.last != want {
		t.Fatalf("unexpected request %+v", sim.last)
	}
}
