package execution

import (
	"errors"
	"testing"
	"time"
)

func mustApply(t *testing.T, s Session, transitions ...Transition) Session {
	t.Helper()
	for _, tr := range transitions {
		next, err := Apply(s, tr)
		if err != nil {
			t.Fatalf("Apply %s on step %d failed: %v", tr.Type, tr.StepIndex, err)
		}
		s = next
	}
	return s
}

func TestApplyDoesNotModifyInput(t *testing.T) {
	s := newTestSession("s1", true, false)
	started := mustApply(t, s, Transition{Type: TransitionStart})
	acting := mustApply(t, started, Transition{Type: TransitionAct, StepIndex: 0})
	if started.Steps[0].Status != StepStatusPending {
		t.Fatalf("Apply mutated its input: %s", started.Steps[0].Status)
	}
	if acting.Steps[0].Status != StepStatusActing {
		t.Fatalf("expected acting step, got %s", acting.Steps[0].Status)
	}
}

func TestApplyOnlyTouchesActiveStep(t *testing.T) {
	s := mustApply(t, newTestSession("s1", true, false), Transition{Type: TransitionStart})
	if _, err := Apply(s, Transition{Type: TransitionAct, StepIndex: 2}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for non-active step, got %v", err)
	}
}

func TestApplyCursorAdvancesOnlyPastDone(t *testing.T) {
	s := mustApply(t, newTestSession("s1", true, false),
		Transition{Type: TransitionStart},
		Transition{Type: TransitionAct, StepIndex: 0},
	)
	if s.ActiveIndex != 0 {
		t.Fatalf("cursor moved before completion: %d", s.ActiveIndex)
	}
	s = mustApply(t, s,
		Transition{Type: TransitionSubmit, StepIndex: 0, Hash: "0x1"},
		Transition{Type: TransitionSucceed, StepIndex: 0},
	)
	if s.ActiveIndex != 1 {
		t.Fatalf("expected cursor at 1, got %d", s.ActiveIndex)
	}
	if _, err := Apply(s, Transition{Type: TransitionSucceed, StepIndex: 0}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cursor must never move backwards, got %v", err)
	}
}

func TestApplyHashIsImmutable(t *testing.T) {
	s := mustApply(t, newTestSession("s1", false, false), Transition{Type: TransitionStart})
	s.Steps[0].Status = StepStatusActing
	s.Steps[0].Hash = "0x1"
	if _, err := Apply(s, Transition{Type: TransitionSubmit, StepIndex: 0, Hash: "0x2"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected hash overwrite to be rejected, got %v", err)
	}
	if _, err := Apply(s, Transition{Type: TransitionReset, StepIndex: 0}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("a step with a hash cannot be reset, got %v", err)
	}
}

func TestApplyFailBlockingStopsSession(t *testing.T) {
	s := mustApply(t, newTestSession("s1", true, false),
		Transition{Type: TransitionStart},
		Transition{Type: TransitionAct, StepIndex: 0},
		Transition{Type: TransitionFail, StepIndex: 0, Failure: FailureUserRejected},
	)
	if s.Status != SessionStatusFailed || s.ActiveIndex != 0 {
		t.Fatalf("expected failed session at 0, got %s at %d", s.Status, s.ActiveIndex)
	}
	if _, err := Apply(s, Transition{Type: TransitionAct, StepIndex: 0}); !errors.Is(err, ErrSessionTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	step, ok := s.FailedStep()
	if !ok || step.Index != 0 {
		t.Fatalf("expected failed step 0, got %+v %v", step, ok)
	}
}

func TestApplyFailNonBlockingAdvances(t *testing.T) {
	s := mustApply(t, newTestSession("s1", true, true),
		Transition{Type: TransitionStart},
		Transition{Type: TransitionAct, StepIndex: 0},
		Transition{Type: TransitionSubmit, StepIndex: 0, Hash: "0x1"},
		Transition{Type: TransitionSucceed, StepIndex: 0},
		Transition{Type: TransitionAwait, StepIndex: 1},
		Transition{Type: TransitionSucceed, StepIndex: 1},
		Transition{Type: TransitionSimulate, StepIndex: 2},
	)
	w := Warning{StepIndex: 2, Outcome: SimulationUnavailable, Message: "offline"}
	s = mustApply(t, s, Transition{Type: TransitionFail, StepIndex: 2, Failure: FailureSimulation, Warning: &w})
	if s.Status != SessionStatusRunning || s.ActiveIndex != 3 {
		t.Fatalf("expected running session at 3, got %s at %d", s.Status, s.ActiveIndex)
	}
	if len(s.Warnings) != 1 || s.Warnings[0] != w {
		t.Fatalf("expected warning recorded, got %+v", s.Warnings)
	}
}

func TestApplyWaitStepCannotAct(t *testing.T) {
	s := mustApply(t, newTestSession("s1", true, false),
		Transition{Type: TransitionStart},
		Transition{Type: TransitionAct, StepIndex: 0},
		Transition{Type: TransitionSubmit, StepIndex: 0, Hash: "0x1"},
		Transition{Type: TransitionSucceed, StepIndex: 0},
	)
	if _, err := Apply(s, Transition{Type: TransitionAct, StepIndex: 1}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("wait step must not perform a wallet action, got %v", err)
	}
}

func TestApplyStartRequiresConfirmation(t *testing.T) {
	s := newTestSession("s1", false, false)
	s.RequiresConfirmation = true
	if _, err := Apply(s, Transition{Type: TransitionStart}); !errors.Is(err, ErrConfirmationRequired) {
		t.Fatalf("expected confirmation required, got %v", err)
	}
	s = mustApply(t, s, Transition{Type: TransitionConfirm}, Transition{Type: TransitionStart})
	if s.Status != SessionStatusRunning {
		t.Fatalf("expected running session, got %s", s.Status)
	}
}

func TestApplyAbortResetsActingStep(t *testing.T) {
	s := mustApply(t, newTestSession("s1", false, false),
		Transition{Type: TransitionStart},
		Transition{Type: TransitionAct, StepIndex: 0},
		Transition{Type: TransitionAbort},
	)
	if s.Status != SessionStatusAborted || s.Steps[0].Status != StepStatusPending {
		t.Fatalf("expected aborted session with pending step, got %s/%s", s.Status, s.Steps[0].Status)
	}
	if _, err := Apply(s, Transition{Type: TransitionAbort}); !errors.Is(err, ErrSessionTerminal) {
		t.Fatalf("expected terminal error on second abort, got %v", err)
	}
	if _, err := Apply(s, Transition{Type: TransitionAct, StepIndex: 0}); !errors.Is(err, ErrSessionTerminal) {
		t.Fatalf("aborted session must not act, got %v", err)
	}
}

func TestApplyStampsUpdatedAt(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := mustApply(t, newTestSession("s1", false, false), Transition{Type: TransitionStart, At: at})
	if s.UpdatedAt != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected updated_at %s", s.UpdatedAt)
	}
}

func TestSessionCloneIsDeep(t *testing.T) {
	s := newTestSession("s1", false, false)
	s.Metadata = map[string]string{"pair": "WETH/USDC"}
	c := s.Clone()
	c.Steps[0].Status = StepStatusDone
	c.Metadata["pair"] = "changed"
	if s.Steps[0].Status != StepStatusPending || s.Metadata["pair"] != "WETH/USDC" {
		t.Fatal("Clone shares state with the original")
	}
}
