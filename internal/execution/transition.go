package execution

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrSessionTerminal      = errors.New("session is terminal")
	ErrConfirmationRequired = errors.New("session requires confirmation before it can start")
)

type TransitionType string

const (
	TransitionConfirm  TransitionType = "confirm"
	TransitionStart    TransitionType = "start"
	TransitionAct      TransitionType = "act"
	TransitionSubmit   TransitionType = "submit"
	TransitionAwait    TransitionType = "await"
	TransitionSimulate TransitionType = "simulate"
	TransitionSucceed  TransitionType = "succeed"
	TransitionFail     TransitionType = "fail"
	TransitionReset    TransitionType = "reset"
	TransitionAbort    TransitionType = "abort"
)

// Transition is one input to Apply. StepIndex must name the active step for
// step-level transitions.
type Transition struct {
	Type       TransitionType
	StepIndex  int
	Hash       string
	Proposed   bool
	Receipt    *Receipt
	Simulation *SimulationReport
	Failure    FailureKind
	Error      string
	Warning    *Warning
	At         time.Time
}

// Apply computes the session that results from t. The input is never
// modified. Apply enforces the forward-only cursor, the single in-flight step
// and the immutability of step hashes.
func Apply(s Session, t Transition) (Session, error) {
	next := s.Clone()
	if !t.At.IsZero() {
		next.UpdatedAt = t.At.UTC().Format(time.RFC3339)
	}

	switch t.Type {
	case TransitionConfirm:
		if next.IsTerminal() {
			return s, ErrSessionTerminal
		}
		next.Confirmed = true
		return next, nil
	case TransitionStart:
		switch next.Status {
		case SessionStatusRunning:
			return next, nil
		case SessionStatusPending:
		default:
			return s, ErrSessionTerminal
		}
		if next.RequiresConfirmation && !next.Confirmed {
			return s, ErrConfirmationRequired
		}
		next.Status = SessionStatusRunning
		if next.ActiveIndex >= len(next.Steps) {
			next.Status = SessionStatusCompleted
		}
		return next, nil
	case TransitionAbort:
		if next.IsTerminal() {
			return s, ErrSessionTerminal
		}
		if step, ok := next.ActiveStep(); ok && step.Hash == "" && step.InFlight() {
			next.Steps[step.Index].Status = StepStatusPending
		}
		next.Status = SessionStatusAborted
		return next, nil
	}

	if next.Status == SessionStatusAborted {
		return applyAfterAbort(s, next, t)
	}
	if next.Status != SessionStatusRunning {
		if next.IsTerminal() {
			return s, ErrSessionTerminal
		}
		return s, fmt.Errorf("%w: %s on a session that has not started", ErrInvalidTransition, t.Type)
	}
	if t.StepIndex != next.ActiveIndex || t.StepIndex >= len(next.Steps) {
		return s, fmt.Errorf("%w: %s targets step %d, active step is %d", ErrInvalidTransition, t.Type, t.StepIndex, next.ActiveIndex)
	}
	step := &next.Steps[t.StepIndex]

	switch t.Type {
	case TransitionAct:
		if step.Status != StepStatusPending || step.Hash != "" || step.CheckForPending {
			return s, invalid(t, step)
		}
		step.Status = StepStatusActing
	case TransitionSubmit:
		if step.Status != StepStatusActing || t.Hash == "" {
			return s, invalid(t, step)
		}
		if step.Hash != "" {
			return s, fmt.Errorf("%w: step %d already has hash %s", ErrInvalidTransition, step.Index, step.Hash)
		}
		step.Hash = t.Hash
		step.Proposed = t.Proposed
		step.Status = StepStatusSubmitted
	case TransitionAwait:
		switch {
		case step.Status == StepStatusSubmitted:
		case step.Status == StepStatusPending && step.CheckForPending:
		default:
			return s, invalid(t, step)
		}
		step.Status = StepStatusAwaitingConfirmation
	case TransitionSimulate:
		if step.Status != StepStatusPending || step.Kind != StepKindWaitForSimulation {
			return s, invalid(t, step)
		}
		step.Status = StepStatusSimulating
	case TransitionSucceed:
		if step.Status != StepStatusSubmitted && step.Status != StepStatusAwaitingConfirmation && step.Status != StepStatusSimulating {
			return s, invalid(t, step)
		}
		step.Status = StepStatusDone
		step.Receipt = t.Receipt
		if t.Simulation != nil {
			step.Simulation = t.Simulation
		}
		advance(&next)
	case TransitionFail:
		if step.Status == StepStatusDone || step.Status == StepStatusFailed {
			return s, invalid(t, step)
		}
		step.Status = StepStatusFailed
		step.Failure = t.Failure
		step.Error = t.Error
		step.Receipt = t.Receipt
		if t.Simulation != nil {
			step.Simulation = t.Simulation
		}
		if t.Warning != nil {
			next.Warnings = append(next.Warnings, *t.Warning)
		}
		if step.BlocksSequence {
			next.Status = SessionStatusFailed
		} else {
			advance(&next)
		}
	case TransitionReset:
		if step.Hash != "" || !step.InFlight() || step.Status == StepStatusAwaitingConfirmation {
			return s, invalid(t, step)
		}
		step.Status = StepStatusPending
	default:
		return s, fmt.Errorf("%w: unknown transition %q", ErrInvalidTransition, t.Type)
	}
	return next, nil
}

// applyAfterAbort only lets the outcome of an already broadcast step be
// recorded. The cursor never moves once a session is aborted.
func applyAfterAbort(s, next Session, t Transition) (Session, error) {
	if t.StepIndex < 0 || t.StepIndex >= len(next.Steps) {
		return s, ErrSessionTerminal
	}
	step := &next.Steps[t.StepIndex]
	if step.Hash == "" || !step.InFlight() {
		return s, ErrSessionTerminal
	}
	switch t.Type {
	case TransitionSucceed:
		step.Status = StepStatusDone
		step.Receipt = t.Receipt
	case TransitionFail:
		step.Status = StepStatusFailed
		step.Failure = t.Failure
		step.Error = t.Error
		step.Receipt = t.Receipt
	default:
		return s, ErrSessionTerminal
	}
	return next, nil
}

func advance(s *Session) {
	s.ActiveIndex++
	if s.ActiveIndex >= len(s.Steps) {
		s.ActiveIndex = len(s.Steps)
		s.Status = SessionStatusCompleted
	}
}

func invalid(t Transition, step *Step) error {
	return fmt.Errorf("%w: %s from %s on step %d (%s)", ErrInvalidTransition, t.Type, step.Status, step.Index, step.Kind)
}
