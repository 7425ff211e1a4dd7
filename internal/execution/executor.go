package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	clierr "github.com/ggonzalez94/txflow/internal/errors"
	"github.com/ggonzalez94/txflow/internal/event"
	"github.com/ggonzalez94/txflow/internal/execution/signer"
	"github.com/ggonzalez94/txflow/internal/logging"
)

// WarningHandler is consulted after a simulation that did not pass. Returning
// false aborts the session before the execute step.
type WarningHandler func(ctx context.Context, session Session, warning Warning) bool

type Options struct {
	PollInterval   time.Duration
	Logger         *logging.Logger
	Bus            *event.Bus
	WarningHandler WarningHandler
	Now            func() time.Time
}

func DefaultOptions() Options {
	return Options{PollInterval: DefaultPollInterval}
}

// Executor drives sessions one step at a time until they complete, fail on a
// blocking step, or are aborted.
type Executor struct {
	signer    signer.Signer
	watcher   *PendingWatcher
	gate      *SimulationGate
	bus       *event.Bus
	logger    *logging.Logger
	onWarning WarningHandler
	now       func() time.Time

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	mu      sync.Mutex
	aborted bool
	cancel  context.CancelFunc
}

func (r *run) abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = true
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *run) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// guard derives a context that Abort can cancel for the duration of one
// signer, watcher or simulator call.
func (r *run) guard(ctx context.Context) (context.Context, func()) {
	opCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	if r.aborted {
		cancel()
	}
	r.mu.Unlock()
	return opCtx, func() {
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
		cancel()
	}
}

func NewExecutor(txSigner signer.Signer, reader ChainReader, simulator Simulator, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Executor{
		signer:    txSigner,
		watcher:   NewPendingWatcher(reader, opts.PollInterval, logger),
		gate:      NewSimulationGate(simulator, logger),
		bus:       opts.Bus,
		logger:    logger,
		onWarning: opts.WarningHandler,
		now:       now,
		runs:      map[string]*run{},
	}
}

// Run drives session until it is terminal or ctx is done. A Run for a session
// that is already being driven returns nil immediately. A step that already
// carries a hash is watched, never resubmitted. When ctx is cancelled the
// session is left resumable.
func (e *Executor) Run(ctx context.Context, session *Session) error {
	if session == nil {
		return clierr.New(clierr.CodeInternal, "missing session")
	}
	if e.signer == nil {
		return clierr.New(clierr.CodeSigner, "missing signer")
	}
	r, ok := e.begin(session.ID)
	if !ok {
		e.logger.WithSession(session.ID).Debug("session already running")
		return nil
	}
	defer e.end(session.ID)

	if session.IsTerminal() {
		return sessionError(*session)
	}
	if err := e.apply(session, Transition{Type: TransitionStart}); err != nil {
		if errors.Is(err, ErrConfirmationRequired) {
			return clierr.Wrap(clierr.CodeConfirmationRequired, "session must be confirmed before it runs", err)
		}
		return internalError(err)
	}
	logger := e.logger.WithSession(session.ID)
	logger.Debug("session running", "intent", string(session.Intent), "chain_id", session.ChainID, "active_index", session.ActiveIndex)

	for session.Status == SessionStatusRunning {
		if r.isAborted() {
			return e.abortRun(session, logger)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		idx := session.ActiveIndex
		step := session.Steps[idx]
		var err error
		switch {
		case step.Kind == StepKindWaitForSimulation:
			err = e.runSimulation(ctx, r, session, idx)
		case step.CheckForPending:
			err = e.runWait(ctx, r, session, idx)
		default:
			err = e.runAction(ctx, r, session, idx)
		}
		if err != nil {
			return err
		}
	}
	if session.Status == SessionStatusCompleted {
		logger.Info("session completed", "final_hash", session.FinalHash())
		e.publish(SessionEvent{Type: EventSessionCompleted, StepIndex: len(session.Steps) - 1, Hash: session.FinalHash()}, session)
	}
	return nil
}

// Abort stops a running session. Before the active step has a hash the
// pending signature request is cancelled and nothing is submitted; after that
// the broadcast stands and only advancement stops. It reports whether the
// session was running.
func (e *Executor) Abort(sessionID string) bool {
	e.mu.Lock()
	r, ok := e.runs[sessionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	r.abort()
	return true
}

// AbortSession aborts session whether or not it is running.
func (e *Executor) AbortSession(session *Session) error {
	if session == nil {
		return clierr.New(clierr.CodeInternal, "missing session")
	}
	if e.Abort(session.ID) {
		return nil
	}
	if err := e.apply(session, Transition{Type: TransitionAbort}); err != nil {
		if errors.Is(err, ErrSessionTerminal) {
			return clierr.Wrap(clierr.CodeUsage, "session already finished", err)
		}
		return internalError(err)
	}
	e.publish(SessionEvent{Type: EventSessionAborted, StepIndex: session.ActiveIndex}, session)
	return nil
}

// Confirm acknowledges the pre-flight gate of a session that requires it.
func (e *Executor) Confirm(session *Session) error {
	if session == nil {
		return clierr.New(clierr.CodeInternal, "missing session")
	}
	if err := e.apply(session, Transition{Type: TransitionConfirm}); err != nil {
		return clierr.Wrap(clierr.CodeUsage, "confirm session", err)
	}
	return nil
}

func (e *Executor) Running(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[sessionID]
	return ok
}

func (e *Executor) begin(sessionID string) (*run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.runs[sessionID]; ok {
		return nil, false
	}
	r := &run{}
	e.runs[sessionID] = r
	return r, true
}

func (e *Executor) end(sessionID string) {
	e.mu.Lock()
	delete(e.runs, sessionID)
	e.mu.Unlock()
}

func (e *Executor) runAction(ctx context.Context, r *run, session *Session, idx int) error {
	step := session.Steps[idx]
	logger := e.logger.WithSession(session.ID).WithStep(idx, string(step.Kind))
	if step.Hash == "" {
		if step.Status != StepStatusPending {
			if err := e.apply(session, Transition{Type: TransitionReset, StepIndex: idx}); err != nil {
				return internalError(err)
			}
		}
		if err := e.apply(session, Transition{Type: TransitionAct, StepIndex: idx}); err != nil {
			return internalError(err)
		}
		e.publish(SessionEvent{Type: EventStepStarted, StepIndex: idx}, session)
		logger.Debug("requesting signature")

		opCtx, done := r.guard(ctx)
		handle, err := e.perform(opCtx, session.ChainID, step)
		done()
		if err != nil && handle.Hash != "" {
			// Signed and possibly broadcast: keep the hash and never act on this step again.
			if serr := e.submitted(session, idx, handle, logger); serr != nil {
				return serr
			}
			cause := clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("submission of %s is unconfirmed; look it up with watch", handle.Hash), err)
			return e.failStep(session, idx, FailureProvider, cause, nil, logger)
		}
		if err != nil {
			if r.isAborted() {
				return e.abortRun(session, logger)
			}
			if ctx.Err() != nil {
				if rerr := e.apply(session, Transition{Type: TransitionReset, StepIndex: idx}); rerr != nil {
					return internalError(rerr)
				}
				return ctx.Err()
			}
			return e.failStep(session, idx, classify(err), err, nil, logger)
		}
		if err := e.submitted(session, idx, handle, logger); err != nil {
			return err
		}
	}

	// A following wait step owns the confirmation of this hash.
	if next := idx + 1; next < len(session.Steps) && session.Steps[next].CheckForPending {
		if err := e.apply(session, Transition{Type: TransitionSucceed, StepIndex: idx}); err != nil {
			return internalError(err)
		}
		e.publish(SessionEvent{Type: EventStepSucceeded, StepIndex: idx, Hash: session.Steps[idx].Hash}, session)
		return nil
	}
	if session.Steps[idx].Status == StepStatusSubmitted {
		if err := e.apply(session, Transition{Type: TransitionAwait, StepIndex: idx}); err != nil {
			return internalError(err)
		}
	}
	if r.isAborted() {
		return e.abortRun(session, logger)
	}
	return e.watch(ctx, r, session, idx, session.Steps[idx].Hash, logger)
}

func (e *Executor) submitted(session *Session, idx int, handle signer.TxHandle, logger *logging.Logger) error {
	if err := e.apply(session, Transition{Type: TransitionSubmit, StepIndex: idx, Hash: handle.Hash, Proposed: handle.Proposed}); err != nil {
		return internalError(err)
	}
	logger.Info("transaction submitted", "hash", handle.Hash, "proposed", handle.Proposed)
	e.publish(SessionEvent{Type: EventStepSubmitted, StepIndex: idx, Hash: handle.Hash}, session)
	return nil
}

func (e *Executor) runWait(ctx context.Context, r *run, session *Session, idx int) error {
	step := session.Steps[idx]
	logger := e.logger.WithSession(session.ID).WithStep(idx, string(step.Kind))
	if idx == 0 || session.Steps[idx-1].Hash == "" {
		return e.failStep(session, idx, FailureProvider, clierr.New(clierr.CodeActionPlan, "wait step has no submitted transaction to watch"), nil, logger)
	}
	hash := session.Steps[idx-1].Hash
	if step.Status == StepStatusPending {
		if err := e.apply(session, Transition{Type: TransitionAwait, StepIndex: idx}); err != nil {
			return internalError(err)
		}
		e.publish(SessionEvent{Type: EventStepStarted, StepIndex: idx, Hash: hash}, session)
	}
	return e.watch(ctx, r, session, idx, hash, logger)
}

func (e *Executor) watch(ctx context.Context, r *run, session *Session, idx int, hash string, logger *logging.Logger) error {
	logger.Debug("waiting for confirmation", "hash", hash)
	opCtx, done := r.guard(ctx)
	receipt, err := e.watcher.Watch(opCtx, WatchKey{SessionID: session.ID, StepIndex: idx}, hash, session.ChainID)
	done()
	if err != nil {
		if r.isAborted() {
			return e.abortRun(session, logger)
		}
		if ctx.Err() != nil {
			logger.Debug("watch interrupted", "hash", hash)
			return ctx.Err()
		}
		return e.failStep(session, idx, FailureProvider, clierr.Wrap(clierr.CodeUnavailable, "watch transaction", err), nil, logger)
	}
	if !receipt.Succeeded() {
		return e.failStep(session, idx, FailureRevert, clierr.New(clierr.CodeReverted, "transaction reverted on-chain"), &receipt, logger)
	}
	if err := e.apply(session, Transition{Type: TransitionSucceed, StepIndex: idx, Receipt: &receipt}); err != nil {
		return internalError(err)
	}
	logger.Info("transaction confirmed", "hash", hash, "block_number", receipt.BlockNumber)
	e.publish(SessionEvent{Type: EventStepSucceeded, StepIndex: idx, Hash: hash}, session)
	return nil
}

func (e *Executor) runSimulation(ctx context.Context, r *run, session *Session, idx int) error {
	logger := e.logger.WithSession(session.ID).WithStep(idx, string(StepKindWaitForSimulation))
	if err := e.apply(session, Transition{Type: TransitionSimulate, StepIndex: idx}); err != nil {
		return internalError(err)
	}
	e.publish(SessionEvent{Type: EventStepStarted, StepIndex: idx}, session)

	payload, _ := session.ExecutePayload()
	opCtx, done := r.guard(ctx)
	report := e.gate.Evaluate(opCtx, e.signer.Address().Hex(), payload, session.ChainID)
	done()
	if r.isAborted() {
		return e.abortRun(session, logger)
	}
	if err := ctx.Err(); err != nil {
		if rerr := e.apply(session, Transition{Type: TransitionReset, StepIndex: idx}); rerr != nil {
			return internalError(rerr)
		}
		return err
	}

	if report.Outcome == SimulationPass {
		if err := e.apply(session, Transition{Type: TransitionSucceed, StepIndex: idx, Simulation: &report}); err != nil {
			return internalError(err)
		}
		logger.Debug("simulation passed", "gas_used", report.GasUsed)
		e.publish(SessionEvent{Type: EventStepSucceeded, StepIndex: idx}, session)
		return nil
	}

	warning := Warning{StepIndex: idx, Outcome: report.Outcome, Message: report.Reason}
	if err := e.apply(session, Transition{
		Type:       TransitionFail,
		StepIndex:  idx,
		Failure:    FailureSimulation,
		Error:      report.Reason,
		Simulation: &report,
		Warning:    &warning,
	}); err != nil {
		return internalError(err)
	}
	logger.Warn("simulation did not pass", "outcome", string(report.Outcome), "reason", report.Reason)
	e.publish(SessionEvent{Type: EventStepFailed, StepIndex: idx, Failure: FailureSimulation, Error: report.Reason}, session)
	e.publish(SessionEvent{Type: EventSimulationWarning, StepIndex: idx, Warning: &warning}, session)
	if session.Status == SessionStatusFailed {
		e.publish(SessionEvent{Type: EventSessionFailed, StepIndex: idx, Failure: FailureSimulation, Error: report.Reason}, session)
		return clierr.New(clierr.CodeActionSim, "simulation failed: "+report.Reason)
	}
	if e.onWarning != nil && !e.onWarning(ctx, session.Clone(), warning) {
		logger.Info("execution declined after simulation warning")
		return e.abortRun(session, logger)
	}
	return nil
}

func (e *Executor) perform(ctx context.Context, chainID int64, step Step) (signer.TxHandle, error) {
	switch step.Kind {
	case StepKindApproveToken:
		req, err := step.Payload.approval(chainID)
		if err != nil {
			return signer.TxHandle{}, clierr.Wrap(clierr.CodeActionPlan, "build approval request", err)
		}
		return e.signer.Approve(ctx, req)
	case StepKindExecute:
		call, err := step.Payload.call(chainID)
		if err != nil {
			return signer.TxHandle{}, clierr.Wrap(clierr.CodeActionPlan, "build execute request", err)
		}
		return e.signer.Execute(ctx, call)
	default:
		return signer.TxHandle{}, clierr.New(clierr.CodeActionPlan, fmt.Sprintf("step kind %s has no wallet action", step.Kind))
	}
}

func (e *Executor) failStep(session *Session, idx int, kind FailureKind, cause error, receipt *Receipt, logger *logging.Logger) error {
	msg := cause.Error()
	if err := e.apply(session, Transition{Type: TransitionFail, StepIndex: idx, Failure: kind, Error: msg, Receipt: receipt}); err != nil {
		return internalError(err)
	}
	if kind == FailureUserRejected {
		logger.Info("signature request rejected")
	} else {
		logger.Error("step failed", "failure", string(kind), "error", msg)
	}
	e.publish(SessionEvent{Type: EventStepFailed, StepIndex: idx, Failure: kind, Error: msg}, session)
	if session.Status == SessionStatusFailed {
		e.publish(SessionEvent{Type: EventSessionFailed, StepIndex: idx, Failure: kind, Error: msg}, session)
	}
	return failureError(kind, cause)
}

func (e *Executor) abortRun(session *Session, logger *logging.Logger) error {
	if err := e.apply(session, Transition{Type: TransitionAbort}); err != nil && !errors.Is(err, ErrSessionTerminal) {
		return internalError(err)
	}
	logger.Info("session aborted", "active_index", session.ActiveIndex)
	e.publish(SessionEvent{Type: EventSessionAborted, StepIndex: session.ActiveIndex}, session)
	return clierr.New(clierr.CodeAborted, "session aborted")
}

func (e *Executor) apply(session *Session, t Transition) error {
	t.At = e.now()
	next, err := Apply(*session, t)
	if err != nil {
		return err
	}
	*session = next
	return nil
}

func (e *Executor) publish(evt SessionEvent, session *Session) {
	evt.SessionID = session.ID
	if evt.StepKind == "" && evt.StepIndex >= 0 && evt.StepIndex < len(session.Steps) {
		evt.StepKind = session.Steps[evt.StepIndex].Kind
	}
	evt.Session = session.Clone()
	evt.At = e.now()
	e.bus.Publish(evt)
}

func classify(err error) FailureKind {
	switch {
	case errors.Is(err, signer.ErrUserRejected):
		return FailureUserRejected
	case clierr.HasCode(err, clierr.CodeReverted):
		return FailureRevert
	default:
		return FailureProvider
	}
}

func failureError(kind FailureKind, cause error) error {
	switch kind {
	case FailureUserRejected:
		return clierr.Wrap(clierr.CodeUserRejected, "signature request rejected", cause)
	case FailureRevert:
		if clierr.HasCode(cause, clierr.CodeReverted) {
			return cause
		}
		return clierr.Wrap(clierr.CodeReverted, "transaction reverted on-chain", cause)
	}
	if _, ok := clierr.As(cause); ok {
		return cause
	}
	return clierr.Wrap(clierr.CodeUnavailable, "step failed", cause)
}

// sessionError reports the outcome of a session that already finished.
func sessionError(session Session) error {
	switch session.Status {
	case SessionStatusAborted:
		return clierr.New(clierr.CodeAborted, "session aborted")
	case SessionStatusFailed:
		step, ok := session.FailedStep()
		if !ok {
			return clierr.New(clierr.CodeInternal, "session failed")
		}
		return failureError(step.Failure, errors.New(step.Error))
	default:
		return nil
	}
}

func internalError(err error) error {
	return clierr.Wrap(clierr.CodeInternal, "session state", err)
}
