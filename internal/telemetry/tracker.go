// Package telemetry turns session events into analytics events and error
// reports. It never forwards step payloads.
package telemetry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ggonzalez94/txflow/internal/event"
	"github.com/ggonzalez94/txflow/internal/execution"
	"github.com/ggonzalez94/txflow/internal/logging"
)

const (
	EventTransactionCancelled = "transaction_cancelled"
	EventSimulationWarning    = "simulation_warning"
	EventSessionCompleted     = "session_completed"
	EventSessionAborted       = "session_aborted"
)

// AnalyticsEvent is a product analytics signal. Properties hold flow context
// only.
type AnalyticsEvent struct {
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties,omitempty"`
	At         time.Time         `json:"at"`
}

// ErrorReport describes a failure that is not the user's choice.
type ErrorReport struct {
	Message   string            `json:"message"`
	Failure   string            `json:"failure"`
	SessionID string            `json:"session_id"`
	Intent    string            `json:"intent"`
	ChainID   int64             `json:"chain_id"`
	StepIndex int               `json:"step_index"`
	StepKind  string            `json:"step_kind"`
	Context   map[string]string `json:"context,omitempty"`
	At        time.Time         `json:"at"`
}

type Sink interface {
	Track(ctx context.Context, evt AnalyticsEvent) error
	Report(ctx context.Context, report ErrorReport) error
}

// Tracker observes a bus and forwards to a sink. Sink errors are logged and
// dropped.
type Tracker struct {
	sink    Sink
	logger  *logging.Logger
	timeout time.Duration

	mu   sync.Mutex
	subs []string
}

func NewTracker(sink Sink, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Tracker{sink: sink, logger: logger, timeout: 5 * time.Second}
}

// Attach subscribes the tracker to bus.
func (t *Tracker) Attach(bus *event.Bus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, eventType := range []string{
		execution.EventStepFailed,
		execution.EventSimulationWarning,
		execution.EventSessionCompleted,
		execution.EventSessionAborted,
	} {
		t.subs = append(t.subs, bus.Subscribe(eventType, t.handle))
	}
}

// Detach removes every subscription made by Attach.
func (t *Tracker) Detach(bus *event.Bus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.subs {
		bus.Unsubscribe(id)
	}
	t.subs = nil
}

func (t *Tracker) handle(evt event.Event) {
	se, ok := evt.(execution.SessionEvent)
	if !ok || t.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	var err error
	switch se.Type {
	case execution.EventStepFailed:
		switch se.Failure {
		case execution.FailureUserRejected:
			err = t.sink.Track(ctx, analytics(EventTransactionCancelled, se))
		case execution.FailureSimulation, execution.FailureAborted:
			// Reported through simulation_warning and session_aborted.
		default:
			err = t.sink.Report(ctx, report(se))
		}
	case execution.EventSimulationWarning:
		a := analytics(EventSimulationWarning, se)
		if se.Warning != nil {
			a.Properties["outcome"] = string(se.Warning.Outcome)
		}
		err = t.sink.Track(ctx, a)
	case execution.EventSessionCompleted:
		err = t.sink.Track(ctx, analytics(EventSessionCompleted, se))
	case execution.EventSessionAborted:
		err = t.sink.Track(ctx, analytics(EventSessionAborted, se))
	}
	if err != nil {
		t.logger.Warn("telemetry delivery failed", "event", se.Type, "session_id", se.SessionID, "error", err.Error())
	}
}

func analytics(name string, se execution.SessionEvent) AnalyticsEvent {
	props := flowContext(se.Session)
	props["session_id"] = se.SessionID
	props["intent"] = string(se.Session.Intent)
	props["chain_id"] = strconv.FormatInt(se.Session.ChainID, 10)
	if se.StepKind != "" {
		props["step_kind"] = string(se.StepKind)
		props["step_index"] = strconv.Itoa(se.StepIndex)
	}
	return AnalyticsEvent{Name: name, Properties: props, At: se.At}
}

func report(se execution.SessionEvent) ErrorReport {
	return ErrorReport{
		Message:   se.Error,
		Failure:   string(se.Failure),
		SessionID: se.SessionID,
		Intent:    string(se.Session.Intent),
		ChainID:   se.Session.ChainID,
		StepIndex: se.StepIndex,
		StepKind:  string(se.StepKind),
		Context:   flowContext(se.Session),
		At:        se.At,
	}
}

// flowContext copies session-level metadata such as the pair. Step payloads
// and their metadata are never included.
func flowContext(s execution.Session) map[string]string {
	out := make(map[string]string, len(s.Metadata)+4)
	for k, v := range s.Metadata {
		out[k] = v
	}
	return out
}
