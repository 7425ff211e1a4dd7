package history

import (
	"context"
	"time"

	"github.com/ggonzalez94/txflow/internal/event"
	"github.com/ggonzalez94/txflow/internal/execution"
	"github.com/ggonzalez94/txflow/internal/execution/signer"
	"github.com/ggonzalez94/txflow/internal/logging"
)

// Recorder hands completed sessions to the store. It only ever sees the
// final transaction of a flow.
type Recorder interface {
	Record(ctx context.Context, handle signer.TxHandle, meta Metadata) (Entry, error)
}

// FromSession extracts what a completed session hands off. ok is false when
// the session has not completed or never submitted a transaction.
func FromSession(session execution.Session) (signer.TxHandle, Metadata, bool) {
	if session.Status != execution.SessionStatusCompleted {
		return signer.TxHandle{}, Metadata{}, false
	}
	for i := len(session.Steps) - 1; i >= 0; i-- {
		step := session.Steps[i]
		if step.Hash == "" {
			continue
		}
		handle := signer.TxHandle{Hash: step.Hash, ChainID: session.ChainID, Proposed: step.Proposed}
		meta := Metadata{SessionID: session.ID, Intent: string(session.Intent), Fields: copyFields(session.Metadata)}
		if step.Receipt != nil && step.Receipt.TransactionHash != "" && step.Proposed {
			if meta.Fields == nil {
				meta.Fields = map[string]string{}
			}
			meta.Fields["executed_tx_hash"] = step.Receipt.TransactionHash
		}
		return handle, meta, true
	}
	return signer.TxHandle{}, Metadata{}, false
}

// Subscribe records every session_completed event published on bus. It
// returns the subscription id.
func Subscribe(bus *event.Bus, recorder Recorder, logger *logging.Logger) string {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return bus.Subscribe(execution.EventSessionCompleted, func(evt event.Event) {
		se, ok := evt.(execution.SessionEvent)
		if !ok {
			return
		}
		handle, meta, ok := FromSession(se.Session)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := recorder.Record(ctx, handle, meta); err != nil {
			logger.Warn("record history failed", "session_id", se.SessionID, "hash", handle.Hash, "error", err.Error())
			return
		}
		logger.Debug("history recorded", "session_id", se.SessionID, "hash", handle.Hash)
	})
}
