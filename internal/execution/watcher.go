package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	clierr "github.com/ggonzalez94/txflow/internal/errors"
	"github.com/ggonzalez94/txflow/internal/logging"
	"golang.org/x/sync/singleflight"
)

const DefaultPollInterval = 2 * time.Second

const (
	ReceiptStatusFailed     uint64 = 0
	ReceiptStatusSuccessful uint64 = 1
)

// Receipt is the terminal on-chain state of a submitted transaction. For Safe
// proposals TransactionHash is the hash of the executing transaction.
type Receipt struct {
	Hash            string `json:"hash"`
	ChainID         int64  `json:"chain_id"`
	Status          uint64 `json:"status"`
	BlockNumber     uint64 `json:"block_number,omitempty"`
	GasUsed         uint64 `json:"gas_used,omitempty"`
	TransactionHash string `json:"transaction_hash,omitempty"`
}

func (r Receipt) Succeeded() bool {
	return r.Status == ReceiptStatusSuccessful
}

// ChainReader fetches receipts. A nil receipt with a nil error means the
// transaction is not mined yet.
type ChainReader interface {
	Receipt(ctx context.Context, hash string, chainID int64) (*Receipt, error)
}

// WatchKey scopes a watch to one step of one session.
type WatchKey struct {
	SessionID string `json:"session_id"`
	StepIndex int    `json:"step_index"`
}

func (k WatchKey) String() string {
	return fmt.Sprintf("%s/%d", k.SessionID, k.StepIndex)
}

// PendingWatcher polls a ChainReader at a constant interval until a hash has
// a receipt. There is no timeout; the caller's context bounds the watch.
type PendingWatcher struct {
	reader   ChainReader
	interval time.Duration
	logger   *logging.Logger

	group  singleflight.Group
	mu     sync.Mutex
	active map[WatchKey]*activeWatch
}

type activeWatch struct {
	hash    string
	callers int
}

func NewPendingWatcher(reader ChainReader, interval time.Duration, logger *logging.Logger) *PendingWatcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &PendingWatcher{
		reader:   reader,
		interval: interval,
		logger:   logger,
		active:   map[WatchKey]*activeWatch{},
	}
}

// Watch blocks until hash has a receipt or ctx is done. Concurrent watches of
// the same key and hash share one poll loop; each caller still stops on its
// own ctx, and a caller whose shared poll was cancelled by another caller
// starts polling again under its own ctx.
func (w *PendingWatcher) Watch(ctx context.Context, key WatchKey, hash string, chainID int64) (Receipt, error) {
	if w.reader == nil {
		return Receipt{}, fmt.Errorf("pending watcher has no chain reader")
	}
	w.track(key, hash)
	defer w.untrack(key)

	flight := fmt.Sprintf("%s/%d/%s", key, chainID, hash)
	for {
		ch := w.group.DoChan(flight, func() (any, error) {
			return w.poll(ctx, key, hash, chainID)
		})
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				if isContextErr(res.Err) && ctx.Err() == nil {
					continue
				}
				return Receipt{}, res.Err
			}
			return res.Val.(Receipt), nil
		}
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (w *PendingWatcher) poll(ctx context.Context, key WatchKey, hash string, chainID int64) (Receipt, error) {
	logger := w.logger.With("session_id", key.SessionID, "step_index", key.StepIndex, "hash", hash)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	polls := 0
	for {
		polls++
		receipt, err := w.reader.Receipt(ctx, hash, chainID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Receipt{}, ctx.Err()
			}
			if clierr.HasCode(err, clierr.CodeUsage) {
				return Receipt{}, err
			}
			// Transient RPC failures keep the watch alive.
			logger.Debug("receipt poll failed", "poll", polls, "error", err.Error())
		case receipt != nil:
			logger.Debug("receipt found", "poll", polls, "status", receipt.Status)
			return *receipt, nil
		default:
			logger.Debug("transaction pending", "poll", polls)
		}
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Active lists the keys currently being watched.
func (w *PendingWatcher) Active() []WatchKey {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]WatchKey, 0, len(w.active))
	for k := range w.active {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StepIndex < out[j].StepIndex
	})
	return out
}

func (w *PendingWatcher) track(key WatchKey, hash string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if a, ok := w.active[key]; ok {
		a.callers++
		a.hash = hash
		return
	}
	w.active[key] = &activeWatch{hash: hash, callers: 1}
}

func (w *PendingWatcher) untrack(key WatchKey) {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.active[key]
	if !ok {
		return
	}
	a.callers--
	if a.callers <= 0 {
		delete(w.active, key)
	}
}
