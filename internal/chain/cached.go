package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ggonzalez94/txflow/internal/cache"
	"github.com/ggonzalez94/txflow/internal/execution"
	"github.com/ggonzalez94/txflow/internal/logging"
)

// CachedReader serves mined receipts from the local cache. Pending lookups
// always go to the wrapped reader.
type CachedReader struct {
	next   execution.ChainReader
	store  *cache.Store
	ttl    time.Duration
	logger *logging.Logger
}

func NewCachedReader(next execution.ChainReader, store *cache.Store, ttl time.Duration, logger *logging.Logger) *CachedReader {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &CachedReader{next: next, store: store, ttl: ttl, logger: logger}
}

func (r *CachedReader) Receipt(ctx context.Context, hash string, chainID int64) (*execution.Receipt, error) {
	key := receiptKey(chainID, hash)
	entry, ok, err := r.store.Get(ctx, key)
	if err != nil {
		r.logger.Warn("receipt cache read failed", "key", key, "error", err.Error())
	}
	if ok {
		var receipt execution.Receipt
		if err := json.Unmarshal(entry.Value, &receipt); err == nil {
			return &receipt, nil
		}
	}

	receipt, err := r.next.Receipt(ctx, hash, chainID)
	if err != nil || receipt == nil {
		return receipt, err
	}
	buf, err := json.Marshal(receipt)
	if err == nil {
		err = r.store.Put(ctx, key, buf, r.ttl)
	}
	if err != nil {
		r.logger.Warn("receipt cache write failed", "key", key, "error", err.Error())
	}
	return receipt, nil
}

func receiptKey(chainID int64, hash string) string {
	return fmt.Sprintf("receipt:%d:%s", chainID, strings.ToLower(strings.TrimSpace(hash)))
}
