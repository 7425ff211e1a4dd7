package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	clierr "github.com/ggonzalez94/txflow/internal/errors"
	"github.com/ggonzalez94/txflow/internal/execution/signer"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get for unknown hashes.
var ErrNotFound = errors.New("history entry not found")

// Metadata is the flow context stored next to a transaction hash.
type Metadata struct {
	SessionID string
	Intent    string
	Fields    map[string]string
}

type Entry struct {
	Hash       string            `json:"hash"`
	ChainID    int64             `json:"chain_id"`
	Proposed   bool              `json:"proposed"`
	SessionID  string            `json:"session_id,omitempty"`
	Intent     string            `json:"intent,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	RecordedAt string            `json:"recorded_at"`
}

type Filter struct {
	ChainID int64
	Intent  string
	Limit   int
}

// Store keeps the hand-off record of completed flows.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create history lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS transactions (
			chain_id INTEGER NOT NULL,
			hash TEXT NOT NULL,
			intent TEXT NOT NULL,
			session_id TEXT NOT NULL,
			recorded_at INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (chain_id, hash)
		);`,
		"CREATE INDEX IF NOT EXISTS idx_transactions_recorded ON transactions(recorded_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init history schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath), now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores the hand-off for a submitted transaction. Recording the same
// chain and hash again replaces the earlier entry.
func (s *Store) Record(ctx context.Context, handle signer.TxHandle, meta Metadata) (Entry, error) {
	hash := strings.TrimSpace(handle.Hash)
	if hash == "" {
		return Entry{}, clierr.New(clierr.CodeUsage, "record history: missing transaction hash")
	}
	if handle.ChainID <= 0 {
		return Entry{}, clierr.New(clierr.CodeUsage, "record history: missing chain id")
	}
	now := s.now().UTC()
	entry := Entry{
		Hash:       hash,
		ChainID:    handle.ChainID,
		Proposed:   handle.Proposed,
		SessionID:  meta.SessionID,
		Intent:     meta.Intent,
		Metadata:   copyFields(meta.Fields),
		RecordedAt: now.Format(time.RFC3339),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal history entry: %w", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil {
		return Entry{}, fmt.Errorf("lock history store: %w", err)
	}
	if !locked {
		return Entry{}, fmt.Errorf("lock history store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (chain_id, hash, intent, session_id, recorded_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_id, hash) DO UPDATE SET
			intent=excluded.intent,
			session_id=excluded.session_id,
			recorded_at=excluded.recorded_at,
			payload=excluded.payload
	`, entry.ChainID, strings.ToLower(hash), entry.Intent, entry.SessionID, now.Unix(), payload)
	if err != nil {
		return Entry{}, fmt.Errorf("record history: %w", err)
	}
	return entry, nil
}

func (s *Store) Get(ctx context.Context, chainID int64, hash string) (Entry, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM transactions WHERE chain_id = ? AND hash = ?", chainID, strings.ToLower(strings.TrimSpace(hash))).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return Entry{}, fmt.Errorf("read history entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode history entry: %w", err)
	}
	return entry, nil
}

// List returns the newest entries first.
func (s *Store) List(ctx context.Context, filter Filter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	query := "SELECT payload FROM transactions"
	var (
		where []string
		args  []any
	)
	if filter.ChainID > 0 {
		where = append(where, "chain_id = ?")
		args = append(args, filter.ChainID)
	}
	if intent := strings.TrimSpace(filter.Intent); intent != "" {
		where = append(where, "intent = ?")
		args = append(args, intent)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY recorded_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		var entry Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, fmt.Errorf("decode history row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return entries, nil
}

func copyFields(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
