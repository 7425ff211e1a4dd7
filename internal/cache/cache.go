package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// Store is a sqlite key/value cache shared between txflow processes. Writes
// are serialized across processes with a file lock.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

type Entry struct {
	Value    []byte
	StoredAt time.Time
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"CREATE TABLE IF NOT EXISTS entries (key TEXT PRIMARY KEY, value BLOB NOT NULL, stored_at INTEGER NOT NULL, expires_at INTEGER NOT NULL);",
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	store := &Store{db: db, lock: flock.New(lockPath), now: time.Now}
	_, _ = store.Prune(context.Background())
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the entry for key. Expired entries are reported as misses.
func (s *Store) Get(ctx context.Context, key string) (Entry, bool, error) {
	if s == nil || s.db == nil {
		return Entry{}, false, nil
	}
	var (
		value     []byte
		storedAt  int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, "SELECT value, stored_at, expires_at FROM entries WHERE key = ?", key).Scan(&value, &storedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache read: %w", err)
	}
	if expiresAt > 0 && s.now().UTC().Unix() >= expiresAt {
		return Entry{}, false, nil
	}
	return Entry{Value: value, StoredAt: time.Unix(storedAt, 0).UTC()}, true, nil
}

// Put stores value under key. A non-positive ttl keeps the entry until it is
// deleted.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return nil
	}
	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	now := s.now().UTC()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).Unix()
		if expiresAt <= now.Unix() {
			expiresAt = now.Unix() + 1
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entries (key, value, stored_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value,
			stored_at=excluded.stored_at,
			expires_at=excluded.expires_at
	`, key, value, now.Unix(), expiresAt)
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return nil
	}
	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Prune removes expired entries and reports how many were deleted.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE expires_at > 0 AND expires_at <= ?", s.now().UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) acquire(ctx context.Context) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("lock cache: timeout acquiring lock")
	}
	return func() { _ = s.lock.Unlock() }, nil
}
