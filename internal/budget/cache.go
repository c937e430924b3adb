// Package budget implements the on-disk budget cache consulted on every
// successful completion and the maintainer that refreshes it.
//
// The cache is a single SQLite file keyed by the 12-byte id (hex) of the
// watched object — an API key or a provider. It has exactly one writer, the
// budget maintainer loop; request handlers only read.
package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one cached budget snapshot.
type Entry struct {
	ObjectID  string
	Usage     float64
	Budget    float64
	Remaining float64
	UpdatedAt time.Time
}

// Cache is the single-file key-value store.
type Cache struct {
	db  *sql.DB
	ttl time.Duration
}

// OpenCache opens (or creates) the cache file. Entries older than ttl read
// as misses.
func OpenCache(path string, ttl time.Duration) (*Cache, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("budget: open cache %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS budget_cache (
			object_id  TEXT PRIMARY KEY,
			usage      REAL NOT NULL,
			budget     REAL NOT NULL,
			remaining  REAL NOT NULL,
			updated_at INTEGER NOT NULL
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("budget: init cache: %w", err)
	}

	return &Cache{db: db, ttl: ttl}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// Get returns the entry for an object id, or nil on miss or TTL expiry.
// Misses are silent by contract.
func (c *Cache) Get(ctx context.Context, objectID string) (*Entry, error) {
	var (
		e         Entry
		updatedMs int64
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT object_id, usage, budget, remaining, updated_at
		FROM budget_cache WHERE object_id = ?`, objectID,
	).Scan(&e.ObjectID, &e.Usage, &e.Budget, &e.Remaining, &updatedMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	e.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if time.Since(e.UpdatedAt) > c.ttl {
		return nil, nil
	}
	return &e, nil
}

// Put writes one entry, stamping it now.
func (c *Cache) Put(ctx context.Context, e *Entry) error {
	e.UpdatedAt = time.Now().UTC()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO budget_cache (object_id, usage, budget, remaining, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (object_id) DO UPDATE SET
			usage = excluded.usage,
			budget = excluded.budget,
			remaining = excluded.remaining,
			updated_at = excluded.updated_at`,
		e.ObjectID, e.Usage, e.Budget, e.Remaining, e.UpdatedAt.UnixMilli(),
	)
	return err
}

// Spend picks the tighter of the key and provider cache entries and returns
// the (remaining, spent) pair to attach to a response. Either entry may be
// nil; both nil yields ok=false.
func Spend(keyEntry, llmEntry *Entry) (remaining, spent float64, ok bool) {
	pick := keyEntry
	switch {
	case pick == nil:
		pick = llmEntry
	case llmEntry != nil && llmEntry.Remaining < pick.Remaining:
		pick = llmEntry
	}
	if pick == nil {
		return 0, 0, false
	}
	return pick.Remaining, pick.Usage, true
}
