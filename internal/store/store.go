// Package store is the document store backing the control plane: API keys,
// providers, pools, policies, budgets, alerts and the outbound mail queue.
//
// Documents are kept as JSON blobs with the queried fields denormalized into
// columns. The store exposes a contract, not a schema — callers load a key by
// hash, a provider by id, a pool by id, a policy by id; the hot-path lookups
// are memoized by their callers.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite is single-writer; a second writer connection only produces
	// SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the raw handle for the usage fallback sink and tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// NewID returns a fresh 12-byte object id in hex.
func NewID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// ── Scoped visibility ─────────────────────────────────────────────────────────

type scopeKey struct{}

type scopeState struct {
	unscoped bool
	allowed  []string
}

// WithScopes returns a context whose store reads are filtered to documents
// visible under the given scope paths.
func WithScopes(ctx context.Context, paths []string) context.Context {
	return context.WithValue(ctx, scopeKey{}, &scopeState{allowed: paths})
}

// Unscoped returns a context that disables scope filtering for nested calls,
// for administrative and background operations.
func Unscoped(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, &scopeState{unscoped: true})
}

// visible reports whether a document with the given scopes may be returned
// under ctx. A document is visible when scoping is inactive, when it carries
// the wildcard /ALL/, or when one of its scopes is a prefix of an allowed
// path.
func visible(ctx context.Context, docScopes []string) bool {
	st, ok := ctx.Value(scopeKey{}).(*scopeState)
	if !ok || st.unscoped {
		return true
	}
	for _, ds := range docScopes {
		if ds == "/ALL/" {
			return true
		}
		for _, allowed := range st.allowed {
			if strings.HasPrefix(allowed, ds) {
				return true
			}
		}
	}
	return false
}

// ── Generic document helpers ──────────────────────────────────────────────────

type scoped interface{ scopeList() []string }

func getDoc[T any](ctx context.Context, db *sql.DB, query string, args ...any) (*T, error) {
	var raw []byte
	err := db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc := new(T)
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("store: decode document: %w", err)
	}
	return doc, nil
}

func listDocs[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		doc := new(T)
		if err := json.Unmarshal(raw, doc); err != nil {
			return nil, fmt.Errorf("store: decode document: %w", err)
		}
		if sc, ok := any(doc).(scoped); ok && !visible(ctx, sc.scopeList()) {
			continue
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}
