package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashKey returns the sha256 hex digest of an opaque API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// KeySuffix returns the display suffix stored next to the hash.
func KeySuffix(key string) string {
	if len(key) <= 6 {
		return key
	}
	return key[len(key)-6:]
}

// KeyByHash loads an API key document by its sha256 hash.
func (s *Store) KeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	return getDoc[APIKey](ctx, s.db, `SELECT doc FROM api_keys WHERE key_hash = ?`, hash)
}

// KeyByID loads an API key document by id.
func (s *Store) KeyByID(ctx context.Context, id string) (*APIKey, error) {
	return getDoc[APIKey](ctx, s.db, `SELECT doc FROM api_keys WHERE id = ?`, id)
}

// Keys lists API key documents visible under ctx scoping.
func (s *Store) Keys(ctx context.Context) ([]*APIKey, error) {
	return listDocs[APIKey](ctx, s.db, `SELECT doc FROM api_keys ORDER BY updated_at`)
}

// PutKey inserts or replaces an API key document.
func (s *Store) PutKey(ctx context.Context, k *APIKey) error {
	doc, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("store: encode key: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, key_hash, owner, updated_at, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			key_hash = excluded.key_hash,
			owner = excluded.owner,
			updated_at = excluded.updated_at,
			doc = excluded.doc`,
		k.ID, k.KeyHash, k.Owner, k.UpdatedAt.UnixMilli(), doc,
	)
	return err
}

// DeleteKey removes an API key document.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return err
}
