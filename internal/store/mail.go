package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EnqueueMail inserts a mail or, when one with the same key is already
// queued, refreshes it in place. Repeated alert triggers therefore collapse
// into one pending message per alert.
func (s *Store) EnqueueMail(ctx context.Context, m *Mail) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: encode mail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mail_queue (id, key, send_at, attempts, doc)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT (key) DO UPDATE SET
			id = excluded.id,
			send_at = excluded.send_at,
			attempts = 0,
			doc = excluded.doc`,
		m.ID, m.Key, m.SendAt.UnixMilli(), doc,
	)
	return err
}

// NextMail pops the next due mail: one with send_at ≤ now and fewer than
// retryMax attempts. The returned mail has already been rescheduled to
// now+retryAfter with its attempt counter bumped, so a crashed dispatcher
// retries it later; successful delivery must call DeleteMail.
// Returns nil when nothing is due.
func (s *Store) NextMail(ctx context.Context, retryAfter time.Duration, retryMax int) (*Mail, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx, `
		SELECT doc FROM mail_queue
		WHERE send_at <= ? AND attempts < ?
		ORDER BY send_at LIMIT 1`,
		now.UnixMilli(), retryMax,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	mail := new(Mail)
	if err := json.Unmarshal(raw, mail); err != nil {
		return nil, fmt.Errorf("store: decode mail: %w", err)
	}

	mail.SendAt = now.Add(retryAfter)
	mail.Attempts++

	doc, err := json.Marshal(mail)
	if err != nil {
		return nil, fmt.Errorf("store: encode mail: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE mail_queue SET send_at = ?, attempts = ?, doc = ? WHERE id = ?`,
		mail.SendAt.UnixMilli(), mail.Attempts, doc, mail.ID,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return mail, nil
}

// DeleteMail removes a delivered mail from the queue.
func (s *Store) DeleteMail(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mail_queue WHERE id = ?`, id)
	return err
}
