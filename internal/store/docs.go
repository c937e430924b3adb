package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ── Providers ────────────────────────────────────────────────────────────────

// LLMByID loads a provider document by id, excluding disabled ones.
// Returns nil when the document is missing or disabled.
func (s *Store) LLMByID(ctx context.Context, id string) (*LLM, error) {
	return getDoc[LLM](ctx, s.db,
		`SELECT doc FROM llms WHERE id = ? AND status != ?`, id, StatusDisabled)
}

// LLMs lists provider documents visible under ctx scoping.
func (s *Store) LLMs(ctx context.Context) ([]*LLM, error) {
	return listDocs[LLM](ctx, s.db, `SELECT doc FROM llms ORDER BY updated_at`)
}

// PutLLM inserts or replaces a provider document.
func (s *Store) PutLLM(ctx context.Context, l *LLM) error {
	doc, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("store: encode llm: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO llms (id, owner, status, updated_at, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner = excluded.owner,
			status = excluded.status,
			updated_at = excluded.updated_at,
			doc = excluded.doc`,
		l.ID, l.Owner, l.Status, l.UpdatedAt.UnixMilli(), doc,
	)
	return err
}

// DeleteLLM removes a provider document.
func (s *Store) DeleteLLM(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM llms WHERE id = ?`, id)
	return err
}

// ── Pools ────────────────────────────────────────────────────────────────────

func (s *Store) PoolByID(ctx context.Context, id string) (*Pool, error) {
	return getDoc[Pool](ctx, s.db, `SELECT doc FROM pools WHERE id = ?`, id)
}

func (s *Store) Pools(ctx context.Context) ([]*Pool, error) {
	return listDocs[Pool](ctx, s.db, `SELECT doc FROM pools ORDER BY updated_at`)
}

func (s *Store) PutPool(ctx context.Context, p *Pool) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: encode pool: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pools (id, owner, updated_at, doc)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner = excluded.owner,
			updated_at = excluded.updated_at,
			doc = excluded.doc`,
		p.ID, p.Owner, p.UpdatedAt.UnixMilli(), doc,
	)
	return err
}

// ── Policies ─────────────────────────────────────────────────────────────────

func (s *Store) PolicyByID(ctx context.Context, id string) (*Policy, error) {
	return getDoc[Policy](ctx, s.db, `SELECT doc FROM policies WHERE id = ?`, id)
}

func (s *Store) PutPolicy(ctx context.Context, p *Policy) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: encode policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (id, owner, updated_at, doc)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner = excluded.owner,
			updated_at = excluded.updated_at,
			doc = excluded.doc`,
		p.ID, p.Owner, p.UpdatedAt.UnixMilli(), doc,
	)
	return err
}

// ── Budgets ──────────────────────────────────────────────────────────────────

// LimitedBudgets lists budgets with limited=true; the budget maintainer
// iterates these every tick.
func (s *Store) LimitedBudgets(ctx context.Context) ([]*Budget, error) {
	return listDocs[Budget](ctx, s.db, `SELECT doc FROM budgets WHERE limited = 1`)
}

// BudgetForObject loads the (at most one) budget watching the given object.
func (s *Store) BudgetForObject(ctx context.Context, owner, objectID string) (*Budget, error) {
	return getDoc[Budget](ctx, s.db,
		`SELECT doc FROM budgets WHERE owner = ? AND object_id = ?`, owner, objectID)
}

// PutBudget inserts or replaces a budget. The (owner, object_id) unique
// constraint enforces at-most-one budget per watched object.
func (s *Store) PutBudget(ctx context.Context, b *Budget) error {
	doc, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("store: encode budget: %w", err)
	}
	limited := 0
	if b.Limited {
		limited = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO budgets (id, owner, object_id, limited, updated_at, doc)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner = excluded.owner,
			object_id = excluded.object_id,
			limited = excluded.limited,
			updated_at = excluded.updated_at,
			doc = excluded.doc`,
		b.ID, b.Owner, b.ObjectID, limited, b.UpdatedAt.UnixMilli(), doc,
	)
	return err
}

// ── Alerts ───────────────────────────────────────────────────────────────────

func (s *Store) Alerts(ctx context.Context) ([]*Alert, error) {
	return listDocs[Alert](ctx, s.db, `SELECT doc FROM alerts ORDER BY updated_at`)
}

// ExpiredAlerts lists alerts whose window has closed; the recycler resets
// them.
func (s *Store) ExpiredAlerts(ctx context.Context, now time.Time) ([]*Alert, error) {
	return listDocs[Alert](ctx, s.db,
		`SELECT doc FROM alerts WHERE ends_at < ?`, now.UnixMilli())
}

func (s *Store) PutAlert(ctx context.Context, a *Alert) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("store: encode alert: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, owner, ends_at, updated_at, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner = excluded.owner,
			ends_at = excluded.ends_at,
			updated_at = excluded.updated_at,
			doc = excluded.doc`,
		a.ID, a.Owner, a.EndsAt.UnixMilli(), a.UpdatedAt.UnixMilli(), doc,
	)
	return err
}

// InsertAlertLog appends an alert log entry.
func (s *Store) InsertAlertLog(ctx context.Context, l *AlertLog) error {
	doc, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("store: encode alert log: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alert_logs (id, alert_id, created_at, doc) VALUES (?, ?, ?, ?)`,
		l.ID, l.AlertID, l.CreatedAt.UnixMilli(), doc,
	)
	return err
}

// AlertLogs lists log entries for one alert, newest first.
func (s *Store) AlertLogs(ctx context.Context, alertID string) ([]*AlertLog, error) {
	return listDocs[AlertLog](ctx, s.db,
		`SELECT doc FROM alert_logs WHERE alert_id = ? ORDER BY created_at DESC`, alertID)
}
