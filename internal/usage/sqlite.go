package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/trussedhq/trussed-gateway/internal/store"
)

// StoreSink writes usage records into the document store's usage table. It
// is the default sink when no ClickHouse DSN is configured and the
// aggregation source for alerts in that mode.
type StoreSink struct {
	db *sql.DB
}

func NewStoreSink(st *store.Store) *StoreSink {
	return &StoreSink{db: st.DB()}
}

func (s *StoreSink) Insert(ctx context.Context, records []*Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage (id, ts, key_id, llm_id, total_cost, is_error, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		doc, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("usage: encode record: %w", err)
		}
		isError := 0
		if r.IsError {
			isError = 1
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.Timestamp.UnixMilli(), r.Metadata.KeyID, r.Metadata.LLMID,
			r.TotalCost, isError, doc,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *StoreSink) SumTotalCost(ctx context.Context, q AggQuery) (float64, error) {
	query, args := buildAggQuery(
		`SELECT COALESCE(SUM(total_cost), 0) FROM usage WHERE 1=1`, q,
		func(n int) string { return strings.Repeat("?,", n-1) + "?" },
	)
	var sum float64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&sum)
	return sum, err
}

// buildAggQuery appends window and object filters shared by both sinks.
func buildAggQuery(base string, q AggQuery, placeholders func(int) string) (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(base)

	if !q.StartsAt.IsZero() {
		sb.WriteString(` AND ts > ?`)
		args = append(args, q.StartsAt.UnixMilli())
	}
	if !q.EndsAt.IsZero() {
		sb.WriteString(` AND ts < ?`)
		args = append(args, q.EndsAt.UnixMilli())
	}
	if len(q.KeyIDs) > 0 {
		sb.WriteString(` AND key_id IN (` + placeholders(len(q.KeyIDs)) + `)`)
		for _, id := range q.KeyIDs {
			args = append(args, id)
		}
	}
	if len(q.LLMIDs) > 0 {
		sb.WriteString(` AND llm_id IN (` + placeholders(len(q.LLMIDs)) + `)`)
		for _, id := range q.LLMIDs {
			args = append(args, id)
		}
	}
	return sb.String(), args
}
