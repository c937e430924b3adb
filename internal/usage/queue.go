package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/trussedhq/trussed-gateway/internal/store"
)

// BatchSize is the number of records drained per consumer pass.
const BatchSize = 25

// AggQuery scopes a cost aggregation to objects and a time window.
type AggQuery struct {
	KeyIDs   []string
	LLMIDs   []string
	StartsAt time.Time
	EndsAt   time.Time
}

// Sink is an analytics backend for usage records.
type Sink interface {
	Insert(ctx context.Context, records []*Record) error
	// SumTotalCost aggregates total_cost over the query window.
	SumTotalCost(ctx context.Context, q AggQuery) (float64, error)
}

// Queue is the durable local staging queue, a single SQLite table drained in
// insertion order.
type Queue struct {
	db  *sql.DB
	log *slog.Logger
}

// NewQueue binds the queue to the document store's database file.
func NewQueue(st *store.Store, log *slog.Logger) *Queue {
	return &Queue{db: st.DB(), log: log}
}

// Enqueue stages one record. Errors are logged, not returned — losing a
// usage row must never fail the request it accounts for.
func (q *Queue) Enqueue(ctx context.Context, r *Record) {
	if r.ID == "" {
		r.ID = store.NewID()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(r)
	if err != nil {
		q.log.Error("usage: encode record", slog.String("error", err.Error()))
		return
	}
	if _, err := q.db.ExecContext(ctx,
		`INSERT INTO usage_queue (payload) VALUES (?)`, payload,
	); err != nil {
		q.log.Error("usage: enqueue record", slog.String("error", err.Error()))
	}
}

// Consume drains one batch into the sink. The batch is deleted only after a
// successful insert, so a failing sink retries the same records on the next
// pass. Returns the number of records processed.
func (q *Queue) Consume(ctx context.Context, sink Sink) (int, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT seq, payload FROM usage_queue ORDER BY seq LIMIT ?`, BatchSize)
	if err != nil {
		return 0, err
	}

	var (
		seqs    []int64
		records []*Record
	)
	for rows.Next() {
		var (
			seq int64
			raw []byte
		)
		if err := rows.Scan(&seq, &raw); err != nil {
			rows.Close()
			return 0, err
		}
		seqs = append(seqs, seq)

		r := new(Record)
		if err := json.Unmarshal(raw, r); err != nil {
			// Unreadable rows are dropped with the batch, matching the
			// append-only best-effort contract.
			q.log.Error("usage: undecodable queued record", slog.Int64("seq", seq))
			continue
		}
		records = append(records, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(seqs) == 0 {
		return 0, nil
	}

	if len(records) > 0 {
		if err := sink.Insert(ctx, records); err != nil {
			return 0, fmt.Errorf("usage: sink insert: %w", err)
		}
	}

	return len(seqs), q.deleteSeqs(ctx, seqs)
}

// ConsumeAll drains the queue until empty.
func (q *Queue) ConsumeAll(ctx context.Context, sink Sink) error {
	for {
		n, err := q.Consume(ctx, sink)
		if err != nil || n == 0 {
			return err
		}
	}
}

// Depth reports the number of staged records, for metrics.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_queue`).Scan(&n)
	return n, err
}

func (q *Queue) deleteSeqs(ctx context.Context, seqs []int64) error {
	ph := make([]string, len(seqs))
	args := make([]any, len(seqs))
	for i, s := range seqs {
		ph[i] = "?"
		args[i] = s
	}
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM usage_queue WHERE seq IN (`+strings.Join(ph, ",")+`)`, args...)
	return err
}
