package usage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/trussedhq/trussed-gateway/internal/store"
)

type memSink struct {
	records []*Record
	fail    error
}

func (s *memSink) Insert(_ context.Context, records []*Record) error {
	if s.fail != nil {
		return s.fail
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *memSink) SumTotalCost(context.Context, AggQuery) (float64, error) { return 0, nil }

func newQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewQueue(st, log), st
}

func TestQueueConsumeDeletesAfterInsert(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		q.Enqueue(ctx, &Record{TotalCost: float64(i)})
	}
	if n, _ := q.Depth(ctx); n != 3 {
		t.Fatalf("depth = %d", n)
	}

	sink := &memSink{}
	n, err := q.Consume(ctx, sink)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || len(sink.records) != 3 {
		t.Fatalf("consumed %d, sink got %d", n, len(sink.records))
	}
	// Insertion order survives the queue.
	for i, r := range sink.records {
		if r.TotalCost != float64(i) {
			t.Fatalf("record %d cost = %v", i, r.TotalCost)
		}
	}

	if n, _ := q.Depth(ctx); n != 0 {
		t.Fatalf("depth after drain = %d", n)
	}
	if n, _ := q.Consume(ctx, sink); n != 0 {
		t.Fatalf("empty queue consumed %d", n)
	}
}

func TestQueueFailedSinkRetriesBatch(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, &Record{TotalCost: 1})

	sink := &memSink{fail: errors.New("clickhouse down")}
	if _, err := q.Consume(ctx, sink); err == nil {
		t.Fatal("sink failure swallowed")
	}
	if n, _ := q.Depth(ctx); n != 1 {
		t.Fatalf("failed batch deleted, depth = %d", n)
	}

	sink.fail = nil
	if _, err := q.Consume(ctx, sink); err != nil {
		t.Fatal(err)
	}
	if len(sink.records) != 1 || sink.records[0].TotalCost != 1 {
		t.Fatalf("retry lost the record: %+v", sink.records)
	}
}

func TestQueueConsumeAllDrainsInBatches(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	total := BatchSize*2 + 5
	for i := 0; i < total; i++ {
		q.Enqueue(ctx, &Record{})
	}

	sink := &memSink{}
	if err := q.ConsumeAll(ctx, sink); err != nil {
		t.Fatal(err)
	}
	if len(sink.records) != total {
		t.Fatalf("drained %d, want %d", len(sink.records), total)
	}
	if n, _ := q.Depth(ctx); n != 0 {
		t.Fatalf("depth after drain = %d", n)
	}
}

func TestStoreSinkSumTotalCost(t *testing.T) {
	_, st := newQueue(t)
	ctx := context.Background()
	sink := NewStoreSink(st)

	base := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	put := func(cost float64, keyID, llmID string, ts time.Time) {
		t.Helper()
		err := sink.Insert(ctx, []*Record{{
			ID: store.NewID(), Timestamp: ts, TotalCost: cost,
			Metadata: Metadata{KeyID: keyID, LLMID: llmID},
		}})
		if err != nil {
			t.Fatal(err)
		}
	}
	put(1, "k1", "l1", base)
	put(2, "k1", "l2", base.Add(time.Minute))
	put(4, "k2", "l1", base.Add(2*time.Minute))
	put(8, "k1", "l1", base.Add(time.Hour)) // outside the window

	window := AggQuery{StartsAt: base.Add(-time.Minute), EndsAt: base.Add(10 * time.Minute)}

	sum, err := sink.SumTotalCost(ctx, window)
	if err != nil {
		t.Fatal(err)
	}
	if sum != 7 {
		t.Fatalf("window sum = %v", sum)
	}

	q := window
	q.KeyIDs = []string{"k1"}
	if sum, _ = sink.SumTotalCost(ctx, q); sum != 3 {
		t.Fatalf("k1 sum = %v", sum)
	}

	q = window
	q.LLMIDs = []string{"l1"}
	if sum, _ = sink.SumTotalCost(ctx, q); sum != 5 {
		t.Fatalf("l1 sum = %v", sum)
	}

	// No rows in range sums to zero, not an error.
	if sum, err = sink.SumTotalCost(ctx, AggQuery{KeyIDs: []string{"nobody"}}); err != nil || sum != 0 {
		t.Fatalf("empty sum = %v, %v", sum, err)
	}
}

func TestRecordSetModelUsage(t *testing.T) {
	var r Record
	r.SetModelUsage(1000, 500, 0.03, 0.06)

	if r.TotalTokens != 1500 {
		t.Fatalf("total tokens = %d", r.TotalTokens)
	}
	if r.PromptCost != 0.03 || r.CompletionCost != 0.03 || r.TotalCost != 0.06 {
		t.Fatalf("costs = %v/%v/%v", r.PromptCost, r.CompletionCost, r.TotalCost)
	}
}
