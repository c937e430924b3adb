package budget

import (
	"context"
	"log/slog"
	"time"

	"github.com/trussedhq/trussed-gateway/internal/store"
	"github.com/trussedhq/trussed-gateway/internal/usage"
)

// Maintainer refreshes the cache for every limited budget and manages the
// suspension timestamps on the watched objects.
type Maintainer struct {
	store *store.Store
	cache *Cache
	sink  usage.Sink
	log   *slog.Logger
}

func NewMaintainer(st *store.Store, cache *Cache, sink usage.Sink, log *slog.Logger) *Maintainer {
	return &Maintainer{store: st, cache: cache, sink: sink, log: log}
}

// RunOnce is one maintainer tick: for each budget with limited=true, compute
// the current usage over the budget window, write a fresh cache entry, and
// suspend or unsuspend the watched object.
func (m *Maintainer) RunOnce(ctx context.Context) error {
	ctx = store.Unscoped(ctx)

	budgets, err := m.store.LimitedBudgets(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, b := range budgets {
		if err := m.maintain(ctx, b, now); err != nil {
			m.log.Error("budget: maintain",
				slog.String("budget_id", b.ID),
				slog.String("object_id", b.ObjectID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (m *Maintainer) maintain(ctx context.Context, b *store.Budget, now time.Time) error {
	start, end, ok := Window(b, now)
	if !ok {
		// Expiring budget outside its window: nothing to enforce.
		return nil
	}

	q := usage.AggQuery{StartsAt: start, EndsAt: end}
	switch b.ObjectType {
	case store.ObjectKey:
		q.KeyIDs = []string{b.ObjectID}
	case store.ObjectLLM:
		q.LLMIDs = []string{b.ObjectID}
	}

	used, err := m.sink.SumTotalCost(ctx, q)
	if err != nil {
		return err
	}

	if err := m.cache.Put(ctx, &Entry{
		ObjectID:  b.ObjectID,
		Usage:     used,
		Budget:    b.Amount,
		Remaining: b.Amount - used,
	}); err != nil {
		return err
	}

	return m.enforce(ctx, b, used, end, now)
}

// enforce suspends the watched object until the window end when the budget
// is spent, and lifts a stale suspension otherwise.
func (m *Maintainer) enforce(ctx context.Context, b *store.Budget, used float64, windowEnd, now time.Time) error {
	exceeded := used >= b.Amount

	switch b.ObjectType {
	case store.ObjectKey:
		key, err := m.store.KeyByID(ctx, b.ObjectID)
		if err != nil || key == nil {
			return err
		}
		if next, changed := suspension(key.UnbudgetedUntil, exceeded, windowEnd, now); changed {
			key.UnbudgetedUntil = next
			key.UpdatedAt = now
			return m.store.PutKey(ctx, key)
		}

	case store.ObjectLLM:
		llm, err := m.store.LLMByID(ctx, b.ObjectID)
		if err != nil || llm == nil {
			return err
		}
		if next, changed := suspension(llm.UnbudgetedUntil, exceeded, windowEnd, now); changed {
			llm.UnbudgetedUntil = next
			llm.UpdatedAt = now
			return m.store.PutLLM(ctx, llm)
		}
	}
	return nil
}

func suspension(current *time.Time, exceeded bool, windowEnd, now time.Time) (*time.Time, bool) {
	if exceeded {
		if current == nil || !current.Equal(windowEnd) {
			return &windowEnd, true
		}
		return current, false
	}
	if current != nil && current.After(now) {
		return nil, true
	}
	return current, false
}

// Window resolves the budget's active accounting window at the given
// instant. Recurring periods realign each tick; Custom/Expiring budgets use
// their fixed bounds. ok=false means the instant is outside an expiring
// window.
func Window(b *store.Budget, now time.Time) (start, end time.Time, ok bool) {
	switch b.Period {
	case "Monthly":
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	case "Minutely":
		start = now.Truncate(time.Minute)
		end = start.Add(time.Minute)
	default: // Custom
		if b.StartsAt == nil || b.EndsAt == nil {
			return time.Time{}, time.Time{}, false
		}
		start, end = *b.StartsAt, *b.EndsAt
	}

	if b.Mode == "Expiring" && (now.Before(start) || !now.Before(end)) {
		return start, end, false
	}
	return start, end, true
}
