package sched

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/trussedhq/trussed-gateway/internal/store"
	"github.com/trussedhq/trussed-gateway/internal/usage"
)

func newAlerts(t *testing.T) (*Alerts, *store.Store, usage.Sink) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sink := usage.NewStoreSink(st)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAlerts(st, sink, log), st, sink
}

func spend(t *testing.T, sink usage.Sink, keyID string, cost float64, ts time.Time) {
	t.Helper()
	err := sink.Insert(context.Background(), []*usage.Record{{
		ID: store.NewID(), Timestamp: ts, TotalCost: cost,
		Metadata: usage.Metadata{KeyID: keyID},
	}})
	if err != nil {
		t.Fatal(err)
	}
}

func TestWatchTriggersOnceAndQueuesMail(t *testing.T) {
	alerts, st, sink := newAlerts(t)
	ctx := context.Background()
	now := time.Now().UTC()

	spend(t, sink, "k1", 5, now)

	a := &store.Alert{
		ID: store.NewID(), Owner: "o", Name: "team spend",
		Watch:     []store.WatchRef{{ObjectType: "APP", ObjectID: "k1"}},
		Period:    "Daily",
		Budget:    1,
		NotifyTo:  []string{"ops@example.com"},
		Threshold: store.ThresholdOk,
		StartsAt:  now.Add(-time.Hour),
		EndsAt:    now.Add(time.Hour),
		UpdatedAt: now,
	}
	if err := st.PutAlert(ctx, a); err != nil {
		t.Fatal(err)
	}

	if err := alerts.Watch(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := st.Alerts(ctx)
	if err != nil || len(got) != 1 {
		t.Fatalf("alerts = %v, %v", got, err)
	}
	if got[0].Used != 5 || got[0].Threshold != store.ThresholdExceeded {
		t.Fatalf("alert after watch = %+v", got[0])
	}

	logs, err := st.AlertLogs(ctx, a.ID)
	if err != nil || len(logs) != 1 || logs[0].LogType != "Triggered" {
		t.Fatalf("logs = %v, %v", logs, err)
	}

	mail, err := st.NextMail(ctx, time.Minute, 3)
	if err != nil || mail == nil {
		t.Fatalf("mail = %v, %v", mail, err)
	}
	if mail.Key != "alert:"+a.ID {
		t.Fatalf("mail key = %q", mail.Key)
	}
	if len(mail.Emails) != 1 || mail.Emails[0] != "ops@example.com" {
		t.Fatalf("mail recipients = %v", mail.Emails)
	}

	// An exceeded alert stays triggered; no second log, no second mail.
	if err := alerts.Watch(ctx); err != nil {
		t.Fatal(err)
	}
	logs, _ = st.AlertLogs(ctx, a.ID)
	if len(logs) != 1 {
		t.Fatalf("watch re-triggered: %d logs", len(logs))
	}
}

func TestWatchBelowBudgetStaysOk(t *testing.T) {
	alerts, st, sink := newAlerts(t)
	ctx := context.Background()
	now := time.Now().UTC()

	spend(t, sink, "k1", 0.5, now)

	a := &store.Alert{
		ID: store.NewID(), Owner: "o", Name: "quiet",
		Watch:     []store.WatchRef{{ObjectType: "APP", ObjectID: "k1"}},
		Period:    "Daily",
		Budget:    10,
		Threshold: store.ThresholdOk,
		StartsAt:  now.Add(-time.Hour),
		EndsAt:    now.Add(time.Hour),
		UpdatedAt: now,
	}
	if err := st.PutAlert(ctx, a); err != nil {
		t.Fatal(err)
	}

	if err := alerts.Watch(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := st.Alerts(ctx)
	if got[0].Used != 0.5 || got[0].Threshold != store.ThresholdOk {
		t.Fatalf("alert = %+v", got[0])
	}
	if logs, _ := st.AlertLogs(ctx, a.ID); len(logs) != 0 {
		t.Fatalf("unexpected logs: %v", logs)
	}
}

func TestRecycleResetsExpiredAlert(t *testing.T) {
	alerts, st, sink := newAlerts(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Spending landed in the window that just closed.
	spend(t, sink, "k1", 3, now.Add(-30*time.Minute))

	a := &store.Alert{
		ID: store.NewID(), Owner: "o", Name: "daily spend",
		Watch:     []store.WatchRef{{ObjectType: "APP", ObjectID: "k1"}},
		Period:    "Daily",
		Budget:    10,
		Used:      3,
		Threshold: store.ThresholdExceeded,
		StartsAt:  now.Add(-time.Hour),
		EndsAt:    now.Add(-time.Minute),
		UpdatedAt: now,
	}
	if err := st.PutAlert(ctx, a); err != nil {
		t.Fatal(err)
	}

	if err := alerts.Recycle(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := st.Alerts(ctx)
	g := got[0]
	if g.Used != 0 || g.Threshold != store.ThresholdOk {
		t.Fatalf("alert after recycle = %+v", g)
	}
	wantStart := PeriodBoundary(AlignDown, "Daily", "", now)
	wantEnd := PeriodBoundary(AlignUp, "Daily", "", now)
	if !g.StartsAt.Equal(wantStart) || !g.EndsAt.Equal(wantEnd) {
		t.Fatalf("window = [%v, %v), want [%v, %v)", g.StartsAt, g.EndsAt, wantStart, wantEnd)
	}

	logs, _ := st.AlertLogs(ctx, a.ID)
	if len(logs) != 1 || logs[0].LogType != "Recycled" || logs[0].Used != 3 {
		t.Fatalf("logs = %+v", logs)
	}

	// Fresh windows are left alone.
	if err := alerts.Recycle(ctx); err != nil {
		t.Fatal(err)
	}
	if logs, _ := st.AlertLogs(ctx, a.ID); len(logs) != 1 {
		t.Fatalf("recycle touched an active alert: %d logs", len(logs))
	}
}
