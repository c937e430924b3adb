package sched

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/trussedhq/trussed-gateway/internal/store"
	"github.com/trussedhq/trussed-gateway/internal/usage"
)

// Alerts holds the state shared by the recycler and the watchdog.
type Alerts struct {
	store *store.Store
	sink  usage.Sink
	log   *slog.Logger
}

func NewAlerts(st *store.Store, sink usage.Sink, log *slog.Logger) *Alerts {
	return &Alerts{store: st, sink: sink, log: log}
}

// aggQuery scopes a cost aggregation to the alert's watched objects and its
// current window.
func aggQuery(a *store.Alert) usage.AggQuery {
	q := usage.AggQuery{StartsAt: a.StartsAt, EndsAt: a.EndsAt}
	for _, w := range a.Watch {
		switch w.ObjectType {
		case "APP":
			q.KeyIDs = append(q.KeyIDs, w.ObjectID)
		case "LLM":
			q.LLMIDs = append(q.LLMIDs, w.ObjectID)
		}
	}
	return q
}

// Recycle closes every alert whose window has ended: the final used total is
// logged when non-zero, then the counters reset and the window advances to
// the current period in the alert's timezone.
func (s *Alerts) Recycle(ctx context.Context) error {
	ctx = store.Unscoped(ctx)
	now := time.Now().UTC()

	alerts, err := s.store.ExpiredAlerts(ctx, now)
	if err != nil {
		return err
	}

	for _, a := range alerts {
		s.log.Warn("alert: recycling",
			slog.String("alert_id", a.ID),
			slog.String("alert_name", a.Name),
			slog.Float64("alert_budget", a.Budget),
		)

		used, err := s.sink.SumTotalCost(ctx, aggQuery(a))
		if err != nil {
			s.log.Error("alert: aggregate", slog.String("alert_id", a.ID), slog.String("error", err.Error()))
			continue
		}

		if used > 0 {
			final := *a
			final.Used = used
			if err := s.store.InsertAlertLog(ctx, store.NewAlertLog(&final, "Recycled")); err != nil {
				s.log.Error("alert: log recycle", slog.String("alert_id", a.ID), slog.String("error", err.Error()))
				continue
			}
			s.log.Info("alert: used cost recorded",
				slog.String("alert_id", a.ID),
				slog.Float64("used_cost", used),
			)
		}

		a.Used = 0
		a.Threshold = store.ThresholdOk
		a.StartsAt = PeriodBoundary(AlignDown, a.Period, a.Timezone, now)
		a.EndsAt = PeriodBoundary(AlignUp, a.Period, a.Timezone, now)
		a.UpdatedAt = now
		if err := s.store.PutAlert(ctx, a); err != nil {
			s.log.Error("alert: reset", slog.String("alert_id", a.ID), slog.String("error", err.Error()))
		}
	}

	return nil
}

// Watch recomputes each alert's used total and triggers the ones crossing
// their budget: threshold flips to Exceeded, a Triggered log is written and
// a notification mail is queued under the alert's dedup key.
func (s *Alerts) Watch(ctx context.Context) error {
	ctx = store.Unscoped(ctx)

	alerts, err := s.store.Alerts(ctx)
	if err != nil {
		return err
	}

	for _, a := range alerts {
		used, err := s.sink.SumTotalCost(ctx, aggQuery(a))
		if err != nil {
			s.log.Error("alert: aggregate", slog.String("alert_id", a.ID), slog.String("error", err.Error()))
			continue
		}

		if used != a.Used {
			a.Used = used
			a.UpdatedAt = time.Now().UTC()
			if err := s.store.PutAlert(ctx, a); err != nil {
				s.log.Error("alert: update used", slog.String("alert_id", a.ID), slog.String("error", err.Error()))
				continue
			}
		}

		if a.Threshold != store.ThresholdOk {
			continue
		}
		if a.Budget <= 0 || a.Used <= a.Budget {
			continue
		}

		s.log.Warn("alert: threshold exceeded",
			slog.String("alert_id", a.ID),
			slog.String("alert_name", a.Name),
			slog.Float64("alert_budget", a.Budget),
			slog.Float64("used_cost", a.Used),
		)

		a.Threshold = store.ThresholdExceeded
		a.UpdatedAt = time.Now().UTC()
		if err := s.store.PutAlert(ctx, a); err != nil {
			s.log.Error("alert: trigger", slog.String("alert_id", a.ID), slog.String("error", err.Error()))
			continue
		}
		if err := s.store.InsertAlertLog(ctx, store.NewAlertLog(a, "Triggered")); err != nil {
			s.log.Error("alert: log trigger", slog.String("alert_id", a.ID), slog.String("error", err.Error()))
			continue
		}

		if len(a.NotifyTo) == 0 {
			continue
		}
		mail := &store.Mail{
			Key:          "alert:" + a.ID,
			Emails:       a.NotifyTo,
			Subject:      fmt.Sprintf("%s: %s ($%g)", a.Threshold, a.Name, math.Round(a.Budget*1000)/1000),
			TemplateName: "alert-triggered.html",
			TemplateBody: map[string]any{
				"name":      a.Name,
				"period":    a.Period,
				"budget":    a.Budget,
				"used":      a.Used,
				"starts_at": a.StartsAt,
				"ends_at":   a.EndsAt,
			},
		}
		if err := s.store.EnqueueMail(ctx, mail); err != nil {
			s.log.Error("alert: enqueue mail", slog.String("alert_id", a.ID), slog.String("error", err.Error()))
			continue
		}
		s.log.Info("alert: notification queued",
			slog.String("alert_id", a.ID),
			slog.String("mail_key", mail.Key),
		)
	}

	return nil
}
