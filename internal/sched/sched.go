// Package sched runs the gateway's background loops: alert recycling and
// watching, mail dispatch, budget maintenance and usage-queue draining.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// Run ticks fn forever: once immediately, then every period plus a uniform
// [0,1)s jitter so co-scheduled loops do not align. Panics and errors are
// contained per iteration. Returns when ctx is done.
func Run(ctx context.Context, log *slog.Logger, name string, period time.Duration, fn func(context.Context) error) error {
	tick := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("sched: loop panic",
					slog.String("loop", name),
					slog.String("panic", fmt.Sprint(r)),
				)
			}
		}()
		if err := fn(ctx); err != nil {
			log.Error("sched: loop error",
				slog.String("loop", name),
				slog.String("error", err.Error()),
			)
		}
	}

	tick()

	for {
		jitter := time.Duration(rand.Float64() * float64(time.Second))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(period + jitter):
			tick()
		}
	}
}
