package app

import (
	"context"
	"log/slog"
	"time"
)

// RunEvery calls fn immediately and then every interval until ctx ends or
// fn asks to stop. A failed cycle is logged and the loop continues.
func RunEvery(ctx context.Context, every time.Duration, log *slog.Logger, fn func(ctx context.Context) (stop bool, err error)) error {
	for cycle := 1; ; cycle++ {
		start := time.Now()
		stop, err := fn(ctx)
		if err != nil {
			log.Error("cycle failed", "cycle", cycle, "error", err)
		}
		if stop || ctx.Err() != nil {
			return ctx.Err()
		}

		wait := every - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		log.Info("⏰ next cycle scheduled", "cycle", cycle+1, "in", wait.Round(time.Second))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
