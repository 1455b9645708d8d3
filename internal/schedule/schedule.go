package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/cronexpr"
)

// RunAt waits until runAt and executes fn, unless ctx is done first.
// It reports whether fn ran.
func RunAt(ctx context.Context, runAt time.Time, execute func(ctx context.Context)) bool {
	timer := time.NewTimer(time.Until(runAt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		execute(ctx)
		return true
	}
}

// Every executes fn each time cron fires, until ctx is done. Runs never
// overlap: a slow run delays the next one to the following fire time.
func Every(ctx context.Context, cron string, execute func(ctx context.Context)) error {
	expr, err := cronexpr.Parse(cron)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	for {
		next := expr.Next(time.Now().UTC())
		if next.IsZero() {
			return fmt.Errorf("cron expression %q has no future run time", cron)
		}
		if !RunAt(ctx, next, execute) {
			return ctx.Err()
		}
	}
}
