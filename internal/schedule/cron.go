package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/cronexpr"
)

// NextRunTimes lists the next n times cron fires from now, in UTC.
func NextRunTimes(cron string, n int) ([]time.Time, error) {
	return NextRunTimesAfter(cron, time.Now().UTC(), n)
}

// NextRunTimesAfter lists the next n times cron fires after the given time.
func NextRunTimesAfter(cron string, after time.Time, n int) ([]time.Time, error) {
	if n < 1 {
		return nil, errors.New("at least one run time must be requested")
	}
	expr, err := cronexpr.Parse(cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	times := expr.NextN(after, uint(n))
	if len(times) == 0 {
		return nil, fmt.Errorf("cron expression %q has no future run time", cron)
	}
	return times, nil
}

// ValidateCron checks that cron parses.
func ValidateCron(cron string) error {
	if _, err := cronexpr.Parse(cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
