package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Parse validates a standard 5-field cron expression (minute hour dom month dow).
func Parse(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron: %w", err)
	}
	return sched, nil
}

// Next computes the next fire time of expr strictly after "from", in UTC.
func Next(expr string, from time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from.UTC()), nil
}

// FloorMinute truncates t to its minute boundary and returns epoch seconds.
// Rule fire times are stored at minute granularity.
func FloorMinute(t time.Time) int64 {
	return t.UTC().Truncate(time.Minute).Unix()
}

// UntilNextMinute returns the duration from "now" to the next minute
// boundary. Used to keep rule polls aligned to minute starts.
func UntilNextMinute(now time.Time) time.Duration {
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}
