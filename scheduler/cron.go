package scheduler

import (
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard five-field surface
// ("min hour dom mon dow") in the host's local timezone.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ComputeNextRun returns the next strictly-future instant (unix
// seconds) the expression is due after the given moment.
func ComputeNextRun(expr string, after time.Time) (int64, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	return schedule.Next(after.In(time.Local)).Unix(), nil
}

// ValidateCron is the total no-throw validity check.
func ValidateCron(expr string) bool {
	_, err := cronParser.Parse(expr)
	return err == nil
}
