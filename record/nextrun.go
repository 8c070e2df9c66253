package record

import (
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/mohans/schedrun/internal/errors"
)

// cronParser supports standard 5-field cron and descriptors like "@daily".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// NextRunAt returns the first fire time strictly after `after` for a cron
// expression evaluated in the given IANA timezone ("" means UTC). The result
// is in UTC.
func NextRunAt(expression, timezone string, after time.Time) (time.Time, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "invalid cron expression timezone %q", timezone)
		}
	}

	sched, err := cronParser.Parse(expression)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid cron expression %q", expression)
	}

	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, errors.Newf("invalid cron expression %q: no future fire time", expression)
	}
	return next.UTC(), nil
}

// NextRunAfter evaluates the schedule's own cron rule.
func (s *Schedule) NextRunAfter(after time.Time) (time.Time, error) {
	return NextRunAt(s.CronExpression, s.Timezone, after)
}
