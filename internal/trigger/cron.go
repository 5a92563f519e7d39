// Package trigger turns cron ticks, inbound webhooks and manual requests
// into workflow runs.
package trigger

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/toolflow/pkg/schema"
)

// cronParser accepts the classic five fields plus @hourly style descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression evaluated in tz. An
// empty or unknown tz means UTC.
func ParseSchedule(expr, tz string) (cron.Schedule, *time.Location, error) {
	loc := loadLocation(tz)
	sched, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, loc, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q", expr).WithCause(err)
	}
	return sched, loc, nil
}

// ValidateExpression rejects expressions the scanner could only run through
// the next-minute fallback.
func ValidateExpression(expr, tz string) error {
	_, _, err := ParseSchedule(expr, tz)
	if err != nil {
		return err
	}
	if tz != "" && !strings.EqualFold(tz, "UTC") {
		if _, lerr := time.LoadLocation(tz); lerr != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown timezone %q", tz).WithCause(lerr)
		}
	}
	return nil
}

// NextRun returns the first activation of expr strictly after from, in UTC.
// An expression that does not parse degrades to the next minute boundary so
// a bad row never stalls the scanner.
func NextRun(expr, tz string, from time.Time) time.Time {
	sched, loc, err := ParseSchedule(expr, tz)
	if err != nil {
		return from.UTC().Truncate(time.Minute).Add(time.Minute)
	}
	return sched.Next(from.In(loc)).UTC()
}

func loadLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
