// Package schedule computes the next fire time for a scheduled job's cron
// expression. It generalises the teacher's per-cadence Calculator shape
// (internal/recurring/patterns.go) into a single calculator backed by a
// real cron-expression parser, since spec.md jobs carry an arbitrary
// `cronExpression` rather than one of a handful of named cadences.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Calculator computes occurrences of a cron-based schedule, mirroring the
// NextOccurrence/OccurrencesBetween shape the teacher's per-cadence
// calculators exposed, generalised to any standard cron expression.
type Calculator interface {
	NextOccurrence(after time.Time) (*time.Time, error)
	OccurrencesBetween(start, end time.Time) ([]time.Time, error)
}

// CronCalculator parses a five-field cron expression ("min hour dom month
// dow") once and reuses the parsed schedule for repeated computations.
type CronCalculator struct {
	expr     string
	schedule cron.Schedule
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NewCronCalculator parses expr and returns a reusable Calculator. An
// invalid expression (malformed job configuration) is reported immediately
// rather than deferred to the first NextOccurrence call.
func NewCronCalculator(expr string) (*CronCalculator, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule: invalid cron expression %q: %w", expr, err)
	}
	return &CronCalculator{expr: expr, schedule: sched}, nil
}

func (c *CronCalculator) NextOccurrence(after time.Time) (*time.Time, error) {
	next := c.schedule.Next(after)
	return &next, nil
}

// OccurrencesBetween enumerates every fire time in (start, end], walking
// forward with repeated Next calls. Used by startup backfill/history
// reporting, never by the hot dispatch path.
func (c *CronCalculator) OccurrencesBetween(start, end time.Time) ([]time.Time, error) {
	var occurrences []time.Time
	cursor := start
	for {
		next := c.schedule.Next(cursor)
		if next.After(end) {
			break
		}
		occurrences = append(occurrences, next)
		cursor = next
	}
	return occurrences, nil
}

// NextFire is the convenience entry point the dispatcher and job-validation
// code use: parse expr and compute the single next fire time after `after`.
func NextFire(expr string, after time.Time) (time.Time, error) {
	calc, err := NewCronCalculator(expr)
	if err != nil {
		return time.Time{}, err
	}
	next, err := calc.NextOccurrence(after)
	if err != nil {
		return time.Time{}, err
	}
	return *next, nil
}

// Validate reports whether expr parses as a valid cron expression, without
// computing any occurrence. Used at job-creation time.
func Validate(expr string) error {
	_, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("schedule: invalid cron expression %q: %w", expr, err)
	}
	return nil
}

var _ Calculator = (*CronCalculator)(nil)
