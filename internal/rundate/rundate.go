// Package rundate computes when a batch is due next.
package rundate

import (
	"errors"
	"fmt"
	"go-monitor/internal/model"
	"strings"
	"time"
)

var (
	ErrorInvalidInterval = errors.New("interval must be at least 1")
	ErrorInvalidCycle    = errors.New("unknown cycle")
	ErrorInvalidRunTime  = errors.New("invalid time of day")
)

// Next returns the run date following batch.RunDate. Any error means the
// batch data is unusable and the batch should be disabled.
func Next(batch model.Batch) (time.Time, error) {
	if batch.Interval < 1 {
		return time.Time{}, fmt.Errorf("batch %d has interval %d: %w", batch.Id, batch.Interval, ErrorInvalidInterval)
	}

	next := batch.RunDate
	n := batch.Interval
	switch batch.Cycle {
	case model.CycleMinute:
		next = next.Add(time.Duration(n) * time.Minute)
	case model.CycleHour:
		next = next.Add(time.Duration(n) * time.Hour)
	case model.CycleDay:
		next = next.AddDate(0, 0, n)
	case model.CycleWeek:
		next = next.AddDate(0, 0, 7*n)
	case model.CycleMonth:
		next = addMonths(next, n)
	case model.CycleYear:
		next = addMonths(next, 12*n)
	default:
		return time.Time{}, fmt.Errorf("batch %d has cycle %s: %w", batch.Id, batch.Cycle, ErrorInvalidCycle)
	}

	if batch.RunTime == "" {
		return next, nil
	}
	hour, minute, second, err := ParseRunTime(batch.RunTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("batch %d: %w", batch.Id, err)
	}
	switch batch.Cycle {
	case model.CycleMinute:
		hour, minute = next.Hour(), next.Minute()
	case model.CycleHour:
		hour = next.Hour()
	}
	return time.Date(next.Year(), next.Month(), next.Day(), hour, minute, second, 0, next.Location()), nil
}

// Apply advances batch to its next run date, or disables it when the
// schedule data is invalid. It reports the error that caused disabling.
func Apply(batch *model.Batch) error {
	next, err := Next(*batch)
	if err != nil {
		batch.Status = model.BatchDisabled
		return err
	}
	batch.RunDate = next
	return nil
}

// ParseRunTime accepts HHMMSS and HH:MM:SS.
func ParseRunTime(runTime string) (hour, minute, second int, err error) {
	layout := "150405"
	if strings.Contains(runTime, ":") {
		layout = "15:04:05"
	}
	tm, err := time.Parse(layout, strings.TrimSpace(runTime))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%q: %w", runTime, ErrorInvalidRunTime)
	}
	return tm.Hour(), tm.Minute(), tm.Second(), nil
}

// addMonths adds n calendar months, clamping the day to the end of the
// target month instead of overflowing into the next one.
func addMonths(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return first.AddDate(0, 0, day-1)
}
