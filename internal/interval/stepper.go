package interval

import (
	"sync"
	"time"

	"praondefoi/internal/core"
)

// Stepper is the strategy for one interval unit. Implementations receive
// date-only values and a quantity that is already known to be positive.
type Stepper interface {
	// Next returns the occurrence that follows date.
	Next(date time.Time, quantity int) time.Time

	// Count returns how many occurrences reachable from anchor fall within
	// [start, end]. The anchor is never after end.
	Count(anchor, start, end time.Time, quantity int) int
}

// DayStepper steps by a fixed number of days from the anchor. Large
// quantities can skip a calendar month entirely: every 30 days from
// 2024-01-01 fires on 01-31 and 03-01, never in February 2024.
type DayStepper struct{}

func (DayStepper) Next(date time.Time, quantity int) time.Time {
	return date.AddDate(0, 0, quantity)
}

func (DayStepper) Count(anchor, start, end time.Time, quantity int) int {
	elapsed := daysBetween(anchor, start)
	if elapsed < 0 {
		elapsed = 0
	}
	offset := elapsed % quantity
	first := start
	if offset != 0 {
		first = start.AddDate(0, 0, quantity-offset)
	}
	if first.Before(anchor) {
		first = anchor
	}
	if first.After(end) {
		return 0
	}
	return daysBetween(first, end)/quantity + 1
}

// MonthStepper steps by whole calendar months.
type MonthStepper struct{}

// Next adds calendar months and clamps the day to the end of the target
// month, so Jan 31 + 1 month is Feb 29 in a leap year. The clamped day then
// carries into later steps.
func (MonthStepper) Next(date time.Time, quantity int) time.Time {
	return AddMonths(date, quantity)
}

// Count compares (year, month) pairs only. A single month window holds at
// most one hit, and an anchor on the 31st still fires in February.
func (MonthStepper) Count(anchor, start, _ time.Time, quantity int) int {
	diff := monthIndex(start) - monthIndex(anchor)
	if diff < 0 || diff%quantity != 0 {
		return 0
	}
	return 1
}

// AddMonths adds n calendar months to a date-only value, clamping the day to
// the last day of the resulting month.
func AddMonths(date time.Time, n int) time.Time {
	y, m, d := date.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	if last := first.AddDate(0, 1, -1).Day(); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, time.UTC)
}

var (
	steppersMu sync.RWMutex
	steppers   = map[core.IntervalUnit]Stepper{
		core.UnitDay:   DayStepper{},
		core.UnitMonth: MonthStepper{},
	}
)

// StepperFor returns the strategy registered for unit. Any unit without a
// registered strategy steps by months.
func StepperFor(unit core.IntervalUnit) Stepper {
	steppersMu.RLock()
	defer steppersMu.RUnlock()
	if s, ok := steppers[unit]; ok {
		return s
	}
	return MonthStepper{}
}

// RegisterStepper installs or replaces the strategy for a unit.
func RegisterStepper(unit core.IntervalUnit, s Stepper) {
	steppersMu.Lock()
	defer steppersMu.Unlock()
	steppers[unit] = s
}
