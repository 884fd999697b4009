// Package interval implements the date arithmetic behind recurring templates:
// how many times a template fires within a calendar month and when it fires
// next.
//
// Every function normalizes its inputs to date-only UTC values before any
// comparison, so a time-of-day component never changes the result. Invalid
// quantities degrade to safe defaults instead of returning errors.
package interval

import (
	"time"

	"praondefoi/internal/core"
)

// CountOccurrencesInMonth returns how many occurrences of a schedule that
// starts at anchor and repeats every quantity units fall within the given
// calendar month. A non-positive quantity or an anchor after the last day of
// the month yields 0.
func CountOccurrencesInMonth(anchor time.Time, quantity int, unit core.IntervalUnit, month, year int) int {
	if quantity <= 0 || month < 1 || month > 12 {
		return 0
	}
	start, end := MonthWindow(month, year)
	anchor = core.DateOnly(anchor)
	if anchor.After(end) {
		return 0
	}
	return StepperFor(unit).Count(anchor, start, end, quantity)
}

// NextOccurrenceAfter returns the occurrence that follows date. A
// non-positive quantity is treated as 1.
func NextOccurrenceAfter(date time.Time, quantity int, unit core.IntervalUnit) time.Time {
	if quantity <= 0 {
		quantity = 1
	}
	return StepperFor(unit).Next(core.DateOnly(date), quantity)
}

// CountForTemplate applies CountOccurrencesInMonth to a template's schedule.
func CountForTemplate(t core.RecurringTemplate, month, year int) int {
	return CountOccurrencesInMonth(t.Anchor, t.Interval.Quantity, t.Interval.Unit, month, year)
}

// MonthWindow returns the first and last calendar day of a month.
func MonthWindow(month, year int) (time.Time, time.Time) {
	start := core.NewDate(year, month, 1)
	return start, start.AddDate(0, 1, -1)
}

// DaysIn returns the number of days in a month.
func DaysIn(month, year int) int {
	_, end := MonthWindow(month, year)
	return end.Day()
}

// daysBetween counts whole days from a to b on date-only values. It avoids
// time.Duration so that spans of several centuries do not saturate.
func daysBetween(a, b time.Time) int {
	return int((b.Unix() - a.Unix()) / 86400)
}

// monthIndex is a month counter comparable across years.
func monthIndex(t time.Time) int {
	return t.Year()*12 + int(t.Month()) - 1
}
