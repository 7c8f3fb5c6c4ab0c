package domain

import "time"

// Period is one monthly credit cycle, [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// AnchorDay clamps the billing day to the month that contains t.
func AnchorDay(t time.Time, billingDay int) int {
	if billingDay < 1 {
		billingDay = 1
	}
	if last := daysInMonth(t.Year(), t.Month()); billingDay > last {
		return last
	}
	return billingDay
}

// AddMonthsClamped returns the billing anchor `months` months after t.
// A billing day of 31 lands on the last day of shorter months instead of
// spilling into the next one.
func AddMonthsClamped(t time.Time, billingDay, months int) time.Time {
	total := int(t.Month()) + months
	year := t.Year() + (total-1)/12
	month := time.Month((total-1)%12 + 1)

	day := billingDay
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return time.Date(year, month, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// AnchorAtOrBefore returns the most recent billing anchor at or before t.
// When the clamped anchor of t's month has not been reached yet, the
// previous month's anchor applies.
func AnchorAtOrBefore(t time.Time, billingDay int) time.Time {
	anchor := time.Date(t.Year(), t.Month(), AnchorDay(t, billingDay),
		t.Hour(), t.Minute(), t.Second(), 0, t.Location())
	if !anchor.After(t) {
		return anchor
	}
	prev := t.AddDate(0, 0, -t.Day())
	return time.Date(prev.Year(), prev.Month(), AnchorDay(prev, billingDay),
		t.Hour(), t.Minute(), t.Second(), 0, t.Location())
}

// PeriodFrom returns the monthly period starting at t.
func PeriodFrom(t time.Time, billingDay int) Period {
	return Period{Start: t, End: AddMonthsClamped(t, billingDay, 1)}
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
