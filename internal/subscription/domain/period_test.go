package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 30, 0, 0, time.UTC)
}

func TestAddMonthsClampedShortMonths(t *testing.T) {
	// anchored on the 31st, February collapses to its last day
	anchor := date(2024, time.January, 31)
	assert.Equal(t, date(2024, time.February, 29), AddMonthsClamped(anchor, 31, 1))
	assert.Equal(t, date(2024, time.March, 31), AddMonthsClamped(anchor, 31, 2))
	assert.Equal(t, date(2024, time.April, 30), AddMonthsClamped(anchor, 31, 3))

	// non-leap February
	assert.Equal(t, date(2023, time.February, 28), AddMonthsClamped(date(2023, time.January, 31), 31, 1))
}

func TestAddMonthsClampedYearRollover(t *testing.T) {
	anchor := date(2024, time.November, 15)
	assert.Equal(t, date(2025, time.January, 15), AddMonthsClamped(anchor, 15, 2))
	assert.Equal(t, date(2025, time.November, 15), AddMonthsClamped(anchor, 15, 12))
}

func TestAddMonthsClampedRecoversBillingDay(t *testing.T) {
	// once past February the original billing day applies again, even when
	// the previous anchor was clamped
	feb := AddMonthsClamped(date(2024, time.January, 30), 30, 1)
	assert.Equal(t, date(2024, time.February, 29), feb)
	assert.Equal(t, date(2024, time.March, 30), AddMonthsClamped(feb, 30, 1))
}

func TestPeriodFrom(t *testing.T) {
	period := PeriodFrom(date(2024, time.March, 31), 31)
	assert.Equal(t, date(2024, time.March, 31), period.Start)
	assert.Equal(t, date(2024, time.April, 30), period.End)
}

func TestAnchorAtOrBefore(t *testing.T) {
	// on or after the billing day, the current month's anchor applies
	assert.Equal(t, date(2024, time.March, 20), AnchorAtOrBefore(date(2024, time.March, 20), 20))
	assert.Equal(t, date(2024, time.March, 20), AnchorAtOrBefore(date(2024, time.March, 25), 20))

	// before the billing day, the previous month's anchor applies
	assert.Equal(t, date(2024, time.February, 20), AnchorAtOrBefore(date(2024, time.March, 5), 20))
	assert.Equal(t, date(2023, time.December, 20), AnchorAtOrBefore(date(2024, time.January, 5), 20))

	// clamping: billing day 31 seen from early March lands on February's last day
	assert.Equal(t, date(2024, time.February, 29), AnchorAtOrBefore(date(2024, time.March, 5), 31))
}

func TestAnchorDay(t *testing.T) {
	assert.Equal(t, 29, AnchorDay(date(2024, time.February, 1), 31))
	assert.Equal(t, 15, AnchorDay(date(2024, time.February, 1), 15))
	assert.Equal(t, 1, AnchorDay(date(2024, time.February, 1), 0))
}
