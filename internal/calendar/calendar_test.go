package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCalendar(t *testing.T) *Calendar {
	t.Helper()
	c, err := New(Config{
		WorkdayStart: "09:00",
		WorkdayEnd:   "17:00",
		Workdays:     []string{"mon", "tue", "wed", "thu", "friday"},
		Holidays:     []string{"2026-03-04"},
	})
	require.NoError(t, err)
	return c
}

func TestElapsedBusinessMinutes(t *testing.T) {
	c := newTestCalendar(t)
	mon := func(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }

	tests := []struct {
		name     string
		from, to time.Time
		want     float64
	}{
		{"inside hours", mon(10, 0), mon(11, 30), 90},
		{"starts before opening", mon(7, 0), mon(9, 30), 30},
		{"ends after closing", mon(16, 0), mon(20, 0), 60},
		{"overnight", mon(16, 0), time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), 120},
		{"skips holiday", time.Date(2026, 3, 3, 16, 0, 0, 0, time.UTC), time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC), 120},
		{"weekend", time.Date(2026, 3, 6, 16, 0, 0, 0, time.UTC), time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC), 120},
		{"reversed", mon(11, 0), mon(10, 0), 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, c.ElapsedBusinessMinutes(tc.from, tc.to), 0.001)
		})
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{WorkdayStart: "17:00", WorkdayEnd: "09:00", Workdays: []string{"mon"}})
	assert.Error(t, err)

	_, err = New(Config{WorkdayStart: "09:00", WorkdayEnd: "17:00", Workdays: []string{"funday"}})
	assert.Error(t, err)

	_, err = New(Config{WorkdayStart: "09:00", WorkdayEnd: "17:00"})
	assert.Error(t, err)

	_, err = New(Config{Timezone: "Mars/Olympus", WorkdayStart: "09:00", WorkdayEnd: "17:00", Workdays: []string{"mon"}})
	assert.Error(t, err)
}

func TestIsBusinessDay(t *testing.T) {
	c := newTestCalendar(t)
	assert.True(t, c.IsBusinessDay(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)))
	assert.False(t, c.IsBusinessDay(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)))
	assert.False(t, c.IsBusinessDay(time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)))
}
