// Package calendar measures elapsed time in business minutes: time inside
// working hours on working days that are not holidays.
package calendar

import (
	"fmt"
	"strings"
	"time"
)

// Config describes the working week.
type Config struct {
	Timezone     string   // IANA name; empty means UTC
	WorkdayStart string   // "HH:MM"
	WorkdayEnd   string   // "HH:MM", must be after WorkdayStart
	Workdays     []string // "mon".."sun"
	Holidays     []string // "YYYY-MM-DD" in Timezone
}

// Calendar implements the engine's BusinessCalendar collaborator.
type Calendar struct {
	loc      *time.Location
	startH   int
	startM   int
	endH     int
	endM     int
	workdays map[time.Weekday]bool
	holidays map[string]bool
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// New validates cfg and builds a Calendar.
func New(cfg Config) (*Calendar, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("calendar: unknown timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}

	start, err := time.Parse("15:04", cfg.WorkdayStart)
	if err != nil {
		return nil, fmt.Errorf("calendar: invalid workday start %q: %w", cfg.WorkdayStart, err)
	}
	end, err := time.Parse("15:04", cfg.WorkdayEnd)
	if err != nil {
		return nil, fmt.Errorf("calendar: invalid workday end %q: %w", cfg.WorkdayEnd, err)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("calendar: workday end %s must be after start %s", cfg.WorkdayEnd, cfg.WorkdayStart)
	}

	c := &Calendar{
		loc:      loc,
		startH:   start.Hour(),
		startM:   start.Minute(),
		endH:     end.Hour(),
		endM:     end.Minute(),
		workdays: make(map[time.Weekday]bool),
		holidays: make(map[string]bool),
	}
	for _, name := range cfg.Workdays {
		key := strings.ToLower(strings.TrimSpace(name))
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("calendar: unknown workday %q", name)
		}
		c.workdays[wd] = true
	}
	if len(c.workdays) == 0 {
		return nil, fmt.Errorf("calendar: at least one workday is required")
	}
	for _, h := range cfg.Holidays {
		d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(h), loc)
		if err != nil {
			return nil, fmt.Errorf("calendar: invalid holiday %q: %w", h, err)
		}
		c.holidays[d.Format("2006-01-02")] = true
	}
	return c, nil
}

// IsBusinessDay reports whether the calendar day containing t is worked.
func (c *Calendar) IsBusinessDay(t time.Time) bool {
	t = t.In(c.loc)
	return c.workdays[t.Weekday()] && !c.holidays[t.Format("2006-01-02")]
}

// ElapsedBusinessMinutes returns the business minutes between from and to.
// It returns 0 when to is not after from.
func (c *Calendar) ElapsedBusinessMinutes(from, to time.Time) float64 {
	if !to.After(from) {
		return 0
	}
	from = from.In(c.loc)
	to = to.In(c.loc)

	var total time.Duration
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, c.loc)
	for !day.After(to) {
		if c.IsBusinessDay(day) {
			open := time.Date(day.Year(), day.Month(), day.Day(), c.startH, c.startM, 0, 0, c.loc)
			closeAt := time.Date(day.Year(), day.Month(), day.Day(), c.endH, c.endM, 0, 0, c.loc)
			s := maxTime(open, from)
			e := minTime(closeAt, to)
			if e.After(s) {
				total += e.Sub(s)
			}
		}
		day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, c.loc)
	}
	return total.Minutes()
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
