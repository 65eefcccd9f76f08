// Package calendar builds the empty year calendars that history aggregation
// projects engagements onto.
package calendar

import (
	"sync"
	"time"

	"github.com/pitabwire/workwell/model"
)

// Generate builds an empty calendar for the given year. Every day carries its
// 0-based index within the month and its weekday (Sunday = 0), and an empty
// engagement list.
func Generate(year int) model.YearCalendar {
	var cal model.YearCalendar
	for m := range cal {
		first := time.Date(year, time.Month(m+1), 1, 0, 0, 0, 0, time.UTC)
		n := first.AddDate(0, 1, -1).Day()
		offset := int(first.Weekday())

		indexes := make([]int, n)
		days := make([]model.CalendarDay, n)
		for i := range days {
			indexes[i] = i
			days[i] = model.CalendarDay{
				DayIndex:    &indexes[i],
				DayOfWeek:   (offset + i) % 7,
				Engagements: []model.ProcessedEngagement{},
			}
		}
		cal[m] = model.CalendarMonth{
			MonthName:   first.Month().String(),
			DaysInMonth: days,
		}
	}
	return cal
}

// Clone returns a copy of cal whose day cells can be filled without touching
// the original. Day indexes are immutable and shared.
func Clone(cal model.YearCalendar) model.YearCalendar {
	var out model.YearCalendar
	for m, month := range cal {
		days := make([]model.CalendarDay, len(month.DaysInMonth))
		for i, d := range month.DaysInMonth {
			engagements := make([]model.ProcessedEngagement, len(d.Engagements))
			copy(engagements, d.Engagements)
			days[i] = model.CalendarDay{
				DayIndex:    d.DayIndex,
				DayOfWeek:   d.DayOfWeek,
				Engagements: engagements,
			}
		}
		out[m] = model.CalendarMonth{MonthName: month.MonthName, DaysInMonth: days}
	}
	return out
}

// Insert appends pe to the day on which at falls in loc. It returns false when
// at lies outside year.
func Insert(cal *model.YearCalendar, year int, at time.Time, loc *time.Location, pe model.ProcessedEngagement) bool {
	if loc == nil {
		loc = time.UTC
	}
	local := at.In(loc)
	if local.Year() != year {
		return false
	}
	month := &cal[int(local.Month())-1]
	day := local.Day() - 1
	if day >= len(month.DaysInMonth) {
		return false
	}
	month.DaysInMonth[day].Engagements = append(month.DaysInMonth[day].Engagements, pe)
	return true
}

// Weeks lays a month out as rows of seven cells starting on Sunday. Cells
// before the first and after the last day are padding with a nil DayIndex.
func Weeks(month model.CalendarMonth) [][]model.CalendarDay {
	if len(month.DaysInMonth) == 0 {
		return nil
	}
	var cells []model.CalendarDay
	for i := 0; i < month.DaysInMonth[0].DayOfWeek; i++ {
		cells = append(cells, model.CalendarDay{DayOfWeek: i, Engagements: []model.ProcessedEngagement{}})
	}
	cells = append(cells, month.DaysInMonth...)
	for len(cells)%7 != 0 {
		cells = append(cells, model.CalendarDay{DayOfWeek: len(cells) % 7, Engagements: []model.ProcessedEngagement{}})
	}

	weeks := make([][]model.CalendarDay, 0, len(cells)/7)
	for i := 0; i < len(cells); i += 7 {
		weeks = append(weeks, cells[i:i+7])
	}
	return weeks
}

// CanAdvance reports whether the month after (year, month) may be shown.
// Months after the current one have no history.
func CanAdvance(year int, month time.Month, now time.Time) bool {
	return year < now.Year() || (year == now.Year() && month < now.Month())
}

// Cache memoises generated skeletons per year. The zero value is ready to
// use and safe for concurrent use.
type Cache struct {
	mu    sync.Mutex
	years map[int]model.YearCalendar
}

// Year returns a fresh clone of the skeleton for year.
func (c *Cache) Year(year int) model.YearCalendar {
	c.mu.Lock()
	if c.years == nil {
		c.years = make(map[int]model.YearCalendar)
	}
	skeleton, ok := c.years[year]
	if !ok {
		skeleton = Generate(year)
		c.years[year] = skeleton
	}
	c.mu.Unlock()
	return Clone(skeleton)
}
