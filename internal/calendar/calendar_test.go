package calendar

import (
	"reflect"
	"testing"
	"time"

	"github.com/pitabwire/workwell/model"
)

func TestGenerate_monthsAndDays(t *testing.T) {
	cal := Generate(2024)

	wantDays := []int{31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
	for m, month := range cal {
		if month.MonthName != time.Month(m+1).String() {
			t.Errorf("cal[%d].MonthName = %q, want %q", m, month.MonthName, time.Month(m+1))
		}
		if len(month.DaysInMonth) != wantDays[m] {
			t.Errorf("cal[%d] has %d days, want %d", m, len(month.DaysInMonth), wantDays[m])
		}
		for i, d := range month.DaysInMonth {
			if d.DayIndex == nil || *d.DayIndex != i {
				t.Fatalf("cal[%d].DaysInMonth[%d].DayIndex = %v, want %d", m, i, d.DayIndex, i)
			}
			if d.Engagements == nil || len(d.Engagements) != 0 {
				t.Fatalf("cal[%d].DaysInMonth[%d].Engagements = %v, want empty", m, i, d.Engagements)
			}
		}
	}
}

func TestGenerate_dayOfWeek(t *testing.T) {
	cal := Generate(2024)
	// 2024-03-15 was a Friday.
	if got := cal[2].DaysInMonth[14].DayOfWeek; got != int(time.Friday) {
		t.Errorf("2024-03-15 DayOfWeek = %d, want %d", got, time.Friday)
	}
	// 2023-01-01 was a Sunday.
	if got := Generate(2023)[0].DaysInMonth[0].DayOfWeek; got != 0 {
		t.Errorf("2023-01-01 DayOfWeek = %d, want 0", got)
	}
	if got := len(Generate(2023)[1].DaysInMonth); got != 28 {
		t.Errorf("February 2023 has %d days, want 28", got)
	}
}

func TestGenerate_deterministic(t *testing.T) {
	if !reflect.DeepEqual(Generate(2025), Generate(2025)) {
		t.Error("Generate(2025) is not deterministic")
	}
}

func TestClone_isolatesEngagements(t *testing.T) {
	skeleton := Generate(2024)
	clone := Clone(skeleton)

	Insert(&clone, 2024, time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC), time.UTC, model.ProcessedEngagement{Collection: "Breathe"})

	if n := len(clone[2].DaysInMonth[14].Engagements); n != 1 {
		t.Fatalf("clone engagements = %d, want 1", n)
	}
	if n := len(skeleton[2].DaysInMonth[14].Engagements); n != 0 {
		t.Errorf("skeleton engagements = %d, want 0 after filling clone", n)
	}
}

func TestInsert_usesLocalDay(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	cal := Generate(2024)
	// 2024-03-16T02:00Z is still the 15th in Los Angeles.
	ok := Insert(&cal, 2024, time.Date(2024, 3, 16, 2, 0, 0, 0, time.UTC), loc, model.ProcessedEngagement{})
	if !ok {
		t.Fatal("Insert() = false, want true")
	}
	if n := len(cal[2].DaysInMonth[14].Engagements); n != 1 {
		t.Errorf("March 15 engagements = %d, want 1", n)
	}
	if n := len(cal[2].DaysInMonth[15].Engagements); n != 0 {
		t.Errorf("March 16 engagements = %d, want 0", n)
	}
}

func TestInsert_rejectsOtherYear(t *testing.T) {
	cal := Generate(2024)
	if Insert(&cal, 2024, time.Date(2023, 12, 31, 12, 0, 0, 0, time.UTC), time.UTC, model.ProcessedEngagement{}) {
		t.Error("Insert() of a 2023 date into 2024 = true, want false")
	}
}

func TestWeeks_padding(t *testing.T) {
	// March 2024 starts on a Friday and has 31 days.
	weeks := Weeks(Generate(2024)[2])
	if len(weeks) != 6 {
		t.Fatalf("len(Weeks) = %d, want 6", len(weeks))
	}
	for i := 0; i < 5; i++ {
		if weeks[0][i].DayIndex != nil {
			t.Errorf("weeks[0][%d] should be padding", i)
		}
	}
	if weeks[0][5].DayIndex == nil || *weeks[0][5].DayIndex != 0 {
		t.Errorf("weeks[0][5] should be day 0")
	}
	last := weeks[5]
	if last[0].DayIndex == nil || *last[0].DayIndex != 30 {
		t.Errorf("weeks[5][0] should be day 30")
	}
	for i := 1; i < 7; i++ {
		if last[i].DayIndex != nil {
			t.Errorf("weeks[5][%d] should be padding", i)
		}
		if last[i].DayOfWeek != i {
			t.Errorf("weeks[5][%d].DayOfWeek = %d, want %d", i, last[i].DayOfWeek, i)
		}
	}
}

func TestCanAdvance(t *testing.T) {
	now := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		year  int
		month time.Month
		want  bool
	}{
		{2024, time.May, true},
		{2024, time.June, false},
		{2023, time.December, true},
		{2025, time.January, false},
	}
	for _, tt := range tests {
		if got := CanAdvance(tt.year, tt.month, now); got != tt.want {
			t.Errorf("CanAdvance(%d, %v) = %v, want %v", tt.year, tt.month, got, tt.want)
		}
	}
}

func TestCache_returnsFreshClones(t *testing.T) {
	var c Cache
	a := c.Year(2024)
	Insert(&a, 2024, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), time.UTC, model.ProcessedEngagement{})

	b := c.Year(2024)
	if n := len(b[0].DaysInMonth[0].Engagements); n != 0 {
		t.Errorf("second Year() call sees %d engagements, want 0", n)
	}
}
