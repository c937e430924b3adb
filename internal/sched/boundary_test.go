package sched

import (
	"testing"
	"time"
)

func TestPeriodBoundary(t *testing.T) {
	// Wednesday.
	at := time.Date(2025, time.March, 12, 15, 42, 37, 0, time.UTC)

	cases := []struct {
		align, period string
		want          time.Time
	}{
		{AlignDown, "Minutely", time.Date(2025, time.March, 12, 15, 42, 0, 0, time.UTC)},
		{AlignUp, "Minutely", time.Date(2025, time.March, 12, 15, 43, 0, 0, time.UTC)},
		{AlignDown, "Daily", time.Date(2025, time.March, 12, 0, 0, 0, 0, time.UTC)},
		{AlignUp, "Daily", time.Date(2025, time.March, 13, 0, 0, 0, 0, time.UTC)},
		{AlignDown, "Weekly", time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)}, // Monday
		{AlignUp, "Weekly", time.Date(2025, time.March, 17, 0, 0, 0, 0, time.UTC)},
		{AlignDown, "Monthly", time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)},
		{AlignUp, "Monthly", time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, c := range cases {
		got := PeriodBoundary(c.align, c.period, "", at)
		if !got.Equal(c.want) {
			t.Errorf("PeriodBoundary(%s, %s) = %v, want %v", c.align, c.period, got, c.want)
		}
	}
}

func TestPeriodBoundaryWeekStartsMonday(t *testing.T) {
	// A Sunday belongs to the week that started the previous Monday.
	sunday := time.Date(2025, time.March, 16, 12, 0, 0, 0, time.UTC)
	got := PeriodBoundary(AlignDown, "Weekly", "", sunday)
	want := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	monday := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	if got := PeriodBoundary(AlignDown, "Weekly", "", monday); !got.Equal(monday) {
		t.Fatalf("monday aligned to %v", got)
	}
}

func TestPeriodBoundaryTimezone(t *testing.T) {
	// 2025-03-12 01:00 UTC is still 2025-03-11 in New York.
	at := time.Date(2025, time.March, 12, 1, 0, 0, 0, time.UTC)

	got := PeriodBoundary(AlignDown, "Daily", "America/New_York", at)
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	want := time.Date(2025, time.March, 11, 0, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	// An unknown timezone falls back to UTC instead of failing.
	got = PeriodBoundary(AlignDown, "Daily", "Mars/Olympus_Mons", at)
	if !got.Equal(time.Date(2025, time.March, 12, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("fallback = %v", got)
	}
}
