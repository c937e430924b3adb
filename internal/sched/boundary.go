package sched

import "time"

// Boundary alignment directions.
const (
	AlignDown = "-" // start of the current period
	AlignUp   = "+" // start of the next period
)

// PeriodBoundary aligns an instant to an alert-period edge in the given
// timezone. AlignDown returns the period start containing at; AlignUp
// returns the first instant of the next period.
func PeriodBoundary(align, period, tz string, at time.Time) time.Time {
	loc, err := time.LoadLocation(tz)
	if err != nil || tz == "" {
		loc = time.UTC
	}
	t := at.In(loc)

	switch period {
	case "Minutely":
		down := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)
		if align == AlignUp {
			return down.Add(time.Minute)
		}
		return down

	case "Daily":
		down := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		if align == AlignUp {
			return down.AddDate(0, 0, 1)
		}
		return down

	case "Weekly":
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		// Monday-based weeks.
		offset := (int(day.Weekday()) + 6) % 7
		down := day.AddDate(0, 0, -offset)
		if align == AlignUp {
			return down.AddDate(0, 0, 7)
		}
		return down

	case "Monthly":
		down := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
		if align == AlignUp {
			return down.AddDate(0, 1, 0)
		}
		return down
	}

	return t
}
