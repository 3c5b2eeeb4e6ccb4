package database

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// WeekPeriod returns the period_id of the Monday..Sunday week containing t.
func WeekPeriod(t time.Time) string {
	offset := (int(t.Weekday()) + 6) % 7
	start := time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, t.Location())
	end := start.AddDate(0, 0, 6)
	return MakePeriodID(start.Format(dateLayout), end.Format(dateLayout))
}

// MakePeriodID creates a period_id from start and end dates.
// If start == end, returns just the date (e.g., "2026-02-06").
// Otherwise returns a range (e.g., "2026-02-01..2026-02-06").
func MakePeriodID(start, end string) string {
	if start == end {
		return start
	}
	return start + ".." + end
}

// ValidPeriodID reports whether id is a single date or a date range.
func ValidPeriodID(id string) bool {
	start, end, _ := strings.Cut(id, "..")
	if end == "" {
		end = start
	}
	s, err := time.Parse(dateLayout, start)
	if err != nil {
		return false
	}
	e, err := time.Parse(dateLayout, end)
	if err != nil {
		return false
	}
	return !e.Before(s)
}

// FormatPeriodDisplay formats a period_id for human-readable display.
// Single day: "Feb 06, 2026"
// Range: "Feb 01 - Feb 06, 2026"
func FormatPeriodDisplay(periodID string) string {
	if strings.Contains(periodID, "..") {
		parts := strings.SplitN(periodID, "..", 2)
		if len(parts) != 2 {
			return periodID
		}
		start, err := time.Parse(dateLayout, parts[0])
		if err != nil {
			return periodID
		}
		end, err := time.Parse(dateLayout, parts[1])
		if err != nil {
			return periodID
		}
		return fmt.Sprintf("%s - %s", start.Format("Jan 02"), end.Format("Jan 02, 2006"))
	}

	d, err := time.Parse(dateLayout, periodID)
	if err != nil {
		return periodID
	}
	return d.Format("Jan 02, 2006")
}
