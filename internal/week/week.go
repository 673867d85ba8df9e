package week

import (
	"fmt"
	"time"

	"github.com/ncruces/go-strftime"
)

// Key identifies one ISO week. Derived from a Monday-aligned week start,
// so every component that handles weeks agrees on the same canonical key.
type Key struct {
	Year int
	Week int
}

func (k Key) String() string {
	return fmt.Sprintf("%d_week_%02d", k.Year, k.Week)
}

// Start returns Monday 00:00 of t's ISO week, in t's location.
func Start(t time.Time) time.Time {
	daysSinceMonday := (int(t.Weekday()) + 6) % 7
	monday := t.AddDate(0, 0, -daysSinceMonday)
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, t.Location())
}

// PreviousStart returns the Monday of the ISO week before t's.
func PreviousStart(t time.Time) time.Time {
	return Start(t).AddDate(0, 0, -7)
}

// End returns the Sunday that closes the week starting at weekStart.
func End(weekStart time.Time) time.Time {
	return weekStart.AddDate(0, 0, 6)
}

// KeyFor derives the canonical key for any day of a week.
func KeyFor(t time.Time) Key {
	y, w := Start(t).ISOWeek()
	return Key{Year: y, Week: w}
}

// DateOnly formats t as YYYY-MM-DD.
func DateOnly(t time.Time) string {
	return strftime.Format("%Y-%m-%d", t)
}

// ParseDate parses a YYYY-MM-DD string into a local midnight.
func ParseDate(s string) (time.Time, error) {
	t, err := strftime.Parse("%Y-%m-%d", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return t, nil
}

// FormatRange renders a human-readable header for the week starting at
// weekStart, e.g. "Week of January 02-08, 2026" when the week stays in
// one month, or "Week of January 29 - February 04, 2026" when it spans
// two.
func FormatRange(weekStart time.Time) string {
	end := End(weekStart)
	if weekStart.Month() == end.Month() {
		return fmt.Sprintf("Week of %s-%s",
			strftime.Format("%B %d", weekStart),
			strftime.Format("%d, %Y", end))
	}
	return fmt.Sprintf("Week of %s - %s",
		strftime.Format("%B %d", weekStart),
		strftime.Format("%B %d, %Y", end))
}
