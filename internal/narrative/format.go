package narrative

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/marta/pulse/internal/store"
)

// MinDaysOfData is the smallest number of distinct days with entries
// that justifies generating a weekly narrative.
const MinDaysOfData = 3

// FormatSessions renders a week of check-ins into the fixed plain-text
// layout the model is prompted with. The output is deterministic:
// days ascending, morning before evening, missing answers as N/A.
func FormatSessions(sessions []store.Session) string {
	if len(sessions) == 0 {
		return "No data available for this period."
	}

	type daySessions struct {
		morning *store.Session
		evening *store.Session
	}
	byDate := make(map[string]*daySessions)
	var dates []string
	for i := range sessions {
		s := &sessions[i]
		day, ok := byDate[s.Date]
		if !ok {
			day = &daySessions{}
			byDate[s.Date] = day
			dates = append(dates, s.Date)
		}
		switch s.Type {
		case store.SessionMorning:
			day.morning = s
		case store.SessionEvening:
			day.evening = s
		}
	}
	sort.Strings(dates)

	var lines []string
	for _, date := range dates {
		day := byDate[date]
		lines = append(lines, fmt.Sprintf("\n*Data for* %s", date))
		if m := day.morning; m != nil {
			lines = append(lines, fmt.Sprintf(
				"Morning data, registered at %s : energy level=%s, mood=%s, intention word for the day=%q",
				sessionTime(m), answer(m, store.FieldEnergy), answer(m, store.FieldMood),
				answer(m, store.FieldIntention)))
		}
		if e := day.evening; e != nil {
			lines = append(lines, fmt.Sprintf(
				"Evening data, registered at %s: mood=%s, stress=%s, word that describes this day best=%q, one sentence describing what had the most impact on your mood today=%q",
				sessionTime(e), answer(e, store.FieldMood), answer(e, store.FieldStress),
				answer(e, store.FieldDayWord), answer(e, store.FieldReflection)))
		}
	}
	return strings.Join(lines, "\n")
}

// Sufficiency reports whether a week's sessions cover enough distinct
// days to narrate, with a human-readable verdict either way.
func Sufficiency(sessions []store.Session) (bool, int, string) {
	if len(sessions) == 0 {
		return false, 0, "No data available for the past week."
	}
	dates := make(map[string]bool)
	for _, s := range sessions {
		if s.Date != "" {
			dates[s.Date] = true
		}
	}
	days := len(dates)
	if days < MinDaysOfData {
		plural := "s"
		if days == 1 {
			plural = ""
		}
		return false, days, fmt.Sprintf("Insufficient data: only %d day%s with entries. Need at least %d days.",
			days, plural, MinDaysOfData)
	}
	return true, days, fmt.Sprintf("Sufficient data: %d days with entries.", days)
}

func sessionTime(s *store.Session) string {
	for _, layout := range []string{time.TimeOnly, "15:04"} {
		if t, err := time.Parse(layout, s.Time); err == nil {
			return strftime.Format("%H:%M", t)
		}
	}
	if !s.Timestamp.IsZero() {
		return strftime.Format("%H:%M", s.Timestamp)
	}
	return "unknown"
}

func answer(s *store.Session, field string) string {
	if v, ok := s.Answers[field]; ok && v != "" {
		return v
	}
	return "N/A"
}
