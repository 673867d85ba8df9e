package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/marta/pulse/internal/store"
)

// RateLimit is the minimum interval between two data exports for one
// user. Exports are heavy, so they are deliberately rationed.
const RateLimit = 7 * 24 * time.Hour

// maxReportRows caps the weekly-report section; older reports are left
// out of the summary.
const maxReportRows = 10

// reportSummaryLength truncates report content in the export; the full
// text stays in the bot.
const reportSummaryLength = 200

// Bundle is everything the export renders for one user.
type Bundle struct {
	User        *store.User
	Stats       store.Stats
	Preferences *store.Preferences
	Sessions    []store.Session
	Reports     []store.Report
	GeneratedAt time.Time
}

// CanExport reports whether the user may export now, with a
// human-readable wait message when not.
func CanExport(prefs *store.Preferences, now time.Time) (bool, string) {
	if prefs == nil || prefs.LastDataExport == "" {
		return true, "Ready to export"
	}
	last, err := time.Parse(time.RFC3339, prefs.LastDataExport)
	if err != nil {
		return true, "Ready to export"
	}
	elapsed := now.Sub(last)
	if elapsed >= RateLimit {
		return true, "Ready to export"
	}
	remaining := RateLimit - elapsed
	if days := int(remaining.Hours()) / 24; days > 0 {
		return false, fmt.Sprintf("You can export your data again in %d days", days)
	}
	return false, fmt.Sprintf("You can export your data again in %d hours", int(remaining.Hours())+1)
}

// WriteUserData renders the full export as CSV sections: user info,
// statistics, preferences, session rows, and report summaries. Every
// free-text field passes the injection guard.
func WriteUserData(w io.Writer, b Bundle) error {
	cw := csv.NewWriter(w)

	rows := [][]string{
		{fmt.Sprintf("Pulse Data Export for User %d", userID(b))},
		{fmt.Sprintf("Generated on %s", strftime.Format("%Y-%m-%d %H:%M:%S", b.GeneratedAt))},
		{},
	}
	rows = append(rows, userRows(b.User)...)
	rows = append(rows, statsRows(b.Stats)...)
	rows = append(rows, preferenceRows(b.Preferences)...)
	rows = append(rows, sessionRows(b.Sessions)...)
	rows = append(rows, reportRows(b.Reports)...)

	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing export row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flushing export: %w", err)
	}
	return nil
}

func userID(b Bundle) int64 {
	if b.User != nil {
		return b.User.UserID
	}
	if b.Preferences != nil {
		return b.Preferences.UserID
	}
	return 0
}

func userRows(u *store.User) [][]string {
	rows := [][]string{
		{"USER INFORMATION"},
		{"Field", "Value"},
	}
	if u != nil {
		rows = append(rows,
			[]string{"Username", orDefault(u.Username, "Not provided")},
			[]string{"First Name", orDefault(u.FirstName, "Not provided")},
			[]string{"Last Name", orDefault(u.LastName, "Not provided")},
			[]string{"First Seen", orDefault(u.FirstSeen, "Unknown")},
		)
	}
	return append(rows, []string{})
}

func statsRows(s store.Stats) [][]string {
	return [][]string{
		{"STATISTICS"},
		{"Metric", "Value"},
		{"Total Sessions", fmt.Sprint(s.TotalSessions)},
		{"Morning Sessions", fmt.Sprint(s.MorningSessions)},
		{"Evening Sessions", fmt.Sprint(s.EveningSessions)},
		{"Unique Days Tracked", fmt.Sprint(s.UniqueDates)},
		{"First Session Date", orDefault(s.FirstSessionDate, "N/A")},
		{"Last Session Date", orDefault(s.LastSessionDate, "N/A")},
		{},
	}
}

func preferenceRows(p *store.Preferences) [][]string {
	rows := [][]string{
		{"USER PREFERENCES & SETTINGS"},
		{"Setting", "Value"},
	}
	if p != nil {
		rows = append(rows,
			[]string{"Timezone", orDefault(p.Timezone, "Not set")},
			[]string{"Reminders Enabled", fmt.Sprint(p.RemindersEnabled)},
			[]string{"Morning Reminder Time", orDefault(p.MorningTime, "Not set")},
			[]string{"Evening Reminder Time", orDefault(p.EveningTime, "Not set")},
			[]string{"Morning Session Enabled", fmt.Sprint(p.MorningEnabled)},
			[]string{"Evening Session Enabled", fmt.Sprint(p.EveningEnabled)},
			[]string{"Onboarding Completed", fmt.Sprint(p.OnboardingCompleted)},
		)
	}
	return append(rows, []string{})
}

func sessionRows(sessions []store.Session) [][]string {
	rows := [][]string{
		{"SESSION DATA"},
		{"Date", "Time", "Session Type", "Energy Level", "Mood", "Stress Level",
			"Intention", "Day Word", "Reflection"},
	}
	for _, s := range sessions {
		rows = append(rows, []string{
			s.Date,
			s.Time,
			s.Type,
			s.Answers[store.FieldEnergy],
			s.Answers[store.FieldMood],
			s.Answers[store.FieldStress],
			sanitizeField(s.Answers[store.FieldIntention]),
			sanitizeField(s.Answers[store.FieldDayWord]),
			sanitizeField(s.Answers[store.FieldReflection]),
		})
	}
	return append(rows, []string{})
}

func reportRows(reports []store.Report) [][]string {
	rows := [][]string{
		{"WEEKLY AI REPORTS"},
		{"Week Start", "Week End", "Generated At", "Days of Data", "Report Summary"},
	}
	for i, r := range reports {
		if i == maxReportRows {
			break
		}
		summary := strings.Join(strings.Fields(r.Content), " ")
		if len(summary) > reportSummaryLength {
			summary = summary[:reportSummaryLength] + "..."
		}
		rows = append(rows, []string{
			r.WeekStart,
			r.WeekEnd,
			r.GeneratedAt,
			fmt.Sprint(r.DaysOfData),
			sanitizeField(summary),
		})
	}
	return rows
}

// sanitizeField defuses spreadsheet formula injection: a leading
// formula trigger gets a quote prefix so the cell stays inert text.
func sanitizeField(value string) string {
	if strings.HasPrefix(value, "=") || strings.HasPrefix(value, "+") ||
		strings.HasPrefix(value, "-") || strings.HasPrefix(value, "@") {
		return "'" + value
	}
	return value
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
