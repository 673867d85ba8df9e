package store

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(userID int64, sessionType, date string, hour int) Session {
	d, _ := time.Parse(time.DateOnly, date)
	ts := time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, time.UTC)
	return Session{
		UserID:    userID,
		Type:      sessionType,
		Date:      date,
		Time:      ts.Format(time.TimeOnly),
		Timestamp: ts,
		Answers:   map[string]string{FieldMood: "7"},
	}
}

// --- Sessions ---

func TestSaveSessionReplacesSameSlot(t *testing.T) {
	s := openTestStore(t)

	first := testSession(1, SessionMorning, "2026-01-05", 7)
	first.Answers = map[string]string{FieldMood: "4", FieldEnergy: "5"}
	if err := s.SaveSession(first); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	second := testSession(1, SessionMorning, "2026-01-05", 9)
	second.Answers = map[string]string{FieldMood: "8", FieldEnergy: "6"}
	if err := s.SaveSession(second); err != nil {
		t.Fatalf("SaveSession replace: %v", err)
	}

	sessions, err := s.WeekSessions(1, "2026-01-05")
	if err != nil {
		t.Fatalf("WeekSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session after replace, got %d", len(sessions))
	}
	if sessions[0].Answers[FieldMood] != "8" {
		t.Errorf("expected replaced mood 8, got %q", sessions[0].Answers[FieldMood])
	}

	if err := s.SaveSession(testSession(1, SessionEvening, "2026-01-05", 22)); err != nil {
		t.Fatalf("SaveSession evening: %v", err)
	}
	sessions, err = s.WeekSessions(1, "2026-01-05")
	if err != nil {
		t.Fatalf("WeekSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].Type != SessionMorning || sessions[1].Type != SessionEvening {
		t.Errorf("expected timestamp order morning then evening, got %s then %s",
			sessions[0].Type, sessions[1].Type)
	}
}

func TestWeekSessionsRange(t *testing.T) {
	s := openTestStore(t)

	dates := []string{"2026-01-04", "2026-01-05", "2026-01-11", "2026-01-12"}
	for _, d := range dates {
		if err := s.SaveSession(testSession(1, SessionMorning, d, 8)); err != nil {
			t.Fatalf("SaveSession %s: %v", d, err)
		}
	}

	sessions, err := s.WeekSessions(1, "2026-01-05")
	if err != nil {
		t.Fatalf("WeekSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions inside the week, got %d", len(sessions))
	}
	if sessions[0].Date != "2026-01-05" || sessions[1].Date != "2026-01-11" {
		t.Errorf("expected monday and sunday sessions, got %s and %s",
			sessions[0].Date, sessions[1].Date)
	}
}

func TestTodaySessions(t *testing.T) {
	s := openTestStore(t)

	today := time.Now().UTC().Format(time.DateOnly)
	if err := s.SaveSession(testSession(1, SessionMorning, today, 7)); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	sessions, err := s.TodaySessions(1, time.UTC)
	if err != nil {
		t.Fatalf("TodaySessions: %v", err)
	}
	if sessions[SessionMorning] == nil {
		t.Fatal("expected a morning session for today")
	}
	if sessions[SessionEvening] != nil {
		t.Errorf("expected no evening session, got %+v", sessions[SessionEvening])
	}
}

func TestRecentSessions(t *testing.T) {
	s := openTestStore(t)

	recent := time.Now().AddDate(0, 0, -2).Format(time.DateOnly)
	old := time.Now().AddDate(0, 0, -30).Format(time.DateOnly)
	for _, d := range []string{recent, old} {
		if err := s.SaveSession(testSession(1, SessionMorning, d, 8)); err != nil {
			t.Fatalf("SaveSession %s: %v", d, err)
		}
	}

	sessions, err := s.RecentSessions(1, 7)
	if err != nil {
		t.Fatalf("RecentSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 recent session, got %d", len(sessions))
	}
	if sessions[0].Date != recent {
		t.Errorf("expected date %s, got %s", recent, sessions[0].Date)
	}
}

func TestUserStats(t *testing.T) {
	s := openTestStore(t)

	stats, err := s.UserStats(1)
	if err != nil {
		t.Fatalf("UserStats empty: %v", err)
	}
	if stats.TotalSessions != 0 {
		t.Errorf("expected zero stats for unknown user, got %+v", stats)
	}

	for _, sess := range []Session{
		testSession(1, SessionMorning, "2026-01-05", 7),
		testSession(1, SessionEvening, "2026-01-05", 22),
		testSession(1, SessionMorning, "2026-01-07", 7),
	} {
		if err := s.SaveSession(sess); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}

	stats, err = s.UserStats(1)
	if err != nil {
		t.Fatalf("UserStats: %v", err)
	}
	if stats.TotalSessions != 3 {
		t.Errorf("expected 3 total sessions, got %d", stats.TotalSessions)
	}
	if stats.MorningSessions != 2 || stats.EveningSessions != 1 {
		t.Errorf("expected 2 morning and 1 evening, got %d and %d",
			stats.MorningSessions, stats.EveningSessions)
	}
	if stats.UniqueDates != 2 {
		t.Errorf("expected 2 unique dates, got %d", stats.UniqueDates)
	}
	if stats.FirstSessionDate != "2026-01-05" || stats.LastSessionDate != "2026-01-07" {
		t.Errorf("expected date span 2026-01-05..2026-01-07, got %s..%s",
			stats.FirstSessionDate, stats.LastSessionDate)
	}
}

// --- Reports ---

func TestPutReportOverwrites(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutReport(Report{UserID: 1, WeekStart: "2026-01-05", Content: "first draft"}); err != nil {
		t.Fatalf("PutReport: %v", err)
	}
	if err := s.PutReport(Report{UserID: 1, WeekStart: "2026-01-05", Content: "final", AttemptCount: 2}); err != nil {
		t.Fatalf("PutReport overwrite: %v", err)
	}

	r, err := s.GetReport(1, "2026-01-05")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if r == nil {
		t.Fatal("expected a report, got nil")
	}
	if r.Content != "final" {
		t.Errorf("expected overwritten content, got %q", r.Content)
	}
	if r.WeekKey != "2026_week_02" {
		t.Errorf("expected week key 2026_week_02, got %q", r.WeekKey)
	}
	if r.WeekEnd != "2026-01-11" {
		t.Errorf("expected week end 2026-01-11, got %q", r.WeekEnd)
	}
	if r.AttemptCount != 2 {
		t.Errorf("expected attempt count 2, got %d", r.AttemptCount)
	}

	reports, err := s.ListReports(1, 0)
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 report after overwrite, got %d", len(reports))
	}
}

func TestGetReportMissing(t *testing.T) {
	s := openTestStore(t)

	r, err := s.GetReport(1, "2026-01-05")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if r != nil {
		t.Errorf("expected nil report, got %+v", r)
	}
}

func TestListReportsOrderAndLimit(t *testing.T) {
	s := openTestStore(t)

	for _, ws := range []string{"2026-01-05", "2026-01-19", "2026-01-12"} {
		if err := s.PutReport(Report{UserID: 1, WeekStart: ws, Content: "report " + ws}); err != nil {
			t.Fatalf("PutReport %s: %v", ws, err)
		}
	}

	reports, err := s.ListReports(1, 2)
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	if reports[0].WeekStart != "2026-01-19" || reports[1].WeekStart != "2026-01-12" {
		t.Errorf("expected newest-first order, got %s then %s",
			reports[0].WeekStart, reports[1].WeekStart)
	}
}

func TestPreviousReportContents(t *testing.T) {
	s := openTestStore(t)

	for _, ws := range []string{"2025-12-22", "2025-12-29", "2026-01-05", "2026-01-12"} {
		if err := s.PutReport(Report{UserID: 1, WeekStart: ws, Content: "report " + ws}); err != nil {
			t.Fatalf("PutReport %s: %v", ws, err)
		}
	}

	contents, err := s.PreviousReportContents(1, "2026-01-12", 2)
	if err != nil {
		t.Fatalf("PreviousReportContents: %v", err)
	}
	if len(contents) != 2 {
		t.Fatalf("expected 2 previous reports, got %d", len(contents))
	}
	if contents[0] != "report 2026-01-05" || contents[1] != "report 2025-12-29" {
		t.Errorf("expected newest-first previous weeks, got %q then %q", contents[0], contents[1])
	}
}

// --- Failure ledger ---

func TestFailureRetryLifecycle(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 1, 12, 12, 0, 0, 0, time.UTC)

	if _, err := s.AppendFailure(FailureRecord{
		UserID: 1, WeekStart: "2026-01-05", Error: "timeout: request timed out",
		Model: "gpt-4", RetryAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("AppendFailure: %v", err)
	}

	due, err := s.DueRetries(now)
	if err != nil {
		t.Fatalf("DueRetries: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due retry, got %d", len(due))
	}
	if due[0].Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", due[0].Attempts)
	}

	// A fresh failure pushes the retry out; the group is no longer due.
	if _, err := s.AppendFailure(FailureRecord{
		UserID: 1, WeekStart: "2026-01-05", Error: "api_error: upstream 500",
		Model: "gpt-4", RetryAt: now.Add(48 * time.Hour),
	}); err != nil {
		t.Fatalf("AppendFailure second: %v", err)
	}

	due, err = s.DueRetries(now)
	if err != nil {
		t.Fatalf("DueRetries: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected no due retries before the new schedule, got %d", len(due))
	}

	due, err = s.DueRetries(now.Add(49 * time.Hour))
	if err != nil {
		t.Fatalf("DueRetries after delay: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due retry after the delay, got %d", len(due))
	}
	if due[0].Attempts != 2 {
		t.Errorf("expected 2 attempts counted, got %d", due[0].Attempts)
	}
	if due[0].LastError != "api_error: upstream 500" {
		t.Errorf("expected the newest error, got %q", due[0].LastError)
	}

	if err := s.ClearFailures(1, "2026-01-05"); err != nil {
		t.Fatalf("ClearFailures: %v", err)
	}
	due, err = s.DueRetries(now.Add(49 * time.Hour))
	if err != nil {
		t.Fatalf("DueRetries after clear: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expected no due retries after clear, got %d", len(due))
	}
}

func TestFailureHistoryPruned(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 1, 12, 12, 0, 0, 0, time.UTC)

	for i := 0; i < maxFailureHistory+5; i++ {
		count, err := s.AppendFailure(FailureRecord{
			UserID: 1, WeekStart: "2026-01-05",
			Error:   "api_error: upstream 500",
			RetryAt: now.Add(-time.Hour),
		})
		if err != nil {
			t.Fatalf("AppendFailure %d: %v", i, err)
		}
		want := i + 1
		if want > maxFailureHistory {
			want = maxFailureHistory
		}
		if count != want {
			t.Errorf("append %d: expected count %d, got %d", i, want, count)
		}
	}

	due, err := s.DueRetries(now)
	if err != nil {
		t.Fatalf("DueRetries: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due group, got %d", len(due))
	}
	if due[0].Attempts != maxFailureHistory {
		t.Errorf("expected history capped at %d, got %d", maxFailureHistory, due[0].Attempts)
	}
}

func TestMarkRetriesExhausted(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 1, 12, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if _, err := s.AppendFailure(FailureRecord{
			UserID: 1, WeekStart: "2026-01-05",
			Error: "timeout: request timed out", RetryAt: now.Add(-time.Hour),
		}); err != nil {
			t.Fatalf("AppendFailure: %v", err)
		}
	}

	due, err := s.DueRetries(now)
	if err != nil {
		t.Fatalf("DueRetries: %v", err)
	}
	if len(due) != 1 || due[0].TerminalNotified {
		t.Fatalf("expected 1 unnotified group, got %+v", due)
	}

	if err := s.MarkRetriesExhausted(1, "2026-01-05"); err != nil {
		t.Fatalf("MarkRetriesExhausted: %v", err)
	}
	due, err = s.DueRetries(now)
	if err != nil {
		t.Fatalf("DueRetries: %v", err)
	}
	if len(due) != 1 || !due[0].TerminalNotified {
		t.Fatalf("expected group marked notified, got %+v", due)
	}

	// The mark sticks even when another failure lands afterwards.
	if _, err := s.AppendFailure(FailureRecord{
		UserID: 1, WeekStart: "2026-01-05",
		Error: "timeout: request timed out", RetryAt: now.Add(-time.Minute),
	}); err != nil {
		t.Fatalf("AppendFailure: %v", err)
	}
	due, err = s.DueRetries(now)
	if err != nil {
		t.Fatalf("DueRetries: %v", err)
	}
	if len(due) != 1 || !due[0].TerminalNotified {
		t.Fatalf("expected mark to persist, got %+v", due)
	}
}

// --- Preferences ---

func TestPreferencesRoundTrip(t *testing.T) {
	s := openTestStore(t)

	p, err := s.GetPreferences(1)
	if err != nil {
		t.Fatalf("GetPreferences missing: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil preferences, got %+v", p)
	}

	if err := s.PutPreferences(DefaultPreferences(1, "")); err != nil {
		t.Fatalf("PutPreferences: %v", err)
	}
	p, err = s.GetPreferences(1)
	if err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	if p == nil {
		t.Fatal("expected preferences, got nil")
	}
	if p.Timezone != "Europe/Paris" {
		t.Errorf("expected default timezone Europe/Paris, got %q", p.Timezone)
	}
	if p.MorningTime != "07:00" || p.EveningTime != "22:00" {
		t.Errorf("expected default times 07:00/22:00, got %s/%s", p.MorningTime, p.EveningTime)
	}
	if !p.RemindersEnabled || !p.MorningEnabled || !p.EveningEnabled {
		t.Error("expected reminders enabled by default")
	}

	p.Timezone = "Asia/Tokyo"
	p.EveningEnabled = false
	if err := s.PutPreferences(*p); err != nil {
		t.Fatalf("PutPreferences update: %v", err)
	}
	p, err = s.GetPreferences(1)
	if err != nil {
		t.Fatalf("GetPreferences after update: %v", err)
	}
	if p.Timezone != "Asia/Tokyo" {
		t.Errorf("expected updated timezone, got %q", p.Timezone)
	}
	if p.EveningEnabled {
		t.Error("expected evening reminders disabled")
	}

	if err := s.DeletePreferences(1); err != nil {
		t.Fatalf("DeletePreferences: %v", err)
	}
	p, err = s.GetPreferences(1)
	if err != nil {
		t.Fatalf("GetPreferences after delete: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil after delete, got %+v", p)
	}
}

func TestUserIDsWithPreferences(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []int64{30, 10, 20} {
		if err := s.PutPreferences(DefaultPreferences(id, "")); err != nil {
			t.Fatalf("PutPreferences %d: %v", id, err)
		}
	}

	ids, err := s.UserIDsWithPreferences()
	if err != nil {
		t.Fatalf("UserIDsWithPreferences: %v", err)
	}
	if len(ids) != 3 || ids[0] != 10 || ids[1] != 20 || ids[2] != 30 {
		t.Errorf("expected sorted ids [10 20 30], got %v", ids)
	}
}

// --- Users ---

func TestRegisterUserCap(t *testing.T) {
	s := openTestStore(t)

	for i := 1; i <= MaxRegisteredUsers; i++ {
		ok, err := s.RegisterUser(User{UserID: int64(i), Username: "user"})
		if err != nil {
			t.Fatalf("RegisterUser %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("expected user %d to register", i)
		}
	}

	ok, err := s.RegisterUser(User{UserID: int64(MaxRegisteredUsers + 1)})
	if err != nil {
		t.Fatalf("RegisterUser over cap: %v", err)
	}
	if ok {
		t.Error("expected registration refused at the cap")
	}

	// Existing users still pass.
	ok, err = s.RegisterUser(User{UserID: 1})
	if err != nil {
		t.Fatalf("RegisterUser existing: %v", err)
	}
	if !ok {
		t.Error("expected existing user to stay registered")
	}

	count, err := s.UserCount()
	if err != nil {
		t.Fatalf("UserCount: %v", err)
	}
	if count != MaxRegisteredUsers {
		t.Errorf("expected %d users, got %d", MaxRegisteredUsers, count)
	}
}

func TestGetUser(t *testing.T) {
	s := openTestStore(t)

	u, err := s.GetUser(42)
	if err != nil {
		t.Fatalf("GetUser missing: %v", err)
	}
	if u != nil {
		t.Fatalf("expected nil user, got %+v", u)
	}

	if _, err := s.RegisterUser(User{UserID: 42, Username: "marta", FirstName: "Marta", IsAdmin: true}); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	u, err = s.GetUser(42)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u == nil || u.Username != "marta" || !u.IsAdmin {
		t.Errorf("expected registered admin marta, got %+v", u)
	}
}

// --- Escalations ---

func TestEscalationQueue(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.AppendEscalation(Escalation{
			Type: "report_generation_failure", UserID: int64(i + 1),
			Details: "Model: gpt-4, Error: timeout: request timed out",
		}); err != nil {
			t.Fatalf("AppendEscalation: %v", err)
		}
	}

	pending, err := s.PendingEscalations()
	if err != nil {
		t.Fatalf("PendingEscalations: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending escalations, got %d", len(pending))
	}
	if pending[0].UserID != 1 || pending[2].UserID != 3 {
		t.Errorf("expected insertion order, got %+v", pending)
	}

	flushed, err := s.EscalationsFlushedOn("2026-01-12")
	if err != nil {
		t.Fatalf("EscalationsFlushedOn: %v", err)
	}
	if flushed {
		t.Error("expected no flush recorded yet")
	}

	if err := s.MarkEscalationsFlushed("2026-01-12", 3, map[string]int{"report_generation_failure": 3}); err != nil {
		t.Fatalf("MarkEscalationsFlushed: %v", err)
	}
	flushed, err = s.EscalationsFlushedOn("2026-01-12")
	if err != nil {
		t.Fatalf("EscalationsFlushedOn: %v", err)
	}
	if !flushed {
		t.Error("expected flush recorded")
	}

	if err := s.ClearEscalations(); err != nil {
		t.Fatalf("ClearEscalations: %v", err)
	}
	pending, err = s.PendingEscalations()
	if err != nil {
		t.Fatalf("PendingEscalations after clear: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected empty queue, got %d", len(pending))
	}
}
