package store

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marta/pulse/internal/week"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// SQLite is the primary Store backend.
type SQLite struct {
	conn *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &SQLite{conn: conn}, nil
}

func (d *SQLite) Close() error {
	return d.conn.Close()
}

// --- Sessions ---

// SaveSession stores a completed check-in, replacing any prior session
// of the same type on the same date.
func (d *SQLite) SaveSession(s Session) error {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	if s.Date == "" {
		s.Date = s.Timestamp.Format(time.DateOnly)
	}
	if s.Time == "" {
		s.Time = s.Timestamp.Format(time.TimeOnly)
	}
	if s.ID == "" {
		s.ID = fmt.Sprintf("%d_%s_%s", s.UserID, s.Type, s.Timestamp.Format("20060102_150405"))
	}
	answers, err := json.Marshal(s.Answers)
	if err != nil {
		return fmt.Errorf("encoding answers: %w", err)
	}

	if _, err := d.conn.Exec("INSERT OR IGNORE INTO users (user_id) VALUES (?)", s.UserID); err != nil {
		return fmt.Errorf("ensuring user row: %w", err)
	}
	_, err = d.conn.Exec(
		`INSERT OR REPLACE INTO sessions (session_id, user_id, session_type, date, time, timestamp, answers_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.Type, s.Date, s.Time, s.Timestamp.UTC().Format(time.RFC3339), string(answers),
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// WeekSessions returns the sessions recorded in the week starting at
// weekStart (YYYY-MM-DD, Monday), ordered by timestamp.
func (d *SQLite) WeekSessions(userID int64, weekStart string) ([]Session, error) {
	start, err := week.ParseDate(weekStart)
	if err != nil {
		return nil, err
	}
	end := week.DateOnly(week.End(start))
	return d.scanSessions(
		`SELECT session_id, user_id, session_type, date, time, timestamp, answers_json
		 FROM sessions WHERE user_id = ? AND date >= ? AND date <= ? ORDER BY timestamp`,
		userID, weekStart, end,
	)
}

// TodaySessions returns today's morning and evening sessions, with
// "today" evaluated in the user's timezone. Missing sessions are nil.
func (d *SQLite) TodaySessions(userID int64, loc *time.Location) (map[string]*Session, error) {
	if loc == nil {
		loc = time.UTC
	}
	today := time.Now().In(loc).Format(time.DateOnly)
	sessions, err := d.scanSessions(
		`SELECT session_id, user_id, session_type, date, time, timestamp, answers_json
		 FROM sessions WHERE user_id = ? AND date = ?`,
		userID, today,
	)
	if err != nil {
		return nil, err
	}
	out := map[string]*Session{SessionMorning: nil, SessionEvening: nil}
	for i := range sessions {
		out[sessions[i].Type] = &sessions[i]
	}
	return out, nil
}

// RecentSessions returns the sessions from the last N days, oldest first.
func (d *SQLite) RecentSessions(userID int64, days int) ([]Session, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Format(time.DateOnly)
	return d.scanSessions(
		`SELECT session_id, user_id, session_type, date, time, timestamp, answers_json
		 FROM sessions WHERE user_id = ? AND date >= ? ORDER BY timestamp`,
		userID, cutoff,
	)
}

func (d *SQLite) UserStats(userID int64) (Stats, error) {
	var s Stats
	var first, last sql.NullString
	err := d.conn.QueryRow(
		`SELECT total_sessions, morning_sessions, evening_sessions, unique_dates,
		        first_session_date, last_session_date
		 FROM user_stats WHERE user_id = ?`, userID,
	).Scan(&s.TotalSessions, &s.MorningSessions, &s.EveningSessions, &s.UniqueDates, &first, &last)
	if err == sql.ErrNoRows {
		return Stats{}, nil
	}
	if err != nil {
		return Stats{}, fmt.Errorf("getting stats: %w", err)
	}
	s.FirstSessionDate = first.String
	s.LastSessionDate = last.String
	return s, nil
}

func (d *SQLite) scanSessions(query string, args ...any) ([]Session, error) {
	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()
	var sessions []Session
	for rows.Next() {
		var s Session
		var ts, answers string
		if err := rows.Scan(&s.ID, &s.UserID, &s.Type, &s.Date, &s.Time, &ts, &answers); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		s.Timestamp, _ = time.Parse(time.RFC3339, ts)
		_ = json.Unmarshal([]byte(answers), &s.Answers)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// --- Reports ---

func (d *SQLite) GetReport(userID int64, weekStart string) (*Report, error) {
	key, err := weekKeyFor(weekStart)
	if err != nil {
		return nil, err
	}
	rows, err := d.scanReports(
		`SELECT user_id, week_key, week_start, week_end, year, week_number, generated_at,
		        report_content, input_data, data_days_count, llm_model, generation_attempts
		 FROM weekly_reports WHERE user_id = ? AND week_key = ?`,
		userID, key,
	)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// PutReport writes a report, overwriting any existing record for the
// same (user, week_key). Derived week fields are filled in from
// WeekStart when absent.
func (d *SQLite) PutReport(r Report) error {
	start, err := week.ParseDate(r.WeekStart)
	if err != nil {
		return err
	}
	key := week.KeyFor(start)
	if r.WeekKey == "" {
		r.WeekKey = key.String()
	}
	if r.WeekEnd == "" {
		r.WeekEnd = week.DateOnly(week.End(start))
	}
	if r.Year == 0 {
		r.Year = key.Year
	}
	if r.WeekNumber == 0 {
		r.WeekNumber = key.Week
	}
	if r.GeneratedAt == "" {
		r.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if r.AttemptCount == 0 {
		r.AttemptCount = 1
	}
	_, err = d.conn.Exec(
		`INSERT OR REPLACE INTO weekly_reports (user_id, week_key, week_start, week_end, year, week_number,
		        generated_at, report_content, input_data, data_days_count, llm_model, generation_attempts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UserID, r.WeekKey, r.WeekStart, r.WeekEnd, r.Year, r.WeekNumber,
		r.GeneratedAt, r.Content, r.InputSnapshot, r.DaysOfData, r.ModelUsed, r.AttemptCount,
	)
	if err != nil {
		return fmt.Errorf("saving weekly report: %w", err)
	}
	return nil
}

// ListReports returns a user's reports newest-first. limit <= 0 means all.
func (d *SQLite) ListReports(userID int64, limit int) ([]Report, error) {
	q := `SELECT user_id, week_key, week_start, week_end, year, week_number, generated_at,
	             report_content, input_data, data_days_count, llm_model, generation_attempts
	      FROM weekly_reports WHERE user_id = ? ORDER BY week_start DESC`
	args := []any{userID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return d.scanReports(q, args...)
}

// PreviousReportContents returns up to count report bodies for weeks
// strictly before weekStart, newest first.
func (d *SQLite) PreviousReportContents(userID int64, weekStart string, count int) ([]string, error) {
	rows, err := d.conn.Query(
		`SELECT report_content FROM weekly_reports
		 WHERE user_id = ? AND week_start < ? ORDER BY week_start DESC LIMIT ?`,
		userID, weekStart, count,
	)
	if err != nil {
		return nil, fmt.Errorf("querying previous reports: %w", err)
	}
	defer rows.Close()
	var contents []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scanning previous report: %w", err)
		}
		contents = append(contents, c)
	}
	return contents, rows.Err()
}

func (d *SQLite) scanReports(query string, args ...any) ([]Report, error) {
	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying reports: %w", err)
	}
	defer rows.Close()
	var reports []Report
	for rows.Next() {
		var r Report
		if err := rows.Scan(&r.UserID, &r.WeekKey, &r.WeekStart, &r.WeekEnd, &r.Year, &r.WeekNumber,
			&r.GeneratedAt, &r.Content, &r.InputSnapshot, &r.DaysOfData, &r.ModelUsed, &r.AttemptCount); err != nil {
			return nil, fmt.Errorf("scanning report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// --- Failure ledger ---

// AppendFailure records one failed generation attempt, prunes the
// oldest records beyond the stored-history cap, and returns the number
// of records now held for the (user, week) group.
func (d *SQLite) AppendFailure(f FailureRecord) (int, error) {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	var retryAt any
	if !f.RetryAt.IsZero() {
		retryAt = f.RetryAt.UTC().Format(time.RFC3339)
	}
	_, err := d.conn.Exec(
		`INSERT INTO failed_reports (user_id, week_start, error_message, model, retry_scheduled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.UserID, f.WeekStart, f.Error, f.Model, retryAt, f.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("saving failed attempt: %w", err)
	}
	_, err = d.conn.Exec(
		`DELETE FROM failed_reports WHERE user_id = ? AND week_start = ? AND id NOT IN
		 (SELECT id FROM failed_reports WHERE user_id = ? AND week_start = ? ORDER BY id DESC LIMIT ?)`,
		f.UserID, f.WeekStart, f.UserID, f.WeekStart, maxFailureHistory,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning failure history: %w", err)
	}
	var count int
	err = d.conn.QueryRow(
		"SELECT COUNT(*) FROM failed_reports WHERE user_id = ? AND week_start = ?",
		f.UserID, f.WeekStart,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting failed attempts: %w", err)
	}
	return count, nil
}

// DueRetries returns one candidate per (user, week) whose most recent
// scheduled retry time has passed. Attempts counts every stored record
// for the key, not just the due ones.
func (d *SQLite) DueRetries(now time.Time) ([]RetryCandidate, error) {
	rows, err := d.conn.Query(
		`SELECT f.user_id, f.week_start, f.error_message, g.attempts, g.notified
		 FROM failed_reports f
		 JOIN (SELECT user_id, week_start, MAX(id) AS max_id, COUNT(*) AS attempts,
		              MAX(terminal_notified) AS notified, MAX(retry_scheduled) AS next_retry
		       FROM failed_reports WHERE retry_scheduled IS NOT NULL
		       GROUP BY user_id, week_start) g
		 ON f.id = g.max_id
		 WHERE g.next_retry <= ?
		 ORDER BY f.user_id, f.week_start`,
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("querying due retries: %w", err)
	}
	defer rows.Close()
	var due []RetryCandidate
	for rows.Next() {
		var c RetryCandidate
		var notified int
		if err := rows.Scan(&c.UserID, &c.WeekStart, &c.LastError, &c.Attempts, &notified); err != nil {
			return nil, fmt.Errorf("scanning due retry: %w", err)
		}
		c.TerminalNotified = notified != 0
		due = append(due, c)
	}
	return due, rows.Err()
}

func (d *SQLite) ClearFailures(userID int64, weekStart string) error {
	_, err := d.conn.Exec("DELETE FROM failed_reports WHERE user_id = ? AND week_start = ?", userID, weekStart)
	if err != nil {
		return fmt.Errorf("clearing failed attempts: %w", err)
	}
	return nil
}

// MarkRetriesExhausted flags a (user, week) group so the terminal
// notice is sent at most once.
func (d *SQLite) MarkRetriesExhausted(userID int64, weekStart string) error {
	_, err := d.conn.Exec(
		"UPDATE failed_reports SET terminal_notified = 1 WHERE user_id = ? AND week_start = ?",
		userID, weekStart,
	)
	if err != nil {
		return fmt.Errorf("marking retries exhausted: %w", err)
	}
	return nil
}

// --- Preferences ---

func (d *SQLite) GetPreferences(userID int64) (*Preferences, error) {
	var p Preferences
	var reminders, morning, evening, onboarded int
	err := d.conn.QueryRow(
		`SELECT user_id, timezone, reminders_enabled, morning_enabled, evening_enabled,
		        morning_time, evening_time, onboarding_completed, last_setup, last_data_export, last_updated
		 FROM user_preferences WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.Timezone, &reminders, &morning, &evening,
		&p.MorningTime, &p.EveningTime, &onboarded, &p.LastSetup, &p.LastDataExport, &p.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting preferences: %w", err)
	}
	p.RemindersEnabled = reminders != 0
	p.MorningEnabled = morning != 0
	p.EveningEnabled = evening != 0
	p.OnboardingCompleted = onboarded != 0
	return &p, nil
}

func (d *SQLite) PutPreferences(p Preferences) error {
	p.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	_, err := d.conn.Exec(
		`INSERT INTO user_preferences (user_id, timezone, reminders_enabled, morning_enabled, evening_enabled,
		        morning_time, evening_time, onboarding_completed, last_setup, last_data_export, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		        timezone = excluded.timezone,
		        reminders_enabled = excluded.reminders_enabled,
		        morning_enabled = excluded.morning_enabled,
		        evening_enabled = excluded.evening_enabled,
		        morning_time = excluded.morning_time,
		        evening_time = excluded.evening_time,
		        onboarding_completed = excluded.onboarding_completed,
		        last_setup = excluded.last_setup,
		        last_data_export = excluded.last_data_export,
		        last_updated = excluded.last_updated`,
		p.UserID, p.Timezone, boolInt(p.RemindersEnabled), boolInt(p.MorningEnabled), boolInt(p.EveningEnabled),
		p.MorningTime, p.EveningTime, boolInt(p.OnboardingCompleted), p.LastSetup, p.LastDataExport, p.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("saving preferences: %w", err)
	}
	return nil
}

func (d *SQLite) DeletePreferences(userID int64) error {
	_, err := d.conn.Exec("DELETE FROM user_preferences WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("deleting preferences: %w", err)
	}
	return nil
}

func (d *SQLite) UserIDsWithPreferences() ([]int64, error) {
	rows, err := d.conn.Query("SELECT user_id FROM user_preferences ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("querying preference holders: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Users ---

// RegisterUser adds a user if the registration cap allows it. Returns
// true when the user is (or already was) registered.
func (d *SQLite) RegisterUser(u User) (bool, error) {
	tx, err := d.conn.Begin()
	if err != nil {
		return false, fmt.Errorf("starting registration: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow("SELECT 1 FROM users WHERE user_id = ?", u.UserID).Scan(&exists)
	if err == nil {
		return true, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("checking registration: %w", err)
	}

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return false, fmt.Errorf("counting users: %w", err)
	}
	if count >= MaxRegisteredUsers {
		return false, nil
	}

	if u.FirstSeen == "" {
		u.FirstSeen = time.Now().UTC().Format(time.RFC3339)
	}
	_, err = tx.Exec(
		`INSERT INTO users (user_id, username, first_name, last_name, is_admin, first_seen)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.UserID, u.Username, u.FirstName, u.LastName, boolInt(u.IsAdmin), u.FirstSeen,
	)
	if err != nil {
		return false, fmt.Errorf("registering user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing registration: %w", err)
	}
	return true, nil
}

func (d *SQLite) GetUser(userID int64) (*User, error) {
	var u User
	var isAdmin int
	err := d.conn.QueryRow(
		"SELECT user_id, username, first_name, last_name, is_admin, first_seen FROM users WHERE user_id = ?",
		userID,
	).Scan(&u.UserID, &u.Username, &u.FirstName, &u.LastName, &isAdmin, &u.FirstSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	u.IsAdmin = isAdmin != 0
	return &u, nil
}

func (d *SQLite) UserCount() (int, error) {
	var count int
	if err := d.conn.QueryRow("SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return count, nil
}

// --- Admin escalation queue ---

func (d *SQLite) AppendEscalation(e Escalation) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := d.conn.Exec(
		"INSERT INTO admin_notifications (issue_type, user_id, details, created_at) VALUES (?, ?, ?, ?)",
		e.Type, e.UserID, e.Details, e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("queuing escalation: %w", err)
	}
	return nil
}

func (d *SQLite) PendingEscalations() ([]Escalation, error) {
	rows, err := d.conn.Query("SELECT id, issue_type, user_id, details, created_at FROM admin_notifications ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying escalations: %w", err)
	}
	defer rows.Close()
	var pending []Escalation
	for rows.Next() {
		var e Escalation
		var ts string
		if err := rows.Scan(&e.ID, &e.Type, &e.UserID, &e.Details, &ts); err != nil {
			return nil, fmt.Errorf("scanning escalation: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, ts)
		pending = append(pending, e)
	}
	return pending, rows.Err()
}

func (d *SQLite) EscalationsFlushedOn(day string) (bool, error) {
	var one int
	err := d.conn.QueryRow("SELECT 1 FROM admin_notification_log WHERE day = ?", day).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking flush log: %w", err)
	}
	return true, nil
}

func (d *SQLite) MarkEscalationsFlushed(day string, count int, summary map[string]int) error {
	summaryJSON, _ := json.Marshal(summary)
	_, err := d.conn.Exec(
		`INSERT OR REPLACE INTO admin_notification_log (day, issues_count, summary_json, sent_at)
		 VALUES (?, ?, ?, ?)`,
		day, count, string(summaryJSON), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording flush: %w", err)
	}
	return nil
}

func (d *SQLite) ClearEscalations() error {
	_, err := d.conn.Exec("DELETE FROM admin_notifications")
	if err != nil {
		return fmt.Errorf("clearing escalations: %w", err)
	}
	return nil
}

// --- helpers ---

func weekKeyFor(weekStart string) (string, error) {
	start, err := week.ParseDate(weekStart)
	if err != nil {
		return "", err
	}
	return week.KeyFor(start).String(), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
