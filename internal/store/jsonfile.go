package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/marta/pulse/internal/week"
)

// JSONFile is a single-document Store kept for degraded operation when
// SQLite is unavailable. Every write rewrites the whole file through a
// temp-file rename.
type JSONFile struct {
	mu   sync.Mutex
	path string
	doc  jsonDoc
}

type jsonDoc struct {
	Users            map[string]User        `json:"users"`
	Sessions         map[string][]Session   `json:"sessions"`
	Reports          map[string][]Report    `json:"weekly_reports"`
	Failures         []FailureRecord        `json:"failed_reports"`
	Preferences      map[string]Preferences `json:"user_preferences"`
	Escalations      []Escalation           `json:"admin_notifications"`
	FlushLog         map[string]flushEntry  `json:"admin_notification_log"`
	NextFailureID    int64                  `json:"next_failure_id"`
	NextEscalationID int64                  `json:"next_escalation_id"`
}

type flushEntry struct {
	IssuesCount int            `json:"issues_count"`
	Summary     map[string]int `json:"summary"`
	SentAt      string         `json:"sent_at"`
}

func OpenJSONFile(path string) (*JSONFile, error) {
	s := &JSONFile{path: path, doc: newJSONDoc()}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading fallback store: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("decoding fallback store: %w", err)
	}
	if s.doc.Users == nil {
		s.doc = mergeJSONDoc(s.doc)
	}
	return s, nil
}

func newJSONDoc() jsonDoc {
	return jsonDoc{
		Users:       make(map[string]User),
		Sessions:    make(map[string][]Session),
		Reports:     make(map[string][]Report),
		Preferences: make(map[string]Preferences),
		FlushLog:    make(map[string]flushEntry),
	}
}

func mergeJSONDoc(d jsonDoc) jsonDoc {
	fresh := newJSONDoc()
	if d.Users != nil {
		fresh.Users = d.Users
	}
	if d.Sessions != nil {
		fresh.Sessions = d.Sessions
	}
	if d.Reports != nil {
		fresh.Reports = d.Reports
	}
	if d.Preferences != nil {
		fresh.Preferences = d.Preferences
	}
	if d.FlushLog != nil {
		fresh.FlushLog = d.FlushLog
	}
	fresh.Failures = d.Failures
	fresh.Escalations = d.Escalations
	fresh.NextFailureID = d.NextFailureID
	fresh.NextEscalationID = d.NextEscalationID
	return fresh
}

// persist writes the document atomically. Callers hold s.mu.
func (s *JSONFile) persist() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding fallback store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing fallback store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing fallback store: %w", err)
	}
	return nil
}

func (s *JSONFile) Close() error {
	return nil
}

func userKey(userID int64) string {
	return fmt.Sprintf("%d", userID)
}

// --- Sessions ---

func (s *JSONFile) SaveSession(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.Timestamp.IsZero() {
		sess.Timestamp = time.Now().UTC()
	}
	if sess.Date == "" {
		sess.Date = sess.Timestamp.Format(time.DateOnly)
	}
	if sess.Time == "" {
		sess.Time = sess.Timestamp.Format(time.TimeOnly)
	}
	if sess.ID == "" {
		sess.ID = fmt.Sprintf("%d_%s_%s", sess.UserID, sess.Type, sess.Timestamp.Format("20060102_150405"))
	}
	key := userKey(sess.UserID)
	if _, ok := s.doc.Users[key]; !ok {
		s.doc.Users[key] = User{UserID: sess.UserID, FirstSeen: time.Now().UTC().Format(time.RFC3339)}
	}
	kept := s.doc.Sessions[key][:0]
	for _, existing := range s.doc.Sessions[key] {
		if existing.Date == sess.Date && existing.Type == sess.Type {
			continue
		}
		kept = append(kept, existing)
	}
	s.doc.Sessions[key] = append(kept, sess)
	return s.persist()
}

func (s *JSONFile) WeekSessions(userID int64, weekStart string) ([]Session, error) {
	start, err := week.ParseDate(weekStart)
	if err != nil {
		return nil, err
	}
	end := week.DateOnly(week.End(start))
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.doc.Sessions[userKey(userID)] {
		if sess.Date >= weekStart && sess.Date <= end {
			out = append(out, sess)
		}
	}
	sortSessions(out)
	return out, nil
}

func (s *JSONFile) TodaySessions(userID int64, loc *time.Location) (map[string]*Session, error) {
	if loc == nil {
		loc = time.UTC
	}
	today := time.Now().In(loc).Format(time.DateOnly)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]*Session{SessionMorning: nil, SessionEvening: nil}
	for _, sess := range s.doc.Sessions[userKey(userID)] {
		if sess.Date == today {
			copied := sess
			out[sess.Type] = &copied
		}
	}
	return out, nil
}

func (s *JSONFile) RecentSessions(userID int64, days int) ([]Session, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Format(time.DateOnly)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.doc.Sessions[userKey(userID)] {
		if sess.Date >= cutoff {
			out = append(out, sess)
		}
	}
	sortSessions(out)
	return out, nil
}

func (s *JSONFile) UserStats(userID int64) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats Stats
	dates := make(map[string]bool)
	for _, sess := range s.doc.Sessions[userKey(userID)] {
		stats.TotalSessions++
		switch sess.Type {
		case SessionMorning:
			stats.MorningSessions++
		case SessionEvening:
			stats.EveningSessions++
		}
		dates[sess.Date] = true
		if stats.FirstSessionDate == "" || sess.Date < stats.FirstSessionDate {
			stats.FirstSessionDate = sess.Date
		}
		if sess.Date > stats.LastSessionDate {
			stats.LastSessionDate = sess.Date
		}
	}
	stats.UniqueDates = len(dates)
	return stats, nil
}

func sortSessions(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Timestamp.Before(sessions[j].Timestamp)
	})
}

// --- Reports ---

func (s *JSONFile) GetReport(userID int64, weekStart string) (*Report, error) {
	key, err := weekKeyFor(weekStart)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.doc.Reports[userKey(userID)] {
		if r.WeekKey == key {
			copied := r
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *JSONFile) PutReport(r Report) error {
	start, err := week.ParseDate(r.WeekStart)
	if err != nil {
		return err
	}
	wk := week.KeyFor(start)
	if r.WeekKey == "" {
		r.WeekKey = wk.String()
	}
	if r.WeekEnd == "" {
		r.WeekEnd = week.DateOnly(week.End(start))
	}
	if r.Year == 0 {
		r.Year = wk.Year
	}
	if r.WeekNumber == 0 {
		r.WeekNumber = wk.Week
	}
	if r.GeneratedAt == "" {
		r.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if r.AttemptCount == 0 {
		r.AttemptCount = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userKey(r.UserID)
	kept := s.doc.Reports[key][:0]
	for _, existing := range s.doc.Reports[key] {
		if existing.WeekKey == r.WeekKey {
			continue
		}
		kept = append(kept, existing)
	}
	s.doc.Reports[key] = append(kept, r)
	return s.persist()
}

func (s *JSONFile) ListReports(userID int64, limit int) ([]Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reports := append([]Report(nil), s.doc.Reports[userKey(userID)]...)
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].WeekStart > reports[j].WeekStart
	})
	if limit > 0 && len(reports) > limit {
		reports = reports[:limit]
	}
	return reports, nil
}

func (s *JSONFile) PreviousReportContents(userID int64, weekStart string, count int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prior []Report
	for _, r := range s.doc.Reports[userKey(userID)] {
		if r.WeekStart < weekStart {
			prior = append(prior, r)
		}
	}
	sort.Slice(prior, func(i, j int) bool {
		return prior[i].WeekStart > prior[j].WeekStart
	})
	if count > 0 && len(prior) > count {
		prior = prior[:count]
	}
	var contents []string
	for _, r := range prior {
		contents = append(contents, r.Content)
	}
	return contents, nil
}

// --- Failure ledger ---

func (s *JSONFile) AppendFailure(f FailureRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.NextFailureID++
	f.ID = s.doc.NextFailureID
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	s.doc.Failures = append(s.doc.Failures, f)

	var mine []int
	for i, rec := range s.doc.Failures {
		if rec.UserID == f.UserID && rec.WeekStart == f.WeekStart {
			mine = append(mine, i)
		}
	}
	count := len(mine)
	if count > maxFailureHistory {
		drop := make(map[int]bool)
		for _, i := range mine[:count-maxFailureHistory] {
			drop[i] = true
		}
		kept := s.doc.Failures[:0]
		for i, rec := range s.doc.Failures {
			if !drop[i] {
				kept = append(kept, rec)
			}
		}
		s.doc.Failures = kept
		count = maxFailureHistory
	}
	return count, s.persist()
}

func (s *JSONFile) DueRetries(now time.Time) ([]RetryCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type group struct {
		candidate RetryCandidate
		nextRetry time.Time
		lastID    int64
	}
	groups := make(map[string]*group)
	var order []string
	for _, rec := range s.doc.Failures {
		if rec.RetryAt.IsZero() {
			continue
		}
		key := fmt.Sprintf("%d|%s", rec.UserID, rec.WeekStart)
		g, ok := groups[key]
		if !ok {
			g = &group{candidate: RetryCandidate{UserID: rec.UserID, WeekStart: rec.WeekStart}}
			groups[key] = g
			order = append(order, key)
		}
		g.candidate.Attempts++
		if rec.TerminalNotified {
			g.candidate.TerminalNotified = true
		}
		if rec.RetryAt.After(g.nextRetry) {
			g.nextRetry = rec.RetryAt
		}
		if rec.ID >= g.lastID {
			g.lastID = rec.ID
			g.candidate.LastError = rec.Error
		}
	}
	var due []RetryCandidate
	for _, key := range order {
		g := groups[key]
		if !g.nextRetry.After(now) {
			due = append(due, g.candidate)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].UserID != due[j].UserID {
			return due[i].UserID < due[j].UserID
		}
		return due[i].WeekStart < due[j].WeekStart
	})
	return due, nil
}

func (s *JSONFile) ClearFailures(userID int64, weekStart string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.doc.Failures[:0]
	for _, rec := range s.doc.Failures {
		if rec.UserID == userID && rec.WeekStart == weekStart {
			continue
		}
		kept = append(kept, rec)
	}
	s.doc.Failures = kept
	return s.persist()
}

func (s *JSONFile) MarkRetriesExhausted(userID int64, weekStart string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Failures {
		if s.doc.Failures[i].UserID == userID && s.doc.Failures[i].WeekStart == weekStart {
			s.doc.Failures[i].TerminalNotified = true
		}
	}
	return s.persist()
}

// --- Preferences ---

func (s *JSONFile) GetPreferences(userID int64) (*Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.doc.Preferences[userKey(userID)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *JSONFile) PutPreferences(p Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	s.doc.Preferences[userKey(p.UserID)] = p
	return s.persist()
}

func (s *JSONFile) DeletePreferences(userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.doc.Preferences, userKey(userID))
	return s.persist()
}

func (s *JSONFile) UserIDsWithPreferences() ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, p := range s.doc.Preferences {
		ids = append(ids, p.UserID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// --- Users ---

func (s *JSONFile) RegisterUser(u User) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userKey(u.UserID)
	if _, ok := s.doc.Users[key]; ok {
		return true, nil
	}
	if len(s.doc.Users) >= MaxRegisteredUsers {
		return false, nil
	}
	if u.FirstSeen == "" {
		u.FirstSeen = time.Now().UTC().Format(time.RFC3339)
	}
	s.doc.Users[key] = u
	return true, s.persist()
}

func (s *JSONFile) GetUser(userID int64) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.doc.Users[userKey(userID)]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *JSONFile) UserCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.Users), nil
}

// --- Admin escalation queue ---

func (s *JSONFile) AppendEscalation(e Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.NextEscalationID++
	e.ID = s.doc.NextEscalationID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.doc.Escalations = append(s.doc.Escalations, e)
	return s.persist()
}

func (s *JSONFile) PendingEscalations() ([]Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]Escalation(nil), s.doc.Escalations...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *JSONFile) EscalationsFlushedOn(day string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.doc.FlushLog[day]
	return ok, nil
}

func (s *JSONFile) MarkEscalationsFlushed(day string, count int, summary map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.FlushLog[day] = flushEntry{
		IssuesCount: count,
		Summary:     summary,
		SentAt:      time.Now().UTC().Format(time.RFC3339),
	}
	return s.persist()
}

func (s *JSONFile) ClearEscalations() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Escalations = nil
	return s.persist()
}
