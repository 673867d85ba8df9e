package store

import (
	"errors"
	"log"
	"time"
)

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*JSONFile)(nil)
	_ Store = (*Fallback)(nil)
)

// Fallback delegates to primary and retries against fallback when the
// primary errors. Reads served from the fallback may lag writes that
// succeeded on the primary; that is the accepted degraded mode.
type Fallback struct {
	primary  Store
	fallback Store
}

func NewFallback(primary, fallback Store) *Fallback {
	return &Fallback{primary: primary, fallback: fallback}
}

func (f *Fallback) failover(op string, err error) {
	log.Printf("primary store %s failed, using fallback: %v", op, err)
}

func (f *Fallback) SaveSession(s Session) error {
	err := f.primary.SaveSession(s)
	if err == nil {
		return nil
	}
	f.failover("SaveSession", err)
	return f.fallback.SaveSession(s)
}

func (f *Fallback) WeekSessions(userID int64, weekStart string) ([]Session, error) {
	out, err := f.primary.WeekSessions(userID, weekStart)
	if err == nil {
		return out, nil
	}
	f.failover("WeekSessions", err)
	return f.fallback.WeekSessions(userID, weekStart)
}

func (f *Fallback) TodaySessions(userID int64, loc *time.Location) (map[string]*Session, error) {
	out, err := f.primary.TodaySessions(userID, loc)
	if err == nil {
		return out, nil
	}
	f.failover("TodaySessions", err)
	return f.fallback.TodaySessions(userID, loc)
}

func (f *Fallback) RecentSessions(userID int64, days int) ([]Session, error) {
	out, err := f.primary.RecentSessions(userID, days)
	if err == nil {
		return out, nil
	}
	f.failover("RecentSessions", err)
	return f.fallback.RecentSessions(userID, days)
}

func (f *Fallback) UserStats(userID int64) (Stats, error) {
	out, err := f.primary.UserStats(userID)
	if err == nil {
		return out, nil
	}
	f.failover("UserStats", err)
	return f.fallback.UserStats(userID)
}

func (f *Fallback) GetReport(userID int64, weekStart string) (*Report, error) {
	out, err := f.primary.GetReport(userID, weekStart)
	if err == nil {
		return out, nil
	}
	f.failover("GetReport", err)
	return f.fallback.GetReport(userID, weekStart)
}

func (f *Fallback) PutReport(r Report) error {
	err := f.primary.PutReport(r)
	if err == nil {
		return nil
	}
	f.failover("PutReport", err)
	return f.fallback.PutReport(r)
}

func (f *Fallback) ListReports(userID int64, limit int) ([]Report, error) {
	out, err := f.primary.ListReports(userID, limit)
	if err == nil {
		return out, nil
	}
	f.failover("ListReports", err)
	return f.fallback.ListReports(userID, limit)
}

func (f *Fallback) PreviousReportContents(userID int64, weekStart string, count int) ([]string, error) {
	out, err := f.primary.PreviousReportContents(userID, weekStart, count)
	if err == nil {
		return out, nil
	}
	f.failover("PreviousReportContents", err)
	return f.fallback.PreviousReportContents(userID, weekStart, count)
}

func (f *Fallback) AppendFailure(rec FailureRecord) (int, error) {
	n, err := f.primary.AppendFailure(rec)
	if err == nil {
		return n, nil
	}
	f.failover("AppendFailure", err)
	return f.fallback.AppendFailure(rec)
}

func (f *Fallback) DueRetries(now time.Time) ([]RetryCandidate, error) {
	out, err := f.primary.DueRetries(now)
	if err == nil {
		return out, nil
	}
	f.failover("DueRetries", err)
	return f.fallback.DueRetries(now)
}

func (f *Fallback) ClearFailures(userID int64, weekStart string) error {
	err := f.primary.ClearFailures(userID, weekStart)
	if err == nil {
		return nil
	}
	f.failover("ClearFailures", err)
	return f.fallback.ClearFailures(userID, weekStart)
}

func (f *Fallback) MarkRetriesExhausted(userID int64, weekStart string) error {
	err := f.primary.MarkRetriesExhausted(userID, weekStart)
	if err == nil {
		return nil
	}
	f.failover("MarkRetriesExhausted", err)
	return f.fallback.MarkRetriesExhausted(userID, weekStart)
}

func (f *Fallback) GetPreferences(userID int64) (*Preferences, error) {
	out, err := f.primary.GetPreferences(userID)
	if err == nil {
		return out, nil
	}
	f.failover("GetPreferences", err)
	return f.fallback.GetPreferences(userID)
}

func (f *Fallback) PutPreferences(p Preferences) error {
	err := f.primary.PutPreferences(p)
	if err == nil {
		return nil
	}
	f.failover("PutPreferences", err)
	return f.fallback.PutPreferences(p)
}

func (f *Fallback) DeletePreferences(userID int64) error {
	err := f.primary.DeletePreferences(userID)
	if err == nil {
		return nil
	}
	f.failover("DeletePreferences", err)
	return f.fallback.DeletePreferences(userID)
}

func (f *Fallback) UserIDsWithPreferences() ([]int64, error) {
	out, err := f.primary.UserIDsWithPreferences()
	if err == nil {
		return out, nil
	}
	f.failover("UserIDsWithPreferences", err)
	return f.fallback.UserIDsWithPreferences()
}

func (f *Fallback) RegisterUser(u User) (bool, error) {
	ok, err := f.primary.RegisterUser(u)
	if err == nil {
		return ok, nil
	}
	f.failover("RegisterUser", err)
	return f.fallback.RegisterUser(u)
}

func (f *Fallback) GetUser(userID int64) (*User, error) {
	out, err := f.primary.GetUser(userID)
	if err == nil {
		return out, nil
	}
	f.failover("GetUser", err)
	return f.fallback.GetUser(userID)
}

func (f *Fallback) UserCount() (int, error) {
	n, err := f.primary.UserCount()
	if err == nil {
		return n, nil
	}
	f.failover("UserCount", err)
	return f.fallback.UserCount()
}

func (f *Fallback) AppendEscalation(e Escalation) error {
	err := f.primary.AppendEscalation(e)
	if err == nil {
		return nil
	}
	f.failover("AppendEscalation", err)
	return f.fallback.AppendEscalation(e)
}

func (f *Fallback) PendingEscalations() ([]Escalation, error) {
	out, err := f.primary.PendingEscalations()
	if err == nil {
		return out, nil
	}
	f.failover("PendingEscalations", err)
	return f.fallback.PendingEscalations()
}

func (f *Fallback) EscalationsFlushedOn(day string) (bool, error) {
	ok, err := f.primary.EscalationsFlushedOn(day)
	if err == nil {
		return ok, nil
	}
	f.failover("EscalationsFlushedOn", err)
	return f.fallback.EscalationsFlushedOn(day)
}

func (f *Fallback) MarkEscalationsFlushed(day string, count int, summary map[string]int) error {
	err := f.primary.MarkEscalationsFlushed(day, count, summary)
	if err == nil {
		return nil
	}
	f.failover("MarkEscalationsFlushed", err)
	return f.fallback.MarkEscalationsFlushed(day, count, summary)
}

func (f *Fallback) ClearEscalations() error {
	err := f.primary.ClearEscalations()
	if err == nil {
		return nil
	}
	f.failover("ClearEscalations", err)
	return f.fallback.ClearEscalations()
}

func (f *Fallback) Close() error {
	return errors.Join(f.primary.Close(), f.fallback.Close())
}
