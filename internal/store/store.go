package store

import "time"

// SessionMorning and SessionEvening are the two check-in types.
const (
	SessionMorning = "morning"
	SessionEvening = "evening"
)

// Answer fields collected per session type.
const (
	FieldEnergy     = "energy_level"
	FieldMood       = "mood"
	FieldStress     = "stress_level"
	FieldIntention  = "intention"
	FieldDayWord    = "day_word"
	FieldReflection = "reflection"
)

// Session is one completed check-in. Immutable once saved; saving a
// second session of the same type on the same date replaces the first.
type Session struct {
	ID        string            `json:"session_id"`
	UserID    int64             `json:"user_id"`
	Type      string            `json:"session_type"`
	Date      string            `json:"date"` // YYYY-MM-DD in the user's timezone
	Time      string            `json:"time"` // HH:MM:SS
	Timestamp time.Time         `json:"timestamp"`
	Answers   map[string]string `json:"answers"`
}

// Report is one generated weekly summary. Exactly one exists per
// (user, week_key); a regeneration overwrites the previous record.
type Report struct {
	UserID        int64  `json:"user_id"`
	WeekKey       string `json:"week_key"`
	WeekStart     string `json:"week_start"`
	WeekEnd       string `json:"week_end"`
	Year          int    `json:"year"`
	WeekNumber    int    `json:"week_number"`
	GeneratedAt   string `json:"generated_at"`
	Content       string `json:"report_content"`
	InputSnapshot string `json:"input_data"`
	DaysOfData    int    `json:"data_days_count"`
	ModelUsed     string `json:"llm_model"`
	AttemptCount  int    `json:"generation_attempts"`
}

// FailureRecord is one failed generation attempt. The set of records
// for a (user, week_start) is the attempt history; it is cleared in
// full on the first subsequent success for that week.
type FailureRecord struct {
	ID               int64     `json:"id"`
	UserID           int64     `json:"user_id"`
	WeekStart        string    `json:"week_start"`
	Error            string    `json:"error_message"`
	Model            string    `json:"model"`
	RetryAt          time.Time `json:"retry_scheduled"`
	TerminalNotified bool      `json:"terminal_notified,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// RetryCandidate is one (user, week) group of due failure records.
type RetryCandidate struct {
	UserID           int64
	WeekStart        string
	LastError        string
	Attempts         int
	TerminalNotified bool
}

// Preferences hold a user's reminder settings. Mutated only through
// settings operations; the scheduler reads them fresh on every
// (re)schedule.
type Preferences struct {
	UserID              int64  `json:"user_id"`
	Timezone            string `json:"timezone"`
	RemindersEnabled    bool   `json:"reminders_enabled"`
	MorningEnabled      bool   `json:"morning_enabled"`
	EveningEnabled      bool   `json:"evening_enabled"`
	MorningTime         string `json:"morning_time"` // HH:MM
	EveningTime         string `json:"evening_time"` // HH:MM
	OnboardingCompleted bool   `json:"onboarding_completed"`
	LastSetup           string `json:"last_setup,omitempty"`
	LastDataExport      string `json:"last_data_export,omitempty"`
	LastUpdated         string `json:"last_updated,omitempty"`
}

// DefaultPreferences returns the settings a user starts with.
func DefaultPreferences(userID int64, timezone string) Preferences {
	if timezone == "" {
		timezone = "Europe/Paris"
	}
	return Preferences{
		UserID:           userID,
		Timezone:         timezone,
		RemindersEnabled: true,
		MorningEnabled:   true,
		EveningEnabled:   true,
		MorningTime:      "07:00",
		EveningTime:      "22:00",
	}
}

// User is one registered account. Registration is capped at
// MaxRegisteredUsers.
type User struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	IsAdmin   bool   `json:"is_admin,omitempty"`
	FirstSeen string `json:"first_seen,omitempty"`
}

// MaxRegisteredUsers caps registration; user number 101 is refused.
const MaxRegisteredUsers = 100

// Stats summarize a user's check-in history.
type Stats struct {
	TotalSessions    int    `json:"total_sessions"`
	MorningSessions  int    `json:"morning_sessions"`
	EveningSessions  int    `json:"evening_sessions"`
	UniqueDates      int    `json:"unique_dates"`
	FirstSessionDate string `json:"first_session_date,omitempty"`
	LastSessionDate  string `json:"last_session_date,omitempty"`
}

// Escalation is one operational failure queued for the admin digest.
type Escalation struct {
	ID        int64     `json:"id"`
	Type      string    `json:"issue_type"`
	UserID    int64     `json:"user_id"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

// maxFailureHistory bounds the stored failure records per (user, week);
// the oldest is pruned when an append would exceed it. Independent of
// the retry attempt cap.
const maxFailureHistory = 10

// Store is the persistence contract. The SQLite implementation is the
// primary backend, JSONFile the durable fallback, and Fallback the
// decorator that routes between them. Lookups that find nothing return
// zero values with a nil error.
type Store interface {
	// Sessions.
	SaveSession(s Session) error
	WeekSessions(userID int64, weekStart string) ([]Session, error)
	TodaySessions(userID int64, loc *time.Location) (map[string]*Session, error)
	RecentSessions(userID int64, days int) ([]Session, error)
	UserStats(userID int64) (Stats, error)

	// Reports.
	GetReport(userID int64, weekStart string) (*Report, error)
	PutReport(r Report) error
	ListReports(userID int64, limit int) ([]Report, error)
	PreviousReportContents(userID int64, weekStart string, count int) ([]string, error)

	// Failure ledger.
	// AppendFailure records one failed attempt and returns how many
	// records the (user, week) group now holds.
	AppendFailure(f FailureRecord) (int, error)
	DueRetries(now time.Time) ([]RetryCandidate, error)
	ClearFailures(userID int64, weekStart string) error
	MarkRetriesExhausted(userID int64, weekStart string) error

	// Preferences.
	GetPreferences(userID int64) (*Preferences, error)
	PutPreferences(p Preferences) error
	DeletePreferences(userID int64) error
	UserIDsWithPreferences() ([]int64, error)

	// Users.
	RegisterUser(u User) (bool, error)
	GetUser(userID int64) (*User, error)
	UserCount() (int, error)

	// Admin escalation queue.
	AppendEscalation(e Escalation) error
	PendingEscalations() ([]Escalation, error)
	EscalationsFlushedOn(day string) (bool, error)
	MarkEscalationsFlushed(day string, count int, summary map[string]int) error
	ClearEscalations() error

	Close() error
}
