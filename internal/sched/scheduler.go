package sched

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/marta/pulse/internal/store"
)

// System job schedules. The weekly sweep fires twice so a crash near
// one trigger cannot silently skip the week.
const (
	weeklySundaySpec = "CRON_TZ=UTC 30 22 * * 0"
	weeklyMondaySpec = "CRON_TZ=UTC 0 8 * * 1"
	adminFlushSpec   = "CRON_TZ=UTC 0 10 * * *"
)

// maxOverlap bounds concurrent firings of a single job id; surplus
// firings are dropped so a stalled handler cannot pile up instances.
const maxOverlap = 3

// eveningHintHour is when a late morning reminder starts offering the
// evening review as well.
const eveningHintHour = 18

// Engine is the part of the report lifecycle the scheduler drives.
type Engine interface {
	GenerateForAllUsers(ctx context.Context, now time.Time) (generated, skipped []string)
	ProcessPendingRetries(ctx context.Context, now time.Time)
}

// Flusher sends the daily admin digest.
type Flusher interface {
	Flush(now time.Time) (bool, error)
}

// Notifier delivers reminders over the chat transport.
type Notifier interface {
	Send(userID int64, message string) error
}

// Scheduler owns the job table: recurring reminders per user, snooze
// one-shots, and the system sweeps. All mutation goes through its
// schedule/cancel calls.
type Scheduler struct {
	cron       *cron.Cron
	store      store.Store
	engine     Engine
	flusher    Flusher
	notifier   Notifier
	retryEvery time.Duration

	mu      sync.Mutex
	entries map[string]cron.EntryID
	timers  map[string]*time.Timer
}

func New(st store.Store, engine Engine, flusher Flusher, notifier Notifier, retrySweepEvery time.Duration) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		store:      st,
		engine:     engine,
		flusher:    flusher,
		notifier:   notifier,
		retryEvery: retrySweepEvery,
		entries:    make(map[string]cron.EntryID),
		timers:     make(map[string]*time.Timer),
	}
}

// Start registers the system jobs, schedules every user's reminders,
// and begins firing. A retry sweep also runs immediately so work that
// came due while the process was down is picked up.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.add("weekly_reports_sunday", weeklySundaySpec, func() { s.runWeeklySweep(ctx) }); err != nil {
		return err
	}
	if err := s.add("weekly_reports_monday", weeklyMondaySpec, func() { s.runWeeklySweep(ctx) }); err != nil {
		return err
	}
	retrySpec := fmt.Sprintf("@every %s", s.retryEvery)
	if err := s.add("process_report_retries", retrySpec, func() { s.engine.ProcessPendingRetries(ctx, time.Now()) }); err != nil {
		return err
	}
	if err := s.add("daily_admin_summary", adminFlushSpec, s.runAdminFlush); err != nil {
		return err
	}

	s.ScheduleAll()
	s.cron.Start()

	go s.engine.ProcessPendingRetries(ctx, time.Now())

	log.Printf("scheduler started")
	return nil
}

// Stop halts firing, waits for running jobs, and drops pending
// snoozes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	log.Printf("scheduler stopped")
}

// ScheduleAll (re)schedules reminders for every user with saved
// preferences.
func (s *Scheduler) ScheduleAll() {
	userIDs, err := s.store.UserIDsWithPreferences()
	if err != nil {
		log.Printf("scheduler: listing users: %v", err)
		return
	}
	for _, userID := range userIDs {
		if err := s.ScheduleUser(userID); err != nil {
			log.Printf("scheduler: scheduling reminders for user %d: %v", userID, err)
		}
	}
	log.Printf("scheduler: scheduled reminders for %d users", len(userIDs))
}

// ScheduleUser replaces the user's reminder jobs from their current
// preferences, read fresh on every call. Disabled reminders just
// cancel.
func (s *Scheduler) ScheduleUser(userID int64) error {
	prefs, err := s.store.GetPreferences(userID)
	if err != nil {
		return fmt.Errorf("loading preferences: %w", err)
	}
	if prefs == nil {
		p := store.DefaultPreferences(userID, "")
		prefs = &p
	}

	s.CancelUser(userID)

	if !prefs.RemindersEnabled {
		log.Printf("scheduler: reminders disabled for user %d", userID)
		return nil
	}

	if prefs.MorningEnabled {
		if err := s.addReminder(userID, store.SessionMorning, prefs.MorningTime, prefs.Timezone); err != nil {
			return err
		}
	}
	if prefs.EveningEnabled {
		if err := s.addReminder(userID, store.SessionEvening, prefs.EveningTime, prefs.Timezone); err != nil {
			return err
		}
	}
	return nil
}

// CancelUser removes the user's reminder jobs and any pending
// snoozes.
func (s *Scheduler) CancelUser(userID int64) {
	s.remove(reminderJobID(store.SessionMorning, userID))
	s.remove(reminderJobID(store.SessionEvening, userID))

	s.mu.Lock()
	defer s.mu.Unlock()
	prefixes := []string{
		fmt.Sprintf("snooze_%s_%d_", store.SessionMorning, userID),
		fmt.Sprintf("snooze_%s_%d_", store.SessionEvening, userID),
	}
	for id, timer := range s.timers {
		for _, prefix := range prefixes {
			if strings.HasPrefix(id, prefix) {
				timer.Stop()
				delete(s.timers, id)
				log.Printf("scheduler: cancelled %s", id)
			}
		}
	}
}

// Snooze re-delivers one reminder after the delay. The recurring job
// is untouched; the one-shot gets its own id.
func (s *Scheduler) Snooze(userID int64, sessionType string, delay time.Duration) {
	id := fmt.Sprintf("snooze_%s_%d_%s", sessionType, userID, uuid.NewString())
	s.mu.Lock()
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		s.fireReminder(userID, sessionType)
	})
	s.mu.Unlock()
	log.Printf("scheduler: snoozed %s reminder for user %d by %s", sessionType, userID, delay)
}

func (s *Scheduler) addReminder(userID int64, sessionType, at, timezone string) error {
	spec, err := dailySpec(at, timezone)
	if err != nil {
		return err
	}
	id := reminderJobID(sessionType, userID)
	if err := s.add(id, spec, func() { s.fireReminder(userID, sessionType) }); err != nil {
		return err
	}
	log.Printf("scheduler: scheduled %s reminder for user %d at %s %s", sessionType, userID, at, timezone)
	return nil
}

// add registers a recurring job, atomically replacing any prior job
// with the same id.
func (s *Scheduler) add(id, spec string, run func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	entryID, err := s.cron.AddJob(spec, limitOverlap(id, maxOverlap)(cron.FuncJob(run)))
	if err != nil {
		return fmt.Errorf("scheduling %s with spec %q: %w", id, spec, err)
	}
	s.entries[id] = entryID
	return nil
}

func (s *Scheduler) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
		log.Printf("scheduler: cancelled job %s", id)
	}
}

// fireReminder delivers one reminder unless today's session of that
// type is already recorded. The check runs at fire time, so duplicate
// or late firings stay silent.
func (s *Scheduler) fireReminder(userID int64, sessionType string) {
	prefs, err := s.store.GetPreferences(userID)
	if err != nil {
		log.Printf("scheduler: loading preferences for user %d: %v", userID, err)
		return
	}
	if prefs == nil {
		p := store.DefaultPreferences(userID, "")
		prefs = &p
	}

	loc, err := time.LoadLocation(prefs.Timezone)
	if err != nil {
		log.Printf("scheduler: invalid timezone %q for user %d: %v", prefs.Timezone, userID, err)
		loc = time.UTC
	}
	today, err := s.store.TodaySessions(userID, loc)
	if err != nil {
		log.Printf("scheduler: checking today's sessions for user %d: %v", userID, err)
		return
	}
	if today[sessionType] != nil {
		log.Printf("scheduler: %s session already completed for user %d, skipping reminder", sessionType, userID)
		return
	}

	if err := s.notifier.Send(userID, reminderMessage(sessionType, today, time.Now().In(loc))); err != nil {
		log.Printf("scheduler: sending %s reminder to user %d: %v", sessionType, userID, err)
		return
	}
	log.Printf("scheduler: sent %s reminder to user %d", sessionType, userID)
}

func (s *Scheduler) runWeeklySweep(ctx context.Context) {
	log.Printf("scheduler: starting weekly report sweep")
	generated, skipped := s.engine.GenerateForAllUsers(ctx, time.Now())
	for _, msg := range generated {
		log.Printf("scheduler: generated: %s", msg)
	}
	for _, msg := range skipped {
		log.Printf("scheduler: skipped: %s", msg)
	}
}

func (s *Scheduler) runAdminFlush() {
	if _, err := s.flusher.Flush(time.Now()); err != nil {
		log.Printf("scheduler: admin digest: %v", err)
	}
}

// limitOverlap drops firings of one job once maxOverlap instances are
// still running.
func limitOverlap(id string, max int32) cron.JobWrapper {
	var running atomic.Int32
	return func(j cron.Job) cron.Job {
		return cron.FuncJob(func() {
			if running.Add(1) > max {
				running.Add(-1)
				log.Printf("scheduler: job %s already running %d instances, dropping firing", id, max)
				return
			}
			defer running.Add(-1)
			j.Run()
		})
	}
}

func reminderJobID(sessionType string, userID int64) string {
	return fmt.Sprintf("%s_%d", sessionType, userID)
}

// dailySpec builds a cron spec firing every day at HH:MM local to tz.
func dailySpec(at, tz string) (string, error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return "", fmt.Errorf("invalid reminder time %q: %w", at, err)
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return fmt.Sprintf("CRON_TZ=%s %d %d * * *", tz, t.Minute(), t.Hour()), nil
}

func reminderMessage(sessionType string, today map[string]*store.Session, now time.Time) string {
	var b strings.Builder
	if sessionType == store.SessionMorning {
		b.WriteString("🌅 **Good morning! Time for your morning check-in**\n\n")
		b.WriteString("You haven't completed today's morning reflection yet.\n\n")
		b.WriteString("Start your day with a moment of self-awareness! 🌟")
	} else {
		b.WriteString("🌙 **Good evening! Time to reflect on your day**\n\n")
		b.WriteString("Your evening review is waiting for you.\n\n")
		b.WriteString("Take a moment to process today's experiences! ✨")
	}
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Reply `checkin %s` to begin", sessionType)
	if sessionType == store.SessionMorning && now.Hour() >= eveningHintHour && today[store.SessionEvening] == nil {
		fmt.Fprintf(&b, ", `checkin %s` for your evening review", store.SessionEvening)
	}
	b.WriteString(", or `snooze` to be reminded in 2 hours.")
	return b.String()
}
