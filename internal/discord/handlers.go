package discord

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/marta/pulse/internal/export"
	"github.com/marta/pulse/internal/store"
	"github.com/marta/pulse/internal/week"
)

// defaultSnooze is applied when `snooze` comes without an hour count.
const defaultSnooze = 2 * time.Hour

// exportHistoryDays is the session window the CSV export covers.
const exportHistoryDays = 3650

// ReportTrigger is the opportunistic generation hook fired after an
// evening check-in completes.
type ReportTrigger interface {
	MaybeGenerateNow(ctx context.Context, userID int64, userNow time.Time) bool
}

// ReminderScheduler is the slice of the job scheduler the command
// surface drives: preference changes reschedule, snooze queues a
// one-shot.
type ReminderScheduler interface {
	ScheduleUser(userID int64) error
	CancelUser(userID int64)
	Snooze(userID int64, sessionType string, delay time.Duration)
}

// Defaults seed a new user's preferences during onboarding.
type Defaults struct {
	Timezone    string
	MorningTime string
	EveningTime string
}

// Handlers is the DM command surface. All state beyond the store is
// per-user conversational context: the active check-in flow and the
// report browsing cursor.
type Handlers struct {
	store     store.Store
	trigger   ReportTrigger
	scheduler ReminderScheduler
	defaults  Defaults
	now       func() time.Time

	mu      sync.Mutex
	flows   map[int64]*checkinFlow
	cursors map[int64]string // user id -> week_start being viewed
}

func NewHandlers(st store.Store, trigger ReportTrigger, scheduler ReminderScheduler, defaults Defaults) *Handlers {
	return &Handlers{
		store:     st,
		trigger:   trigger,
		scheduler: scheduler,
		defaults:  defaults,
		now:       time.Now,
		flows:     make(map[int64]*checkinFlow),
		cursors:   make(map[int64]string),
	}
}

// Handle routes one DM. An active check-in flow consumes plain text as
// answers; everything else is a command.
func (h *Handlers) Handle(ctx context.Context, msg Incoming) []Reply {
	if reply, refused := h.ensureRegistered(msg); refused {
		return reply
	}

	fields := strings.Fields(msg.Content)
	if len(fields) == 0 {
		return nil
	}
	command := strings.ToLower(fields[0])
	args := fields[1:]

	if !isCommand(command) {
		if replies, handled := h.continueCheckin(ctx, msg.UserID, msg.Content); handled {
			return replies
		}
	}

	switch command {
	case "help", "start":
		return text(helpMessage)
	case "checkin":
		return h.startCheckin(msg.UserID, args)
	case "cancel":
		return h.cancelCheckin(msg.UserID)
	case "report":
		return h.showReport(msg.UserID, args)
	case "stats":
		return h.showStats(msg.UserID)
	case "export":
		return h.exportData(msg.UserID)
	case "snooze":
		return h.snooze(msg.UserID, args)
	case "settings":
		return h.settings(msg.UserID, args)
	default:
		return text(fmt.Sprintf("I don't know `%s`. Reply `help` to see what I can do.", command))
	}
}

// ensureRegistered runs onboarding on first contact: register the user
// (the 100-user cap refuses politely), seed default preferences, and
// schedule reminders.
func (h *Handlers) ensureRegistered(msg Incoming) ([]Reply, bool) {
	existing, err := h.store.GetUser(msg.UserID)
	if err != nil {
		log.Printf("looking up user %d: %v", msg.UserID, err)
		return text("Something went wrong. Please try again."), true
	}
	if existing != nil {
		return nil, false
	}

	ok, err := h.store.RegisterUser(store.User{
		UserID:    msg.UserID,
		Username:  msg.Username,
		FirstName: msg.FirstName,
	})
	if err != nil {
		log.Printf("registering user %d: %v", msg.UserID, err)
		return text("Something went wrong. Please try again."), true
	}
	if !ok {
		return text(limitMessage), true
	}

	prefs := store.DefaultPreferences(msg.UserID, h.defaults.Timezone)
	prefs.MorningTime = h.defaults.MorningTime
	prefs.EveningTime = h.defaults.EveningTime
	prefs.OnboardingCompleted = true
	if err := h.store.PutPreferences(prefs); err != nil {
		log.Printf("saving preferences for new user %d: %v", msg.UserID, err)
	}
	if err := h.scheduler.ScheduleUser(msg.UserID); err != nil {
		log.Printf("scheduling reminders for new user %d: %v", msg.UserID, err)
	}
	log.Printf("registered user %d (%s)", msg.UserID, msg.Username)
	return text(welcomeMessage(prefs)), true
}

// --- check-in flow ---

type checkinFlow struct {
	sessionType string
	index       int
	answers     map[string]string
}

type question struct {
	field  string
	prompt string
	scale  bool
}

var morningQuestions = []question{
	{store.FieldEnergy, "⚡ Energy level (0-10): How energized do you feel?", true},
	{store.FieldMood, "😊 Mood (0-10): How positive do you feel emotionally?", true},
	{store.FieldIntention, "🎯 One-word intention: What do you want from today?", false},
}

var eveningQuestions = []question{
	{store.FieldMood, "😊 Mood (0-10): How do you feel emotionally right now?", true},
	{store.FieldStress, "😰 Stress level (0-10): How stressed have you felt today?", true},
	{store.FieldDayWord, "📝 One word for the day: Describe your day in one word:", false},
	{store.FieldReflection, "💭 One line reflection: One sentence about what affected your mood most:", false},
}

func questionsFor(sessionType string) []question {
	if sessionType == store.SessionMorning {
		return morningQuestions
	}
	return eveningQuestions
}

func (h *Handlers) startCheckin(userID int64, args []string) []Reply {
	if len(args) == 0 {
		return text("Which one? Reply `checkin morning` or `checkin evening`.")
	}
	sessionType := strings.ToLower(args[0])
	if sessionType != store.SessionMorning && sessionType != store.SessionEvening {
		return text("Which one? Reply `checkin morning` or `checkin evening`.")
	}

	loc := h.userLocation(userID)
	today, err := h.store.TodaySessions(userID, loc)
	if err != nil {
		log.Printf("checking today's sessions for user %d: %v", userID, err)
	}
	if today[sessionType] != nil {
		return text(fmt.Sprintf("You already completed today's %s check-in. See you at the next one! 💚", sessionType))
	}

	flow := &checkinFlow{sessionType: sessionType, answers: make(map[string]string)}
	h.mu.Lock()
	h.flows[userID] = flow
	h.mu.Unlock()

	questions := questionsFor(sessionType)
	intro := fmt.Sprintf("%s check-in started (%d questions). Reply `cancel` to stop.\n\n%s",
		capitalize(sessionType), len(questions), progressPrompt(questions, 0))
	return text(intro)
}

func (h *Handlers) cancelCheckin(userID int64) []Reply {
	h.mu.Lock()
	_, active := h.flows[userID]
	delete(h.flows, userID)
	h.mu.Unlock()
	if !active {
		return text("Nothing to cancel.")
	}
	return text("Check-in cancelled. Come back whenever you're ready. 💚")
}

// continueCheckin feeds one plain-text message into the user's active
// check-in flow. Discord delivers each message on its own goroutine, so
// the whole read-validate-advance step stays under the mutex; only the
// final store write runs outside it, after the flow has been removed
// from the map.
func (h *Handlers) continueCheckin(ctx context.Context, userID int64, answer string) ([]Reply, bool) {
	h.mu.Lock()
	flow, active := h.flows[userID]
	if !active {
		h.mu.Unlock()
		return nil, false
	}
	questions := questionsFor(flow.sessionType)
	q := questions[flow.index]

	value := strings.TrimSpace(answer)
	if q.scale {
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 10 {
			h.mu.Unlock()
			return text("Please answer with a number from 0 to 10."), true
		}
		value = strconv.Itoa(n)
	}
	if value == "" {
		h.mu.Unlock()
		return text("Please give me a short answer, or reply `cancel` to stop."), true
	}

	flow.answers[q.field] = value
	flow.index++
	if flow.index < len(questions) {
		reply := text(progressPrompt(questions, flow.index))
		h.mu.Unlock()
		return reply, true
	}

	delete(h.flows, userID)
	h.mu.Unlock()
	return h.completeSession(ctx, userID, flow), true
}

func (h *Handlers) completeSession(ctx context.Context, userID int64, flow *checkinFlow) []Reply {
	loc := h.userLocation(userID)
	now := h.now().In(loc)

	session := store.Session{
		UserID:    userID,
		Type:      flow.sessionType,
		Date:      week.DateOnly(now),
		Time:      strftime.Format("%H:%M:%S", now),
		Timestamp: now,
		Answers:   flow.answers,
	}
	if err := h.store.SaveSession(session); err != nil {
		log.Printf("saving %s session for user %d: %v", flow.sessionType, userID, err)
		return text("I couldn't save your check-in. Please try again in a moment.")
	}
	log.Printf("saved %s session for user %d on %s", flow.sessionType, userID, session.Date)

	replies := text(sessionSummary(flow.sessionType, flow.answers))

	// A Sunday evening check-in closes the week; the engine decides
	// whether a report is due and runs it in the background.
	if flow.sessionType == store.SessionEvening {
		h.trigger.MaybeGenerateNow(ctx, userID, now)
	}
	return replies
}

func progressPrompt(questions []question, index int) string {
	return fmt.Sprintf("**Question %d/%d**\n%s", index+1, len(questions), questions[index].prompt)
}

// --- report browsing ---

func (h *Handlers) showReport(userID int64, args []string) []Reply {
	reports, err := h.store.ListReports(userID, 0)
	if err != nil {
		log.Printf("listing reports for user %d: %v", userID, err)
		return text("I couldn't load your reports. Please try again.")
	}
	if len(reports) == 0 {
		return text(noReportsMessage)
	}

	h.mu.Lock()
	cursor := h.cursors[userID]
	h.mu.Unlock()

	// reports come newest first
	index := 0
	if cursor != "" {
		for i, r := range reports {
			if r.WeekStart == cursor {
				index = i
				break
			}
		}
	}

	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "prev":
			if index+1 >= len(reports) {
				return text("That's your oldest report.")
			}
			index++
		case "next":
			if index == 0 {
				return text("That's your latest report. Reply `report prev` for earlier weeks.")
			}
			index--
		default:
			return text("Reply `report`, `report prev`, or `report next`.")
		}
	} else {
		index = 0
	}

	r := reports[index]
	h.mu.Lock()
	h.cursors[userID] = r.WeekStart
	h.mu.Unlock()
	return text(renderReport(r, index, len(reports)))
}

func renderReport(r store.Report, index, total int) string {
	header := fmt.Sprintf("📊 **Weekly Report** (%d of %d)", index+1, total)
	rangeLine := ""
	if start, err := week.ParseDate(r.WeekStart); err == nil {
		rangeLine = week.FormatRange(start)
	}
	footer := fmt.Sprintf("_Generated %s · %d days of data_", r.GeneratedAt, r.DaysOfData)
	nav := "Reply `report prev` / `report next` to browse."
	return strings.Join([]string{header, rangeLine, "", r.Content, "", footer, nav}, "\n")
}

// --- stats ---

func (h *Handlers) showStats(userID int64) []Reply {
	stats, err := h.store.UserStats(userID)
	if err != nil {
		log.Printf("loading stats for user %d: %v", userID, err)
		return text("I couldn't load your statistics. Please try again.")
	}
	if stats.TotalSessions == 0 {
		return text("📊 **Your Statistics**\n\nYou haven't completed any check-ins yet.\n\nStart your first check-in to begin tracking! Reply `checkin morning` or `checkin evening`. 🌟")
	}
	return text(fmt.Sprintf(`📊 **Your Statistics**

🎯 **Total Check-ins:** %d
🕘 **Morning Sessions:** %d
🌙 **Evening Sessions:** %d
📅 **Days Tracked:** %d
📆 **First Check-in:** %s
📆 **Latest Check-in:** %s

Keep up the great work! 💪`,
		stats.TotalSessions, stats.MorningSessions, stats.EveningSessions,
		stats.UniqueDates, orNA(stats.FirstSessionDate), orNA(stats.LastSessionDate)))
}

// --- export ---

func (h *Handlers) exportData(userID int64) []Reply {
	prefs, err := h.store.GetPreferences(userID)
	if err != nil {
		log.Printf("loading preferences for user %d: %v", userID, err)
		return text("I couldn't check your export status. Please try again.")
	}

	now := h.now()
	if ok, msg := export.CanExport(prefs, now); !ok {
		return text(fmt.Sprintf("📊 **Data Export - Rate Limited**\n\n%s. Exports are limited to once per week.", msg))
	}

	user, err := h.store.GetUser(userID)
	if err != nil {
		log.Printf("loading user %d for export: %v", userID, err)
	}
	stats, err := h.store.UserStats(userID)
	if err != nil {
		log.Printf("loading stats for user %d export: %v", userID, err)
	}
	sessions, err := h.store.RecentSessions(userID, exportHistoryDays)
	if err != nil {
		log.Printf("loading sessions for user %d export: %v", userID, err)
		return text("I couldn't gather your data. Please try again.")
	}
	reports, err := h.store.ListReports(userID, 0)
	if err != nil {
		log.Printf("loading reports for user %d export: %v", userID, err)
	}

	var buf bytes.Buffer
	err = export.WriteUserData(&buf, export.Bundle{
		User:        user,
		Stats:       stats,
		Preferences: prefs,
		Sessions:    sessions,
		Reports:     reports,
		GeneratedAt: now,
	})
	if err != nil {
		log.Printf("building export for user %d: %v", userID, err)
		return text("❌ **Export Failed**\n\nThere was an error generating your data export. Please try again later.")
	}

	if prefs == nil {
		p := store.DefaultPreferences(userID, h.defaults.Timezone)
		prefs = &p
	}
	prefs.LastDataExport = now.Format(time.RFC3339)
	if err := h.store.PutPreferences(*prefs); err != nil {
		log.Printf("recording export timestamp for user %d: %v", userID, err)
	}

	return []Reply{
		{Text: fmt.Sprintf("✅ **Data Export Complete!**\n\n📅 Generated: %s\n📊 Format: CSV\n📝 Next export available in 7 days.",
			strftime.Format("%Y-%m-%d %H:%M", now))},
		{File: &FileReply{
			Name:    fmt.Sprintf("pulse_export_%s.csv", strftime.Format("%Y%m%d", now)),
			Content: buf.Bytes(),
		}},
	}
}

// --- snooze ---

func (h *Handlers) snooze(userID int64, args []string) []Reply {
	delay := defaultSnooze
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 || n > 24 {
			return text("Reply `snooze` or `snooze <hours>` (1-24).")
		}
		delay = time.Duration(n) * time.Hour
	}

	// Snooze whichever check-in is still open today.
	loc := h.userLocation(userID)
	today, err := h.store.TodaySessions(userID, loc)
	if err != nil {
		log.Printf("checking today's sessions for user %d: %v", userID, err)
	}
	sessionType := store.SessionMorning
	if today[store.SessionMorning] != nil {
		sessionType = store.SessionEvening
	}
	if today[sessionType] != nil {
		return text("Both of today's check-ins are done. Nothing to snooze! 🌟")
	}

	h.scheduler.Snooze(userID, sessionType, delay)
	return text(fmt.Sprintf("⏰ Snoozed! I'll remind you about your %s check-in in %d hours.",
		sessionType, int(delay.Hours())))
}

// --- settings ---

func (h *Handlers) settings(userID int64, args []string) []Reply {
	prefs, err := h.store.GetPreferences(userID)
	if err != nil {
		log.Printf("loading preferences for user %d: %v", userID, err)
		return text("I couldn't load your settings. Please try again.")
	}
	if prefs == nil {
		p := store.DefaultPreferences(userID, h.defaults.Timezone)
		prefs = &p
	}

	if len(args) == 0 {
		return text(settingsMessage(*prefs))
	}

	switch strings.ToLower(args[0]) {
	case "timezone":
		if len(args) < 2 {
			return text("Reply `settings timezone <IANA zone>`, e.g. `settings timezone Europe/Paris`.")
		}
		zone := args[1]
		if _, err := time.LoadLocation(zone); err != nil {
			return text(fmt.Sprintf("I don't know the timezone `%s`. Use an IANA name like `Europe/Paris` or `America/New_York`.", zone))
		}
		prefs.Timezone = zone
	case "morning", "evening":
		if len(args) < 2 {
			return text(fmt.Sprintf("Reply `settings %s HH:MM`, e.g. `settings %s 07:30`.", args[0], args[0]))
		}
		at, err := time.Parse("15:04", args[1])
		if err != nil {
			return text(fmt.Sprintf("`%s` doesn't look like a time. Use 24-hour HH:MM, e.g. `21:30`.", args[1]))
		}
		formatted := at.Format("15:04")
		if strings.ToLower(args[0]) == "morning" {
			prefs.MorningTime = formatted
		} else {
			prefs.EveningTime = formatted
		}
	case "reminders":
		if len(args) < 2 || (args[1] != "on" && args[1] != "off") {
			return text("Reply `settings reminders on` or `settings reminders off`.")
		}
		prefs.RemindersEnabled = args[1] == "on"
	default:
		return text("Reply `settings`, `settings timezone <zone>`, `settings morning HH:MM`, `settings evening HH:MM`, or `settings reminders on|off`.")
	}

	prefs.LastSetup = h.now().Format(time.RFC3339)
	if err := h.store.PutPreferences(*prefs); err != nil {
		log.Printf("saving preferences for user %d: %v", userID, err)
		return text("I couldn't save your settings. Please try again.")
	}
	if err := h.scheduler.ScheduleUser(userID); err != nil {
		log.Printf("rescheduling reminders for user %d: %v", userID, err)
	}
	return text("✅ Settings saved.\n\n" + settingsMessage(*prefs))
}

func (h *Handlers) userLocation(userID int64) *time.Location {
	prefs, err := h.store.GetPreferences(userID)
	if err != nil || prefs == nil {
		loc, _ := time.LoadLocation(h.defaults.Timezone)
		if loc == nil {
			loc = time.UTC
		}
		return loc
	}
	loc, err := time.LoadLocation(prefs.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func isCommand(word string) bool {
	switch word {
	case "help", "start", "checkin", "cancel", "report", "stats", "export", "snooze", "settings":
		return true
	}
	return false
}

func text(messages ...string) []Reply {
	replies := make([]Reply, 0, len(messages))
	for _, m := range messages {
		replies = append(replies, Reply{Text: m})
	}
	return replies
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
