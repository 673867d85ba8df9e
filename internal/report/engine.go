package report

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/marta/pulse/internal/narrative"
	"github.com/marta/pulse/internal/store"
	"github.com/marta/pulse/internal/week"
)

// Notifier delivers user-facing messages over the chat transport.
// Send failures are logged, never propagated back into the lifecycle.
type Notifier interface {
	Send(userID int64, message string) error
}

// Escalator forwards generation failures to the admin queue.
type Escalator interface {
	ReportFailure(userID int64, errorMessage, model string) error
}

// NarrativeGenerator produces the weekly narrative from formatted
// session data plus prior reports for continuity.
type NarrativeGenerator interface {
	Generate(ctx context.Context, currentWeek string, previousReports []string) (*narrative.Result, error)
	Model() string
}

// errAlreadyRunning marks a Generate call that was refused because the
// same (user, week) was already in flight. The retry sweep must not
// count such a refusal as a failed attempt.
var errAlreadyRunning = errors.New("report generation already running")

// Engine drives the weekly report lifecycle: eligibility, generation,
// the failure ledger, and the retry sweep.
type Engine struct {
	store     store.Store
	generator NarrativeGenerator
	notifier  Notifier
	escalator Escalator
	policy    RetryPolicy
	now       func() time.Time

	// sweepMu makes the retry sweep single-flight.
	sweepMu sync.Mutex

	// mu guards inflight, which serializes generation per (user, week).
	mu       sync.Mutex
	inflight map[string]bool
}

func NewEngine(st store.Store, gen NarrativeGenerator, notifier Notifier, escalator Escalator, policy RetryPolicy) *Engine {
	return &Engine{
		store:     st,
		generator: gen,
		notifier:  notifier,
		escalator: escalator,
		policy:    policy,
		now:       time.Now,
		inflight:  make(map[string]bool),
	}
}

// ShouldGenerate reports whether a weekly report is due for the user:
// the ISO week before now has no report yet and holds enough recorded
// days. The returned week start identifies the target week either way.
func (e *Engine) ShouldGenerate(userID int64, now time.Time) (bool, string, string) {
	weekStart := week.DateOnly(week.PreviousStart(now))

	existing, err := e.store.GetReport(userID, weekStart)
	if err != nil {
		log.Printf("checking existing report for user %d: %v", userID, err)
		return false, fmt.Sprintf("Error: %v", err), ""
	}
	if existing != nil {
		return false, "Report already exists for previous week", weekStart
	}

	sessions, err := e.store.WeekSessions(userID, weekStart)
	if err != nil {
		log.Printf("loading week sessions for user %d: %v", userID, err)
		return false, fmt.Sprintf("Error: %v", err), ""
	}
	ok, days, msg := narrative.Sufficiency(sessions)
	if !ok {
		return false, msg, weekStart
	}
	return true, fmt.Sprintf("Ready to generate report (%d days of data)", days), weekStart
}

// Generate runs the pipeline for one (user, week): sufficiency check,
// formatting, prior-report context, the model call, persistence. A
// generation failure outside a retry schedules the retry and fans out
// the notifications; during retries the sweep owns that accounting.
func (e *Engine) Generate(ctx context.Context, userID int64, weekStart string, isRetry bool) (string, error) {
	key := fmt.Sprintf("%d/%s", userID, weekStart)
	if !e.begin(key) {
		return "", fmt.Errorf("%w for user %d, week %s", errAlreadyRunning, userID, weekStart)
	}
	defer e.end(key)

	sessions, err := e.store.WeekSessions(userID, weekStart)
	if err != nil {
		genErr := narrative.Classify(err, e.generator.Model())
		e.recordFailure(userID, weekStart, genErr, isRetry)
		return "", genErr
	}

	ok, days, msg := narrative.Sufficiency(sessions)
	if !ok {
		// A gating decision, not a generation failure; no retry.
		return "", errors.New(msg)
	}

	formatted := narrative.FormatSessions(sessions)

	previous, err := e.store.PreviousReportContents(userID, weekStart, narrative.MaxPreviousReports)
	if err != nil {
		log.Printf("loading prior reports for user %d: %v", userID, err)
		previous = nil
	}

	result, err := e.generator.Generate(ctx, formatted, previous)
	if err != nil {
		genErr := narrative.Classify(err, e.generator.Model())
		e.recordFailure(userID, weekStart, genErr, isRetry)
		return "", genErr
	}

	if err := e.store.PutReport(store.Report{
		UserID:        userID,
		WeekStart:     weekStart,
		Content:       result.Content,
		InputSnapshot: formatted,
		DaysOfData:    days,
		ModelUsed:     result.Model,
	}); err != nil {
		// The narrative exists but was lost; surfaced as a
		// persistence failure, not a generation failure.
		log.Printf("saving weekly report for user %d, week %s: %v", userID, weekStart, err)
		return "", &narrative.Error{
			Type:    narrative.ErrPersistence,
			Model:   result.Model,
			Message: fmt.Sprintf("Report generated but failed to save: %v", err),
		}
	}

	if err := e.store.ClearFailures(userID, weekStart); err != nil {
		log.Printf("clearing failure records for user %d, week %s: %v", userID, weekStart, err)
	}
	log.Printf("saved weekly report for user %d, week %s, model %s", userID, weekStart, result.Model)
	return result.Content, nil
}

func (e *Engine) begin(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[key] {
		return false
	}
	e.inflight[key] = true
	return true
}

func (e *Engine) end(key string) {
	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
}

// recordFailure appends to the failure ledger, tells the user once per
// week group, and escalates to the admin. Skipped during retries; the
// sweep appends those itself so attempts are counted exactly once.
func (e *Engine) recordFailure(userID int64, weekStart string, genErr *narrative.Error, isRetry bool) {
	if isRetry {
		return
	}
	retryAt := e.now().Add(e.policy.Delay)
	count, err := e.store.AppendFailure(store.FailureRecord{
		UserID:    userID,
		WeekStart: weekStart,
		Error:     genErr.Message,
		Model:     genErr.Model,
		RetryAt:   retryAt,
	})
	if err != nil {
		log.Printf("recording failed report attempt for user %d, week %s: %v", userID, weekStart, err)
	}
	if count == 1 {
		if err := e.notifier.Send(userID, failureNotice(weekStart, retryAt)); err != nil {
			log.Printf("notifying user %d of report failure: %v", userID, err)
		}
	}
	if err := e.escalator.ReportFailure(userID, genErr.Type+": "+genErr.Message, genErr.Model); err != nil {
		log.Printf("escalating report failure for user %d: %v", userID, err)
	}
	log.Printf("scheduled report retry for user %d, week %s at %s", userID, weekStart, retryAt.Format(time.RFC3339))
}

// ProcessPendingRetries runs one retry sweep over all due failure
// groups. Single-flight: a sweep that finds another still running
// skips instead of queueing behind it.
func (e *Engine) ProcessPendingRetries(ctx context.Context, now time.Time) {
	if !e.sweepMu.TryLock() {
		log.Printf("retry sweep already running, skipping")
		return
	}
	defer e.sweepMu.Unlock()

	due, err := e.store.DueRetries(now)
	if err != nil {
		log.Printf("listing due report retries: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}
	log.Printf("processing %d pending report retries", len(due))

	for _, c := range due {
		if c.Attempts >= e.policy.MaxAttempts {
			e.finalizeExhausted(c)
			continue
		}
		log.Printf("retrying report for user %d, week %s (attempt %d)", c.UserID, c.WeekStart, c.Attempts+1)
		if _, err := e.Generate(ctx, c.UserID, c.WeekStart, true); err != nil {
			if errors.Is(err, errAlreadyRunning) {
				// The attempt never ran; leave the ledger untouched
				// and let a later sweep pick the group up again.
				log.Printf("retry for user %d, week %s skipped: generation in flight", c.UserID, c.WeekStart)
				continue
			}
			log.Printf("report retry failed for user %d, week %s: %v", c.UserID, c.WeekStart, err)
			e.recordRetryFailure(c, err, now)
			continue
		}
		if err := e.notifier.Send(c.UserID, retrySuccessNotice(c.WeekStart)); err != nil {
			log.Printf("notifying user %d of retry success: %v", c.UserID, err)
		}
	}
}

// finalizeExhausted handles a group past the attempt cap. The terminal
// notice goes out exactly once; afterwards the group is skipped
// without further noise.
func (e *Engine) finalizeExhausted(c store.RetryCandidate) {
	if c.TerminalNotified {
		return
	}
	log.Printf("max retry attempts reached for user %d, week %s", c.UserID, c.WeekStart)
	e.sendTerminal(c.UserID, c.WeekStart)
}

func (e *Engine) recordRetryFailure(c store.RetryCandidate, genErr error, now time.Time) {
	typed := narrative.Classify(genErr, e.generator.Model())
	count, err := e.store.AppendFailure(store.FailureRecord{
		UserID:    c.UserID,
		WeekStart: c.WeekStart,
		Error:     typed.Message,
		Model:     typed.Model,
		RetryAt:   now.Add(e.policy.Delay),
	})
	if err != nil {
		log.Printf("recording failed retry for user %d, week %s: %v", c.UserID, c.WeekStart, err)
	}
	if err := e.escalator.ReportFailure(c.UserID, typed.Type+": "+typed.Message, typed.Model); err != nil {
		log.Printf("escalating report failure for user %d: %v", c.UserID, err)
	}
	if count >= e.policy.MaxAttempts {
		e.sendTerminal(c.UserID, c.WeekStart)
	}
}

func (e *Engine) sendTerminal(userID int64, weekStart string) {
	if err := e.notifier.Send(userID, terminalNotice(weekStart)); err != nil {
		log.Printf("notifying user %d of exhausted retries: %v", userID, err)
	}
	if err := e.store.MarkRetriesExhausted(userID, weekStart); err != nil {
		log.Printf("marking retries exhausted for user %d, week %s: %v", userID, weekStart, err)
	}
}

// GenerateForAllUsers runs the weekly sweep across every user with
// preferences. One user's failure never aborts the batch; per-user
// outcomes come back for logging and inspection.
func (e *Engine) GenerateForAllUsers(ctx context.Context, now time.Time) (generated, skipped []string) {
	userIDs, err := e.store.UserIDsWithPreferences()
	if err != nil {
		log.Printf("listing users for weekly report sweep: %v", err)
		return nil, []string{fmt.Sprintf("System error: %v", err)}
	}

	for _, userID := range userIDs {
		should, reason, weekStart := e.ShouldGenerate(userID, now)
		if !should {
			skipped = append(skipped, fmt.Sprintf("User %d: %s", userID, reason))
			continue
		}
		if _, err := e.Generate(ctx, userID, weekStart, false); err != nil {
			skipped = append(skipped, fmt.Sprintf("User %d: Generation failed - %v", userID, err))
			continue
		}
		generated = append(generated, fmt.Sprintf("User %d: Generated report for %s", userID, weekStart))
	}
	log.Printf("weekly report check complete: %d generated, %d skipped", len(generated), len(skipped))
	return generated, skipped
}

// MaybeGenerateNow triggers an immediate generation after a Sunday
// evening check-in, judged in the user's local time. The generation
// itself runs in the background; the return value only says whether it
// was kicked off.
func (e *Engine) MaybeGenerateNow(ctx context.Context, userID int64, userNow time.Time) bool {
	if userNow.Weekday() != time.Sunday {
		return false
	}
	should, reason, weekStart := e.ShouldGenerate(userID, userNow)
	if !should {
		log.Printf("skipping immediate report for user %d: %s", userID, reason)
		return false
	}
	if err := e.notifier.Send(userID, generatingNotice()); err != nil {
		log.Printf("notifying user %d of report generation: %v", userID, err)
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if _, err := e.Generate(ctx, userID, weekStart, false); err != nil {
			log.Printf("immediate report generation for user %d failed: %v", userID, err)
			return
		}
		if err := e.notifier.Send(userID, readyNotice()); err != nil {
			log.Printf("notifying user %d of ready report: %v", userID, err)
		}
	}()
	log.Printf("triggered weekly report generation for user %d after Sunday evening check-in", userID)
	return true
}
