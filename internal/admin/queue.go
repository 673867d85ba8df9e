package admin

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/marta/pulse/internal/store"
	"github.com/marta/pulse/internal/week"
)

// IssueLLMFailure marks a failed narrative generation in the digest.
const IssueLLMFailure = "llm_failure"

const (
	// immediateFlushThreshold flushes ahead of the daily slot when a
	// burst of issues piles up. Isolated failures batch once daily.
	immediateFlushThreshold = 5

	maxExamplesPerType = 3
	maxDetailLength    = 100
)

// Notifier sends digests to the admin over the chat transport.
type Notifier interface {
	Send(userID int64, message string) error
}

// Queue batches operational failures into one admin digest per day.
type Queue struct {
	store       store.Store
	notifier    Notifier
	adminUserID int64
}

func NewQueue(st store.Store, notifier Notifier, adminUserID int64) *Queue {
	return &Queue{store: st, notifier: notifier, adminUserID: adminUserID}
}

// Record queues one issue for the next digest. A burst past the
// threshold triggers an immediate flush instead of waiting for the
// daily slot.
func (q *Queue) Record(issueType string, userID int64, details string) error {
	err := q.store.AppendEscalation(store.Escalation{Type: issueType, UserID: userID, Details: details})
	if err != nil {
		return fmt.Errorf("queuing %s escalation: %w", issueType, err)
	}
	log.Printf("queued %s for user %d in admin digest", issueType, userID)

	pending, err := q.store.PendingEscalations()
	if err != nil {
		log.Printf("counting pending admin issues: %v", err)
		return nil
	}
	if len(pending) >= immediateFlushThreshold {
		if _, err := q.Flush(time.Now()); err != nil {
			log.Printf("immediate admin flush: %v", err)
		}
	}
	return nil
}

// ReportFailure queues one failed narrative generation.
func (q *Queue) ReportFailure(userID int64, errorMessage, model string) error {
	return q.Record(IssueLLMFailure, userID, fmt.Sprintf("Model: %s, Error: %s", model, errorMessage))
}

// Flush sends the aggregated digest if anything is pending and none
// has gone out today. Reports whether a digest was sent.
func (q *Queue) Flush(now time.Time) (bool, error) {
	day := week.DateOnly(now.UTC())
	flushed, err := q.store.EscalationsFlushedOn(day)
	if err != nil {
		return false, fmt.Errorf("checking admin flush log: %w", err)
	}
	if flushed {
		log.Printf("admin already notified today, skipping digest")
		return false, nil
	}

	pending, err := q.store.PendingEscalations()
	if err != nil {
		return false, fmt.Errorf("listing pending admin issues: %w", err)
	}
	if len(pending) == 0 {
		return false, nil
	}

	if err := q.notifier.Send(q.adminUserID, digest(now, pending)); err != nil {
		return false, fmt.Errorf("sending admin digest: %w", err)
	}

	summary := make(map[string]int)
	for _, e := range pending {
		summary[e.Type]++
	}
	if err := q.store.MarkEscalationsFlushed(day, len(pending), summary); err != nil {
		log.Printf("recording admin flush: %v", err)
	}
	if err := q.store.ClearEscalations(); err != nil {
		log.Printf("clearing admin issue queue: %v", err)
	}
	log.Printf("sent daily admin digest with %d issues", len(pending))
	return true, nil
}

// digest renders the aggregated report, grouped by issue type in
// first-seen order, capped at three examples per type.
func digest(now time.Time, pending []store.Escalation) string {
	byType := make(map[string][]store.Escalation)
	var order []string
	for _, e := range pending {
		if _, ok := byType[e.Type]; !ok {
			order = append(order, e.Type)
		}
		byType[e.Type] = append(byType[e.Type], e)
	}

	var b strings.Builder
	b.WriteString("🔧 **Daily Error Report**\n\n")
	fmt.Fprintf(&b, "📅 Date: %s\n", strftime.Format("%Y-%m-%d %H:%M", now))
	fmt.Fprintf(&b, "⚠️ Total issues: %d\n\n", len(pending))

	for _, issueType := range order {
		issues := byType[issueType]
		fmt.Fprintf(&b, "**%s:** %d occurrence(s)\n", titleWords(issueType), len(issues))
		for i, issue := range issues {
			if i == maxExamplesPerType {
				break
			}
			fmt.Fprintf(&b, "  • User %d at %s\n", issue.UserID, issueTime(issue))
			fmt.Fprintf(&b, "    %s\n", truncate(issue.Details, maxDetailLength))
		}
		if len(issues) > maxExamplesPerType {
			fmt.Fprintf(&b, "  ... and %d more\n", len(issues)-maxExamplesPerType)
		}
		b.WriteString("\n")
	}

	b.WriteString("💡 **Action Required:**\n")
	b.WriteString("• Check logs for detailed error information\n")
	b.WriteString("• Monitor affected users for report generation\n")
	b.WriteString("• Verify API keys and LLM service status\n")
	return b.String()
}

func issueTime(e store.Escalation) string {
	if e.CreatedAt.IsZero() {
		return "Unknown time"
	}
	return strftime.Format("%H:%M", e.CreatedAt)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func titleWords(s string) string {
	words := strings.Split(s, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
