package admin

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marta/pulse/internal/store"
)

const testAdminID int64 = 99

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
	to   []int64
}

func (n *recordingNotifier) Send(userID int64, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.to = append(n.to, userID)
	n.sent = append(n.sent, message)
	return nil
}

func (n *recordingNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

func newTestQueue(t *testing.T) (*Queue, *store.SQLite, *recordingNotifier) {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	notifier := &recordingNotifier{}
	return NewQueue(st, notifier, testAdminID), st, notifier
}

func TestRecordQueuesIssue(t *testing.T) {
	q, st, notifier := newTestQueue(t)

	if err := q.Record(IssueLLMFailure, 42, "Model: gpt-4o, Error: timeout"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	pending, err := st.PendingEscalations()
	if err != nil {
		t.Fatalf("PendingEscalations: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending issue, got %d", len(pending))
	}
	if pending[0].Type != IssueLLMFailure || pending[0].UserID != 42 {
		t.Errorf("unexpected pending issue %+v", pending[0])
	}
	if len(notifier.messages()) != 0 {
		t.Errorf("expected no digest below the burst threshold, got %d", len(notifier.messages()))
	}
}

func TestReportFailureFormatsDetails(t *testing.T) {
	q, st, _ := newTestQueue(t)

	if err := q.ReportFailure(7, "timeout: LLM request timeout", "gpt-4o"); err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}

	pending, err := st.PendingEscalations()
	if err != nil {
		t.Fatalf("PendingEscalations: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending issue, got %d", len(pending))
	}
	want := "Model: gpt-4o, Error: timeout: LLM request timeout"
	if pending[0].Details != want {
		t.Errorf("expected details %q, got %q", want, pending[0].Details)
	}
}

func TestFlushSendsDigest(t *testing.T) {
	q, st, notifier := newTestQueue(t)
	for _, userID := range []int64{1, 2} {
		if err := q.Record(IssueLLMFailure, userID, "Model: gpt-4o, Error: upstream 500"); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	now := time.Date(2026, 1, 14, 10, 0, 0, 0, time.UTC)
	sent, err := q.Flush(now)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !sent {
		t.Fatal("expected digest to be sent")
	}

	msgs := notifier.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 digest, got %d", len(msgs))
	}
	if notifier.to[0] != testAdminID {
		t.Errorf("expected digest sent to admin %d, got %d", testAdminID, notifier.to[0])
	}
	for _, want := range []string{
		"🔧 **Daily Error Report**",
		"📅 Date: 2026-01-14 10:00",
		"⚠️ Total issues: 2",
		"**Llm Failure:** 2 occurrence(s)",
		"• User 1 at ",
		"Model: gpt-4o, Error: upstream 500",
		"💡 **Action Required:**",
	} {
		if !strings.Contains(msgs[0], want) {
			t.Errorf("digest missing %q:\n%s", want, msgs[0])
		}
	}

	pending, err := st.PendingEscalations()
	if err != nil {
		t.Fatalf("PendingEscalations: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected queue cleared after flush, got %d", len(pending))
	}
	flushed, err := st.EscalationsFlushedOn("2026-01-14")
	if err != nil {
		t.Fatalf("EscalationsFlushedOn: %v", err)
	}
	if !flushed {
		t.Error("expected flush recorded for the day")
	}
}

func TestFlushOncePerDay(t *testing.T) {
	q, st, notifier := newTestQueue(t)
	now := time.Date(2026, 1, 14, 10, 0, 0, 0, time.UTC)

	if err := q.Record(IssueLLMFailure, 1, "Model: gpt-4o, Error: boom"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if sent, err := q.Flush(now); err != nil || !sent {
		t.Fatalf("first Flush: sent=%v err=%v", sent, err)
	}

	if err := q.Record(IssueLLMFailure, 2, "Model: gpt-4o, Error: boom again"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	sent, err := q.Flush(now.Add(4 * time.Hour))
	if err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if sent {
		t.Error("expected second flush on the same day to skip")
	}
	if len(notifier.messages()) != 1 {
		t.Errorf("expected exactly one digest, got %d", len(notifier.messages()))
	}

	// The late issue stays queued for tomorrow.
	pending, err := st.PendingEscalations()
	if err != nil {
		t.Fatalf("PendingEscalations: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("expected 1 issue left for the next day, got %d", len(pending))
	}

	sent, err = q.Flush(now.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("next-day Flush: %v", err)
	}
	if !sent {
		t.Error("expected next-day flush to send")
	}
}

func TestFlushEmptyQueue(t *testing.T) {
	q, _, notifier := newTestQueue(t)
	now := time.Date(2026, 1, 14, 10, 0, 0, 0, time.UTC)

	sent, err := q.Flush(now)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if sent {
		t.Error("expected nothing to send")
	}
	if len(notifier.messages()) != 0 {
		t.Errorf("expected no digest, got %d", len(notifier.messages()))
	}

	// An empty flush must not burn the daily slot.
	if err := q.Record(IssueLLMFailure, 1, "Model: gpt-4o, Error: boom"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	sent, err = q.Flush(now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Flush after record: %v", err)
	}
	if !sent {
		t.Error("expected flush to send once something is pending")
	}
}

func TestImmediateFlushOnBurst(t *testing.T) {
	q, st, notifier := newTestQueue(t)

	for i := 0; i < 4; i++ {
		if err := q.ReportFailure(int64(i+1), "api_error: upstream 500", "gpt-4o"); err != nil {
			t.Fatalf("ReportFailure: %v", err)
		}
	}
	if len(notifier.messages()) != 0 {
		t.Fatalf("expected no digest below the threshold, got %d", len(notifier.messages()))
	}

	if err := q.ReportFailure(5, "api_error: upstream 500", "gpt-4o"); err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}

	msgs := notifier.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected an immediate digest at the threshold, got %d", len(msgs))
	}
	if !strings.Contains(msgs[0], "⚠️ Total issues: 5") {
		t.Errorf("expected 5 issues in digest:\n%s", msgs[0])
	}
	pending, err := st.PendingEscalations()
	if err != nil {
		t.Fatalf("PendingEscalations: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected queue cleared after immediate flush, got %d", len(pending))
	}
}

func TestDigestFormat(t *testing.T) {
	now := time.Date(2026, 1, 14, 10, 0, 0, 0, time.UTC)
	at := func(h, m int) time.Time {
		return time.Date(2026, 1, 14, h, m, 0, 0, time.UTC)
	}
	pending := []store.Escalation{
		{Type: "llm_failure", UserID: 1, Details: "Model: gpt-4o, Error: timeout: request timed out", CreatedAt: at(9, 13)},
		{Type: "llm_failure", UserID: 2, Details: "Model: gpt-4o, Error: timeout: request timed out", CreatedAt: at(9, 14)},
		{Type: "llm_failure", UserID: 3, Details: "Model: gpt-4o, Error: timeout: request timed out", CreatedAt: at(9, 15)},
		{Type: "llm_failure", UserID: 4, Details: "Model: gpt-4o, Error: timeout: request timed out", CreatedAt: at(9, 16)},
		{Type: "storage_failure", UserID: 9, Details: "disk full", CreatedAt: at(9, 30)},
	}

	want := `🔧 **Daily Error Report**

📅 Date: 2026-01-14 10:00
⚠️ Total issues: 5

**Llm Failure:** 4 occurrence(s)
  • User 1 at 09:13
    Model: gpt-4o, Error: timeout: request timed out
  • User 2 at 09:14
    Model: gpt-4o, Error: timeout: request timed out
  • User 3 at 09:15
    Model: gpt-4o, Error: timeout: request timed out
  ... and 1 more

**Storage Failure:** 1 occurrence(s)
  • User 9 at 09:30
    disk full

💡 **Action Required:**
• Check logs for detailed error information
• Monitor affected users for report generation
• Verify API keys and LLM service status
`
	if got := digest(now, pending); got != want {
		t.Errorf("digest mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestDigestTruncatesDetails(t *testing.T) {
	long := strings.Repeat("x", 150)
	pending := []store.Escalation{
		{Type: "llm_failure", UserID: 1, Details: long, CreatedAt: time.Date(2026, 1, 14, 9, 0, 0, 0, time.UTC)},
	}
	got := digest(time.Date(2026, 1, 14, 10, 0, 0, 0, time.UTC), pending)
	want := "    " + strings.Repeat("x", 100) + "...\n"
	if !strings.Contains(got, want) {
		t.Errorf("expected truncated details with ellipsis:\n%s", got)
	}
	if strings.Contains(got, strings.Repeat("x", 101)) {
		t.Error("expected details capped at 100 characters")
	}
}
