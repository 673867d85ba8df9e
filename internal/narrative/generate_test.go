package narrative

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/marta/pulse/internal/llm"
)

type stubClient struct {
	resp        *llm.Response
	err         error
	lastReq     llm.Request
	hadDeadline bool
}

func (s *stubClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.lastReq = req
	_, s.hadDeadline = ctx.Deadline()
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (s *stubClient) Model() string {
	return "test-model"
}

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "dial tcp: i/o timeout" }
func (fakeNetError) Timeout() bool   { return true }
func (fakeNetError) Temporary() bool { return true }

const longEnough = "A thoughtful reflection on the week covering energy, mood and stress patterns in detail."

func TestGenerateSuccess(t *testing.T) {
	client := &stubClient{resp: &llm.Response{Content: "  " + longEnough + "\n", Model: "gpt-4o"}}
	g := NewGenerator(client, "system prompt", 0)

	result, err := g.Generate(context.Background(), "week data", []string{"last week"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Content != longEnough {
		t.Errorf("expected trimmed content, got %q", result.Content)
	}
	if result.Model != "gpt-4o" {
		t.Errorf("expected model from response, got %q", result.Model)
	}
	if client.lastReq.System != "system prompt" {
		t.Errorf("expected system prompt passed through, got %q", client.lastReq.System)
	}
	if client.lastReq.Temperature != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", client.lastReq.Temperature)
	}
	if client.lastReq.MaxTokens != 2000 {
		t.Errorf("expected max tokens 2000, got %d", client.lastReq.MaxTokens)
	}
	if !strings.HasPrefix(client.lastReq.Prompt, "*Current week data:*") {
		t.Errorf("expected prompt to lead with current week data, got %q", client.lastReq.Prompt)
	}
}

func TestGenerateAppliesTimeout(t *testing.T) {
	client := &stubClient{resp: &llm.Response{Content: longEnough, Model: "gpt-4o"}}
	g := NewGenerator(client, "system", 30*time.Second)

	if _, err := g.Generate(context.Background(), "data", nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !client.hadDeadline {
		t.Error("expected a deadline on the completion context")
	}
}

func TestGenerateShortContent(t *testing.T) {
	client := &stubClient{resp: &llm.Response{Content: "too short", Model: "gpt-4o"}}
	g := NewGenerator(client, "system", 0)

	_, err := g.Generate(context.Background(), "data", nil)
	var genErr *Error
	if !errors.As(err, &genErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if genErr.Type != ErrInsufficientContent {
		t.Errorf("expected type %s, got %s", ErrInsufficientContent, genErr.Type)
	}
	if genErr.Message != "Generated report was too short or empty." {
		t.Errorf("unexpected message %q", genErr.Message)
	}
	if genErr.Model != "gpt-4o" {
		t.Errorf("expected model recorded, got %q", genErr.Model)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantType   string
		wantPrefix string
	}{
		{"deadline", context.DeadlineExceeded, ErrTimeout, "LLM request timeout:"},
		{"net timeout", fakeNetError{}, ErrTimeout, "LLM request timeout:"},
		{"plain error", errors.New("boom"), ErrUnknown, "Failed to generate AI report: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err, "test-model")
			if got.Type != tt.wantType {
				t.Errorf("type = %s, want %s", got.Type, tt.wantType)
			}
			if !strings.HasPrefix(got.Message, tt.wantPrefix) {
				t.Errorf("message = %q, want prefix %q", got.Message, tt.wantPrefix)
			}
			if got.Model != "test-model" {
				t.Errorf("model = %q, want test-model", got.Model)
			}
		})
	}
}

func TestClassifyPassesThroughTyped(t *testing.T) {
	orig := &Error{Type: ErrPersistence, Model: "gpt-4o", Message: "Report generated but failed to save: disk full"}
	got := Classify(orig, "other-model")
	if got != orig {
		t.Errorf("expected the typed error passed through, got %+v", got)
	}
}

func TestBuildPrompt(t *testing.T) {
	base := BuildPrompt("week data", nil)
	if base != "*Current week data:*\nweek data" {
		t.Errorf("unexpected base prompt %q", base)
	}

	one := BuildPrompt("week data", []string{"report one"})
	want := "*Current week data:*\nweek data\n\n*Generated report for the previous week*:\nreport one"
	if one != want {
		t.Errorf("unexpected prompt:\ngot:  %q\nwant: %q", one, want)
	}

	four := BuildPrompt("week data", []string{"r1", "r2", "r3", "r4"})
	if !strings.Contains(four, "*Generated report for the 2 weeks before week*:") {
		t.Errorf("expected second prior header, got %q", four)
	}
	if !strings.Contains(four, "*Generated report for the 3 weeks before week*:") {
		t.Errorf("expected third prior header, got %q", four)
	}
	if strings.Contains(four, "r4") {
		t.Errorf("expected at most three prior reports, got %q", four)
	}

	skipped := BuildPrompt("week data", []string{"", "r2"})
	if strings.Contains(skipped, "previous week") {
		t.Errorf("expected empty prior skipped, got %q", skipped)
	}
	if !strings.Contains(skipped, "*Generated report for the 2 weeks before week*:") {
		t.Errorf("expected the second prior kept, got %q", skipped)
	}
}

func TestBuildPromptBudget(t *testing.T) {
	huge := strings.Repeat("x", 40000)
	got := BuildPrompt("week data", []string{huge})
	if strings.Contains(got, "previous week") {
		t.Error("expected an over-budget prior report to be dropped")
	}
	if got != BuildPrompt("week data", nil) {
		t.Error("expected the prompt to match the no-context prompt")
	}
}
