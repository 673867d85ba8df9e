package narrative

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/marta/pulse/internal/llm"
)

const (
	reportTemperature = 0.7
	reportMaxTokens   = 2000
	minReportLength   = 50

	// promptTokenBudget bounds the assembled user prompt. Prior
	// reports that would blow the budget are left out.
	promptTokenBudget = 8000
)

// MaxPreviousReports caps how many prior reports feed the prompt as
// continuity context.
const MaxPreviousReports = 3

// Generator turns formatted week data into a narrative via the LLM.
type Generator struct {
	client  llm.Client
	system  string
	timeout time.Duration
}

func NewGenerator(client llm.Client, systemPrompt string, timeout time.Duration) *Generator {
	return &Generator{client: client, system: systemPrompt, timeout: timeout}
}

func (g *Generator) Model() string {
	return g.client.Model()
}

// Result is a successfully generated narrative.
type Result struct {
	Content string
	Model   string
}

// Generate runs one completion over the formatted week data plus prior
// reports. Failures come back as *Error with the category filled in.
func (g *Generator) Generate(ctx context.Context, currentWeek string, previousReports []string) (*Result, error) {
	prompt := BuildPrompt(currentWeek, previousReports)
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	log.Printf("generating weekly narrative with model %s", g.client.Model())
	resp, err := g.client.Complete(ctx, llm.Request{
		System:      g.system,
		Prompt:      prompt,
		Temperature: reportTemperature,
		MaxTokens:   reportMaxTokens,
	})
	if err != nil {
		return nil, Classify(err, g.client.Model())
	}

	content := strings.TrimSpace(resp.Content)
	if len(content) < minReportLength {
		return nil, &Error{
			Type:    ErrInsufficientContent,
			Model:   resp.Model,
			Message: "Generated report was too short or empty.",
		}
	}
	log.Printf("generated weekly narrative (%d characters) with model %s", len(content), resp.Model)
	return &Result{Content: content, Model: resp.Model}, nil
}

// BuildPrompt assembles the user prompt: current week data first, then
// up to three prior reports for continuity, newest first.
func BuildPrompt(currentWeek string, previousReports []string) string {
	parts := []string{"*Current week data:*", currentWeek}
	budget := promptTokenBudget - llm.EstimateTokens(strings.Join(parts, "\n"))

	for i, report := range previousReports {
		if i >= MaxPreviousReports {
			break
		}
		if report == "" {
			continue
		}
		weeksAgo := "previous"
		if i > 0 {
			weeksAgo = fmt.Sprintf("%d weeks before", i+1)
		}
		header := fmt.Sprintf("\n*Generated report for the %s week*:", weeksAgo)
		cost := llm.EstimateTokens(header) + llm.EstimateTokens(report)
		if cost > budget {
			break
		}
		budget -= cost
		parts = append(parts, header, report)
	}
	return strings.Join(parts, "\n")
}
