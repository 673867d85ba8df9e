package llm

import "context"

// Request is a single completion call: one system prompt, one user
// prompt, no conversation state.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

type Response struct {
	Content string
	Model   string
}

type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Model() string
}
