package narrative

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v3"
)

// Failure categories recorded in the ledger and surfaced to the admin.
const (
	ErrTimeout             = "timeout"
	ErrAPI                 = "api_error"
	ErrInsufficientContent = "insufficient_content"
	ErrPersistence         = "persistence_error"
	ErrUnknown             = "unknown"
)

// Error is a failed generation attempt with the category and model
// needed by the failure ledger and admin escalations.
type Error struct {
	Type    string
	Model   string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Classify turns any error into a typed generation Error, passing
// through errors that already carry a type.
func Classify(err error, model string) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	var openaiErr *openai.Error
	var anthropicErr *anthropic.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || isNetTimeout(err):
		return &Error{Type: ErrTimeout, Model: model, Message: fmt.Sprintf("LLM request timeout: %v", err)}
	case errors.As(err, &openaiErr), errors.As(err, &anthropicErr):
		return &Error{Type: ErrAPI, Model: model, Message: fmt.Sprintf("LLM API error: %v", err)}
	default:
		return &Error{Type: ErrUnknown, Model: model, Message: fmt.Sprintf("Failed to generate AI report: %v", err)}
	}
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
