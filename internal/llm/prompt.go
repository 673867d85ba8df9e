package llm

import (
	"log"
	"os"
	"strings"
)

// DefaultSystemPrompt is used when no prompt file is configured or the
// configured file cannot be read.
const DefaultSystemPrompt = "You are a licensed-therapist-style analytic coach reviewing mood tracking data."

// LoadSystemPrompt returns the contents of path, falling back to the
// built-in prompt when the file is missing or empty.
func LoadSystemPrompt(path string) string {
	if path == "" {
		return DefaultSystemPrompt
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("system prompt file unavailable, using built-in prompt: %v", err)
		return DefaultSystemPrompt
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return DefaultSystemPrompt
	}
	return prompt
}
