package llm

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"empty", "", 0},
		{"short", "hi", 1},
		{"exactly four chars", "test", 1},
		{"five chars rounds up", "hello", 2},
		{"typical sentence", "The quick brown fox jumps over the lazy dog.", 11},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateTokens(tt.input)
			if got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadSystemPrompt(t *testing.T) {
	if got := LoadSystemPrompt(""); got != DefaultSystemPrompt {
		t.Errorf("expected built-in prompt for empty path, got %q", got)
	}
	if got := LoadSystemPrompt(filepath.Join(t.TempDir(), "missing.txt")); got != DefaultSystemPrompt {
		t.Errorf("expected built-in prompt for missing file, got %q", got)
	}

	path := filepath.Join(t.TempDir(), "prompt.txt")
	if err := os.WriteFile(path, []byte("Review the week with care.\n"), 0o644); err != nil {
		t.Fatalf("writing prompt file: %v", err)
	}
	if got := LoadSystemPrompt(path); got != "Review the week with care." {
		t.Errorf("expected trimmed file contents, got %q", got)
	}

	empty := filepath.Join(t.TempDir(), "empty.txt")
	if err := os.WriteFile(empty, []byte("  \n"), 0o644); err != nil {
		t.Fatalf("writing empty prompt file: %v", err)
	}
	if got := LoadSystemPrompt(empty); got != DefaultSystemPrompt {
		t.Errorf("expected built-in prompt for blank file, got %q", got)
	}
}

func TestNewClientProviders(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		wantErr  bool
	}{
		{"default is openrouter", "", false},
		{"openrouter", "openrouter", false},
		{"openai", "openai", false},
		{"anthropic", "anthropic", false},
		{"unknown", "gemini", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(ProviderConfig{Provider: tt.provider, APIKey: "test-key"})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error for unknown provider")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewClient(%q): %v", tt.provider, err)
			}
			if c == nil || c.Model() == "" {
				t.Errorf("expected a client with a default model, got %v", c)
			}
		})
	}
}
