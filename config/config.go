package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LLMProvider       string // anthropic, openai, openrouter
	AnthropicKey      string
	OpenAIKey         string
	OpenRouterKey     string
	OpenRouterBaseURL string
	LLMModel          string
	SystemPromptPath  string

	DiscordToken string
	AdminUserID  int64

	DatabasePath      string
	FallbackStorePath string

	RetryDelay        time.Duration
	MaxAttempts       int
	RetrySweepEvery   time.Duration
	GenerationTimeout time.Duration

	DefaultTimezone    string
	DefaultMorningTime string
	DefaultEveningTime string
}

func Load() *Config {
	// Prefer the installed config; fall back to a local .env.
	_ = godotenv.Load(ConfigFile())
	_ = godotenv.Load() // ignore error if no .env

	return &Config{
		LLMProvider:       envOr("LLM_PROVIDER", "openrouter"),
		AnthropicKey:      os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenRouterKey:     os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterBaseURL: envOr("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		LLMModel:          os.Getenv("LLM_MODEL"),
		SystemPromptPath:  os.Getenv("SYSTEM_PROMPT_PATH"),

		DiscordToken: os.Getenv("DISCORD_BOT_TOKEN"),
		AdminUserID:  envInt64("ADMIN_USER_ID", 0),

		DatabasePath:      envOr("DATABASE_PATH", "./pulse.db"),
		FallbackStorePath: os.Getenv("FALLBACK_STORE_PATH"),

		RetryDelay:        envHours("REPORT_RETRY_DELAY_HOURS", 48),
		MaxAttempts:       envInt("REPORT_MAX_ATTEMPTS", 3),
		RetrySweepEvery:   envHours("RETRY_SWEEP_HOURS", 6),
		GenerationTimeout: envSeconds("GENERATION_TIMEOUT_SECONDS", 120),

		DefaultTimezone:    envOr("DEFAULT_TIMEZONE", "Europe/Paris"),
		DefaultMorningTime: envOr("DEFAULT_MORNING_TIME", "07:00"),
		DefaultEveningTime: envOr("DEFAULT_EVENING_TIME", "22:00"),
	}
}

// APIKey returns the credential matching the configured provider.
func (c *Config) APIKey() string {
	switch c.LLMProvider {
	case "anthropic":
		return c.AnthropicKey
	case "openai":
		return c.OpenAIKey
	default:
		return c.OpenRouterKey
	}
}

// BaseURL returns the endpoint override for the configured provider.
// Only OpenRouter needs one; the other SDKs use their own defaults.
func (c *Config) BaseURL() string {
	if c.LLMProvider == "" || c.LLMProvider == "openrouter" {
		return c.OpenRouterBaseURL
	}
	return ""
}

// ConfigDir is where the installed service keeps its state.
func ConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pulse")
}

func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envHours(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Hour
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}
