package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	SessionRetention time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	// PublicRelayURL is the wss:// URL advertised in TwiML. Derived from the
	// request host when empty.
	PublicRelayURL string

	LogLevel  string
	LogFormat string

	DatabaseURL  string
	ProfilesFile string

	LLMProvider      string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModel      string
	OpenAIMaxRetries int

	ModelTimeout        time.Duration
	WebhookTimeout      time.Duration
	MaxToolRounds       int
	ApologyInHistory    bool
	DefaultSystemPrompt string
	DefaultGreeting     string
	DefaultVoice        string

	JournalQueueSize    int
	JournalWriteTimeout time.Duration
	JournalRedactPII    bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "voicerelay"),
		AllowAnyOrigin:      true,
		PublicRelayURL:      stringsTrimSpace("PUBLIC_RELAY_URL"),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("LOG_FORMAT", "text"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		ProfilesFile:        stringsTrimSpace("PROFILES_FILE"),
		LLMProvider:         envOrDefault("LLM_PROVIDER", "openai"),
		OpenAIAPIKey:        stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:       envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:         envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIMaxRetries:    2,
		ModelTimeout:        30 * time.Second,
		WebhookTimeout:      10 * time.Second,
		MaxToolRounds:       4,
		ApologyInHistory:    false,
		DefaultSystemPrompt: envOrDefault("DEFAULT_SYSTEM_PROMPT", "You are a helpful voice assistant. Keep answers short and conversational; they will be spoken aloud."),
		DefaultGreeting:     envOrDefault("DEFAULT_GREETING", "Hi! How can I help you today?"),
		// Twilio ConversationRelay voice name.
		DefaultVoice:        envOrDefault("DEFAULT_VOICE", "en-US-Journey-O"),
		JournalQueueSize:    64,
		JournalWriteTimeout: 5 * time.Second,
		JournalRedactPII:    true,
		ShutdownTimeout:     15 * time.Second,
		SessionRetention:    10 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("APP_SESSION_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenAIMaxRetries, err = intFromEnv("OPENAI_MAX_RETRIES", cfg.OpenAIMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.ModelTimeout, err = durationFromEnv("RELAY_MODEL_TIMEOUT", cfg.ModelTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WebhookTimeout, err = durationFromEnv("RELAY_WEBHOOK_TIMEOUT", cfg.WebhookTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxToolRounds, err = intFromEnv("RELAY_MAX_TOOL_ROUNDS", cfg.MaxToolRounds)
	if err != nil {
		return Config{}, err
	}
	cfg.ApologyInHistory, err = boolFromEnv("RELAY_APOLOGY_IN_HISTORY", cfg.ApologyInHistory)
	if err != nil {
		return Config{}, err
	}
	cfg.JournalQueueSize, err = intFromEnv("JOURNAL_QUEUE_SIZE", cfg.JournalQueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.JournalWriteTimeout, err = durationFromEnv("JOURNAL_WRITE_TIMEOUT", cfg.JournalWriteTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JournalRedactPII, err = boolFromEnv("JOURNAL_REDACT_PII", cfg.JournalRedactPII)
	if err != nil {
		return Config{}, err
	}

	cfg.LLMProvider = strings.ToLower(cfg.LLMProvider)
	switch cfg.LLMProvider {
	case "openai", "mock":
	default:
		return Config{}, fmt.Errorf("LLM_PROVIDER must be openai or mock, got %q", cfg.LLMProvider)
	}
	if cfg.ModelTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_MODEL_TIMEOUT must be positive")
	}
	if cfg.WebhookTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_WEBHOOK_TIMEOUT must be positive")
	}
	if cfg.MaxToolRounds <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_TOOL_ROUNDS must be positive")
	}
	if cfg.OpenAIMaxRetries < 0 {
		return Config{}, fmt.Errorf("OPENAI_MAX_RETRIES must be >= 0")
	}
	if cfg.JournalQueueSize <= 0 {
		return Config{}, fmt.Errorf("JOURNAL_QUEUE_SIZE must be positive")
	}
	if cfg.SessionRetention < time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_RETENTION must be at least 1s")
	}

	return cfg, nil
}

// DatabaseDriver reports which journal backend DatabaseURL selects:
// "postgres", "sqlite" or "memory".
func (c Config) DatabaseDriver() string {
	u := strings.TrimSpace(c.DatabaseURL)
	switch {
	case u == "":
		return "memory"
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return "postgres"
	default:
		return "sqlite"
	}
}

// SQLitePath strips the optional sqlite:// scheme from DatabaseURL.
func (c Config) SQLitePath() string {
	u := strings.TrimSpace(c.DatabaseURL)
	u = strings.TrimPrefix(u, "sqlite://")
	return strings.TrimPrefix(u, "file:")
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
