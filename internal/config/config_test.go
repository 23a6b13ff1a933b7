package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.LLMProvider != "openai" {
		t.Fatalf("LLMProvider = %q, want %q", cfg.LLMProvider, "openai")
	}
	if cfg.ModelTimeout != 30*time.Second || cfg.WebhookTimeout != 10*time.Second {
		t.Fatalf("timeouts = %v/%v, want 30s/10s", cfg.ModelTimeout, cfg.WebhookTimeout)
	}
	if cfg.ApologyInHistory {
		t.Fatalf("ApologyInHistory = true, want false default")
	}
	if !cfg.JournalRedactPII {
		t.Fatalf("JournalRedactPII = false, want true default")
	}
	if cfg.DatabaseDriver() != "memory" {
		t.Fatalf("DatabaseDriver() = %q, want memory", cfg.DatabaseDriver())
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("LLM_PROVIDER", "MOCK")
	t.Setenv("RELAY_MODEL_TIMEOUT", "2s")
	t.Setenv("RELAY_APOLOGY_IN_HISTORY", "yes")
	t.Setenv("JOURNAL_QUEUE_SIZE", "8")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/relay")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLMProvider != "mock" {
		t.Fatalf("LLMProvider = %q, want mock", cfg.LLMProvider)
	}
	if cfg.ModelTimeout != 2*time.Second {
		t.Fatalf("ModelTimeout = %v, want 2s", cfg.ModelTimeout)
	}
	if !cfg.ApologyInHistory {
		t.Fatalf("ApologyInHistory = false, want true")
	}
	if cfg.JournalQueueSize != 8 {
		t.Fatalf("JournalQueueSize = %d, want 8", cfg.JournalQueueSize)
	}
	if cfg.DatabaseDriver() != "postgres" {
		t.Fatalf("DatabaseDriver() = %q, want postgres", cfg.DatabaseDriver())
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"LLM_PROVIDER":          "anthropic",
		"RELAY_WEBHOOK_TIMEOUT": "soon",
		"RELAY_MAX_TOOL_ROUNDS": "0",
		"JOURNAL_REDACT_PII":    "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q: expected error", key, value)
			}
		})
	}
}

func TestSQLitePath(t *testing.T) {
	cfg := Config{DatabaseURL: "sqlite:///tmp/relay.db"}
	if cfg.DatabaseDriver() != "sqlite" {
		t.Fatalf("DatabaseDriver() = %q, want sqlite", cfg.DatabaseDriver())
	}
	if got := cfg.SQLitePath(); got != "/tmp/relay.db" {
		t.Fatalf("SQLitePath() = %q, want %q", got, "/tmp/relay.db")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_RETENTION",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"PUBLIC_RELAY_URL",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"DATABASE_URL",
		"PROFILES_FILE",
		"LLM_PROVIDER",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"OPENAI_MODEL",
		"OPENAI_MAX_RETRIES",
		"RELAY_MODEL_TIMEOUT",
		"RELAY_WEBHOOK_TIMEOUT",
		"RELAY_MAX_TOOL_ROUNDS",
		"RELAY_APOLOGY_IN_HISTORY",
		"JOURNAL_QUEUE_SIZE",
		"JOURNAL_WRITE_TIMEOUT",
		"JOURNAL_REDACT_PII",
		"DEFAULT_SYSTEM_PROMPT",
		"DEFAULT_GREETING",
		"DEFAULT_VOICE",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
