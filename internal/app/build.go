package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/httpapi"
	"github.com/ent0n29/voicerelay/internal/journal"
	"github.com/ent0n29/voicerelay/internal/llm"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/profile"
	"github.com/ent0n29/voicerelay/internal/relay"
	"github.com/ent0n29/voicerelay/internal/session"
)

type BuildResult struct {
	Config         config.Config
	API            *httpapi.Server
	Sessions       *session.Manager
	Engine         *relay.Engine
	Journal        journal.Store
	Profiles       profile.Store
	DefaultProfile profile.Profile
	Metrics        *observability.Metrics

	// Cleanup should be called on shutdown to release the journal and profile backends.
	Cleanup func() error
}

// Build wires the relay service from cfg. A nil reg registers metrics globally.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (*BuildResult, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metrics := observability.NewMetricsWith(reg, cfg.MetricsNamespace)

	journalStore, err := OpenJournal(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal store init failed: %w", err)
	}

	profiles, defaults, err := openProfiles(cfg, journalStore)
	if err != nil {
		_ = journalStore.Close()
		return nil, fmt.Errorf("profile store init failed: %w", err)
	}

	factory, err := llm.NewFactory(llm.FactoryConfig{
		Provider:   cfg.LLMProvider,
		BaseURL:    cfg.OpenAIBaseURL,
		Model:      cfg.OpenAIModel,
		MaxRetries: cfg.OpenAIMaxRetries,
	})
	if err != nil {
		_ = profiles.Close()
		_ = journalStore.Close()
		return nil, fmt.Errorf("llm init failed: %w", err)
	}
	defaultCredential := cfg.OpenAIAPIKey
	if cfg.LLMProvider == "mock" && defaultCredential == "" {
		defaultCredential = "mock"
	}
	if defaultCredential == "" {
		logger.Warn("OPENAI_API_KEY is empty; only sessions with their own credential will be served")
	}

	sessions := session.NewManager(cfg.SessionRetention)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("pruned").Inc()
	})

	engine := relay.NewEngine(relay.Config{
		DefaultCredential:   defaultCredential,
		DefaultProfile:      defaults,
		ModelTimeout:        cfg.ModelTimeout,
		WebhookTimeout:      cfg.WebhookTimeout,
		MaxToolRounds:       cfg.MaxToolRounds,
		ApologyInHistory:    cfg.ApologyInHistory,
		JournalQueueSize:    cfg.JournalQueueSize,
		JournalWriteTimeout: cfg.JournalWriteTimeout,
		JournalRedactPII:    cfg.JournalRedactPII,
	}, profiles, factory, journalStore, sessions, metrics, logger)

	api := httpapi.New(cfg, sessions, engine, profiles, defaults, metrics, logger)

	cleanup := func() error {
		var errs []error
		if err := profiles.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := journalStore.Close(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:         cfg,
		API:            api,
		Sessions:       sessions,
		Engine:         engine,
		Journal:        journalStore,
		Profiles:       profiles,
		DefaultProfile: defaults,
		Metrics:        metrics,
		Cleanup:        cleanup,
	}, nil
}

// OpenJournal opens the journal backend selected by DATABASE_URL.
func OpenJournal(ctx context.Context, cfg config.Config) (journal.Store, error) {
	driver := cfg.DatabaseDriver()
	dsn := cfg.DatabaseURL
	if driver == "sqlite" {
		dsn = cfg.SQLitePath()
	}
	return journal.NewStore(ctx, driver, dsn)
}

// openProfiles picks the profile source: a YAML file when configured, the
// shared Postgres pool when the journal runs on Postgres, else an empty
// in-memory store so every session uses the default profile.
func openProfiles(cfg config.Config, journalStore journal.Store) (profile.Store, profile.Profile, error) {
	defaults := profile.Profile{
		SystemPrompt: cfg.DefaultSystemPrompt,
		Greeting:     cfg.DefaultGreeting,
		Voice:        cfg.DefaultVoice,
	}

	if path := strings.TrimSpace(cfg.ProfilesFile); path != "" {
		store, err := profile.LoadFile(path)
		if err != nil {
			return nil, profile.Profile{}, err
		}
		if fileDefault, ok := store.Default(); ok {
			defaults = fileDefault.Overlay(defaults)
		}
		return store, defaults, nil
	}

	if pg, ok := journalStore.(*journal.PostgresStore); ok {
		return profile.NewPostgresStore(pg.Pool()), defaults, nil
	}
	return profile.NewMemoryStore(), defaults, nil
}
