// Package relay runs ConversationRelay sessions: it owns the per-call
// transcript, drives the language model and tool webhooks, and journals
// every turn without letting storage slow the call down.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/voicerelay/internal/journal"
	"github.com/ent0n29/voicerelay/internal/llm"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/policy"
	"github.com/ent0n29/voicerelay/internal/profile"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/session"
)

// ErrNoCredential means neither the caller's profile nor the process
// provides a model credential. The session cannot proceed.
var ErrNoCredential = errors.New("no model credential available for session")

// Apology is spoken when a turn cannot be completed.
const Apology = "I apologize, I encountered an error processing your request."

const (
	defaultModelTimeout   = 30 * time.Second
	defaultWebhookTimeout = 10 * time.Second
	defaultProfileTimeout = 5 * time.Second
	defaultSendTimeout    = 5 * time.Second
	defaultMaxToolRounds  = 4
	promptQueueSize       = 16
)

type Config struct {
	// DefaultCredential is used when a profile carries no credential of its own.
	DefaultCredential string
	// DefaultProfile backs empty or unknown session keys and fills blank profile fields.
	DefaultProfile profile.Profile

	ModelTimeout     time.Duration
	WebhookTimeout   time.Duration
	ProfileTimeout   time.Duration
	SendTimeout      time.Duration
	MaxToolRounds    int
	ApologyInHistory bool

	JournalQueueSize    int
	JournalWriteTimeout time.Duration
	JournalRedactPII    bool

	WebhookClient *http.Client
}

type Engine struct {
	cfg          Config
	profiles     profile.Store
	newCompleter llm.Factory
	journal      journal.Store
	sessions     *session.Manager
	metrics      *observability.Metrics
	logger       *slog.Logger
	tools        *toolRunner

	// journals counts recorders that still have writes pending.
	journals sync.WaitGroup
}

func NewEngine(
	cfg Config,
	profiles profile.Store,
	newCompleter llm.Factory,
	journalStore journal.Store,
	sessions *session.Manager,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Engine {
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = defaultModelTimeout
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = defaultWebhookTimeout
	}
	if cfg.ProfileTimeout <= 0 {
		cfg.ProfileTimeout = defaultProfileTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}
	if cfg.WebhookClient == nil {
		cfg.WebhookClient = &http.Client{}
	}
	if sessions == nil {
		sessions = session.NewManager(0)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		cfg:          cfg,
		profiles:     profiles,
		newCompleter: newCompleter,
		journal:      journalStore,
		sessions:     sessions,
		metrics:      metrics,
		logger:       logger,
		tools: &toolRunner{
			client:  cfg.WebhookClient,
			timeout: cfg.WebhookTimeout,
			metrics: metrics,
			logger:  logger,
		},
	}
}

// callState is what the event loop and the turn worker share for one call.
type callState struct {
	id         string
	sessionKey string
	completer  llm.Completer
	conv       *conversation
	recorder   *journal.Recorder
	logger     *slog.Logger
}

// RunConnection serves one edge connection until inbound closes or ctx is
// cancelled. inbound carries parsed protocol messages; outbound receives
// protocol.Text and protocol.Error values for the transport to write.
func (e *Engine) RunConnection(ctx context.Context, sessionKey string, inbound <-chan any, outbound chan<- any) error {
	sessionKey = strings.TrimSpace(sessionKey)
	reg := e.sessions.Create(sessionKey)
	logger := e.logger.With("session_key", sessionKey, "conn_id", reg.ID)
	e.sessionEvent("connected")
	if e.metrics != nil {
		e.metrics.ActiveSessions.Inc()
		defer e.metrics.ActiveSessions.Dec()
	}
	defer func() {
		_, _ = e.sessions.End(reg.ID)
		e.sessionEvent("closed")
	}()

	prof, credential := e.resolveProfile(ctx, sessionKey, logger)
	if credential == "" {
		logger.Error("no model credential for session")
		e.sessionEvent("no_credential")
		e.send(ctx, outbound, protocol.NewError("No model credential is configured for this session."))
		return ErrNoCredential
	}
	completer, err := e.newCompleter(credential)
	if err != nil {
		logger.Error("model client init failed", "err", err)
		e.send(ctx, outbound, protocol.NewError("The assistant is unavailable."))
		return err
	}

	st := &callState{
		id:         reg.ID,
		sessionKey: sessionKey,
		completer:  completer,
		conv:       newConversation(prof),
		recorder: journal.NewRecorder(e.journal, journal.RecorderConfig{
			QueueSize:    e.cfg.JournalQueueSize,
			WriteTimeout: e.cfg.JournalWriteTimeout,
			RedactPII:    e.cfg.JournalRedactPII,
			Logger:       logger,
			Metrics:      e.metrics,
		}),
		logger: logger,
	}
	e.journals.Go(func() { <-st.recorder.Done() })

	turnCtx, cancelTurns := context.WithCancel(ctx)
	prompts := make(chan protocol.Prompt, promptQueueSize)
	var worker sync.WaitGroup
	worker.Add(1)
	go func() {
		defer worker.Done()
		for p := range prompts {
			if turnCtx.Err() != nil {
				continue
			}
			e.runTurn(turnCtx, st, p, outbound)
		}
	}()

	ready := false
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case msg, ok := <-inbound:
			if !ok {
				break loop
			}
			switch m := msg.(type) {
			case protocol.Setup:
				if ready {
					logger.Warn("duplicate setup ignored", "call_sid", m.CallSID)
					continue
				}
				ready = true
				st.recorder.Begin(sessionKey, journal.CallMetadata{
					CallSID:          m.CallSID,
					From:             m.From,
					To:               m.To,
					Direction:        m.Direction,
					CustomParameters: m.CustomParameters,
				})
				_ = e.sessions.SetCall(reg.ID, m.CallSID, m.From)
				_ = e.sessions.SetState(reg.ID, session.StateReady)
				e.sessionEvent("setup")
				logger.Info("session ready", "call_sid", m.CallSID, "from", policy.MaskPhone(m.From), "direction", m.Direction)
			case protocol.Prompt:
				if !ready {
					logger.Warn("prompt before setup ignored")
					e.sessionEvent("prompt_before_setup")
					continue
				}
				if m.Last != nil && !*m.Last {
					logger.Debug("partial prompt dropped", "chars", len(m.VoicePrompt))
					e.sessionEvent("partial_prompt")
					continue
				}
				select {
				case prompts <- m:
				default:
					logger.Warn("prompt queue full, dropping prompt")
					e.sessionEvent("prompt_dropped")
				}
			case protocol.DTMF:
				_ = e.sessions.RecordDigit(reg.ID, m.Digit)
				e.sessionEvent("dtmf")
				logger.Info("dtmf received", "digit", m.Digit)
			case protocol.Interrupt:
				_ = e.sessions.Interrupt(reg.ID, m.UtteranceUntilInterrupt)
				e.sessionEvent("interrupt")
				logger.Info("caller interrupted",
					"utterance", m.UtteranceUntilInterrupt,
					"duration_ms", m.DurationUntilInterruptMs,
				)
			default:
				logger.Warn("unsupported inbound message dropped")
				e.sessionEvent("inbound_dropped")
			}
		}
	}

	// The caller is gone: abandon any in-flight completion and queued prompts.
	cancelTurns()
	close(prompts)
	worker.Wait()

	pairs := st.conv.pairs()
	st.recorder.End(pairs)
	_ = e.sessions.SetState(reg.ID, session.StateClosed)
	logger.Info("session closed", "turn_pairs", pairs, "turns", len(st.conv.turns))
	return nil
}

// Drain waits until every ended session has flushed its journal writes.
// Live sessions keep Drain waiting, so cancel them first.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.journals.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("journal drain: %w", ctx.Err())
	}
}

// resolveProfile picks the session's profile and model credential. Lookup
// misses and failures fall back to the default profile.
func (e *Engine) resolveProfile(ctx context.Context, sessionKey string, logger *slog.Logger) (profile.Profile, string) {
	fallback := e.cfg.DefaultProfile.Clone()
	if sessionKey == "" || e.profiles == nil {
		return fallback, firstCredential(fallback.Credential, e.cfg.DefaultCredential)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, e.cfg.ProfileTimeout)
	defer cancel()
	p, err := e.profiles.Lookup(lookupCtx, sessionKey)
	switch {
	case err == nil:
		p = p.Overlay(fallback)
		return p, firstCredential(p.Credential, e.cfg.DefaultCredential)
	case errors.Is(err, profile.ErrNotFound):
		logger.Info("no profile for session key, using default")
		e.sessionEvent("profile_default")
	default:
		logger.Error("profile lookup failed, using default", "err", err)
		e.sessionEvent("profile_lookup_failed")
	}
	return fallback, firstCredential(fallback.Credential, e.cfg.DefaultCredential)
}

func firstCredential(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func (e *Engine) sessionEvent(event string) {
	if e.metrics != nil {
		e.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}
