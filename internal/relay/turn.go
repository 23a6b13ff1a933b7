package relay

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/voicerelay/internal/journal"
	"github.com/ent0n29/voicerelay/internal/llm"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/session"
)

var errEmptyCompletion = errors.New("model returned an empty completion")

// runTurn handles one prompt from user turn to emitted response. It runs
// on the session's turn worker, so turns never interleave.
func (e *Engine) runTurn(ctx context.Context, st *callState, p protocol.Prompt, outbound chan<- any) {
	_ = e.sessions.SetState(st.id, session.StateProcessing)
	defer func() {
		_ = e.sessions.RecordTurns(st.id, st.conv.conversational())
		if handle := st.recorder.Handle(); handle != "" {
			_ = e.sessions.SetJournalID(st.id, handle)
		}
		_ = e.sessions.SetState(st.id, session.StateReady)
	}()

	text := strings.TrimSpace(p.VoicePrompt)
	e.record(st, st.conv.append(RoleUser, text, nil))
	st.conv.remember(llm.Message{Role: llm.RoleUser, Content: text})

	var invoked []string
	for round := 0; ; round++ {
		completion, err := e.complete(ctx, st)
		if err != nil {
			if ctx.Err() != nil {
				// Connection closed mid-turn; nobody is listening.
				return
			}
			st.logger.Error("model completion failed", "err", err, "round", round)
			e.apologize(ctx, st, outbound)
			return
		}

		if len(completion.ToolCalls) == 0 || round >= e.cfg.MaxToolRounds {
			if len(completion.ToolCalls) > 0 {
				st.logger.Warn("tool round limit reached", "rounds", round)
				e.sessionEvent("tool_rounds_exhausted")
			}
			if completion.Content == "" {
				st.logger.Error("model completion failed", "err", errEmptyCompletion, "round", round)
				e.apologize(ctx, st, outbound)
				return
			}
			var meta map[string]any
			if len(invoked) > 0 {
				meta = map[string]any{"toolsInvoked": invoked}
			}
			e.record(st, st.conv.append(RoleAssistant, completion.Content, meta))
			st.conv.remember(llm.Message{Role: llm.RoleAssistant, Content: completion.Content})
			e.send(ctx, outbound, protocol.NewText(completion.Content))
			return
		}

		st.conv.remember(llm.Message{
			Role:      llm.RoleAssistant,
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
		})
		for _, call := range completion.ToolCalls {
			if ctx.Err() != nil {
				return
			}
			res := e.tools.run(ctx, st.conv.toolsBy, call, st.sessionKey, st.recorder.Handle())
			st.logger.Info("tool executed", "tool", call.Name, "outcome", res.Outcome)
			invoked = append(invoked, call.Name)
			e.record(st, st.conv.append(RoleTool, res.Content, map[string]any{
				"tool":       call.Name,
				"toolCallId": call.ID,
			}))
			st.conv.remember(llm.Message{
				Role:       llm.RoleTool,
				Content:    res.Content,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}
}

func (e *Engine) complete(ctx context.Context, st *callState) (llm.Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ModelTimeout)
	defer cancel()

	start := time.Now()
	completion, err := st.completer.Complete(callCtx, st.conv.request())
	if e.metrics != nil {
		e.metrics.ObserveModelLatency(time.Since(start))
		if err != nil {
			e.metrics.ProviderErrors.WithLabelValues("llm", providerErrorCode(err)).Inc()
		}
	}
	if err != nil {
		return llm.Completion{}, err
	}
	completion.Content = strings.TrimSpace(completion.Content)
	return completion, nil
}

// apologize emits the fixed apology. It joins the transcript only when
// configured to.
func (e *Engine) apologize(ctx context.Context, st *callState, outbound chan<- any) {
	e.sessionEvent("apology")
	if e.cfg.ApologyInHistory {
		e.record(st, st.conv.append(RoleAssistant, Apology, map[string]any{"fallback": true}))
		st.conv.remember(llm.Message{Role: llm.RoleAssistant, Content: Apology})
	}
	e.send(ctx, outbound, protocol.NewText(Apology))
}

func (e *Engine) record(st *callState, t Turn) {
	st.recorder.Append(journal.TurnRecord{
		Number:    t.Number,
		Role:      string(t.Role),
		Content:   t.Content,
		Metadata:  t.Metadata,
		CreatedAt: t.CreatedAt,
	})
}

func providerErrorCode(err error) string {
	var statusErr *llm.StatusError
	switch {
	case errors.As(err, &statusErr):
		return "http_" + strconv.Itoa(statusErr.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
