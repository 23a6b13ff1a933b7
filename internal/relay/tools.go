package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voicerelay/internal/llm"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/profile"
)

const maxWebhookBody = 1 << 20

// webhookRequest is the body POSTed to a tool's webhook.
type webhookRequest struct {
	Tool          string         `json:"tool"`
	Arguments     map[string]any `json:"arguments"`
	SessionKey    string         `json:"sessionKey"`
	SessionHandle string         `json:"sessionHandle,omitempty"`
}

type toolResult struct {
	Content string
	Outcome string
}

// toolRunner executes model-requested tool calls. Failures never escape as
// errors; they become JSON error objects the model can read.
type toolRunner struct {
	client  *http.Client
	timeout time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
}

func (r *toolRunner) run(ctx context.Context, tools map[string]profile.Tool, call llm.ToolCall, sessionKey, handle string) toolResult {
	res := r.execute(ctx, tools, call, sessionKey, handle)
	if r.metrics != nil {
		r.metrics.ToolCalls.WithLabelValues(res.Outcome).Inc()
	}
	return res
}

func (r *toolRunner) execute(ctx context.Context, tools map[string]profile.Tool, call llm.ToolCall, sessionKey, handle string) toolResult {
	tool, ok := tools[call.Name]
	if !ok {
		return errorResult("unknown_tool", fmt.Sprintf("Unknown tool: %s", call.Name), 0)
	}

	args, err := parseArguments(call.Arguments)
	if err != nil {
		return errorResult("bad_arguments", fmt.Sprintf("Invalid arguments for tool %s: %v", call.Name, err), 0)
	}

	if tool.WebhookURL == "" {
		return toolResult{
			Content: mustJSON(map[string]any{"success": true, "message": fmt.Sprintf("Tool %s executed", call.Name)}),
			Outcome: "default",
		}
	}

	body, err := json.Marshal(webhookRequest{
		Tool:          call.Name,
		Arguments:     args,
		SessionKey:    sessionKey,
		SessionHandle: handle,
	})
	if err != nil {
		return errorResult("failed", fmt.Sprintf("Could not encode request for tool %s", call.Name), 0)
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, tool.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return errorResult("failed", fmt.Sprintf("Invalid webhook for tool %s", call.Name), 0)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		outcome := "failed"
		switch {
		case ctx.Err() != nil:
			outcome = "cancelled"
		case errors.Is(reqCtx.Err(), context.DeadlineExceeded):
			outcome = "timeout"
		}
		r.logger.Warn("tool webhook failed", "tool", call.Name, "err", err)
		return errorResult(outcome, fmt.Sprintf("Tool %s webhook request failed", call.Name), 0)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
	if err != nil {
		r.logger.Warn("tool webhook body read failed", "tool", call.Name, "err", err)
		return errorResult("failed", fmt.Sprintf("Tool %s webhook response could not be read", call.Name), resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.logger.Warn("tool webhook returned error status", "tool", call.Name, "status", resp.StatusCode)
		return errorResult("http_error", fmt.Sprintf("Tool %s webhook returned status %d", call.Name, resp.StatusCode), resp.StatusCode)
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		var compact bytes.Buffer
		if err := json.Compact(&compact, trimmed); err == nil {
			return toolResult{Content: compact.String(), Outcome: "ok"}
		}
	}
	return toolResult{Content: mustJSON(map[string]any{"result": string(trimmed)}), Outcome: "ok"}
}

// parseArguments decodes the model's argument text. Empty text means no arguments.
func parseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func errorResult(outcome, message string, status int) toolResult {
	body := map[string]any{"error": true, "message": message}
	if status != 0 {
		body["status"] = status
	}
	return toolResult{Content: mustJSON(body), Outcome: outcome}
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return `{"error":true,"message":"unencodable tool result"}`
	}
	return string(raw)
}
