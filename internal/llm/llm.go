// Package llm is the language-model collaborator of the relay: a provider
// neutral chat request/response shape plus the OpenAI and mock completers.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the model-facing conversation history.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a function invocation requested by the model. Arguments is the
// raw JSON text the model produced.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is a function definition offered to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type Request struct {
	System   string
	Messages []Message
	Tools    []Tool
}

type Completion struct {
	Content   string
	ToolCalls []ToolCall
}

// Completer runs one chat completion.
type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// Factory builds a Completer bound to one credential.
type Factory func(credential string) (Completer, error)

var ErrMissingCredential = errors.New("llm credential is required")

// StatusError is returned when the provider answers with a non-2xx status.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s http status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// FactoryConfig controls NewFactory.
type FactoryConfig struct {
	Provider   string
	BaseURL    string
	Model      string
	MaxRetries int
}

func NewFactory(cfg FactoryConfig) (Factory, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "openai"
	}

	switch provider {
	case "openai":
		return func(credential string) (Completer, error) {
			if strings.TrimSpace(credential) == "" {
				return nil, ErrMissingCredential
			}
			return NewOpenAIClient(OpenAIConfig{
				APIKey:     credential,
				BaseURL:    cfg.BaseURL,
				Model:      cfg.Model,
				MaxRetries: cfg.MaxRetries,
			}), nil
		}, nil
	case "mock":
		return func(string) (Completer, error) {
			return NewMockCompleter(), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}
