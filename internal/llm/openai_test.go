package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestOpenAIClientSendsToolsAndParsesToolCalls(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q, want Bearer sk-test", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"finish_reason":"tool_calls","message":{"role":"assistant","content":null,"tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"lookup_order","arguments":"{\"id\":\"42\"}"}},
			{"id":"call_2","type":"function","function":{"name":"get_weather","arguments":"{}"}}]}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/", Model: "gpt-test"})
	out, err := c.Complete(context.Background(), Request{
		System:   "You are terse.",
		Messages: []Message{{Role: RoleUser, Content: "Where is order 42?"}},
		Tools: []Tool{{
			Name:        "lookup_order",
			Description: "Find an order",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}}}`),
		}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if got.Model != "gpt-test" {
		t.Fatalf("model = %q, want gpt-test", got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || *got.Messages[0].Content != "You are terse." {
		t.Fatalf("messages = %+v, want system + user", got.Messages)
	}
	if len(got.Tools) != 1 || got.Tools[0].Type != "function" || got.Tools[0].Function.Name != "lookup_order" {
		t.Fatalf("tools = %+v", got.Tools)
	}

	if len(out.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(out.ToolCalls))
	}
	if out.ToolCalls[0].ID != "call_1" || out.ToolCalls[0].Name != "lookup_order" || out.ToolCalls[0].Arguments != `{"id":"42"}` {
		t.Fatalf("first tool call = %+v", out.ToolCalls[0])
	}
	if out.ToolCalls[1].Name != "get_weather" {
		t.Fatalf("second tool call = %+v", out.ToolCalls[1])
	}
}

func TestOpenAIClientEncodesToolHistory(t *testing.T) {
	c := NewOpenAIClient(OpenAIConfig{APIKey: "k"})
	req := c.buildRequest(Request{Messages: []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Name: "t", Arguments: "{}"}}},
		{Role: RoleTool, ToolCallID: "call_1", Name: "t", Content: `{"ok":true}`},
	}})
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(req.Messages))
	}
	if req.Messages[1].Content != nil {
		t.Fatalf("assistant tool-call content = %q, want null", *req.Messages[1].Content)
	}
	if req.Messages[1].ToolCalls[0].Type != "function" {
		t.Fatalf("tool call type = %q, want function", req.Messages[1].ToolCalls[0].Type)
	}
	if req.Messages[2].ToolCallID != "call_1" {
		t.Fatalf("tool_call_id = %q, want call_1", req.Messages[2].ToolCallID)
	}
}

func TestOpenAIClientRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" Hello. "}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, MaxRetries: 2, BackoffBase: time.Millisecond})
	out, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out.Content != "Hello." {
		t.Fatalf("Content = %q, want %q", out.Content, "Hello.")
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestOpenAIClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, MaxRetries: 3, BackoffBase: time.Millisecond})
	_, err := c.Complete(context.Background(), Request{})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("error = %v, want StatusError 401", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestFactoryRequiresCredentialForOpenAI(t *testing.T) {
	f, err := NewFactory(FactoryConfig{Provider: "openai"})
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	if _, err := f(""); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("factory(\"\") error = %v, want ErrMissingCredential", err)
	}
	if c, err := f("sk-1"); err != nil || c == nil {
		t.Fatalf("factory(sk-1) = %v, %v", c, err)
	}

	if _, err := NewFactory(FactoryConfig{Provider: "palm"}); err == nil {
		t.Fatalf("expected unsupported provider error")
	}
}

func TestMockCompleterEchoesLastUserMessage(t *testing.T) {
	out, err := NewMockCompleter().Complete(context.Background(), Request{Messages: []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "I heard you: first"},
		{Role: RoleUser, Content: "second"},
	}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out.Content != "I heard you: second" {
		t.Fatalf("Content = %q", out.Content)
	}
}
