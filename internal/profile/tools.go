package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

var emptyObjectSchema = []byte(`{"type":"object","properties":{}}`)

// rawTool accepts both stored tool shapes:
//
//	{"type":"function","function":{"name":..,"description":..,"parameters":{..}},"webhookUrl":..}
//	{"name":..,"description":..,"parameters":{..},"webhookUrl":..}
type rawTool struct {
	Type             string          `json:"type"`
	Function         *rawFunction    `json:"function"`
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Parameters       json.RawMessage `json:"parameters"`
	ParametersSchema json.RawMessage `json:"parametersSchema"`
	WebhookURL       string          `json:"webhookUrl"`
	WebhookURLSnake  string          `json:"webhook_url"`
}

type rawFunction struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Parameters      json.RawMessage `json:"parameters"`
	WebhookURL      string          `json:"webhookUrl"`
	WebhookURLSnake string          `json:"webhook_url"`
}

// NormalizeTools decodes a JSON array of tool definitions in either shape.
// Empty input yields no tools.
func NormalizeTools(raw []byte) ([]Tool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var items []rawTool
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}

	out := make([]Tool, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		t := item.normalize()
		if t.Name == "" {
			return nil, fmt.Errorf("tool %d: missing name", i)
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("tool %d: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = struct{}{}
		if !json.Valid(t.Parameters) {
			return nil, fmt.Errorf("tool %q: parameters are not valid JSON", t.Name)
		}
		out = append(out, t)
	}
	return out, nil
}

func (r rawTool) normalize() Tool {
	var t Tool
	if r.Function != nil {
		t = Tool{
			Name:        r.Function.Name,
			Description: r.Function.Description,
			Parameters:  r.Function.Parameters,
			WebhookURL:  firstNonEmpty(r.WebhookURL, r.WebhookURLSnake, r.Function.WebhookURL, r.Function.WebhookURLSnake),
		}
	} else {
		params := r.Parameters
		if len(bytes.TrimSpace(params)) == 0 {
			params = r.ParametersSchema
		}
		t = Tool{
			Name:        r.Name,
			Description: r.Description,
			Parameters:  params,
			WebhookURL:  firstNonEmpty(r.WebhookURL, r.WebhookURLSnake),
		}
	}
	t.Name = strings.TrimSpace(t.Name)
	t.Description = strings.TrimSpace(t.Description)
	t.WebhookURL = strings.TrimSpace(t.WebhookURL)
	params := bytes.TrimSpace(t.Parameters)
	if len(params) == 0 || bytes.Equal(params, []byte("null")) {
		params = emptyObjectSchema
	}
	t.Parameters = append([]byte(nil), params...)
	return t
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type flatTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
	WebhookURL  string          `json:"webhookUrl,omitempty"`
}

// encodeTools writes tools back out in the flat shape.
func encodeTools(tools []Tool) ([]byte, error) {
	out := make([]flatTool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = emptyObjectSchema
		}
		out = append(out, flatTool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
			WebhookURL:  t.WebhookURL,
		})
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode tools: %w", err)
	}
	return raw, nil
}
