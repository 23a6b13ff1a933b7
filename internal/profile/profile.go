// Package profile resolves a session key to the assistant configuration a
// workshop participant provisioned: instructions, greeting, voice, tools and
// an optional per-caller model credential.
package profile

import (
	"context"
	"errors"
	"strings"

	"github.com/ent0n29/voicerelay/internal/llm"
)

var ErrNotFound = errors.New("profile not found")

// Tool is the normalized tool definition the relay engine consumes.
type Tool struct {
	Name        string
	Description string
	Parameters  []byte
	// WebhookURL is optional; tools without one get a synthesized success result.
	WebhookURL string
}

func (t Tool) Definition() llm.Tool {
	return llm.Tool{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  append([]byte(nil), t.Parameters...),
	}
}

type Profile struct {
	SessionKey   string
	SystemPrompt string
	Greeting     string
	Voice        string
	Tools        []Tool
	Credential   string
}

// Clone returns a deep copy so sessions never share tool slices.
func (p Profile) Clone() Profile {
	out := p
	if p.Tools != nil {
		out.Tools = make([]Tool, len(p.Tools))
		for i, t := range p.Tools {
			t.Parameters = append([]byte(nil), t.Parameters...)
			out.Tools[i] = t
		}
	}
	return out
}

// Overlay fills empty fields of p from fallback.
func (p Profile) Overlay(fallback Profile) Profile {
	out := p.Clone()
	if strings.TrimSpace(out.SystemPrompt) == "" {
		out.SystemPrompt = fallback.SystemPrompt
	}
	if strings.TrimSpace(out.Greeting) == "" {
		out.Greeting = fallback.Greeting
	}
	if strings.TrimSpace(out.Voice) == "" {
		out.Voice = fallback.Voice
	}
	return out
}

// Store looks up profiles by session key.
type Store interface {
	Lookup(ctx context.Context, sessionKey string) (Profile, error)
	Close() error
}
