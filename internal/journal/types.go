// Package journal persists conversation sessions and their turns for later
// review. Writes happen off the call path through a Recorder.
package journal

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("journal session not found")

// Turn roles as stored.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// CallMetadata is the call context captured from the setup event.
type CallMetadata struct {
	CallSID          string            `json:"call_sid"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	Direction        string            `json:"direction"`
	CustomParameters map[string]string `json:"custom_parameters,omitempty"`
}

// TurnRecord is a single journaled transcript entry.
type TurnRecord struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	Number      int            `json:"turn_number"`
	Role        string         `json:"role"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	PIIRedacted bool           `json:"pii_redacted"`
	CreatedAt   time.Time      `json:"created_at"`
}

// SessionRecord is the durable header of one relay session.
type SessionRecord struct {
	ID         string       `json:"id"`
	SessionKey string       `json:"session_key"`
	Call       CallMetadata `json:"call"`
	TurnPairs  int          `json:"turn_pairs"`
	StartedAt  time.Time    `json:"started_at"`
	EndedAt    *time.Time   `json:"ended_at,omitempty"`
}

// Store persists journal sessions and turns.
type Store interface {
	CreateSession(ctx context.Context, sessionKey string, call CallMetadata) (string, error)
	AppendTurn(ctx context.Context, turn TurnRecord) error
	EndSession(ctx context.Context, sessionID string, turnPairs int) error
	GetSession(ctx context.Context, sessionID string) (SessionRecord, error)
	ListTurns(ctx context.Context, sessionID string) ([]TurnRecord, error)
	Close() error
}
