// Package session keeps the live registry of relay connections for
// operators: who is connected, what state each call is in, and how far the
// conversation has progressed. It never holds the transcript itself.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateProcessing   State = "processing"
	StateClosed       State = "closed"
)

var ErrNotFound = errors.New("session not found")

type Session struct {
	ID                string    `json:"id"`
	SessionKey        string    `json:"session_key"`
	CallSID           string    `json:"call_sid,omitempty"`
	From              string    `json:"from,omitempty"`
	JournalID         string    `json:"journal_id,omitempty"`
	State             State     `json:"state"`
	Turns             int       `json:"turns"`
	InterruptionCount int       `json:"interruption_count"`
	LastInterruption  string    `json:"last_interruption,omitempty"`
	Digits            string    `json:"digits,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	EndedAt           time.Time `json:"ended_at,omitzero"`
}

// Manager is safe for concurrent use by every connection.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	retention time.Duration
	onExpire  func(*Session)
}

// NewManager keeps closed sessions visible for retention before pruning them.
func NewManager(retention time.Duration) *Manager {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		retention: retention,
	}
}

// SetExpireHook runs hook for every session the janitor prunes.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(sessionKey string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		SessionKey:     sessionKey,
		State:          StateInitializing,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// List returns every tracked session, most recent first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, clone(s))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (m *Manager) SetCall(id, callSID, from string) error {
	return m.update(id, func(s *Session) {
		s.CallSID = callSID
		s.From = from
	})
}

func (m *Manager) SetJournalID(id, journalID string) error {
	return m.update(id, func(s *Session) { s.JournalID = journalID })
}

func (m *Manager) SetState(id string, state State) error {
	return m.update(id, func(s *Session) { s.State = state })
}

// RecordTurns stores the number of conversational (user and assistant) turns.
func (m *Manager) RecordTurns(id string, turns int) error {
	return m.update(id, func(s *Session) { s.Turns = turns })
}

func (m *Manager) Interrupt(id, utterance string) error {
	return m.update(id, func(s *Session) {
		s.InterruptionCount++
		s.LastInterruption = utterance
	})
}

func (m *Manager) RecordDigit(id, digit string) error {
	return m.update(id, func(s *Session) { s.Digits += digit })
}

func (m *Manager) End(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	s.State = StateClosed
	s.EndedAt = now
	s.LastActivityAt = now
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.pruneClosed()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.State != StateClosed {
			count++
		}
	}
	return count
}

func (m *Manager) update(id string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) pruneClosed() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.State != StateClosed {
			continue
		}
		if now.Sub(s.EndedAt) < m.retention {
			continue
		}
		expired = append(expired, clone(s))
		delete(m.sessions, id)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
