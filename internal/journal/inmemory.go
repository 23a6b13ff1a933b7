package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps the journal in process memory for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
	turns    map[string][]TurnRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]SessionRecord),
		turns:    make(map[string][]TurnRecord),
	}
}

func (s *InMemoryStore) CreateSession(_ context.Context, sessionKey string, call CallMetadata) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.sessions[id] = SessionRecord{
		ID:         id,
		SessionKey: sessionKey,
		Call:       cloneCall(call),
		StartedAt:  time.Now().UTC(),
	}
	return id, nil
}

func (s *InMemoryStore) AppendTurn(_ context.Context, turn TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[turn.SessionID]; !ok {
		return fmt.Errorf("append turn: %w", ErrNotFound)
	}
	for _, existing := range s.turns[turn.SessionID] {
		if existing.Number == turn.Number {
			return fmt.Errorf("append turn: duplicate turn number %d", turn.Number)
		}
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.turns[turn.SessionID] = append(s.turns[turn.SessionID], turn)
	return nil
}

func (s *InMemoryStore) EndSession(_ context.Context, sessionID string, turnPairs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("end session: %w", ErrNotFound)
	}
	now := time.Now().UTC()
	rec.EndedAt = &now
	rec.TurnPairs = turnPairs
	s.sessions[sessionID] = rec
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, sessionID string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	rec.Call = cloneCall(rec.Call)
	return rec, nil
}

func (s *InMemoryStore) ListTurns(_ context.Context, sessionID string) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	out := append([]TurnRecord(nil), s.turns[sessionID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func cloneCall(c CallMetadata) CallMetadata {
	if c.CustomParameters != nil {
		params := make(map[string]string, len(c.CustomParameters))
		for k, v := range c.CustomParameters {
			params[k] = v
		}
		c.CustomParameters = params
	}
	return c
}
