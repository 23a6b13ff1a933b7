package profile

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps profiles in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewMemoryStore(profiles ...Profile) *MemoryStore {
	s := &MemoryStore{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		s.Put(p)
	}
	return s
}

func (s *MemoryStore) Put(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[strings.TrimSpace(p.SessionKey)] = p.Clone()
}

func (s *MemoryStore) Lookup(_ context.Context, sessionKey string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[strings.TrimSpace(sessionKey)]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p.Clone(), nil
}

// All returns every profile sorted by session key.
func (s *MemoryStore) All() []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionKey < out[j].SessionKey })
	return out
}

func (s *MemoryStore) Close() error { return nil }
