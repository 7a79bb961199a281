package profile

import (
	"sync"

	"github.com/sandwichfarm/nostatus/internal/model"
)

// Store is the in-memory profile map of a session. Writers pass the
// generation they started under; writes from a superseded generation are dropped.
type Store struct {
	mu        sync.RWMutex
	gen       uint64
	profiles  map[string]model.Profile
	observers map[int]func(model.Profile)
	nextID    int
}

func NewStore() *Store {
	return &Store{
		profiles:  make(map[string]model.Profile),
		observers: make(map[int]func(model.Profile)),
	}
}

// Generation returns the current write generation
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Reset clears the map and starts a new generation
func (s *Store) Reset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.profiles = make(map[string]model.Profile)
	return s.gen
}

// Get returns the profile of pubkey, or a stub when unknown
func (s *Store) Get(pubkey string) model.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.profiles[pubkey]; ok {
		return p
	}
	return model.StubProfile(pubkey)
}

// Len returns the number of known profiles
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}

// Set replaces the profile of p.Pubkey if gen is current and p is not older
// than the stored one. It reports whether gen was current.
func (s *Store) Set(gen uint64, p model.Profile) bool {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}

	prev, had := s.profiles[p.Pubkey]
	if had && (prev.SrcEventID == p.SrcEventID || prev.CreatedAt > p.CreatedAt) {
		s.mu.Unlock()
		return true
	}
	s.profiles[p.Pubkey] = p
	observers := s.snapshotObservers()
	s.mu.Unlock()

	for _, fn := range observers {
		fn(p)
	}
	return true
}

// Subscribe registers fn for every profile change. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(model.Profile)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Store) snapshotObservers() []func(model.Profile) {
	out := make([]func(model.Profile), 0, len(s.observers))
	for _, fn := range s.observers {
		out = append(out, fn)
	}
	return out
}
