package status

import (
	"sync"
	"time"

	"github.com/sandwichfarm/nostatus/internal/model"
)

// Key identifies one status slot
type Key struct {
	Pubkey   string
	Category model.Category
}

// Timer is the handle returned by an AfterFunc
type Timer interface {
	Stop() bool
}

// AfterFunc starts a timer that calls f after d
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type pendingTimer struct {
	token uint64
	timer Timer
}

// Scheduler holds at most one pending expiration timer per Key.
// The last Schedule or Cancel call for a key wins.
type Scheduler struct {
	mu        sync.Mutex
	pending   map[Key]pendingTimer
	seq       uint64
	afterFunc AfterFunc
}

func NewScheduler(afterFunc AfterFunc) *Scheduler {
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}
	return &Scheduler{
		pending:   make(map[Key]pendingTimer),
		afterFunc: afterFunc,
	}
}

// Schedule replaces any timer for key with one that calls fire after d.
// fire runs at most once, and never after the key was rescheduled or cancelled.
func (s *Scheduler) Schedule(key Key, d time.Duration, fire func()) {
	if d < 0 {
		d = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked(key)
	s.seq++
	token := s.seq
	timer := s.afterFunc(d, func() {
		s.mu.Lock()
		p, ok := s.pending[key]
		if !ok || p.token != token {
			s.mu.Unlock()
			return
		}
		delete(s.pending, key)
		s.mu.Unlock()

		fire()
	})
	s.pending[key] = pendingTimer{token: token, timer: timer}
}

// Cancel stops the timer for key, if any
func (s *Scheduler) Cancel(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(key)
}

// CancelAll stops every pending timer without firing any
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.pending {
		s.stopLocked(key)
	}
}

// Pending reports whether key has a pending timer
func (s *Scheduler) Pending(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Len returns the number of pending timers
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) stopLocked(key Key) {
	if p, ok := s.pending[key]; ok {
		p.timer.Stop()
		delete(s.pending, key)
	}
}
