package status

import (
	"sort"
	"sync"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostatus/internal/model"
	"github.com/sandwichfarm/nostatus/internal/ops"
)

// Outcome is how an incoming status event was handled
type Outcome int

const (
	Applied Outcome = iota
	Cleared
	IgnoredCategory
	IgnoredExpired
	IgnoredStale
	IgnoredSuperseded
	IgnoredInvalid
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Cleared:
		return "cleared"
	case IgnoredCategory:
		return "ignored_category"
	case IgnoredExpired:
		return "ignored_expired"
	case IgnoredStale:
		return "ignored_stale"
	case IgnoredSuperseded:
		return "ignored_superseded"
	case IgnoredInvalid:
		return "ignored_invalid"
	default:
		return "unknown"
	}
}

// Mutated reports whether the event changed stored state
func (o Outcome) Mutated() bool {
	return o == Applied || o == Cleared
}

// Change is delivered to observers when a pubkey's visible status changes
type Change struct {
	Pubkey  string
	Status  model.UserStatus
	Removed bool
}

// Store is the live status map of a session. Every incoming event, from
// backfill, live subscription, pre-seed or local publish, goes through Apply.
type Store struct {
	mu         sync.RWMutex
	gen        uint64
	statuses   map[string]model.UserStatus
	tombstones map[Key]gonostr.Timestamp
	scheduler  *Scheduler
	now        func() time.Time

	observers map[int]func(Change)
	nextID    int
	onApplied func(*gonostr.Event, Outcome)

	logger  *ops.Logger
	metrics *ops.Metrics
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithClock overrides the time source used for expiration checks
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithScheduler sets the timer registry
func WithScheduler(sch *Scheduler) StoreOption {
	return func(s *Store) { s.scheduler = sch }
}

// WithLogger sets the store logger
func WithLogger(l *ops.Logger) StoreOption {
	return func(s *Store) { s.logger = l.WithComponent("statuses") }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *ops.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// OnApplied registers fn to receive every event that mutated the store.
// It is called outside the store lock.
func OnApplied(fn func(*gonostr.Event, Outcome)) StoreOption {
	return func(s *Store) { s.onApplied = fn }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		statuses:   make(map[string]model.UserStatus),
		tombstones: make(map[Key]gonostr.Timestamp),
		now:        time.Now,
		observers:  make(map[int]func(Change)),
		logger:     ops.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.scheduler == nil {
		s.scheduler = NewScheduler(nil)
	}
	return s
}

// Scheduler returns the expiration timer registry
func (s *Store) Scheduler() *Scheduler {
	return s.scheduler
}

// Generation returns the current write generation
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Reset cancels every timer, clears the map and starts a new generation
func (s *Store) Reset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduler.CancelAll()
	s.gen++
	s.statuses = make(map[string]model.UserStatus)
	s.tombstones = make(map[Key]gonostr.Timestamp)
	s.metrics.SetFeedSize(0)
	return s.gen
}

// Apply reconciles ev into the map if gen is the current generation.
// Newer events per (pubkey, category) win; ties keep the stored entry.
// Empty content clears the category.
func (s *Store) Apply(gen uint64, ev *gonostr.Event) Outcome {
	return s.applyEvent(gen, ev, true)
}

// Replay is Apply for events read back from durable storage. It does not
// invoke the OnApplied hook.
func (s *Store) Replay(gen uint64, ev *gonostr.Event) Outcome {
	return s.applyEvent(gen, ev, false)
}

func (s *Store) applyEvent(gen uint64, ev *gonostr.Event, hook bool) Outcome {
	outcome, change := s.apply(gen, ev)

	category := "unknown"
	if cat, _, ok := model.StatusFromEvent(ev); ok {
		category = cat.String()
	}
	s.logger.LogStatusUpdate(ev.PubKey, category, outcome.String(), int64(ev.CreatedAt))
	s.metrics.StatusUpdate(category, outcome.String())

	if change != nil {
		s.notify(*change)
	}
	if hook && outcome.Mutated() && s.onApplied != nil {
		s.onApplied(ev, outcome)
	}
	return outcome
}

func (s *Store) apply(gen uint64, ev *gonostr.Event) (Outcome, *Change) {
	cat, candidate, ok := model.StatusFromEvent(ev)
	if !ok {
		return IgnoredCategory, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return IgnoredSuperseded, nil
	}

	now := s.now()
	if candidate.ExpiredAt(gonostr.Timestamp(now.Unix())) {
		return IgnoredExpired, nil
	}

	key := Key{Pubkey: ev.PubKey, Category: cat}
	current := s.statuses[ev.PubKey]
	current.Pubkey = ev.PubKey
	if existing := current.Get(cat); existing != nil && existing.CreatedAt >= candidate.CreatedAt {
		return IgnoredStale, nil
	}
	if removedAt, ok := s.tombstones[key]; ok && removedAt >= candidate.CreatedAt {
		return IgnoredStale, nil
	}

	if candidate.Content == "" {
		s.scheduler.Cancel(key)
		return Cleared, s.removeLocked(key, candidate.CreatedAt)
	}

	before := current.ContentID()
	next := current.With(cat, candidate)
	s.statuses[ev.PubKey] = next
	delete(s.tombstones, key)
	s.metrics.SetFeedSize(len(s.statuses))

	if candidate.Expiration != nil {
		eventID := ev.ID
		expiresAt := time.Unix(int64(*candidate.Expiration), 0)
		s.scheduler.Schedule(key, expiresAt.Sub(now), func() {
			s.invalidate(gen, key, eventID)
		})
	} else {
		s.scheduler.Cancel(key)
	}

	if next.ContentID() == before {
		return Applied, nil
	}
	return Applied, &Change{Pubkey: ev.PubKey, Status: next}
}

// invalidate removes the entry at key if it still holds eventID
func (s *Store) invalidate(gen uint64, key Key, eventID string) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	entry := s.statuses[key.Pubkey].Get(key.Category)
	if entry == nil || entry.SrcEvent == nil || entry.SrcEvent.ID != eventID {
		s.mu.Unlock()
		return
	}
	change := s.removeLocked(key, entry.CreatedAt)
	s.mu.Unlock()

	s.logger.Debug("status expired", "pubkey", ops.ShortKey(key.Pubkey), "category", key.Category.String())
	s.metrics.TimerFired()
	if change != nil {
		s.notify(*change)
	}
}

// removeLocked drops the category at key, and the pubkey once both are gone.
// createdAt is remembered so older events cannot resurrect the slot.
func (s *Store) removeLocked(key Key, createdAt gonostr.Timestamp) *Change {
	s.tombstones[key] = createdAt

	current, ok := s.statuses[key.Pubkey]
	if !ok || current.Get(key.Category) == nil {
		return nil
	}

	next := current.With(key.Category, nil)
	if next.IsEmpty() {
		delete(s.statuses, key.Pubkey)
		s.metrics.SetFeedSize(len(s.statuses))
		return &Change{Pubkey: key.Pubkey, Status: next, Removed: true}
	}
	s.statuses[key.Pubkey] = next
	return &Change{Pubkey: key.Pubkey, Status: next}
}

// Get returns the status of pubkey
func (s *Store) Get(pubkey string) (model.UserStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[pubkey]
	return st, ok
}

// Len returns the number of pubkeys holding a status
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.statuses)
}

// Snapshot returns a copy of the status map
func (s *Store) Snapshot() map[string]model.UserStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.UserStatus, len(s.statuses))
	for pk, st := range s.statuses {
		out[pk] = st
	}
	return out
}

// PubkeysByLastUpdate orders pubkeys by last update time, newest first,
// breaking ties by pubkey ascending
func (s *Store) PubkeysByLastUpdate() []string {
	s.mu.RLock()
	type item struct {
		pubkey string
		last   gonostr.Timestamp
	}
	items := make([]item, 0, len(s.statuses))
	for pk, st := range s.statuses {
		items = append(items, item{pk, st.LastUpdateTime()})
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].last != items[j].last {
			return items[i].last > items[j].last
		}
		return items[i].pubkey < items[j].pubkey
	})

	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.pubkey
	}
	return out
}

// Subscribe registers fn for every visible change. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Change)) func() {
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

func (s *Store) notify(c Change) {
	s.mu.RLock()
	observers := make([]func(Change), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.RUnlock()

	for _, fn := range observers {
		fn(c)
	}
}
