package sync

import (
	"context"
	"sync"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostatus/internal/model"
	"github.com/sandwichfarm/nostatus/internal/nostr"
	"github.com/sandwichfarm/nostatus/internal/ops"
	"github.com/sandwichfarm/nostatus/internal/status"
	"github.com/sandwichfarm/nostatus/internal/storage"
)

const persistTimeout = 5 * time.Second

// Source is the relay side of the status feed
type Source interface {
	IterateAll(ctx context.Context, relays []string, filter gonostr.Filter) <-chan *gonostr.Event
	SubscribeLive(ctx context.Context, relays []string, filter gonostr.Filter) <-chan *gonostr.Event
}

// Engine feeds status events from relays and the local event store into a
// status.Store. Backfill and live subscription run side by side and share
// the store's single update routine.
type Engine struct {
	source     Source
	store      *status.Store
	events     *storage.Events
	negentropy *Negentropy
	filters    *FilterBuilder
	verify     bool
	now        func() time.Time
	logger     *ops.Logger
	metrics    *ops.Metrics
}

// Option configures an Engine
type Option func(*Engine)

// WithEventStore replays and prunes persisted status events on Preseed
func WithEventStore(events *storage.Events) Option {
	return func(e *Engine) { e.events = events }
}

// WithNegentropy enables NIP-77 backfill, falling back to REQ per relay
func WithNegentropy(n *Negentropy) Option {
	return func(e *Engine) { e.negentropy = n }
}

// WithVerification checks signatures of backfilled and replayed events
func WithVerification(enabled bool) Option {
	return func(e *Engine) { e.verify = enabled }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger
func WithLogger(l *ops.Logger) Option {
	return func(e *Engine) { e.logger = l.WithComponent("sync") }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *ops.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a status feed engine
func NewEngine(source Source, store *status.Store, opts ...Option) *Engine {
	e := &Engine{
		source:  source,
		store:   store,
		filters: NewFilterBuilder(DefaultMaxAuthors),
		now:     time.Now,
		logger:  ops.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Persister returns a status.OnApplied hook that writes mutating events
// into the event store
func Persister(events *storage.Events, logger *ops.Logger) func(*gonostr.Event, status.Outcome) {
	logger = logger.WithComponent("sync")
	return func(ev *gonostr.Event, _ status.Outcome) {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		start := time.Now()
		err := events.ReplaceEvent(ctx, ev)
		logger.LogStorageOperation("replace_status_event", time.Since(start), err)
	}
}

// Preseed replays the persisted status events of authors into the store
// under gen. Events that have already expired are deleted instead.
func (e *Engine) Preseed(ctx context.Context, gen uint64, authors []string) (int, error) {
	if e.events == nil {
		return 0, nil
	}

	evs, err := e.events.QueryEvents(ctx, gonostr.Filter{
		Kinds: []int{model.KindUserStatus},
		Limit: storage.EventsQueryLimit,
	})
	if err != nil {
		return 0, err
	}

	wanted := make(map[string]struct{}, len(authors))
	for _, a := range authors {
		wanted[a] = struct{}{}
	}

	now := gonostr.Timestamp(e.now().Unix())
	applied, pruned := 0, 0
	for _, ev := range evs {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if _, entry, ok := model.StatusFromEvent(ev); ok && entry.ExpiredAt(now) {
			if err := e.events.DeleteEvent(ctx, ev.ID); err != nil {
				e.logger.Warn("failed to prune expired status", "event_id", ops.ShortKey(ev.ID), "error", err)
			}
			pruned++
			continue
		}
		if _, ok := wanted[ev.PubKey]; !ok {
			continue
		}
		if e.ingest(ctx, gen, ev, true).Mutated() {
			applied++
		}
	}

	e.logger.Info("status cache loaded", "events", len(evs), "applied", applied, "pruned", pruned)
	return applied, nil
}

// Run streams status events of authors from relays into the store under gen
// until ctx is cancelled. The live subscription starts at the current time
// and the backfill covers everything before it.
func (e *Engine) Run(ctx context.Context, gen uint64, authors, relays []string) error {
	since := gonostr.Timestamp(e.now().Unix())
	liveFilters := e.filters.BuildFilters(authors, &since)
	backfillFilters := e.filters.BuildFilters(authors, nil)
	if len(liveFilters) == 0 || len(relays) == 0 {
		e.logger.Warn("nothing to sync", "authors", len(authors), "relays", len(relays))
		<-ctx.Done()
		return ctx.Err()
	}

	e.logger.Info("status feed starting", "authors", len(authors), "relays", len(relays), "filters", len(liveFilters))

	var wg sync.WaitGroup
	for i := range liveFilters {
		live, backfill := liveFilters[i], backfillFilters[i]
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.live(ctx, gen, relays, live)
		}()
		go func() {
			defer wg.Done()
			e.backfill(ctx, gen, relays, backfill)
		}()
	}
	wg.Wait()

	return ctx.Err()
}

func (e *Engine) live(ctx context.Context, gen uint64, relays []string, filter gonostr.Filter) {
	n := 0
	for ev := range e.source.SubscribeLive(ctx, relays, filter) {
		if ctx.Err() != nil {
			break
		}
		e.store.Apply(gen, ev)
		n++
	}
	e.logger.Debug("live subscription closed", "events", n)
}

func (e *Engine) backfill(ctx context.Context, gen uint64, relays []string, filter gonostr.Filter) {
	start := time.Now()
	reqRelays := relays

	if e.negentropy != nil && e.events != nil {
		reqRelays = e.negentropy.Reconcile(ctx, relays, filter)
		if len(reqRelays) < len(relays) {
			e.replay(ctx, gen, filter)
		}
	}

	n := 0
	if len(reqRelays) > 0 {
		for ev := range e.source.IterateAll(ctx, reqRelays, filter) {
			if ctx.Err() != nil {
				break
			}
			e.ingest(ctx, gen, ev, false)
			n++
		}
	}

	e.logger.LogRelayFetch("status backfill", len(reqRelays), n, time.Since(start), nil)
	e.metrics.RelayFetch("backfill", ctx.Err())
}

// replay applies events already in the event store that match filter
func (e *Engine) replay(ctx context.Context, gen uint64, filter gonostr.Filter) {
	filter.Limit = storage.EventsQueryLimit
	evs, err := e.events.QueryEvents(ctx, filter)
	if err != nil {
		e.logger.Warn("failed to replay reconciled statuses", "error", err)
		return
	}
	for _, ev := range evs {
		if ctx.Err() != nil {
			return
		}
		e.ingest(ctx, gen, ev, true)
	}
}

// ingest verifies and applies ev. stored marks events read from the event
// store, which are not written back to it.
func (e *Engine) ingest(ctx context.Context, gen uint64, ev *gonostr.Event, stored bool) status.Outcome {
	if ctx.Err() != nil {
		return status.IgnoredSuperseded
	}
	if e.verify && !nostr.VerifyEvent(ev) {
		e.logger.Debug("dropping status with invalid signature", "event_id", ops.ShortKey(ev.ID))
		return status.IgnoredInvalid
	}
	if stored {
		return e.store.Replay(gen, ev)
	}
	return e.store.Apply(gen, ev)
}
