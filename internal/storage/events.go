package storage

import (
	"context"
	"fmt"

	"github.com/fiatjaf/eventstore"
	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/eventstore/sqlite3"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostatus/internal/config"
)

// EventsQueryLimit caps the number of events a single query returns
const EventsQueryLimit = 10000

// Events is the local event store that keeps status events across restarts.
// It is a khatru relay whose handlers are backed by an eventstore.
type Events struct {
	relay *khatru.Relay
	db    eventstore.Store
}

// OpenEvents opens the sqlite event store at cfg.EventsPath, or an in-memory
// store when the path is empty
func OpenEvents(cfg *config.Storage) (*Events, error) {
	var db eventstore.Store
	if cfg.EventsPath == "" {
		db = &slicestore.SliceStore{MaxLimit: EventsQueryLimit}
	} else {
		if err := ensureParentDir(cfg.EventsPath); err != nil {
			return nil, err
		}
		db = &sqlite3.SQLite3Backend{
			DatabaseURL:       cfg.EventsPath,
			QueryLimit:        EventsQueryLimit,
			QueryAuthorsLimit: EventsQueryLimit,
		}
	}

	if err := db.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize event store: %w", err)
	}

	relay := khatru.NewRelay()
	relay.StoreEvent = append(relay.StoreEvent, db.SaveEvent)
	relay.QueryEvents = append(relay.QueryEvents, db.QueryEvents)
	relay.DeleteEvent = append(relay.DeleteEvent, db.DeleteEvent)
	relay.ReplaceEvent = append(relay.ReplaceEvent, db.ReplaceEvent)

	return &Events{relay: relay, db: db}, nil
}

// Relay returns the underlying khatru relay instance
func (s *Events) Relay() *khatru.Relay {
	return s.relay
}

// Store returns the raw eventstore, for negentropy reconciliation
func (s *Events) Store() eventstore.Store {
	return s.db
}

// ReplaceEvent stores a replaceable event, keeping only the newest per address
func (s *Events) ReplaceEvent(ctx context.Context, event *nostr.Event) error {
	for _, handler := range s.relay.ReplaceEvent {
		if err := handler(ctx, event); err != nil {
			return fmt.Errorf("failed to store event: %w", err)
		}
	}
	return nil
}

// DeleteEvent deletes an event by ID
func (s *Events) DeleteEvent(ctx context.Context, eventID string) error {
	events, err := s.QueryEvents(ctx, nostr.Filter{IDs: []string{eventID}, Limit: 1})
	if err != nil {
		return fmt.Errorf("failed to query event before delete: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	for _, handler := range s.relay.DeleteEvent {
		if err := handler(ctx, events[0]); err != nil {
			return fmt.Errorf("failed to delete event: %w", err)
		}
	}
	return nil
}

// QueryEvents queries events using Nostr filters
func (s *Events) QueryEvents(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	if len(s.relay.QueryEvents) == 0 {
		return nil, fmt.Errorf("no query handlers configured")
	}

	ch, err := s.relay.QueryEvents[0](ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	var events []*nostr.Event
	for event := range ch {
		events = append(events, event)
	}
	return events, nil
}

// Close closes the event store
func (s *Events) Close() {
	s.db.Close()
}
