package profile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostatus/internal/model"
	"github.com/sandwichfarm/nostatus/internal/nostr"
	"github.com/sandwichfarm/nostatus/internal/ops"
	"github.com/sandwichfarm/nostatus/internal/storage"
)

const (
	alice = "a1c3000000000000000000000000000000000000000000000000000000000000"
	bob   = "b0b0000000000000000000000000000000000000000000000000000000000000"
	carol = "ca10000000000000000000000000000000000000000000000000000000000000"
)

// fakeFetcher answers FetchLastPerAuthor from a fixed map of kind 0 events
type fakeFetcher struct {
	mu        sync.Mutex
	events    map[string]*gonostr.Event
	requested []string
	block     chan struct{}
}

func (f *fakeFetcher) FetchLastPerAuthor(ctx context.Context, relays []string, filter gonostr.Filter) <-chan nostr.AuthorResult {
	f.mu.Lock()
	f.requested = append(f.requested, filter.Authors...)
	f.mu.Unlock()

	out := make(chan nostr.AuthorResult)
	go func() {
		defer close(out)
		for _, pk := range filter.Authors {
			if f.block != nil {
				select {
				case <-f.block:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- nostr.AuthorResult{Pubkey: pk, Event: f.events[pk]}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (f *fakeFetcher) authors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requested...)
}

func profileEvent(t *testing.T, pubkey, name string, createdAt int64) *gonostr.Event {
	t.Helper()
	content, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &gonostr.Event{
		ID:        name + "-" + pubkey[:4],
		PubKey:    pubkey,
		Kind:      gonostr.KindProfileMetadata,
		Content:   string(content),
		CreatedAt: gonostr.Timestamp(createdAt),
	}
}

func setupSync(t *testing.T, fetcher Fetcher, now func() time.Time) (*Synchronizer, *Store, *storage.Cache[model.Profile]) {
	t.Helper()
	backend := storage.NewMemory()
	policy := storage.Policy{Fresh: 10 * time.Minute, Expire: 72 * time.Hour}
	cache := storage.NewCache[model.Profile](backend, "profile", policy, storage.WithClock(now))
	store := NewStore()
	return NewSynchronizer(fetcher, cache, store, ops.Discard()), store, cache
}

func TestStoreSet(t *testing.T) {
	store := NewStore()
	gen := store.Generation()

	var notified []string
	unsubscribe := store.Subscribe(func(p model.Profile) { notified = append(notified, p.Name) })

	tests := []struct {
		name     string
		profile  model.Profile
		wantName string
	}{
		{"first profile", model.Profile{Pubkey: alice, SrcEventID: "e1", Name: "alice", CreatedAt: 10}, "alice"},
		{"newer replaces", model.Profile{Pubkey: alice, SrcEventID: "e2", Name: "alice2", CreatedAt: 20}, "alice2"},
		{"older ignored", model.Profile{Pubkey: alice, SrcEventID: "e0", Name: "old", CreatedAt: 5}, "alice2"},
		{"same fingerprint ignored", model.Profile{Pubkey: alice, SrcEventID: "e2", Name: "dup", CreatedAt: 30}, "alice2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !store.Set(gen, tt.profile) {
				t.Fatal("expected current generation to be accepted")
			}
			if got := store.Get(alice).Name; got != tt.wantName {
				t.Errorf("expected name %q, got %q", tt.wantName, got)
			}
		})
	}

	if len(notified) != 2 {
		t.Errorf("expected 2 notifications, got %v", notified)
	}

	unsubscribe()
	store.Set(gen, model.Profile{Pubkey: bob, SrcEventID: "b1", Name: "bob"})
	if len(notified) != 2 {
		t.Error("expected no notification after unsubscribe")
	}
}

func TestStoreResetDropsOldGeneration(t *testing.T) {
	store := NewStore()
	old := store.Generation()
	store.Set(old, model.Profile{Pubkey: alice, SrcEventID: "e1", Name: "alice"})

	store.Reset()
	if store.Len() != 0 {
		t.Fatalf("expected empty store after reset, got %d", store.Len())
	}
	if store.Set(old, model.Profile{Pubkey: alice, SrcEventID: "e2", Name: "late"}) {
		t.Error("expected write from superseded generation to be rejected")
	}
	if !store.Get(alice).IsStub() {
		t.Error("expected stub for unknown pubkey")
	}
}

func TestSyncFetchesAndPersists(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	fetcher := &fakeFetcher{events: map[string]*gonostr.Event{
		alice: profileEvent(t, alice, "alice", 100),
		bob:   profileEvent(t, bob, "bob", 100),
	}}
	s, store, cache := setupSync(t, fetcher, func() time.Time { return now })

	var seen []string
	store.Subscribe(func(p model.Profile) { seen = append(seen, p.Pubkey) })

	res, err := s.Sync(context.Background(), []string{alice, bob, carol}, []string{"wss://relay.test"})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res.Requested != 3 || res.Fetched != 2 || res.CacheHits != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(seen) != 2 {
		t.Errorf("expected 2 incremental updates, got %d", len(seen))
	}
	if store.Get(bob).Name != "bob" {
		t.Errorf("expected bob in store, got %+v", store.Get(bob))
	}
	if !store.Get(carol).IsStub() {
		t.Error("expected carol to remain a stub")
	}

	ctx := context.Background()
	for _, pk := range []string{alice, bob} {
		if _, ok, _ := cache.Get(ctx, pk); !ok {
			t.Errorf("expected %s persisted to cache", pk[:4])
		}
	}
	if _, ok, _ := cache.Get(ctx, carol); ok {
		t.Error("expected no cache record for pubkey without a profile")
	}
}

func TestSyncSkipsFreshCacheHits(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	fetcher := &fakeFetcher{events: map[string]*gonostr.Event{
		bob: profileEvent(t, bob, "bob", 100),
	}}
	s, store, cache := setupSync(t, fetcher, func() time.Time { return now })

	ctx := context.Background()
	cached := model.Profile{Pubkey: alice, SrcEventID: "cached", Name: "cached-alice"}
	if err := cache.Put(ctx, alice, cached); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	res, err := s.Sync(ctx, []string{alice, bob}, []string{"wss://relay.test"})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res.CacheHits != 1 || res.Requested != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if got := fetcher.authors(); len(got) != 1 || got[0] != bob {
		t.Errorf("expected only bob to be fetched, got %v", got)
	}
	if store.Get(alice).Name != "cached-alice" {
		t.Errorf("expected cached profile, got %+v", store.Get(alice))
	}
}

func TestSyncRefetchesStaleCacheHits(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	now := func() time.Time { return clock }
	fetcher := &fakeFetcher{events: map[string]*gonostr.Event{
		alice: profileEvent(t, alice, "fresh-alice", 200),
	}}
	s, store, cache := setupSync(t, fetcher, now)

	ctx := context.Background()
	if err := cache.PutAt(ctx, alice, model.Profile{Pubkey: alice, SrcEventID: "old", Name: "old", CreatedAt: 100}, clock.Add(-time.Hour)); err != nil {
		t.Fatalf("PutAt() error = %v", err)
	}

	res, err := s.Sync(ctx, []string{alice}, []string{"wss://relay.test"})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res.CacheHits != 1 || res.Fetched != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if store.Get(alice).Name != "fresh-alice" {
		t.Errorf("expected refetched profile, got %+v", store.Get(alice))
	}
}

func TestSyncCancelledDoesNotPersist(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	fetcher := &fakeFetcher{
		events: map[string]*gonostr.Event{alice: profileEvent(t, alice, "alice", 100)},
		block:  make(chan struct{}),
	}
	s, store, cache := setupSync(t, fetcher, func() time.Time { return now })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Sync(ctx, []string{alice}, []string{"wss://relay.test"})
		done <- err
	}()

	cancel()
	close(fetcher.block)

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Sync did not return after cancel")
	}

	if _, ok, _ := cache.Get(context.Background(), alice); ok {
		t.Error("expected nothing persisted after cancel")
	}
	if !store.Get(alice).IsStub() {
		t.Error("expected store untouched after cancel")
	}
}

func TestSyncSupersededByReset(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	fetcher := &fakeFetcher{events: map[string]*gonostr.Event{
		alice: profileEvent(t, alice, "alice", 100),
	}}
	s, store, _ := setupSync(t, fetcher, func() time.Time { return now })

	gen := store.Generation()
	store.Reset()

	if store.Set(gen, model.Profile{Pubkey: alice}) {
		t.Fatal("expected stale generation to be rejected")
	}
	if _, err := s.Sync(context.Background(), []string{alice}, []string{"wss://relay.test"}); err != nil {
		t.Fatalf("Sync() on current generation error = %v", err)
	}
	if store.Get(alice).Name != "alice" {
		t.Errorf("expected alice after sync, got %+v", store.Get(alice))
	}
}
