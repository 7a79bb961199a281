package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostatus/internal/config"
)

func statusEvent(t *testing.T, sk, d, content string, createdAt nostr.Timestamp) *nostr.Event {
	t.Helper()
	ev := &nostr.Event{
		Kind:      30315,
		Content:   content,
		CreatedAt: createdAt,
		Tags:      nostr.Tags{{"d", d}},
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return ev
}

func TestEventsStores(t *testing.T) {
	configs := map[string]*config.Storage{
		"memory": {},
		"sqlite": {EventsPath: filepath.Join(t.TempDir(), "events", "statuses.db")},
	}

	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			events, err := OpenEvents(cfg)
			if err != nil {
				t.Fatalf("OpenEvents() error = %v", err)
			}
			defer events.Close()

			sk := nostr.GeneratePrivateKey()
			older := statusEvent(t, sk, "general", "first", 100)
			newer := statusEvent(t, sk, "general", "second", 200)
			music := statusEvent(t, sk, "music", "song", 150)

			for _, ev := range []*nostr.Event{newer, older, music} {
				if err := events.ReplaceEvent(ctx, ev); err != nil {
					t.Fatalf("ReplaceEvent() error = %v", err)
				}
			}
			// storing the same event again is a no-op
			if err := events.ReplaceEvent(ctx, newer); err != nil {
				t.Fatalf("ReplaceEvent() duplicate error = %v", err)
			}

			got, err := events.QueryEvents(ctx, nostr.Filter{Kinds: []int{30315}})
			if err != nil {
				t.Fatalf("QueryEvents() error = %v", err)
			}
			ids := map[string]bool{}
			for _, ev := range got {
				ids[ev.ID] = true
			}
			if len(got) != 2 || !ids[newer.ID] || !ids[music.ID] {
				t.Fatalf("expected newest general and music events, got %d events", len(got))
			}

			if err := events.DeleteEvent(ctx, music.ID); err != nil {
				t.Fatalf("DeleteEvent() error = %v", err)
			}
			if err := events.DeleteEvent(ctx, "0000"); err != nil {
				t.Fatalf("DeleteEvent() of unknown id error = %v", err)
			}

			got, _ = events.QueryEvents(ctx, nostr.Filter{Kinds: []int{30315}})
			if len(got) != 1 || got[0].ID != newer.ID {
				t.Errorf("expected only the general event to remain, got %d", len(got))
			}

			if events.Store() == nil || events.Relay() == nil {
				t.Error("expected store and relay to be exposed")
			}
		})
	}
}

func TestMemoryEventsQueryLimit(t *testing.T) {
	events, err := OpenEvents(&config.Storage{})
	if err != nil {
		t.Fatalf("OpenEvents() error = %v", err)
	}
	defer events.Close()

	ctx := context.Background()
	sk := nostr.GeneratePrivateKey()
	const n = 600
	for i := 0; i < n; i++ {
		ev := statusEvent(t, sk, fmt.Sprintf("slot-%d", i), "busy", nostr.Timestamp(1000+i))
		if err := events.ReplaceEvent(ctx, ev); err != nil {
			t.Fatalf("ReplaceEvent() error = %v", err)
		}
	}

	got, err := events.QueryEvents(ctx, nostr.Filter{Kinds: []int{30315}, Limit: EventsQueryLimit})
	if err != nil {
		t.Fatalf("QueryEvents() error = %v", err)
	}
	if len(got) != n {
		t.Errorf("expected %d events, got %d", n, len(got))
	}
}
