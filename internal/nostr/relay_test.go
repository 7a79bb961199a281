package nostr

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"
)

// startRelay serves an in-memory khatru relay and returns its websocket url
func startRelay(t *testing.T) (string, *slicestore.SliceStore) {
	t.Helper()

	db := &slicestore.SliceStore{}
	if err := db.Init(); err != nil {
		t.Fatalf("failed to init slicestore: %v", err)
	}

	relay := khatru.NewRelay()
	relay.StoreEvent = append(relay.StoreEvent, db.SaveEvent)
	relay.QueryEvents = append(relay.QueryEvents, db.QueryEvents)
	relay.DeleteEvent = append(relay.DeleteEvent, db.DeleteEvent)
	relay.ReplaceEvent = append(relay.ReplaceEvent, db.ReplaceEvent)

	srv := httptest.NewServer(relay)
	t.Cleanup(func() {
		srv.Close()
		db.Close()
	})

	return "ws" + strings.TrimPrefix(srv.URL, "http"), db
}

func signedEvent(t *testing.T, sk string, kind int, content string, createdAt nostr.Timestamp, tags nostr.Tags) *nostr.Event {
	t.Helper()

	ev := &nostr.Event{
		Kind:      kind,
		Content:   content,
		CreatedAt: createdAt,
		Tags:      tags,
	}
	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("failed to sign event: %v", err)
	}
	return ev
}

func seed(t *testing.T, db *slicestore.SliceStore, events ...*nostr.Event) {
	t.Helper()
	for _, ev := range events {
		if err := db.SaveEvent(context.Background(), ev); err != nil {
			t.Fatalf("failed to seed event: %v", err)
		}
	}
}
