package status

import (
	"context"
	"errors"
	"testing"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/sandwichfarm/nostatus/internal/model"
	"github.com/sandwichfarm/nostatus/internal/nostr"
	"github.com/sandwichfarm/nostatus/internal/ops"
)

// fakeBroadcaster records published events. When gate is set, Publish
// waits for it before returning err.
type fakeBroadcaster struct {
	gate      chan struct{}
	err       error
	published []*gonostr.Event
	relays    []string
}

func (f *fakeBroadcaster) Publish(ctx context.Context, relays []string, ev *gonostr.Event) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.published = append(f.published, ev)
	f.relays = relays
	return f.err
}

func localSigner(t *testing.T) (*nostr.LocalSigner, string) {
	t.Helper()
	sk := gonostr.GeneratePrivateKey()
	nsec, err := nip19.EncodePrivateKey(sk)
	if err != nil {
		t.Fatalf("EncodePrivateKey() error = %v", err)
	}
	signer, err := nostr.NewLocalSigner(nsec)
	if err != nil {
		t.Fatalf("NewLocalSigner() error = %v", err)
	}
	pk, _ := signer.GetPublicKey(context.Background())
	return signer, pk
}

func setupPublisher(t *testing.T, b Broadcaster) (*Publisher, *Store, string) {
	t.Helper()
	signer, pk := localSigner(t)
	store, _ := setupStore(t)
	p := NewPublisher(signer, store, b, func() []string { return []string{"wss://write.test"} }, ops.Discard())
	p.now = func() time.Time { return testNow }
	return p, store, pk
}

func TestBuildEvent(t *testing.T) {
	tests := []struct {
		name     string
		in       PublishInput
		wantTags gonostr.Tags
	}{
		{
			name:     "plain general",
			in:       PublishInput{Category: model.General, Content: " hello "},
			wantTags: gonostr.Tags{{"d", "general"}},
		},
		{
			name: "music with link and ttl",
			in:   PublishInput{Category: model.Music, Content: "song", LinkURL: "https://music.test/1", TTL: time.Hour},
			wantTags: gonostr.Tags{
				{"d", "music"},
				{"r", "https://music.test/1"},
				{"expiration", "1700003600"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := BuildEvent(tt.in, testNow)
			if ev.Kind != model.KindUserStatus {
				t.Errorf("expected kind %d, got %d", model.KindUserStatus, ev.Kind)
			}
			if int64(ev.CreatedAt) != testNow.Unix() {
				t.Errorf("unexpected created_at %d", ev.CreatedAt)
			}
			if len(ev.Tags) != len(tt.wantTags) {
				t.Fatalf("expected tags %v, got %v", tt.wantTags, ev.Tags)
			}
			for i := range tt.wantTags {
				if ev.Tags[i][0] != tt.wantTags[i][0] || ev.Tags[i][1] != tt.wantTags[i][1] {
					t.Errorf("tag %d: expected %v, got %v", i, tt.wantTags[i], ev.Tags[i])
				}
			}
		})
	}
}

func TestPublishEchoesBeforeBroadcast(t *testing.T) {
	b := &fakeBroadcaster{gate: make(chan struct{})}
	p, store, pk := setupPublisher(t, b)

	done := make(chan error, 1)
	seen := make(chan model.UserStatus, 1)
	store.Subscribe(func(c Change) {
		if c.Pubkey == pk {
			seen <- c.Status
		}
	})

	go func() {
		_, err := p.Publish(context.Background(), PublishInput{Category: model.General, Content: "hello"})
		done <- err
	}()

	select {
	case st := <-seen:
		if st.General == nil || st.General.Content != "hello" {
			t.Fatalf("expected hello echoed locally, got %+v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("local echo not observed")
	}
	if len(b.published) != 0 {
		t.Fatal("expected echo before broadcast completed")
	}

	close(b.gate)
	if err := <-done; err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(b.published) != 1 || b.relays[0] != "wss://write.test" {
		t.Errorf("expected one broadcast to write relays, got %d to %v", len(b.published), b.relays)
	}
	if !nostr.VerifyEvent(b.published[0]) {
		t.Error("expected a validly signed event")
	}
}

func TestPublishFailureKeepsLocalEcho(t *testing.T) {
	b := &fakeBroadcaster{err: errors.New("all relays rejected")}
	p, store, pk := setupPublisher(t, b)

	ev, err := p.Publish(context.Background(), PublishInput{Category: model.Music, Content: "song", TTL: 30 * time.Minute})
	if err == nil {
		t.Fatal("expected broadcast error")
	}
	if ev == nil {
		t.Fatal("expected signed event on broadcast failure")
	}

	st, ok := store.Get(pk)
	if !ok || st.Music == nil || st.Music.Content != "song" {
		t.Errorf("expected local echo to remain, got %+v", st)
	}
	if !store.Scheduler().Pending(Key{Pubkey: pk, Category: model.Music}) {
		t.Error("expected expiration timer for ttl status")
	}
}

func TestPublishEmptyContentClears(t *testing.T) {
	b := &fakeBroadcaster{}
	p, store, pk := setupPublisher(t, b)

	store.Apply(store.Generation(), statusEvent(pk, "general", "old", testNow.Unix()-60))
	if _, err := p.Publish(context.Background(), PublishInput{Category: model.General}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if _, ok := store.Get(pk); ok {
		t.Error("expected status cleared")
	}
}

func TestPublishWithoutSigner(t *testing.T) {
	store, _ := setupStore(t)
	p := NewPublisher(nil, store, &fakeBroadcaster{}, func() []string { return nil }, ops.Discard())

	_, err := p.Publish(context.Background(), PublishInput{Content: "hi"})
	if !errors.Is(err, nostr.ErrNoSigner) {
		t.Errorf("expected ErrNoSigner, got %v", err)
	}
}

func TestParseTTL(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"never", 0, false},
		{"10m", 10 * time.Minute, false},
		{"1d", 24 * time.Hour, false},
		{"90s", 90 * time.Second, false},
		{"-1h", 0, true},
		{"tomorrow", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTTL(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTTL(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseTTL(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestTTLPresetNames(t *testing.T) {
	names := TTLPresetNames()
	if len(names) != len(TTLPresets) {
		t.Fatalf("expected %d names, got %d", len(TTLPresets), len(names))
	}
	if names[0] != "10m" || names[len(names)-1] != "never" {
		t.Errorf("unexpected preset order: %v", names)
	}
}
