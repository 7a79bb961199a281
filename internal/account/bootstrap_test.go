package account

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostatus/internal/config"
	"github.com/sandwichfarm/nostatus/internal/model"
	"github.com/sandwichfarm/nostatus/internal/storage"
)

const alice = "a1c3000000000000000000000000000000000000000000000000000000000000"

// fakeFetcher serves events per relay url
type fakeFetcher struct {
	mu      sync.Mutex
	byRelay map[string][]*gonostr.Event
	queried map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{byRelay: map[string][]*gonostr.Event{}, queried: map[string]int{}}
}

func (f *fakeFetcher) add(relay string, ev *gonostr.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byRelay[relay] = append(f.byRelay[relay], ev)
}

func (f *fakeFetcher) calls(relay string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queried[relay]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.queried {
		n += c
	}
	return n
}

func (f *fakeFetcher) FetchLast(ctx context.Context, relays []string, filter gonostr.Filter) (*gonostr.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var latest *gonostr.Event
	for _, relay := range relays {
		f.queried[relay]++
		for _, ev := range f.byRelay[relay] {
			if filter.Matches(ev) && (latest == nil || ev.CreatedAt > latest.CreatedAt) {
				latest = ev
			}
		}
	}
	return latest, nil
}

type fakeHinter struct {
	hints model.RelayList
}

func (h fakeHinter) RelayHints(context.Context) (model.RelayList, error) {
	return h.hints, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func relayConfig() *config.Relays {
	cfg := config.Default().Relays
	cfg.Bootstrap = []string{"wss://default.test"}
	return &cfg
}

func setupBootstrapper(t *testing.T, fetcher Fetcher, opts ...Option) (*Bootstrapper, *storage.Cache[model.AccountMetadata], *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	cache := storage.NewCache[model.AccountMetadata](storage.NewMemory(), "account",
		storage.Policy{Fresh: 10 * time.Minute, Expire: 72 * time.Hour}, storage.WithClock(clock.Now))
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(fetcher, cache, relayConfig(), opts...), cache, clock
}

func profileEvent(createdAt gonostr.Timestamp, content string) *gonostr.Event {
	return &gonostr.Event{ID: "profile", PubKey: alice, Kind: 0, CreatedAt: createdAt, Content: content}
}

func contactsEvent(createdAt gonostr.Timestamp, content string, follows ...string) *gonostr.Event {
	tags := gonostr.Tags{}
	for _, f := range follows {
		tags = append(tags, gonostr.Tag{"p", f})
	}
	return &gonostr.Event{ID: "contacts", PubKey: alice, Kind: 3, CreatedAt: createdAt, Content: content, Tags: tags}
}

func relayListEvent(createdAt gonostr.Timestamp, urls ...string) *gonostr.Event {
	tags := gonostr.Tags{}
	for _, u := range urls {
		tags = append(tags, gonostr.Tag{"r", u})
	}
	return &gonostr.Event{ID: "relays", PubKey: alice, Kind: 10002, CreatedAt: createdAt, Tags: tags}
}

func TestFetchAccountData(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.add("wss://default.test", profileEvent(10, `{"name":"alice"}`))
	fetcher.add("wss://default.test", contactsEvent(20, "", "bob", "carol", "bob"))
	fetcher.add("wss://default.test", relayListEvent(30, "wss://mine.test"))

	b, cache, clock := setupBootstrapper(t, fetcher)
	ctx := context.Background()

	data, err := b.FetchAccountData(ctx, alice)
	if err != nil {
		t.Fatalf("FetchAccountData() error = %v", err)
	}

	if data.Profile.Name != "alice" || data.Profile.SrcEventID != "profile" {
		t.Errorf("unexpected profile: %+v", data.Profile)
	}
	if want := []string{"bob", "carol"}; !reflect.DeepEqual(data.Followings, want) {
		t.Errorf("followings = %v, want %v", data.Followings, want)
	}
	if _, ok := data.RelayList["wss://mine.test"]; !ok || len(data.RelayList) != 1 {
		t.Errorf("expected relay list from kind 10002, got %v", data.RelayList)
	}
	if data.LastFetchedAt != clock.Now().Unix() {
		t.Errorf("LastFetchedAt = %d, want %d", data.LastFetchedAt, clock.Now().Unix())
	}

	entry, ok, err := cache.Get(ctx, alice)
	if err != nil || !ok {
		t.Fatalf("expected account data to be cached, ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(entry.Value, data) {
		t.Errorf("cached value differs: %+v vs %+v", entry.Value, data)
	}
}

func TestFetchAccountDataDegradesGracefully(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.add("wss://default.test", contactsEvent(20, "", "bob"))

	b, _, _ := setupBootstrapper(t, fetcher)

	data, err := b.FetchAccountData(context.Background(), alice)
	if err != nil {
		t.Fatalf("FetchAccountData() error = %v", err)
	}
	if !data.Profile.IsStub() || data.Profile.Pubkey != alice {
		t.Errorf("expected stub profile, got %+v", data.Profile)
	}
	if len(data.RelayList) != 4 {
		t.Errorf("expected fallback relay list, got %v", data.RelayList)
	}
	if len(data.Followings) != 1 {
		t.Errorf("expected followings from contacts, got %v", data.Followings)
	}
}

func TestFetchAccountDataContactsRelayList(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.add("wss://default.test", profileEvent(10, `{}`))
	fetcher.add("wss://default.test", contactsEvent(50, `{"wss://contacts.test":{"read":true,"write":true}}`))
	fetcher.add("wss://default.test", relayListEvent(30, "wss://older.test"))

	b, _, _ := setupBootstrapper(t, fetcher)

	data, err := b.FetchAccountData(context.Background(), alice)
	if err != nil {
		t.Fatalf("FetchAccountData() error = %v", err)
	}
	if _, ok := data.RelayList["wss://contacts.test"]; !ok {
		t.Errorf("expected newer contacts relay list to win, got %v", data.RelayList)
	}
	if len(data.Followings) != 0 || data.Followings == nil {
		t.Errorf("expected empty non-nil followings, got %#v", data.Followings)
	}
}

func TestFetchAccountDataSignerHints(t *testing.T) {
	t.Run("incomplete hinted set retries defaults", func(t *testing.T) {
		fetcher := newFakeFetcher()
		fetcher.add("wss://hinted.test", contactsEvent(20, "", "bob"))
		fetcher.add("wss://default.test", profileEvent(10, `{"name":"alice"}`))
		fetcher.add("wss://default.test", contactsEvent(20, "", "bob", "carol"))

		b, _, _ := setupBootstrapper(t, fetcher,
			WithRelayHinter(fakeHinter{hints: model.RelayList{"wss://hinted.test": {Read: true}}}))

		data, err := b.FetchAccountData(context.Background(), alice)
		if err != nil {
			t.Fatalf("FetchAccountData() error = %v", err)
		}
		if fetcher.calls("wss://default.test") == 0 {
			t.Error("expected fallback to default relays")
		}
		if data.Profile.Name != "alice" || len(data.Followings) != 2 {
			t.Errorf("expected data from default relays, got %+v", data)
		}
	})

	t.Run("complete hinted set is used alone", func(t *testing.T) {
		fetcher := newFakeFetcher()
		fetcher.add("wss://hinted.test", profileEvent(10, `{"name":"hinted"}`))
		fetcher.add("wss://hinted.test", relayListEvent(30, "wss://mine.test"))

		b, _, _ := setupBootstrapper(t, fetcher,
			WithRelayHinter(fakeHinter{hints: model.RelayList{"wss://hinted.test": {Read: true}}}))

		data, err := b.FetchAccountData(context.Background(), alice)
		if err != nil {
			t.Fatalf("FetchAccountData() error = %v", err)
		}
		if fetcher.calls("wss://default.test") != 0 {
			t.Error("default relays must not be queried")
		}
		if data.Profile.Name != "hinted" {
			t.Errorf("unexpected profile %+v", data.Profile)
		}
	})
}

func TestFetchAccountDataUnavailable(t *testing.T) {
	b, cache, _ := setupBootstrapper(t, newFakeFetcher())
	ctx := context.Background()

	_, err := b.FetchAccountData(ctx, alice)
	if !errors.Is(err, ErrAccountDataUnavailable) {
		t.Fatalf("expected ErrAccountDataUnavailable, got %v", err)
	}
	if _, ok, _ := cache.Get(ctx, alice); ok {
		t.Error("nothing should be cached on failure")
	}

	if _, err := b.Load(ctx, alice, nil); !errors.Is(err, ErrAccountDataUnavailable) {
		t.Errorf("Load() error = %v, want ErrAccountDataUnavailable", err)
	}
}

func TestFetchAccountDataCancelled(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.add("wss://default.test", profileEvent(10, `{}`))
	b, _, _ := setupBootstrapper(t, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := b.FetchAccountData(ctx, alice); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestLoadUsesFreshCache(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.add("wss://default.test", profileEvent(10, `{"name":"alice"}`))
	b, _, clock := setupBootstrapper(t, fetcher)
	ctx := context.Background()

	first, err := b.Load(ctx, alice, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	calls := fetcher.total()

	clock.Advance(5 * time.Minute)
	second, err := b.Load(ctx, alice, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if fetcher.total() != calls {
		t.Error("fresh cache hit must not touch the network")
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("expected identical data, got %+v vs %+v", first, second)
	}
}

func TestLoadStaleRevalidates(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.add("wss://default.test", profileEvent(10, `{"name":"old"}`))
	b, _, clock := setupBootstrapper(t, fetcher)
	ctx := context.Background()

	if _, err := b.Load(ctx, alice, nil); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	fresh := profileEvent(20, `{"name":"new"}`)
	fresh.ID = "profile2"
	fetcher.add("wss://default.test", fresh)
	clock.Advance(time.Hour)

	revalidated := make(chan model.AccountMetadata, 1)
	data, err := b.Load(ctx, alice, func(d model.AccountMetadata) { revalidated <- d })
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if data.Profile.Name != "old" {
		t.Errorf("stale load should serve cached data, got %q", data.Profile.Name)
	}

	select {
	case d := <-revalidated:
		if d.Profile.Name != "new" {
			t.Errorf("revalidated profile = %q, want new", d.Profile.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for revalidation")
	}
}
