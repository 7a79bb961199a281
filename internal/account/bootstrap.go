package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/sandwichfarm/nostatus/internal/config"
	"github.com/sandwichfarm/nostatus/internal/model"
	"github.com/sandwichfarm/nostatus/internal/nostr"
	"github.com/sandwichfarm/nostatus/internal/ops"
	"github.com/sandwichfarm/nostatus/internal/storage"
)

// ErrAccountDataUnavailable is returned when no account data could be found
// on any candidate relay set
var ErrAccountDataUnavailable = errors.New("account data unavailable")

// Fetcher is the relay primitive the bootstrapper needs
type Fetcher interface {
	FetchLast(ctx context.Context, relays []string, filter gonostr.Filter) (*gonostr.Event, error)
}

// Bootstrapper resolves the profile, followings and relay list of an account
type Bootstrapper struct {
	fetcher  Fetcher
	cache    *storage.Cache[model.AccountMetadata]
	hinter   nostr.RelayHinter
	defaults []string
	fallback model.RelayList
	now      func() time.Time
	logger   *ops.Logger
}

// Option configures a Bootstrapper
type Option func(*Bootstrapper)

// WithRelayHinter sets the signer used for bootstrap relay hints
func WithRelayHinter(h nostr.RelayHinter) Option {
	return func(b *Bootstrapper) { b.hinter = h }
}

// WithClock overrides the time source for LastFetchedAt
func WithClock(now func() time.Time) Option {
	return func(b *Bootstrapper) { b.now = now }
}

// WithLogger sets the logger
func WithLogger(l *ops.Logger) Option {
	return func(b *Bootstrapper) { b.logger = l.WithComponent("account") }
}

// New creates a bootstrapper reading through cache
func New(fetcher Fetcher, cache *storage.Cache[model.AccountMetadata], relayConfig *config.Relays, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		fetcher:  fetcher,
		cache:    cache,
		defaults: relayConfig.Bootstrap,
		fallback: nostr.FallbackRelayList(relayConfig.Fallback),
		now:      time.Now,
		logger:   ops.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Load returns the account data of pubkey from cache when fresh, serves stale
// data while refetching in the background (onRevalidated gets the refetched
// value), and fetches from relays otherwise.
func (b *Bootstrapper) Load(ctx context.Context, pubkey string, onRevalidated func(model.AccountMetadata)) (model.AccountMetadata, error) {
	data, tier, err := b.cache.Lookup(ctx, pubkey, b.fetcherFor(pubkey), onRevalidated)
	if err != nil {
		return model.AccountMetadata{}, err
	}
	b.logger.Debug("account data loaded", "pubkey", ops.ShortKey(pubkey), "tier", tier.String())
	return data, nil
}

// FetchAccountData fetches account data from relays and persists it
func (b *Bootstrapper) FetchAccountData(ctx context.Context, pubkey string) (model.AccountMetadata, error) {
	return b.cache.Refresh(ctx, pubkey, b.fetcherFor(pubkey))
}

func (b *Bootstrapper) fetcherFor(pubkey string) func(context.Context) (model.AccountMetadata, error) {
	return func(ctx context.Context) (model.AccountMetadata, error) {
		return b.fetchFromRelays(ctx, pubkey)
	}
}

type accountEvents struct {
	profile   *gonostr.Event
	contacts  *gonostr.Event
	relayList *gonostr.Event
}

func (e accountEvents) empty() bool {
	return e.profile == nil && e.contacts == nil && e.relayList == nil
}

// incomplete reports whether a signer-hinted relay set deserves a retry on the defaults
func (e accountEvents) incomplete() bool {
	return e.profile == nil || (e.contacts == nil && e.relayList == nil)
}

func (b *Bootstrapper) fetchFromRelays(ctx context.Context, pubkey string) (model.AccountMetadata, error) {
	relays, isDefault := nostr.ResolveBootstrapRelays(ctx, b.hinter, b.defaults, b.logger)

	events, err := b.fetchEvents(ctx, relays, pubkey)
	if err != nil {
		return model.AccountMetadata{}, err
	}
	if !isDefault && events.incomplete() {
		b.logger.Info("falling back to default bootstrap relays", "hinted", len(relays))
		if events, err = b.fetchEvents(ctx, b.defaults, pubkey); err != nil {
			return model.AccountMetadata{}, err
		}
	}

	if events.empty() {
		return model.AccountMetadata{}, fmt.Errorf("%w: nothing found for %s", ErrAccountDataUnavailable, ops.ShortKey(pubkey))
	}

	data := model.AccountMetadata{
		Profile:       model.StubProfile(pubkey),
		Followings:    []string{},
		RelayList:     nostr.ExtractRelayListOrDefault([]*gonostr.Event{events.contacts, events.relayList}, b.fallback),
		LastFetchedAt: b.now().Unix(),
	}
	if events.profile != nil {
		data.Profile = model.ProfileFromEvent(events.profile)
	}
	if events.contacts != nil {
		data.Followings = followings(events.contacts)
	}

	b.logger.Info("account data fetched",
		"pubkey", ops.ShortKey(pubkey),
		"followings", len(data.Followings),
		"relays", len(data.RelayList))
	return data, nil
}

// fetchEvents queries the profile, contacts and relay list of pubkey concurrently
func (b *Bootstrapper) fetchEvents(ctx context.Context, relays []string, pubkey string) (accountEvents, error) {
	var events accountEvents
	targets := []struct {
		kind int
		dst  **gonostr.Event
	}{
		{gonostr.KindProfileMetadata, &events.profile},
		{gonostr.KindFollowList, &events.contacts},
		{gonostr.KindRelayListMetadata, &events.relayList},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			start := time.Now()
			ev, err := b.fetcher.FetchLast(gctx, relays, gonostr.Filter{
				Kinds:   []int{target.kind},
				Authors: []string{pubkey},
				Limit:   1,
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// transient failures leave the slot empty
				b.logger.LogRelayFetch(fmt.Sprintf("kind%d", target.kind), len(relays), 0, time.Since(start), err)
				return nil
			}
			*target.dst = ev
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return accountEvents{}, err
	}
	return events, nil
}

// followings returns the unique p tags of a contacts event in order
func followings(contacts *gonostr.Event) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, tag := range contacts.Tags {
		if len(tag) < 2 || tag[0] != "p" || tag[1] == "" {
			continue
		}
		if _, dup := seen[tag[1]]; dup {
			continue
		}
		seen[tag[1]] = struct{}{}
		out = append(out, tag[1])
	}
	return out
}
