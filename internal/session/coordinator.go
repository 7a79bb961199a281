// Package session owns everything that lives for one logged-in account:
// the profile and status maps, the expiration timers, and the relay
// operations feeding them.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostatus/internal/account"
	"github.com/sandwichfarm/nostatus/internal/config"
	"github.com/sandwichfarm/nostatus/internal/model"
	"github.com/sandwichfarm/nostatus/internal/nostr"
	"github.com/sandwichfarm/nostatus/internal/ops"
	"github.com/sandwichfarm/nostatus/internal/profile"
	"github.com/sandwichfarm/nostatus/internal/status"
	"github.com/sandwichfarm/nostatus/internal/storage"
	feed "github.com/sandwichfarm/nostatus/internal/sync"
)

// ErrNotLoggedIn is returned by operations that need an active session
var ErrNotLoggedIn = errors.New("not logged in")

const sessionKey = "session:pubkey"

// Relays is every relay primitive a session uses
type Relays interface {
	account.Fetcher
	profile.Fetcher
	feed.Source
	status.Broadcaster
}

// BunkerConnector opens a NIP-46 remote signer
type BunkerConnector func(ctx context.Context, bunkerURL string) (nostr.Signer, error)

// Options are the collaborators of a Coordinator. Relays and Backend are required.
type Options struct {
	Relays        Relays
	Backend       storage.Backend
	Events        *storage.Events
	Negentropy    *feed.Negentropy
	ConnectBunker BunkerConnector
	Logger        *ops.Logger
	Metrics       *ops.Metrics
	Now           func() time.Time
}

// Coordinator runs at most one Session at a time
type Coordinator struct {
	cfg           *config.Config
	relays        Relays
	backend       storage.Backend
	accounts      *storage.Cache[model.AccountMetadata]
	profileCache  *storage.Cache[model.Profile]
	profiles      *profile.Store
	statuses      *status.Store
	synchronizer  *profile.Synchronizer
	engine        *feed.Engine
	connectBunker BunkerConnector
	now           func() time.Time
	logger        *ops.Logger
	metrics       *ops.Metrics

	mu      sync.Mutex
	current *Session
}

// New wires the stores, caches and engines of a coordinator
func New(cfg *config.Config, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = ops.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	cacheOpts := []storage.CacheOption{
		storage.WithClock(now),
		storage.WithCacheLogger(logger),
		storage.WithCacheMetrics(opts.Metrics),
	}
	c := &Coordinator{
		cfg:           cfg,
		relays:        opts.Relays,
		backend:       opts.Backend,
		accounts:      storage.NewCache[model.AccountMetadata](opts.Backend, "account", storage.PolicyFrom(cfg.Caching.Account), cacheOpts...),
		profileCache:  storage.NewCache[model.Profile](opts.Backend, "profile", storage.PolicyFrom(cfg.Caching.Profiles), cacheOpts...),
		profiles:      profile.NewStore(),
		connectBunker: opts.ConnectBunker,
		now:           now,
		logger:        logger.WithComponent("session"),
		metrics:       opts.Metrics,
	}

	storeOpts := []status.StoreOption{
		status.WithClock(now),
		status.WithLogger(logger),
		status.WithMetrics(opts.Metrics),
	}
	engineOpts := []feed.Option{
		feed.WithVerification(cfg.Sync.VerifySignatures),
		feed.WithClock(now),
		feed.WithLogger(logger),
		feed.WithMetrics(opts.Metrics),
	}
	if opts.Events != nil {
		storeOpts = append(storeOpts, status.OnApplied(feed.Persister(opts.Events, logger)))
		engineOpts = append(engineOpts, feed.WithEventStore(opts.Events))
	}
	if opts.Negentropy != nil && cfg.Sync.Backfill == "negentropy" {
		engineOpts = append(engineOpts, feed.WithNegentropy(opts.Negentropy))
	}

	c.statuses = status.NewStore(storeOpts...)
	c.synchronizer = profile.NewSynchronizer(opts.Relays, c.profileCache, c.profiles, logger)
	c.engine = feed.NewEngine(opts.Relays, c.statuses, engineOpts...)
	return c
}

// Profiles returns the profile map
func (c *Coordinator) Profiles() *profile.Store { return c.profiles }

// Statuses returns the status map
func (c *Coordinator) Statuses() *status.Store { return c.statuses }

// Current returns the active session, or nil
func (c *Coordinator) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Login starts a session for credential: an npub or hex pubkey (read-only),
// an nsec (local signing) or a bunker:// url (remote signing). Any previous
// session is logged out first. The pubkey is remembered for Restore.
func (c *Coordinator) Login(ctx context.Context, credential string) (*Session, error) {
	credential = strings.TrimSpace(credential)
	signer, pubkey, err := c.identify(ctx, credential)
	if err != nil {
		return nil, err
	}

	if err := c.Logout(ctx); err != nil && !errors.Is(err, ErrNotLoggedIn) {
		return nil, err
	}
	if err := c.backend.Put(ctx, sessionKey, []byte(pubkey)); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	return c.start(ctx, pubkey, signer)
}

// Restore resumes the session of the last logged-in pubkey, read-only
func (c *Coordinator) Restore(ctx context.Context) (*Session, error) {
	data, ok, err := c.backend.Get(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if !ok || len(data) == 0 {
		return nil, ErrNotLoggedIn
	}
	return c.Login(ctx, string(data))
}

func (c *Coordinator) identify(ctx context.Context, credential string) (nostr.Signer, string, error) {
	var signer nostr.Signer
	switch {
	case strings.HasPrefix(credential, "bunker://"):
		if c.connectBunker == nil {
			return nil, "", fmt.Errorf("remote signing is not available")
		}
		s, err := c.connectBunker(ctx, credential)
		if err != nil {
			return nil, "", err
		}
		signer = s
	case strings.HasPrefix(credential, "nsec1"):
		s, err := nostr.NewLocalSigner(credential)
		if err != nil {
			return nil, "", err
		}
		signer = s
	default:
		pk, err := nostr.ParsePubkey(credential)
		if err != nil {
			return nil, "", err
		}
		return nil, pk, nil
	}

	pk, err := signer.GetPublicKey(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get public key from signer: %w", err)
	}
	return signer, pk, nil
}

func (c *Coordinator) start(ctx context.Context, pubkey string, signer nostr.Signer) (*Session, error) {
	id := uuid.NewString()
	logger := c.logger.WithFields("session", id, "pubkey", ops.ShortKey(pubkey))

	bootOpts := []account.Option{account.WithLogger(logger), account.WithClock(c.now)}
	if hinter, ok := signer.(nostr.RelayHinter); ok {
		bootOpts = append(bootOpts, account.WithRelayHinter(hinter))
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:     id,
		Pubkey: pubkey,
		signer: signer,
		boot:   account.New(c.relays, c.accounts, &c.cfg.Relays, bootOpts...),
		ctx:    sessCtx,
		cancel: cancel,
		logger: logger,
	}
	s.publisher = status.NewPublisher(signer, c.statuses, c.relays, s.WriteRelays, logger)

	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
	c.metrics.SessionStarted()

	acc, err := s.boot.Load(ctx, pubkey, func(updated model.AccountMetadata) {
		c.onAccountRevalidated(s, updated)
	})
	if err != nil {
		s.stop()
		c.mu.Lock()
		if c.current == s {
			c.current = nil
		}
		c.mu.Unlock()
		c.metrics.SessionStopped()
		return nil, err
	}

	logger.Info("account loaded",
		"followings", len(acc.Followings),
		"read_relays", len(acc.RelayList.ReadRelays()),
		"write_relays", len(acc.RelayList.WriteRelays()),
		"profile", acc.Profile.Label())
	c.restart(s, acc)
	return s, nil
}

// onAccountRevalidated restarts the session's generation when a background
// account refetch changed the followings or the read relays
func (c *Coordinator) onAccountRevalidated(s *Session, updated model.AccountMetadata) {
	if s.ctx.Err() != nil || c.Current() != s {
		return
	}
	prev := s.Account()
	if slices.Equal(prev.Followings, updated.Followings) &&
		slices.Equal(prev.RelayList.ReadRelays(), updated.RelayList.ReadRelays()) {
		s.setAccount(updated)
		return
	}
	s.logger.Info("account changed, restarting feed")
	c.restart(s, updated)
}

// restart cancels the running generation of s and starts a new one for acc,
// or for the account s already holds when that one was fetched later
func (c *Coordinator) restart(s *Session, acc model.AccountMetadata) {
	s.genMu.Lock()
	defer s.genMu.Unlock()

	if s.genCancel != nil {
		s.genCancel()
		s.wg.Wait()
	}
	if s.ctx.Err() != nil {
		return
	}
	// a revalidation may land before the initial restart
	if cur := s.Account(); cur.LastFetchedAt > acc.LastFetchedAt {
		acc = cur
	}

	s.setAccount(acc)
	ctx, cancel := context.WithCancel(s.ctx)
	s.genCancel = cancel

	c.profiles.Reset()
	gen := c.statuses.Reset()

	authors := append(slices.Clone(acc.Followings), s.Pubkey)
	relays := acc.RelayList.ReadRelays()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		res, err := c.synchronizer.Sync(ctx, authors, relays)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("profile sync failed", "error", err)
			return
		}
		s.logger.Debug("profiles synced", "cache_hits", res.CacheHits, "fetched", res.Fetched, "requested", res.Requested)
	}()
	go func() {
		defer s.wg.Done()
		if _, err := c.engine.Preseed(ctx, gen, authors); err != nil && ctx.Err() == nil {
			s.logger.Warn("status cache unavailable", "error", err)
		}
		if err := c.engine.Run(ctx, gen, authors, relays); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("status feed stopped", "error", err)
		}
	}()
}

// Logout stops the active session, clears both maps and every timer, and
// forgets the remembered pubkey. It returns ErrNotLoggedIn when no session
// was running, after forgetting the pubkey anyway.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.mu.Lock()
	s := c.current
	c.current = nil
	c.mu.Unlock()

	if s != nil {
		s.stop()
		c.profiles.Reset()
		c.statuses.Reset()
		c.metrics.SessionStopped()
		s.logger.Info("logged out")
	}

	if err := c.backend.Delete(ctx, sessionKey); err != nil {
		return fmt.Errorf("failed to forget session: %w", err)
	}
	if s == nil {
		return ErrNotLoggedIn
	}
	return nil
}

// Publish posts a status as the logged-in account
func (c *Coordinator) Publish(ctx context.Context, in status.PublishInput) (*gonostr.Event, error) {
	s := c.Current()
	if s == nil {
		return nil, ErrNotLoggedIn
	}
	return s.publisher.Publish(ctx, in)
}

// FeedItem is one row of the status feed
type FeedItem struct {
	Profile model.Profile
	Status  model.UserStatus
}

// Feed returns every pubkey holding a status, most recently updated first
func (c *Coordinator) Feed() []FeedItem {
	pubkeys := c.statuses.PubkeysByLastUpdate()
	items := make([]FeedItem, 0, len(pubkeys))
	for _, pk := range pubkeys {
		st, ok := c.statuses.Get(pk)
		if !ok {
			continue
		}
		items = append(items, FeedItem{Profile: c.profiles.Get(pk), Status: st})
	}
	return items
}

// MyStatus returns the logged-in account's entry in category, or nil
func (c *Coordinator) MyStatus(category model.Category) *model.StatusEntry {
	s := c.Current()
	if s == nil {
		return nil
	}
	st, ok := c.statuses.Get(s.Pubkey)
	if !ok {
		return nil
	}
	return st.Get(category)
}

// Close stops the active session and its timers. The pubkey stays
// remembered for the next Restore.
func (c *Coordinator) Close() {
	c.mu.Lock()
	s := c.current
	c.current = nil
	c.mu.Unlock()

	if s == nil {
		return
	}
	s.stop()
	c.statuses.Scheduler().CancelAll()
	c.metrics.SessionStopped()
}
