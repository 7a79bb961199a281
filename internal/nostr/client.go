package nostr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/sandwichfarm/nostatus/internal/config"
	"github.com/sandwichfarm/nostatus/internal/ops"
)

const (
	defaultTimeout     = 3 * time.Second
	defaultPageSize    = 500
	perAuthorParallel  = 8
	liveChannelBuffer  = 100
	authorResultBuffer = 16
)

// Client provides the relay primitives the sync engine is built on
type Client struct {
	pool     *nostr.SimplePool
	timeout  time.Duration
	pageSize int
	verify   bool
	logger   *ops.Logger
	metrics  *ops.Metrics
}

// Option configures a Client
type Option func(*Client)

// WithSignatureVerification toggles verification of live events
func WithSignatureVerification(enabled bool) Option {
	return func(c *Client) { c.verify = enabled }
}

// WithLogger sets the client logger
func WithLogger(logger *ops.Logger) Option {
	return func(c *Client) { c.logger = logger.WithComponent("relays") }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *ops.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a new Nostr client with the given configuration
func New(ctx context.Context, relayConfig *config.Relays, opts ...Option) *Client {
	c := &Client{
		pool:     nostr.NewSimplePool(ctx),
		timeout:  defaultTimeout,
		pageSize: defaultPageSize,
		verify:   true,
		logger:   ops.Discard(),
	}
	if relayConfig != nil {
		if relayConfig.Policy.ConnectTimeoutMs > 0 {
			c.timeout = relayConfig.Policy.ConnectTimeout()
		}
		if relayConfig.Policy.PageSize > 0 {
			c.pageSize = relayConfig.Policy.PageSize
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pool returns the underlying SimplePool for advanced operations
func (c *Client) Pool() *nostr.SimplePool {
	return c.pool
}

// Timeout returns the per-query timeout
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// FetchLast returns the most recent event matching filter, or nil when no
// relay had one before the timeout. Unreachable relays are not an error.
func (c *Client) FetchLast(ctx context.Context, relays []string, filter nostr.Filter) (*nostr.Event, error) {
	if len(relays) == 0 {
		return nil, fmt.Errorf("no relays to query")
	}

	start := time.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var latest *nostr.Event
	for relayEvent := range c.pool.SubManyEose(fetchCtx, relays, nostr.Filters{filter}) {
		if relayEvent.Event == nil {
			continue
		}
		if latest == nil || relayEvent.Event.CreatedAt > latest.CreatedAt {
			latest = relayEvent.Event
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	found := 0
	if latest != nil {
		found = 1
	}
	c.logger.LogRelayFetch(fmt.Sprintf("last %v", filter.Kinds), len(relays), found, time.Since(start), nil)
	c.metrics.RelayFetch("last", nil)
	return latest, nil
}

// AuthorResult is one per-author outcome of FetchLastPerAuthor.
// Event is nil when the author had no matching event.
type AuthorResult struct {
	Pubkey string
	Event  *nostr.Event
}

// FetchLastPerAuthor queries the latest event of each author in filter.Authors.
// Results are delivered as each author completes; the channel closes when all
// authors are done or ctx is cancelled.
func (c *Client) FetchLastPerAuthor(ctx context.Context, relays []string, filter nostr.Filter) <-chan AuthorResult {
	out := make(chan AuthorResult, authorResultBuffer)

	go func() {
		defer close(out)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(perAuthorParallel)

		for _, author := range filter.Authors {
			author := author
			g.Go(func() error {
				f := filter
				f.Authors = []string{author}
				f.Limit = 1

				ev, err := c.FetchLast(gctx, relays, f)
				if err != nil {
					return err
				}
				select {
				case out <- AuthorResult{Pubkey: author, Event: ev}:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("per-author fetch stopped", "error", err)
		}
	}()

	return out
}

// IterateAll pages backwards through every event matching filter, page size
// events at a time. Each relay is paged with its own cursor until a page
// yields nothing new from it. Duplicate ids across relays and pages are
// delivered once.
func (c *Client) IterateAll(ctx context.Context, relays []string, filter nostr.Filter) <-chan *nostr.Event {
	out := make(chan *nostr.Event, c.pageSize)

	go func() {
		defer close(out)

		dedup := newSeenSet()
		var wg sync.WaitGroup
		for _, url := range relays {
			url := url
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.iterateRelay(ctx, url, filter, dedup, out)
			}()
		}
		wg.Wait()
	}()

	return out
}

func (c *Client) iterateRelay(ctx context.Context, url string, filter nostr.Filter, dedup *seenSet, out chan<- *nostr.Event) {
	local := make(map[string]struct{})
	until := filter.Until
	pages, delivered := 0, 0

	for {
		page := filter
		page.Until = until
		page.Limit = c.pageSize

		fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
		fresh := 0
		var oldest *nostr.Timestamp
		for relayEvent := range c.pool.SubManyEose(fetchCtx, []string{url}, nostr.Filters{page}) {
			ev := relayEvent.Event
			if ev == nil {
				continue
			}
			if oldest == nil || ev.CreatedAt < *oldest {
				ts := ev.CreatedAt
				oldest = &ts
			}
			if _, dup := local[ev.ID]; dup {
				continue
			}
			local[ev.ID] = struct{}{}
			fresh++
			if !dedup.add(ev.ID) {
				continue
			}

			select {
			case out <- ev:
				delivered++
			case <-ctx.Done():
				cancel()
				return
			}
		}
		cancel()
		pages++

		if ctx.Err() != nil {
			return
		}
		// relays may cap limits below the page size, so a short page does not end the walk
		if fresh == 0 || oldest == nil {
			break
		}
		if filter.Since != nil && *oldest <= *filter.Since {
			break
		}
		// until is inclusive, so events sharing the oldest second are refetched and skipped
		until = oldest
	}

	c.logger.Debug("backfill iteration complete", "relay", url, "events", delivered, "pages", pages)
}

// SubscribeLive streams events matching filter until ctx is cancelled.
// Events are de-duplicated by id and, when enabled, signature-verified.
func (c *Client) SubscribeLive(ctx context.Context, relays []string, filter nostr.Filter) <-chan *nostr.Event {
	out := make(chan *nostr.Event, liveChannelBuffer)

	go func() {
		defer close(out)

		dedup := newSeenSet()
		for relayEvent := range c.pool.SubMany(ctx, relays, nostr.Filters{filter}) {
			ev := relayEvent.Event
			if ev == nil {
				continue
			}
			if !dedup.add(ev.ID) {
				continue
			}
			if c.verify && !VerifyEvent(ev) {
				c.logger.Debug("dropping event with invalid signature", "event_id", ops.ShortKey(ev.ID))
				continue
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Publish sends a signed event to relays. It succeeds if at least one relay accepted it.
func (c *Client) Publish(ctx context.Context, relays []string, event *nostr.Event) error {
	if len(relays) == 0 {
		return fmt.Errorf("no write relays configured")
	}

	pubCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lastErr error
	successCount := 0
	for result := range c.pool.PublishMany(pubCtx, relays, *event) {
		if result.Error != nil {
			lastErr = result.Error
		} else {
			successCount++
		}
	}

	var err error
	if successCount == 0 {
		if lastErr == nil {
			lastErr = pubCtx.Err()
		}
		err = fmt.Errorf("failed to publish to any relay: %w", lastErr)
	}
	c.logger.LogPublish(event.ID, successCount, err)
	c.metrics.Publish(err)
	return err
}

// Close closes all relay connections
func (c *Client) Close() {
	c.pool.Close("client shutting down")
}

// seenSet remembers event ids delivered on a live stream
type seenSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newSeenSet() *seenSet {
	return &seenSet{ids: make(map[string]struct{})}
}

// add returns false if id was already present
func (s *seenSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}
