package sync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fiatjaf/eventstore"
	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip77"
	"golang.org/x/sync/errgroup"

	"github.com/sandwichfarm/nostatus/internal/nostr"
	"github.com/sandwichfarm/nostatus/internal/ops"
	"github.com/sandwichfarm/nostatus/internal/storage"
)

const (
	negentropyTimeout  = 30 * time.Second
	negentropyParallel = 4

	// CapabilitiesTTL is how long a relay's NIP-11 capabilities are trusted
	CapabilitiesTTL = 7 * 24 * time.Hour
)

// CapabilityDetector reads relay capabilities
type CapabilityDetector interface {
	DetectCapabilities(ctx context.Context, url string) (*nostr.RelayCapabilities, error)
}

type reconcileFunc func(ctx context.Context, store eventstore.Store, url string, filter gonostr.Filter) error

// Negentropy reconciles the local event store with relays over NIP-77
type Negentropy struct {
	events    *storage.Events
	caps      *storage.Cache[nostr.RelayCapabilities]
	detector  CapabilityDetector
	reconcile reconcileFunc
	logger    *ops.Logger
}

// CapabilitiesPolicy is the freshness policy of the relay capability cache
func CapabilitiesPolicy() storage.Policy {
	return storage.Policy{Fresh: CapabilitiesTTL, Expire: CapabilitiesTTL}
}

func NewNegentropy(events *storage.Events, caps *storage.Cache[nostr.RelayCapabilities], detector CapabilityDetector, logger *ops.Logger) *Negentropy {
	return &Negentropy{
		events:    events,
		caps:      caps,
		detector:  detector,
		reconcile: negentropyDown,
		logger:    logger.WithComponent("negentropy"),
	}
}

func negentropyDown(ctx context.Context, store eventstore.Store, url string, filter gonostr.Filter) error {
	return nip77.NegentropySync(ctx, &eventstore.RelayWrapper{Store: store}, url, filter, nip77.Down)
}

// Reconcile pulls missing events matching filter from every relay that
// supports NIP-77 into the local event store. It returns the relays that
// could not be reconciled and need a REQ backfill instead.
func (n *Negentropy) Reconcile(ctx context.Context, relays []string, filter gonostr.Filter) []string {
	var (
		mu       sync.Mutex
		fallback []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(negentropyParallel)
	for _, url := range relays {
		url := url
		g.Go(func() error {
			ok, err := n.syncRelay(gctx, url, filter)
			if err != nil {
				n.logger.Warn("negentropy failed, falling back to REQ", "relay", url, "error", err)
			}
			if !ok {
				mu.Lock()
				fallback = append(fallback, url)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return fallback
}

// syncRelay returns false when url must be backfilled with REQ
func (n *Negentropy) syncRelay(ctx context.Context, url string, filter gonostr.Filter) (bool, error) {
	caps, _, err := n.caps.Lookup(ctx, url, func(ctx context.Context) (nostr.RelayCapabilities, error) {
		c, err := n.detector.DetectCapabilities(ctx, url)
		if err != nil {
			return nostr.RelayCapabilities{}, err
		}
		return *c, nil
	}, nil)
	if err != nil {
		return false, fmt.Errorf("capability check: %w", err)
	}
	if !caps.SupportsNegentropy {
		return false, nil
	}

	syncCtx, cancel := context.WithTimeout(ctx, negentropyTimeout)
	defer cancel()

	start := time.Now()
	if err := n.reconcile(syncCtx, n.events.Store(), url, filter); err != nil {
		if isNegentropyUnsupportedError(err) {
			n.markUnsupported(ctx, caps)
			return false, nil
		}
		return false, err
	}

	n.logger.Debug("negentropy sync complete", "relay", url, "duration_ms", time.Since(start).Milliseconds())
	return true, nil
}

func (n *Negentropy) markUnsupported(ctx context.Context, caps nostr.RelayCapabilities) {
	caps.SupportsNegentropy = false
	if err := n.caps.Put(ctx, caps.URL, caps); err != nil {
		n.logger.Warn("failed to update relay capabilities", "relay", caps.URL, "error", err)
	}
	n.logger.Info("relay does not support negentropy", "relay", caps.URL)
}

var unsupportedPatterns = []string{
	"unsupported",
	"unknown message",
	"neg-open",
	"neg-err",
	"negentropy",
	"invalid",
}

// isNegentropyUnsupportedError checks if an error indicates NIP-77 is not supported
func isNegentropyUnsupportedError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range unsupportedPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
