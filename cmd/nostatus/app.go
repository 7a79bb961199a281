package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sandwichfarm/nostatus/internal/config"
	"github.com/sandwichfarm/nostatus/internal/nostr"
	"github.com/sandwichfarm/nostatus/internal/ops"
	"github.com/sandwichfarm/nostatus/internal/session"
	"github.com/sandwichfarm/nostatus/internal/storage"
	feed "github.com/sandwichfarm/nostatus/internal/sync"
)

// app holds everything a command needs, opened from one config file
type app struct {
	cfg     *config.Config
	logger  *ops.Logger
	metrics *ops.Metrics
	client  *nostr.Client
	backend storage.Backend
	events  *storage.Events
	coord   *session.Coordinator
}

func openApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger := ops.NewLogger(&cfg.Logging)
	ops.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	if cfg.Metrics.Enabled {
		a.metrics = ops.NewMetrics()
	}

	a.backend, err = storage.New(ctx, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a.events, err = storage.OpenEvents(&cfg.Storage)
	if err != nil {
		a.backend.Close()
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}

	a.client = nostr.New(ctx, &cfg.Relays,
		nostr.WithSignatureVerification(cfg.Sync.VerifySignatures),
		nostr.WithLogger(logger),
		nostr.WithMetrics(a.metrics),
	)

	opts := session.Options{
		Relays:        a.client,
		Backend:       a.backend,
		Events:        a.events,
		ConnectBunker: a.connectBunker,
		Logger:        logger,
		Metrics:       a.metrics,
	}
	if cfg.Sync.Backfill == "negentropy" {
		caps := storage.NewCache[nostr.RelayCapabilities](a.backend, "relay_caps", feed.CapabilitiesPolicy(),
			storage.WithCacheLogger(logger),
			storage.WithCacheMetrics(a.metrics),
		)
		opts.Negentropy = feed.NewNegentropy(a.events, caps, a.client, logger)
	}
	a.coord = session.New(cfg, opts)

	return a, nil
}

func (a *app) connectBunker(ctx context.Context, bunkerURL string) (nostr.Signer, error) {
	signer, err := nostr.ConnectBunker(ctx, bunkerURL, a.client.Pool(), a.logger)
	if err != nil {
		return nil, err
	}
	return signer, nil
}

// login signs in with the configured identity, preferring a signer over a
// read-only pubkey, and falls back to the remembered session
func (a *app) login(ctx context.Context) (*session.Session, error) {
	id := a.cfg.Identity
	for _, credential := range []string{id.BunkerURL, id.Nsec, id.Npub} {
		if credential != "" {
			return a.coord.Login(ctx, credential)
		}
	}

	s, err := a.coord.Restore(ctx)
	if errors.Is(err, session.ErrNotLoggedIn) {
		return nil, fmt.Errorf("no identity configured and no remembered session")
	}
	return s, err
}

func (a *app) close() {
	a.coord.Close()
	a.client.Close()
	a.events.Close()
	if err := a.backend.Close(); err != nil {
		a.logger.Warn("failed to close storage", "error", err)
	}
}
