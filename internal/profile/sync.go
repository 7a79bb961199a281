package profile

import (
	"context"
	"errors"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostatus/internal/model"
	"github.com/sandwichfarm/nostatus/internal/nostr"
	"github.com/sandwichfarm/nostatus/internal/ops"
	"github.com/sandwichfarm/nostatus/internal/storage"
)

// ErrSuperseded is returned when the store was reset while a sync was running
var ErrSuperseded = errors.New("profile sync superseded")

// Fetcher is the relay primitive the synchronizer needs
type Fetcher interface {
	FetchLastPerAuthor(ctx context.Context, relays []string, filter gonostr.Filter) <-chan nostr.AuthorResult
}

// Synchronizer keeps the profile store populated for a set of pubkeys
type Synchronizer struct {
	fetcher Fetcher
	cache   *storage.Cache[model.Profile]
	store   *Store
	logger  *ops.Logger
}

func NewSynchronizer(fetcher Fetcher, cache *storage.Cache[model.Profile], store *Store, logger *ops.Logger) *Synchronizer {
	return &Synchronizer{
		fetcher: fetcher,
		cache:   cache,
		store:   store,
		logger:  logger.WithComponent("profiles"),
	}
}

// Result summarizes one Sync run
type Result struct {
	CacheHits int
	Requested int
	Fetched   int
}

// Sync loads cached profiles of pubkeys into the store, then fetches the
// latest profile of every pubkey without a fresh cache hit from relays.
// Each fetched profile is applied as it arrives. Newly fetched profiles are
// persisted once the fetch completes; nothing is written after ctx is cancelled.
func (s *Synchronizer) Sync(ctx context.Context, pubkeys []string, relays []string) (Result, error) {
	var res Result
	gen := s.store.Generation()

	cached, err := s.cache.GetMany(ctx, pubkeys)
	if err != nil {
		s.logger.Warn("profile cache read failed", "error", err)
	}

	var toFetch []string
	for _, pk := range pubkeys {
		entry, hit := cached[pk]
		if hit {
			if !s.store.Set(gen, entry.Value) {
				return res, ErrSuperseded
			}
			res.CacheHits++
			if entry.Tier == storage.Fresh {
				continue
			}
		}
		toFetch = append(toFetch, pk)
	}

	res.Requested = len(toFetch)
	if len(toFetch) == 0 || len(relays) == 0 {
		return res, ctx.Err()
	}

	start := time.Now()
	fetched := make(map[string]model.Profile, len(toFetch))
	results := s.fetcher.FetchLastPerAuthor(ctx, relays, gonostr.Filter{
		Kinds:   []int{gonostr.KindProfileMetadata},
		Authors: toFetch,
	})
	for r := range results {
		if ctx.Err() != nil {
			break
		}
		if r.Event == nil {
			continue
		}
		p := model.ProfileFromEvent(r.Event)
		if !s.store.Set(gen, p) {
			break
		}
		fetched[p.Pubkey] = p
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if gen != s.store.Generation() {
		return res, ErrSuperseded
	}

	res.Fetched = len(fetched)
	s.logger.LogRelayFetch("profiles", len(relays), len(fetched), time.Since(start), nil)

	if err := s.cache.PutMany(ctx, fetched); err != nil {
		s.logger.Warn("failed to persist profiles", "error", err)
	}
	return res, nil
}
