package nostr

import (
	"context"
	"sort"

	"github.com/sandwichfarm/nostatus/internal/ops"
)

// ResolveBootstrapRelays returns the read relays suggested by hinter, or
// defaults when there is no hinter or it yields no usable read relay.
// isDefault reports which of the two was chosen.
func ResolveBootstrapRelays(ctx context.Context, hinter RelayHinter, defaults []string, logger *ops.Logger) (relays []string, isDefault bool) {
	if hinter == nil {
		return defaults, true
	}

	hints, err := hinter.RelayHints(ctx)
	if err != nil {
		logger.Warn("signer relay hints unavailable, using defaults", "error", err)
		return defaults, true
	}

	for url, usage := range hints {
		if usage.Read && ValidateRelayURL(url) {
			relays = append(relays, url)
		}
	}
	if len(relays) == 0 {
		return defaults, true
	}

	sort.Strings(relays)
	return relays, false
}
