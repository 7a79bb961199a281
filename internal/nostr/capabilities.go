package nostr

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr/nip11"
)

// RelayCapabilities is what we know about a relay's protocol support
type RelayCapabilities struct {
	URL                string `json:"url"`
	SupportsNegentropy bool   `json:"supports_negentropy"`
	Software           string `json:"software,omitempty"`
	Version            string `json:"version,omitempty"`
}

// DetectCapabilities reads the relay information document (NIP-11) of url.
// Relays that do not list NIP-77 are assumed not to support negentropy.
func (c *Client) DetectCapabilities(ctx context.Context, url string) (*RelayCapabilities, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	info, err := nip11.Fetch(fetchCtx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch NIP-11 info: %w", err)
	}

	caps := &RelayCapabilities{
		URL:      url,
		Software: info.Software,
		Version:  info.Version,
	}
	for _, nip := range info.SupportedNIPs {
		if nipNumber(nip) == 77 {
			caps.SupportsNegentropy = true
			break
		}
	}
	return caps, nil
}

// nipNumber normalizes supported_nips entries, which relays send as numbers or strings
func nipNumber(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}
