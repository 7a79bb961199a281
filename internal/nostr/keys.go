package nostr

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
)

var (
	// ErrInvalidPubkey is returned when a pubkey is neither an npub nor 64-char lowercase hex
	ErrInvalidPubkey = errors.New("invalid pubkey")
	// ErrInvalidSeckey is returned when a secret key is not a valid nsec
	ErrInvalidSeckey = errors.New("invalid secret key")
)

var hex32 = regexp.MustCompile(`^[a-f0-9]{64}$`)

// ParsePubkey accepts an npub or a hex pubkey and returns the hex form
func ParsePubkey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
		}
		pk, ok := value.(string)
		if prefix != "npub" || !ok {
			return "", fmt.Errorf("%w: unexpected %s entity", ErrInvalidPubkey, prefix)
		}
		return pk, nil
	}

	if !hex32.MatchString(s) {
		return "", ErrInvalidPubkey
	}
	return s, nil
}

// ParseSeckey decodes an nsec into its hex secret key
func ParseSeckey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "nsec1") {
		return "", ErrInvalidSeckey
	}

	prefix, value, err := nip19.Decode(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSeckey, err)
	}
	sk, ok := value.(string)
	if prefix != "nsec" || !ok {
		return "", fmt.Errorf("%w: unexpected %s entity", ErrInvalidSeckey, prefix)
	}
	return sk, nil
}
