package nostr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip46"

	"github.com/sandwichfarm/nostatus/internal/model"
	"github.com/sandwichfarm/nostatus/internal/ops"
)

// ErrNoSigner is returned when an operation needs a signature but the session is read-only
var ErrNoSigner = errors.New("no signer available")

// Signer signs events on behalf of the logged-in account
type Signer interface {
	GetPublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, event *nostr.Event) error
}

// RelayHinter is implemented by signers that can suggest relays for their account
type RelayHinter interface {
	RelayHints(ctx context.Context) (model.RelayList, error)
}

// LocalSigner signs with a secret key held in memory
type LocalSigner struct {
	sk string
	pk string
}

// NewLocalSigner creates a signer from an nsec
func NewLocalSigner(nsec string) (*LocalSigner, error) {
	sk, err := ParseSeckey(nsec)
	if err != nil {
		return nil, err
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeckey, err)
	}
	return &LocalSigner{sk: sk, pk: pk}, nil
}

func (s *LocalSigner) GetPublicKey(context.Context) (string, error) {
	return s.pk, nil
}

func (s *LocalSigner) SignEvent(_ context.Context, event *nostr.Event) error {
	event.PubKey = s.pk
	return event.Sign(s.sk)
}

// BunkerSigner delegates signing to a NIP-46 remote signer
type BunkerSigner struct {
	client *nip46.BunkerClient
	pubkey string
}

// ConnectBunker connects to the bunker at bunkerURL using an ephemeral client key
func ConnectBunker(ctx context.Context, bunkerURL string, pool *nostr.SimplePool, logger *ops.Logger) (*BunkerSigner, error) {
	clientKey := nostr.GeneratePrivateKey()

	bunker, err := nip46.ConnectBunker(ctx, clientKey, bunkerURL, pool, func(authURL string) {
		logger.Warn("remote signer requests authorization", "url", authURL)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bunker: %w", err)
	}

	pk, err := bunker.GetPublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get public key from bunker: %w", err)
	}

	return &BunkerSigner{client: bunker, pubkey: pk}, nil
}

func (b *BunkerSigner) GetPublicKey(context.Context) (string, error) {
	return b.pubkey, nil
}

func (b *BunkerSigner) SignEvent(ctx context.Context, event *nostr.Event) error {
	return b.client.SignEvent(ctx, event)
}

// RelayHints asks the bunker for the relays it knows for the account
func (b *BunkerSigner) RelayHints(ctx context.Context) (model.RelayList, error) {
	res, err := b.client.RPC(ctx, "get_relays", nil)
	if err != nil {
		return nil, fmt.Errorf("get_relays failed: %w", err)
	}
	return decodeRelayHints(res)
}

func decodeRelayHints(raw string) (model.RelayList, error) {
	var list model.RelayList
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("failed to decode relay hints: %w", err)
	}
	return list, nil
}
