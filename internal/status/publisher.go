package status

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostatus/internal/model"
	"github.com/sandwichfarm/nostatus/internal/nostr"
	"github.com/sandwichfarm/nostatus/internal/ops"
)

// Broadcaster sends signed events to relays
type Broadcaster interface {
	Publish(ctx context.Context, relays []string, event *gonostr.Event) error
}

// PublishInput describes a status to post. Empty Content clears the category.
type PublishInput struct {
	Category model.Category
	Content  string
	LinkURL  string
	TTL      time.Duration // zero means no expiration
}

// Publisher signs status events, echoes them into the local store and
// broadcasts them to the write relays
type Publisher struct {
	signer      nostr.Signer
	store       *Store
	broadcaster Broadcaster
	writeRelays func() []string
	now         func() time.Time
	logger      *ops.Logger
}

func NewPublisher(signer nostr.Signer, store *Store, broadcaster Broadcaster, writeRelays func() []string, logger *ops.Logger) *Publisher {
	return &Publisher{
		signer:      signer,
		store:       store,
		broadcaster: broadcaster,
		writeRelays: writeRelays,
		now:         time.Now,
		logger:      logger.WithComponent("publisher"),
	}
}

// BuildEvent creates the unsigned status event for in at now
func BuildEvent(in PublishInput, now time.Time) *gonostr.Event {
	tags := gonostr.Tags{{"d", in.Category.String()}}
	if in.LinkURL != "" {
		tags = append(tags, gonostr.Tag{"r", in.LinkURL})
	}
	if in.TTL > 0 {
		exp := now.Add(in.TTL).Unix()
		tags = append(tags, gonostr.Tag{"expiration", strconv.FormatInt(exp, 10)})
	}
	return &gonostr.Event{
		Kind:      model.KindUserStatus,
		CreatedAt: gonostr.Timestamp(now.Unix()),
		Tags:      tags,
		Content:   strings.TrimSpace(in.Content),
	}
}

// Publish signs and posts a status. The local store reflects the new status
// before relays are contacted, and is not rolled back if broadcasting fails.
func (p *Publisher) Publish(ctx context.Context, in PublishInput) (*gonostr.Event, error) {
	if p.signer == nil {
		return nil, nostr.ErrNoSigner
	}

	ev := BuildEvent(in, p.now())
	if err := p.signer.SignEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to sign status: %w", err)
	}

	outcome := p.store.Apply(p.store.Generation(), ev)
	p.logger.Debug("local echo", "event_id", ops.ShortKey(ev.ID), "outcome", outcome.String())

	relays := p.writeRelays()
	if err := p.broadcaster.Publish(ctx, relays, ev); err != nil {
		return ev, fmt.Errorf("failed to broadcast status: %w", err)
	}
	return ev, nil
}
