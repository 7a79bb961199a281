package finger

import (
	"fmt"
	"strings"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/sandwichfarm/nostatus/internal/model"
	"github.com/sandwichfarm/nostatus/internal/nostr"
	"github.com/sandwichfarm/nostatus/internal/session"
)

// Feed is the status feed a Handler renders
type Feed interface {
	Feed() []session.FeedItem
}

// Handler handles Finger protocol queries
type Handler struct {
	feed     Feed
	maxUsers int
	now      func() time.Time
}

// NewHandler creates a query handler listing at most maxUsers entries
func NewHandler(feed Feed, maxUsers int) *Handler {
	return &Handler{feed: feed, maxUsers: maxUsers, now: time.Now}
}

// Query represents a parsed Finger query
type Query struct {
	Verbose  bool   // /W flag
	Username string // npub, hex pubkey or display name
	Host     string // forwarding target, not supported
}

// ParseQuery parses a Finger protocol query
// Format: [/W] [username][@hostname] <CRLF>
func ParseQuery(query string) *Query {
	q := &Query{}

	parts := strings.SplitN(query, "@", 2)
	userPart := strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		q.Host = parts[1]
	}

	if strings.HasPrefix(userPart, "/W") || strings.HasPrefix(userPart, "/w") {
		q.Verbose = true
		userPart = strings.TrimSpace(userPart[2:])
	}

	q.Username = userPart
	return q
}

// Handle processes a Finger query and returns a response
func (h *Handler) Handle(queryStr string) string {
	query := ParseQuery(queryStr)

	if query.Host != "" {
		return "Forwarding to other hosts not supported.\n"
	}
	if query.Username == "" {
		return h.listUsers(query.Verbose)
	}
	return h.userInfo(query.Username, query.Verbose)
}

func (h *Handler) listUsers(verbose bool) string {
	if h.maxUsers <= 0 {
		return "User listing disabled.\n"
	}

	items := h.feed.Feed()
	if len(items) == 0 {
		return "Nobody has a status right now.\n"
	}

	var b strings.Builder
	for i, item := range items {
		if i == h.maxUsers {
			fmt.Fprintf(&b, "... and %d more\n", len(items)-i)
			break
		}
		if verbose {
			b.WriteString(h.renderUser(item, true))
			b.WriteString("\n")
			continue
		}
		for _, c := range model.Categories {
			if e := item.Status.Get(c); e != nil {
				fmt.Fprintf(&b, "%-24s %-8s %s (%s)\n", truncate(item.Profile.Label(), 24), c, e.Content, h.ago(e.CreatedAt))
			}
		}
	}
	return b.String()
}

func (h *Handler) userInfo(username string, verbose bool) string {
	item, ok := h.find(username)
	if !ok {
		return fmt.Sprintf("User not found: %s\n", username)
	}
	return h.renderUser(item, verbose)
}

// find matches username against pubkeys first, then display names
func (h *Handler) find(username string) (session.FeedItem, bool) {
	items := h.feed.Feed()
	if pk, err := nostr.ParsePubkey(username); err == nil {
		for _, item := range items {
			if item.Status.Pubkey == pk {
				return item, true
			}
		}
		return session.FeedItem{}, false
	}
	for _, item := range items {
		p := item.Profile
		if strings.EqualFold(p.DisplayName, username) || strings.EqualFold(p.Name, username) {
			return item, true
		}
	}
	return session.FeedItem{}, false
}

func (h *Handler) renderUser(item session.FeedItem, verbose bool) string {
	var b strings.Builder

	pubkey := item.Status.Pubkey
	if npub, err := nip19.EncodePublicKey(pubkey); err == nil {
		pubkey = npub
	}
	fmt.Fprintf(&b, "User: %s\n", item.Profile.Label())
	fmt.Fprintf(&b, "Pubkey: %s\n", pubkey)
	if verbose && item.Profile.Nip05 != "" {
		fmt.Fprintf(&b, "NIP-05: %s\n", item.Profile.Nip05)
	}

	for _, c := range model.Categories {
		e := item.Status.Get(c)
		if e == nil {
			continue
		}
		fmt.Fprintf(&b, "%s: %s (%s)\n", strings.ToUpper(c.String()[:1])+c.String()[1:], e.Content, h.ago(e.CreatedAt))
		if !verbose {
			continue
		}
		if e.LinkURL != "" {
			fmt.Fprintf(&b, "  Link: %s\n", e.LinkURL)
		}
		if e.Expiration != nil {
			fmt.Fprintf(&b, "  Expires: %s\n", e.Expiration.Time().UTC().Format(time.RFC3339))
		}
	}
	return b.String()
}

func (h *Handler) ago(ts gonostr.Timestamp) string {
	d := h.now().Sub(ts.Time())
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// truncate shortens s to n runes
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
