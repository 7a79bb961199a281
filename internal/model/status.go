package model

import (
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// KindUserStatus is the parameterized replaceable kind carrying user statuses (NIP-38)
const KindUserStatus = 30315

// Category is the sub-classification of a status event
type Category int

const (
	General Category = iota
	Music
)

// Categories lists every supported category in a fixed order
var Categories = [...]Category{General, Music}

func (c Category) String() string {
	switch c {
	case General:
		return "general"
	case Music:
		return "music"
	default:
		return "unknown"
	}
}

// ParseCategory maps a d tag value to a Category
func ParseCategory(s string) (Category, bool) {
	switch s {
	case "general":
		return General, true
	case "music":
		return Music, true
	default:
		return 0, false
	}
}

// StatusEntry is the current status of one pubkey in one category
type StatusEntry struct {
	SrcEvent   *nostr.Event
	Content    string
	LinkURL    string
	CreatedAt  nostr.Timestamp
	Expiration *nostr.Timestamp
}

// ExpiredAt reports whether the entry declares an expiration at or before now
func (e *StatusEntry) ExpiredAt(now nostr.Timestamp) bool {
	return e.Expiration != nil && *e.Expiration <= now
}

// StatusFromEvent parses a status event. ok is false when the event has no
// supported category. Content is trimmed and never fails to parse.
func StatusFromEvent(ev *nostr.Event) (cat Category, entry *StatusEntry, ok bool) {
	cat, ok = ParseCategory(firstTagValue(ev.Tags, "d"))
	if !ok {
		return 0, nil, false
	}

	entry = &StatusEntry{
		SrcEvent:  ev,
		Content:   strings.TrimSpace(ev.Content),
		LinkURL:   firstTagValue(ev.Tags, "r"),
		CreatedAt: ev.CreatedAt,
	}
	if exp := firstTagValue(ev.Tags, "expiration"); exp != "" {
		if v, err := strconv.ParseInt(exp, 10, 64); err == nil {
			ts := nostr.Timestamp(v)
			entry.Expiration = &ts
		}
	}
	return cat, entry, true
}

func firstTagValue(tags nostr.Tags, name string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// UserStatus aggregates both categories of one pubkey
type UserStatus struct {
	Pubkey  string
	General *StatusEntry
	Music   *StatusEntry
}

// Get returns the entry for c, or nil
func (u UserStatus) Get(c Category) *StatusEntry {
	if c == Music {
		return u.Music
	}
	return u.General
}

// With returns a copy of u with the entry for c replaced
func (u UserStatus) With(c Category, e *StatusEntry) UserStatus {
	if c == Music {
		u.Music = e
	} else {
		u.General = e
	}
	return u
}

// IsEmpty reports whether neither category is present
func (u UserStatus) IsEmpty() bool {
	return u.General == nil && u.Music == nil
}

// LastUpdateTime is the newest CreatedAt across present categories
func (u UserStatus) LastUpdateTime() nostr.Timestamp {
	var last nostr.Timestamp
	for _, c := range Categories {
		if e := u.Get(c); e != nil && e.CreatedAt > last {
			last = e.CreatedAt
		}
	}
	return last
}

// ContentID is a composite of both categories' source event ids, used to
// detect updates that change nothing observable
func (u UserStatus) ContentID() string {
	var b strings.Builder
	for _, c := range Categories {
		if e := u.Get(c); e != nil && e.SrcEvent != nil {
			b.WriteString(e.SrcEvent.ID)
		} else {
			b.WriteString(c.String())
			b.WriteString("_undefined")
		}
	}
	return b.String()
}
