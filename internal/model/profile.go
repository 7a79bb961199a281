package model

import (
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"
)

// UndefinedEventID is the fingerprint of a profile stub that was never backed by an event
const UndefinedEventID = "undefined"

// Profile is the parsed kind 0 metadata of one pubkey.
// Two profiles are equal iff their SrcEventID matches.
type Profile struct {
	SrcEventID  string `json:"src_event_id"`
	Pubkey      string `json:"pubkey"`
	DisplayName string `json:"display_name,omitempty"`
	Name        string `json:"name,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	Picture     string `json:"picture,omitempty"`
	CreatedAt   int64  `json:"created_at,omitempty"`
}

// StubProfile returns the placeholder used when no profile event is known
func StubProfile(pubkey string) Profile {
	return Profile{SrcEventID: UndefinedEventID, Pubkey: pubkey}
}

// IsStub reports whether p carries no parsed metadata
func (p Profile) IsStub() bool {
	return p.SrcEventID == UndefinedEventID
}

// Label returns the best human-readable name for p
func (p Profile) Label() string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.Name != "":
		return p.Name
	default:
		return p.Pubkey
	}
}

// ProfileFromEvent parses a kind 0 event. A wrong kind or malformed
// content yields a profile with only the pubkey and event id set.
func ProfileFromEvent(ev *nostr.Event) Profile {
	p := Profile{SrcEventID: ev.ID, Pubkey: ev.PubKey, CreatedAt: int64(ev.CreatedAt)}
	if ev.Kind != nostr.KindProfileMetadata {
		return p
	}

	var content map[string]any
	if err := json.Unmarshal([]byte(ev.Content), &content); err != nil {
		return p
	}

	p.DisplayName = stringField(content, "display_name")
	if p.DisplayName == "" {
		p.DisplayName = stringField(content, "displayName")
	}
	p.Name = stringField(content, "name")
	p.Nip05 = stringField(content, "nip05")
	p.Picture = stringField(content, "picture")
	return p
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
