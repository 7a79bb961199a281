package nostr

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostatus/internal/config"
	"github.com/sandwichfarm/nostatus/internal/model"
)

// ParseRelayList extracts a relay list from a kind 3 (JSON content) or
// kind 10002 (r tags) event. ok is false when nothing usable was found.
func ParseRelayList(event *nostr.Event) (model.RelayList, bool) {
	switch event.Kind {
	case nostr.KindFollowList:
		return parseKind3RelayList(event)
	case nostr.KindRelayListMetadata:
		return parseKind10002RelayList(event)
	default:
		return nil, false
	}
}

func parseKind3RelayList(event *nostr.Event) (model.RelayList, bool) {
	if strings.TrimSpace(event.Content) == "" {
		return nil, false
	}

	var raw map[string]model.RelayUsage
	if err := json.Unmarshal([]byte(event.Content), &raw); err != nil {
		return nil, false
	}

	list := make(model.RelayList, len(raw))
	for url, usage := range raw {
		if url = strings.TrimSpace(url); url != "" {
			list[url] = usage
		}
	}
	if len(list) == 0 {
		return nil, false
	}
	return list, true
}

func parseKind10002RelayList(event *nostr.Event) (model.RelayList, bool) {
	list := make(model.RelayList)

	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}

		url := strings.TrimSpace(tag[1])
		if url == "" {
			continue
		}

		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}
		switch marker {
		case "":
			list[url] = model.RelayUsage{Read: true, Write: true}
		case "read":
			list[url] = model.RelayUsage{Read: true}
		case "write":
			list[url] = model.RelayUsage{Write: true}
		default:
			// unknown marker, skip the relay
		}
	}

	if len(list) == 0 {
		return nil, false
	}
	return list, true
}

// ExtractRelayListOrDefault tries candidate events newest first and returns the
// first list that parses, or fallback when none does
func ExtractRelayListOrDefault(candidates []*nostr.Event, fallback model.RelayList) model.RelayList {
	events := make([]*nostr.Event, 0, len(candidates))
	for _, ev := range candidates {
		if ev != nil {
			events = append(events, ev)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})

	for _, ev := range events {
		if list, ok := ParseRelayList(ev); ok {
			return list
		}
	}
	return fallback
}

// FallbackRelayList converts the configured fallback relays into a RelayList
func FallbackRelayList(relays []config.FallbackRelay) model.RelayList {
	list := make(model.RelayList, len(relays))
	for _, r := range relays {
		list[r.URL] = model.RelayUsage{Read: r.Read, Write: r.Write}
	}
	return list
}

// SelectReadRelays returns the read-capable relays of list
func SelectReadRelays(list model.RelayList) []string {
	return list.ReadRelays()
}

// SelectWriteRelays returns the write-capable relays of list
func SelectWriteRelays(list model.RelayList) []string {
	return list.WriteRelays()
}

// ValidateRelayURL performs basic validation on a relay URL
func ValidateRelayURL(url string) bool {
	return nostr.IsValidRelayURL(url)
}
