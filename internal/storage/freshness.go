package storage

import (
	"time"

	"github.com/sandwichfarm/nostatus/internal/config"
)

// Tier classifies a cached record by age
type Tier int

const (
	// Fresh records are served as-is
	Fresh Tier = iota
	// Stale records are served and revalidated in the background
	Stale
	// Expired records are treated as missing
	Expired
)

func (t Tier) String() string {
	switch t {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "expired"
	}
}

// Policy holds the age thresholds of one kind of record.
// A zero Expire means records never expire, only go stale.
type Policy struct {
	Fresh  time.Duration
	Expire time.Duration
}

// PolicyFrom converts configured thresholds
func PolicyFrom(f config.Freshness) Policy {
	return Policy{Fresh: f.Fresh(), Expire: f.Expire()}
}

// Classify returns the tier of a record fetched at fetchedAt
func (p Policy) Classify(fetchedAt, now time.Time) Tier {
	age := now.Sub(fetchedAt)
	switch {
	case age <= p.Fresh:
		return Fresh
	case p.Expire == 0 || age <= p.Expire:
		return Stale
	default:
		return Expired
	}
}
