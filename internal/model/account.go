package model

import "sort"

// RelayUsage holds the capability flags of one relay
type RelayUsage struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

// RelayList maps relay URLs to their capability flags
type RelayList map[string]RelayUsage

// ReadRelays returns the relays usable for reading, sorted
func (rl RelayList) ReadRelays() []string {
	return rl.selectBy(func(u RelayUsage) bool { return u.Read })
}

// WriteRelays returns the relays usable for writing, sorted
func (rl RelayList) WriteRelays() []string {
	return rl.selectBy(func(u RelayUsage) bool { return u.Write })
}

func (rl RelayList) selectBy(keep func(RelayUsage) bool) []string {
	urls := make([]string, 0, len(rl))
	for url, usage := range rl {
		if keep(usage) {
			urls = append(urls, url)
		}
	}
	sort.Strings(urls)
	return urls
}

// AccountMetadata is the bootstrapped snapshot of the logged-in account
type AccountMetadata struct {
	Profile       Profile   `json:"profile"`
	Followings    []string  `json:"followings"`
	RelayList     RelayList `json:"relay_list"`
	LastFetchedAt int64     `json:"last_fetched_at"`
}
