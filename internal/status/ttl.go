package status

import (
	"fmt"
	"strings"
	"time"
)

// TTLPreset is a named status lifetime
type TTLPreset struct {
	Name     string
	Duration time.Duration
}

// TTLPresets are the lifetimes offered when posting. "never" has no expiration.
var TTLPresets = []TTLPreset{
	{"10m", 10 * time.Minute},
	{"30m", 30 * time.Minute},
	{"1h", time.Hour},
	{"4h", 4 * time.Hour},
	{"8h", 8 * time.Hour},
	{"1d", 24 * time.Hour},
	{"never", 0},
}

// ParseTTL accepts a preset name or any positive Go duration
func ParseTTL(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	for _, p := range TTLPresets {
		if p.Name == s {
			return p.Duration, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid ttl %q (presets: %s)", s, strings.Join(TTLPresetNames(), ", "))
	}
	return d, nil
}

// TTLPresetNames lists preset names in offer order
func TTLPresetNames() []string {
	names := make([]string, len(TTLPresets))
	for i, p := range TTLPresets {
		names[i] = p.Name
	}
	return names
}
