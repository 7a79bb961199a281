package config

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete nostatus configuration
type Config struct {
	Identity Identity `yaml:"identity"`
	Relays   Relays   `yaml:"relays"`
	Caching  Caching  `yaml:"caching"`
	Storage  Storage  `yaml:"storage"`
	Sync     Sync     `yaml:"sync"`
	Logging  Logging  `yaml:"logging"`
	Metrics  Metrics  `yaml:"metrics"`
	Finger   Finger   `yaml:"finger"`
}

// Identity contains the account to log in with
type Identity struct {
	Npub      string `yaml:"npub"`       // npub1... or 64-char hex
	Nsec      string `yaml:"-"`          // only from NOSTATUS_NSEC
	BunkerURL string `yaml:"bunker_url"` // NIP-46 remote signer
}

// Relays contains relay configuration
type Relays struct {
	Bootstrap []string        `yaml:"bootstrap"`
	Fallback  []FallbackRelay `yaml:"fallback"`
	Policy    RelayPolicy     `yaml:"policy"`
}

// FallbackRelay is one entry of the built-in relay list used when an account has none
type FallbackRelay struct {
	URL   string `yaml:"url"`
	Read  bool   `yaml:"read"`
	Write bool   `yaml:"write"`
}

// RelayPolicy contains relay connection policies
type RelayPolicy struct {
	ConnectTimeoutMs int `yaml:"connect_timeout_ms"`
	PageSize         int `yaml:"page_size"`
}

// ConnectTimeout returns the connect timeout as a duration
func (p RelayPolicy) ConnectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeoutMs) * time.Millisecond
}

// Caching contains freshness thresholds for cached records
type Caching struct {
	Account  Freshness `yaml:"account"`
	Profiles Freshness `yaml:"profiles"`
}

// Freshness holds the stale and expire thresholds of one cached entity
type Freshness struct {
	FreshSeconds  int `yaml:"fresh_seconds"`
	ExpireSeconds int `yaml:"expire_seconds"`
}

// Fresh returns the fresh threshold as a duration
func (f Freshness) Fresh() time.Duration {
	return time.Duration(f.FreshSeconds) * time.Second
}

// Expire returns the expire threshold as a duration
func (f Freshness) Expire() time.Duration {
	return time.Duration(f.ExpireSeconds) * time.Second
}

// Storage contains storage backend settings
type Storage struct {
	Driver     string `yaml:"driver"` // memory|sqlite|badger|redis
	SQLitePath string `yaml:"sqlite_path"`
	BadgerPath string `yaml:"badger_path"`
	RedisURL   string `yaml:"redis_url"`
	EventsPath string `yaml:"events_path"` // status event store, empty = in-memory
}

// Sync contains status feed settings
type Sync struct {
	Backfill         string `yaml:"backfill"` // req|negentropy
	VerifySignatures bool   `yaml:"verify_signatures"`
}

// Logging contains logging configuration
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Metrics contains prometheus exporter settings
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Finger contains the read-only RFC 1288 status server settings
type Finger struct {
	Enabled  bool   `yaml:"enabled"`
	Bind     string `yaml:"bind"`
	Port     int    `yaml:"port"`
	MaxUsers int    `yaml:"max_users"` // 0 disables listing
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

var validStorageDrivers = map[string]bool{
	"memory": true,
	"sqlite": true,
	"badger": true,
	"redis":  true,
}

var validBackfillModes = map[string]bool{
	"req":        true,
	"negentropy": true,
}

func applyDefaults(cfg *Config) {
	defaults := Default()

	if len(cfg.Relays.Bootstrap) == 0 {
		cfg.Relays.Bootstrap = defaults.Relays.Bootstrap
	}
	if len(cfg.Relays.Fallback) == 0 {
		cfg.Relays.Fallback = defaults.Relays.Fallback
	}
	if cfg.Relays.Policy.ConnectTimeoutMs == 0 {
		cfg.Relays.Policy.ConnectTimeoutMs = defaults.Relays.Policy.ConnectTimeoutMs
	}
	if cfg.Relays.Policy.PageSize == 0 {
		cfg.Relays.Policy.PageSize = defaults.Relays.Policy.PageSize
	}

	if cfg.Caching.Account.FreshSeconds == 0 {
		cfg.Caching.Account.FreshSeconds = defaults.Caching.Account.FreshSeconds
	}
	if cfg.Caching.Account.ExpireSeconds == 0 {
		cfg.Caching.Account.ExpireSeconds = defaults.Caching.Account.ExpireSeconds
	}
	if cfg.Caching.Profiles.FreshSeconds == 0 {
		cfg.Caching.Profiles.FreshSeconds = defaults.Caching.Profiles.FreshSeconds
	}
	if cfg.Caching.Profiles.ExpireSeconds == 0 {
		cfg.Caching.Profiles.ExpireSeconds = defaults.Caching.Profiles.ExpireSeconds
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaults.Storage.Driver
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = defaults.Storage.SQLitePath
	}
	if cfg.Storage.BadgerPath == "" {
		cfg.Storage.BadgerPath = defaults.Storage.BadgerPath
	}

	if cfg.Sync.Backfill == "" {
		cfg.Sync.Backfill = defaults.Sync.Backfill
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}

	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = defaults.Metrics.Listen
	}

	if cfg.Finger.Bind == "" {
		cfg.Finger.Bind = defaults.Finger.Bind
	}
	if cfg.Finger.Port == 0 {
		cfg.Finger.Port = defaults.Finger.Port
	}
}

// Load reads, defaults, overrides and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a configuration from raw YAML
func Parse(data []byte) (*Config, error) {
	// verify_signatures defaults to true, so start from a struct that has it set
	cfg := Config{Sync: Sync{VerifySignatures: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if nsec := os.Getenv("NOSTATUS_NSEC"); nsec != "" {
		cfg.Identity.Nsec = nsec
	}
	if npub := os.Getenv("NOSTATUS_NPUB"); npub != "" {
		cfg.Identity.Npub = npub
	}
	if bunker := os.Getenv("NOSTATUS_BUNKER_URL"); bunker != "" {
		cfg.Identity.BunkerURL = bunker
	}
	if redisURL := os.Getenv("NOSTATUS_REDIS_URL"); redisURL != "" {
		cfg.Storage.RedisURL = redisURL
	}
	if level := os.Getenv("NOSTATUS_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}

	return nil
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Relays: Relays{
			Bootstrap: []string{
				"wss://relay.nostr.band",
				"wss://relayable.org",
				"wss://yabu.me",
			},
			Fallback: []FallbackRelay{
				{URL: "wss://relay.nostr.band", Read: true, Write: true},
				{URL: "wss://relayable.org", Read: true, Write: true},
				{URL: "wss://relay.damus.io", Read: false, Write: true},
				{URL: "wss://yabu.me", Read: true, Write: false},
			},
			Policy: RelayPolicy{
				ConnectTimeoutMs: 3000,
				PageSize:         500,
			},
		},
		Caching: Caching{
			Account: Freshness{
				FreshSeconds:  10 * 60,
				ExpireSeconds: 3 * 24 * 60 * 60,
			},
			Profiles: Freshness{
				FreshSeconds:  10 * 60,
				ExpireSeconds: 3 * 24 * 60 * 60,
			},
		},
		Storage: Storage{
			Driver:     "sqlite",
			SQLitePath: "./data/nostatus.db",
			BadgerPath: "./data/nostatus.badger",
			EventsPath: "./data/statuses.db",
		},
		Sync: Sync{
			Backfill:         "req",
			VerifySignatures: true,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Metrics: Metrics{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
		Finger: Finger{
			Enabled:  false,
			Bind:     "127.0.0.1",
			Port:     7979,
			MaxUsers: 50,
		},
	}
}

// Validate checks a configuration for consistency
func Validate(cfg *Config) error {
	if cfg.Identity.Npub != "" && !strings.HasPrefix(cfg.Identity.Npub, "npub1") && len(cfg.Identity.Npub) != 64 {
		return fmt.Errorf("identity.npub must be an npub1 string or a 64-char hex pubkey")
	}

	if len(cfg.Relays.Bootstrap) == 0 {
		return fmt.Errorf("at least one bootstrap relay is required")
	}
	for _, relay := range cfg.Relays.Bootstrap {
		if !isRelayURL(relay) {
			return fmt.Errorf("bootstrap relay must start with ws:// or wss://: %s", relay)
		}
	}
	for _, relay := range cfg.Relays.Fallback {
		if !isRelayURL(relay.URL) {
			return fmt.Errorf("fallback relay must start with ws:// or wss://: %s", relay.URL)
		}
	}
	if cfg.Relays.Policy.ConnectTimeoutMs < 0 {
		return fmt.Errorf("relays.policy.connect_timeout_ms must not be negative")
	}
	if cfg.Relays.Policy.PageSize < 1 || cfg.Relays.Policy.PageSize > 5000 {
		return fmt.Errorf("relays.policy.page_size must be between 1 and 5000")
	}

	for name, f := range map[string]Freshness{"account": cfg.Caching.Account, "profiles": cfg.Caching.Profiles} {
		if f.FreshSeconds < 0 || f.ExpireSeconds < f.FreshSeconds {
			return fmt.Errorf("caching.%s: expire_seconds must be >= fresh_seconds >= 0", name)
		}
	}

	if !validStorageDrivers[cfg.Storage.Driver] {
		return fmt.Errorf("invalid storage driver: %s (must be one of: memory, sqlite, badger, redis)", cfg.Storage.Driver)
	}
	if cfg.Storage.Driver == "redis" && cfg.Storage.RedisURL == "" {
		return fmt.Errorf("storage.redis_url is required when storage.driver is redis")
	}

	if !validBackfillModes[cfg.Sync.Backfill] {
		return fmt.Errorf("invalid backfill mode: %s (must be one of: req, negentropy)", cfg.Sync.Backfill)
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", cfg.Logging.Level)
	}
	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be one of: text, json)", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled is true")
	}

	if cfg.Finger.Enabled && (cfg.Finger.Port < 1 || cfg.Finger.Port > 65535) {
		return fmt.Errorf("finger.port must be between 1 and 65535")
	}
	if cfg.Finger.MaxUsers < 0 {
		return fmt.Errorf("finger.max_users must not be negative")
	}

	return nil
}

func isRelayURL(url string) bool {
	return strings.HasPrefix(url, "wss://") || strings.HasPrefix(url, "ws://")
}
