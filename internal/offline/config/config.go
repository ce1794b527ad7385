// Package config holds runtime settings for the offline synchronization
// subsystem. Values are resolved in three layers: built-in defaults, then a
// JSON file (if -c/-config points at one), then command-line flags. Later
// sources take precedence.
package config

import "time"

type Config struct {
	// ServerEndpointAddr is the base URL of the authoritative server,
	// e.g. "https://api.example.com".
	ServerEndpointAddr string

	// DatabasePath is the location of the local SQLite database file.
	DatabasePath string

	// OnlineCheckInterval is how often connectivity is re-probed.
	OnlineCheckInterval time.Duration

	// ReconnectSettleDelay is waited after an offline→online transition
	// before reconnection work starts, to avoid flapping.
	ReconnectSettleDelay time.Duration

	// ClockResyncInterval is the staleness threshold after which the clock
	// offset is re-measured on reconnect.
	ClockResyncInterval time.Duration

	// MaxClockOffset is the largest |offset| still considered reliable.
	MaxClockOffset time.Duration

	// MaxSyncRetries is the retry count at which a pending change escalates
	// to manual intervention.
	MaxSyncRetries int

	// RetryBackoffBase and RetryBackoffCap bound the exponential backoff
	// between retries of a rejected change.
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration

	// StorageQuotaEstimate is the assumed quota in bytes when the platform
	// reports nothing usable.
	StorageQuotaEstimate int64

	// StorageSafetyBuffer is headroom in bytes kept free on every write.
	StorageSafetyBuffer int64

	// LowStorageThreshold is the used/quota fraction at which storage is
	// considered low.
	LowStorageThreshold float64

	// SnapshotTTL bounds how long a downloaded snapshot stays usable.
	SnapshotTTL time.Duration

	// BundleExpiryWarn is how far before snapshot expiry operators get an
	// expiring-soon warning.
	BundleExpiryWarn time.Duration

	// KeyDerivationIterations is the PBKDF2 iteration count.
	KeyDerivationIterations int
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "http://127.0.0.1:8080"
	c.DatabasePath = "offline.db"
	c.OnlineCheckInterval = 3 * time.Second
	c.ReconnectSettleDelay = 1 * time.Second
	c.ClockResyncInterval = 1 * time.Hour
	c.MaxClockOffset = 5 * time.Minute
	c.MaxSyncRetries = 5
	c.RetryBackoffBase = 1 * time.Second
	c.RetryBackoffCap = 60 * time.Second
	c.StorageQuotaEstimate = 50 * 1024 * 1024
	c.StorageSafetyBuffer = 5 * 1024 * 1024
	c.LowStorageThreshold = 0.8
	c.SnapshotTTL = 72 * time.Hour
	c.BundleExpiryWarn = 2 * time.Hour
	c.KeyDerivationIterations = 100_000
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
