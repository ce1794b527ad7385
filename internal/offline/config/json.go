package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/seedtrace/seedtrace/internal/flagx"
	"github.com/seedtrace/seedtrace/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify intervals either as strings like "3s"
// or as integer nanoseconds. After parsing, values are copied into the
// runtime Config.
type JsonConfig struct {
	ServerEndpointAddr      string         `json:"server_endpoint_addr"`
	DatabasePath            string         `json:"database_path"`
	OnlineCheckInterval     timex.Duration `json:"online_check_interval"`
	ReconnectSettleDelay    timex.Duration `json:"reconnect_settle_delay"`
	ClockResyncInterval     timex.Duration `json:"clock_resync_interval"`
	MaxClockOffset          timex.Duration `json:"max_clock_offset"`
	MaxSyncRetries          int            `json:"max_sync_retries"`
	RetryBackoffBase        timex.Duration `json:"retry_backoff_base"`
	RetryBackoffCap         timex.Duration `json:"retry_backoff_cap"`
	StorageQuotaEstimate    int64          `json:"storage_quota_estimate"`
	StorageSafetyBuffer     int64          `json:"storage_safety_buffer"`
	LowStorageThreshold     float64        `json:"low_storage_threshold"`
	SnapshotTTL             timex.Duration `json:"snapshot_ttl"`
	BundleExpiryWarn        timex.Duration `json:"bundle_expiry_warn"`
	KeyDerivationIterations int            `json:"key_derivation_iterations"`
}

// parseJson overlays Config with values loaded from a JSON file resolved via
// the -c or -config flags. Zero values in the file leave the corresponding
// Config field untouched. Panics on read or unmarshal errors.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.ServerEndpointAddr != "" {
		cfg.ServerEndpointAddr = jc.ServerEndpointAddr
	}
	if jc.DatabasePath != "" {
		cfg.DatabasePath = jc.DatabasePath
	}
	if jc.OnlineCheckInterval.Duration != 0 {
		cfg.OnlineCheckInterval = time.Duration(jc.OnlineCheckInterval.Duration)
	}
	if jc.ReconnectSettleDelay.Duration != 0 {
		cfg.ReconnectSettleDelay = time.Duration(jc.ReconnectSettleDelay.Duration)
	}
	if jc.ClockResyncInterval.Duration != 0 {
		cfg.ClockResyncInterval = time.Duration(jc.ClockResyncInterval.Duration)
	}
	if jc.MaxClockOffset.Duration != 0 {
		cfg.MaxClockOffset = time.Duration(jc.MaxClockOffset.Duration)
	}
	if jc.MaxSyncRetries != 0 {
		cfg.MaxSyncRetries = jc.MaxSyncRetries
	}
	if jc.RetryBackoffBase.Duration != 0 {
		cfg.RetryBackoffBase = time.Duration(jc.RetryBackoffBase.Duration)
	}
	if jc.RetryBackoffCap.Duration != 0 {
		cfg.RetryBackoffCap = time.Duration(jc.RetryBackoffCap.Duration)
	}
	if jc.StorageQuotaEstimate != 0 {
		cfg.StorageQuotaEstimate = jc.StorageQuotaEstimate
	}
	if jc.StorageSafetyBuffer != 0 {
		cfg.StorageSafetyBuffer = jc.StorageSafetyBuffer
	}
	if jc.LowStorageThreshold != 0 {
		cfg.LowStorageThreshold = jc.LowStorageThreshold
	}
	if jc.SnapshotTTL.Duration != 0 {
		cfg.SnapshotTTL = time.Duration(jc.SnapshotTTL.Duration)
	}
	if jc.BundleExpiryWarn.Duration != 0 {
		cfg.BundleExpiryWarn = time.Duration(jc.BundleExpiryWarn.Duration)
	}
	if jc.KeyDerivationIterations != 0 {
		cfg.KeyDerivationIterations = jc.KeyDerivationIterations
	}
}
