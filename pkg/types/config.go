// Configuration for the cache backend, the remote store, and the sync engine.
package types

import (
	"errors"
	"time"
)

// Config holds backend selection and parameters for the engine.
type Config struct {
	Cache  CacheConfig  `json:"cache" yaml:"cache" mapstructure:"cache"`
	Remote RemoteConfig `json:"remote" yaml:"remote" mapstructure:"remote"`
	Sync   SyncConfig   `json:"sync" yaml:"sync" mapstructure:"sync"`
}

// CacheConfig selects and tunes the local cache store.
type CacheConfig struct {
	Backend string `json:"backend" yaml:"backend" mapstructure:"backend"`
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`

	// SyncStrategy controls when the sqlite cache rewrites its JSONL files:
	// immediate (default), on_close, or batch.
	SyncStrategy string `json:"sync_strategy,omitempty" yaml:"sync_strategy,omitempty" mapstructure:"sync_strategy"`

	// BatchSize is the number of queued writes that triggers a batch flush.
	BatchSize int `json:"batch_size,omitempty" yaml:"batch_size,omitempty" mapstructure:"batch_size"`

	// BatchInterval is the maximum time between batch flushes.
	BatchInterval time.Duration `json:"batch_interval,omitempty" yaml:"batch_interval,omitempty" mapstructure:"batch_interval"`
}

// RemoteConfig selects the remote document store.
type RemoteConfig struct {
	Backend     string `json:"backend" yaml:"backend" mapstructure:"backend"`
	URL         string `json:"url,omitempty" yaml:"url,omitempty" mapstructure:"url"`
	TablePrefix string `json:"table_prefix,omitempty" yaml:"table_prefix,omitempty" mapstructure:"table_prefix"`

	// Timeout bounds each remote call; zero disables the bound.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" mapstructure:"timeout"`

	// BreakerThreshold is the number of consecutive offline failures after
	// which calls are short-circuited as offline. Zero disables the breaker.
	BreakerThreshold int `json:"breaker_threshold,omitempty" yaml:"breaker_threshold,omitempty" mapstructure:"breaker_threshold"`

	// BreakerReset is how long the breaker stays open before probing.
	BreakerReset time.Duration `json:"breaker_reset,omitempty" yaml:"breaker_reset,omitempty" mapstructure:"breaker_reset"`
}

// SyncConfig tunes the persistence binding.
type SyncConfig struct {
	Debounce time.Duration `json:"debounce,omitempty" yaml:"debounce,omitempty" mapstructure:"debounce"`
}

// Supported cache backends.
const (
	CacheSQLite = "sqlite"
	CacheMemory = "memory"
)

// Supported remote backends.
const (
	RemoteMemory   = "memory"
	RemotePostgres = "postgres"
	RemoteHTTP     = "http"
)

// Cache sync strategies.
const (
	SyncImmediate = "immediate"
	SyncOnClose   = "on_close"
	SyncBatch     = "batch"
)

// Defaults.
const (
	DefaultDebounce      = 350 * time.Millisecond
	DefaultBatchSize     = 10
	DefaultBatchInterval = 5 * time.Second
)

// Config validation errors.
var (
	ErrBackendEmpty         = errors.New("backend must not be empty")
	ErrBackendUnknown       = errors.New("unknown backend")
	ErrRemoteURLRequired    = errors.New("remote url is required for this backend")
	ErrSyncStrategyUnknown  = errors.New("unknown sync strategy")
	ErrBatchSizeInvalid     = errors.New("batch size must be positive")
	ErrBatchIntervalInvalid = errors.New("batch interval must be positive")
	ErrDebounceInvalid      = errors.New("debounce must not be negative")
)

var knownCacheBackends = map[string]bool{
	CacheSQLite: true,
	CacheMemory: true,
}

var knownRemoteBackends = map[string]bool{
	RemoteMemory:   true,
	RemotePostgres: true,
	RemoteHTTP:     true,
}

var knownSyncStrategies = map[string]bool{
	SyncImmediate: true,
	SyncOnClose:   true,
	SyncBatch:     true,
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure.
func (c Config) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := c.Remote.Validate(); err != nil {
		return err
	}
	if c.Sync.Debounce < 0 {
		return ErrDebounceInvalid
	}
	return nil
}

// Validate checks the cache section.
func (c CacheConfig) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownCacheBackends[c.Backend] {
		return ErrBackendUnknown
	}
	if c.SyncStrategy != "" && !knownSyncStrategies[c.SyncStrategy] {
		return ErrSyncStrategyUnknown
	}
	if c.SyncStrategy == SyncBatch {
		if c.BatchSize < 0 {
			return ErrBatchSizeInvalid
		}
		if c.BatchInterval < 0 {
			return ErrBatchIntervalInvalid
		}
	}
	return nil
}

// Validate checks the remote section.
func (c RemoteConfig) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownRemoteBackends[c.Backend] {
		return ErrBackendUnknown
	}
	if (c.Backend == RemotePostgres || c.Backend == RemoteHTTP) && c.URL == "" {
		return ErrRemoteURLRequired
	}
	return nil
}

// GetSyncStrategy returns the effective strategy, defaulting to immediate.
func (c CacheConfig) GetSyncStrategy() string {
	if c.SyncStrategy == "" {
		return SyncImmediate
	}
	return c.SyncStrategy
}

// GetBatchSize returns the effective batch size.
func (c CacheConfig) GetBatchSize() int {
	if c.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return c.BatchSize
}

// GetBatchInterval returns the effective batch interval.
func (c CacheConfig) GetBatchInterval() time.Duration {
	if c.BatchInterval <= 0 {
		return DefaultBatchInterval
	}
	return c.BatchInterval
}

// GetDebounce returns the effective debounce delay.
func (c SyncConfig) GetDebounce() time.Duration {
	if c.Debounce <= 0 {
		return DefaultDebounce
	}
	return c.Debounce
}
