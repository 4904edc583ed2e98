package types

import (
	"errors"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Cache:  CacheConfig{Backend: CacheSQLite, DataDir: "/tmp/data"},
		Remote: RemoteConfig{Backend: RemoteMemory},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{
			name:    "valid sqlite cache with memory remote",
			mutate:  func(c *Config) {},
			wantErr: nil,
		},
		{
			name:    "empty cache backend returns ErrBackendEmpty",
			mutate:  func(c *Config) { c.Cache.Backend = "" },
			wantErr: ErrBackendEmpty,
		},
		{
			name:    "unknown cache backend returns ErrBackendUnknown",
			mutate:  func(c *Config) { c.Cache.Backend = "redis" },
			wantErr: ErrBackendUnknown,
		},
		{
			name:    "sqlite with empty DataDir is valid at config level",
			mutate:  func(c *Config) { c.Cache.DataDir = "" },
			wantErr: nil,
		},
		{
			name:    "unknown sync strategy",
			mutate:  func(c *Config) { c.Cache.SyncStrategy = "sometimes" },
			wantErr: ErrSyncStrategyUnknown,
		},
		{
			name: "negative batch size with batch strategy",
			mutate: func(c *Config) {
				c.Cache.SyncStrategy = SyncBatch
				c.Cache.BatchSize = -1
			},
			wantErr: ErrBatchSizeInvalid,
		},
		{
			name:    "empty remote backend",
			mutate:  func(c *Config) { c.Remote.Backend = "" },
			wantErr: ErrBackendEmpty,
		},
		{
			name:    "postgres remote without url",
			mutate:  func(c *Config) { c.Remote.Backend = RemotePostgres },
			wantErr: ErrRemoteURLRequired,
		},
		{
			name: "http remote with url",
			mutate: func(c *Config) {
				c.Remote.Backend = RemoteHTTP
				c.Remote.URL = "http://localhost:8088"
			},
			wantErr: nil,
		},
		{
			name:    "negative debounce",
			mutate:  func(c *Config) { c.Sync.Debounce = -time.Second },
			wantErr: ErrDebounceInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected nil error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error %v, got nil", tt.wantErr)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	var c CacheConfig
	if got := c.GetSyncStrategy(); got != SyncImmediate {
		t.Errorf("GetSyncStrategy() = %q, want %q", got, SyncImmediate)
	}
	if got := c.GetBatchSize(); got != DefaultBatchSize {
		t.Errorf("GetBatchSize() = %d, want %d", got, DefaultBatchSize)
	}
	if got := c.GetBatchInterval(); got != DefaultBatchInterval {
		t.Errorf("GetBatchInterval() = %v, want %v", got, DefaultBatchInterval)
	}
	var s SyncConfig
	if got := s.GetDebounce(); got != 350*time.Millisecond {
		t.Errorf("GetDebounce() = %v, want 350ms", got)
	}
}
