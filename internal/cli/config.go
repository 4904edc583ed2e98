package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"

	// envPrefix scopes environment overrides: NBSYNC_REMOTE_URL sets remote.url.
	envPrefix = "NBSYNC"
)

// Config keys.
const (
	cfgCacheBackend       = "cache.backend"
	cfgCacheDataDir       = "cache.data_dir"
	cfgCacheSyncStrategy  = "cache.sync_strategy"
	cfgCacheBatchSize     = "cache.batch_size"
	cfgCacheBatchInterval = "cache.batch_interval"
	cfgRemoteBackend      = "remote.backend"
	cfgRemoteURL          = "remote.url"
	cfgRemoteTablePrefix  = "remote.table_prefix"
	cfgRemoteTimeout      = "remote.timeout"
	cfgRemoteBreaker      = "remote.breaker_threshold"
	cfgRemoteBreakerReset = "remote.breaker_reset"
	cfgSyncDebounce       = "sync.debounce"
	cfgUser               = "user"
	cfgLogLevel           = "log.level"
	cfgLogFormat          = "log.format"
	cfgServeAddr          = "serve.addr"
	cfgServeStore         = "serve.store"
	cfgServeDatabaseURL   = "serve.database_url"
)

// Defaults written to a fresh config.yaml and used for missing keys.
const (
	defaultServeAddr = "127.0.0.1:7480"
	defaultRemoteURL = "http://" + defaultServeAddr
)

var defaults = map[string]any{
	cfgCacheBackend:       types.CacheSQLite,
	cfgCacheDataDir:       "",
	cfgCacheSyncStrategy:  types.SyncImmediate,
	cfgCacheBatchSize:     types.DefaultBatchSize,
	cfgCacheBatchInterval: types.DefaultBatchInterval,
	cfgRemoteBackend:      types.RemoteHTTP,
	cfgRemoteURL:          defaultRemoteURL,
	cfgRemoteTablePrefix:  "nbsync_",
	cfgRemoteTimeout:      "10s",
	cfgRemoteBreaker:      3,
	cfgRemoteBreakerReset: "30s",
	cfgSyncDebounce:       types.DefaultDebounce,
	cfgUser:               "",
	cfgLogLevel:           "info",
	cfgLogFormat:          "text",
	cfgServeAddr:          defaultServeAddr,
	cfgServeStore:         types.RemoteMemory,
	cfgServeDatabaseURL:   "",
}

// settings is the decoded config file.
type settings struct {
	Cache  types.CacheConfig  `mapstructure:"cache"`
	Remote types.RemoteConfig `mapstructure:"remote"`
	Sync   types.SyncConfig   `mapstructure:"sync"`
	User   string             `mapstructure:"user"`
	Log    logSettings        `mapstructure:"log"`
	Serve  serveSettings      `mapstructure:"serve"`
}

type logSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type serveSettings struct {
	Addr        string `mapstructure:"addr"`
	Store       string `mapstructure:"store"`
	DatabaseURL string `mapstructure:"database_url"`
}

func (s settings) engineConfig() types.Config {
	return types.Config{Cache: s.Cache, Remote: s.Remote, Sync: s.Sync}
}

// configFile is the shape of the config.yaml written on first run. Durations
// are strings so the file stays readable.
type configFile struct {
	User  string `yaml:"user,omitempty"`
	Cache struct {
		Backend      string `yaml:"backend"`
		DataDir      string `yaml:"data_dir,omitempty"`
		SyncStrategy string `yaml:"sync_strategy"`
	} `yaml:"cache"`
	Remote struct {
		Backend          string `yaml:"backend"`
		URL              string `yaml:"url"`
		TablePrefix      string `yaml:"table_prefix"`
		Timeout          string `yaml:"timeout"`
		BreakerThreshold int    `yaml:"breaker_threshold"`
		BreakerReset     string `yaml:"breaker_reset"`
	} `yaml:"remote"`
	Sync struct {
		Debounce string `yaml:"debounce"`
	} `yaml:"sync"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Serve struct {
		Addr  string `yaml:"addr"`
		Store string `yaml:"store"`
	} `yaml:"serve"`
}

const configHeader = "# nbsync configuration\n" +
	"# Every key can be overridden with an NBSYNC_ environment variable,\n" +
	"# for example NBSYNC_REMOTE_URL or NBSYNC_LOG_LEVEL.\n\n"

func defaultConfigFile() configFile {
	var cf configFile
	cf.Cache.Backend = types.CacheSQLite
	cf.Cache.SyncStrategy = types.SyncImmediate
	cf.Remote.Backend = types.RemoteHTTP
	cf.Remote.URL = defaultRemoteURL
	cf.Remote.TablePrefix = "nbsync_"
	cf.Remote.Timeout = "10s"
	cf.Remote.BreakerThreshold = 3
	cf.Remote.BreakerReset = "30s"
	cf.Sync.Debounce = types.DefaultDebounce.String()
	cf.Log.Level = "info"
	cf.Log.Format = "text"
	cf.Serve.Addr = defaultServeAddr
	cf.Serve.Store = types.RemoteMemory
	return cf
}

func configFilePath(configDir string) string {
	return filepath.Join(configDir, configFileExt)
}

// loadConfig reads config.yaml from configDir using Viper, creating the
// directory and a default file on first run. Environment variables with the
// NBSYNC_ prefix override file values.
func loadConfig(configDir string) (*viper.Viper, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	if _, err := writeConfigIfMissing(configFilePath(configDir)); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// decodeSettings unmarshals v, parsing duration strings.
func decodeSettings(v *viper.Viper) (settings, error) {
	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return settings{}, fmt.Errorf("decode config: %w", err)
	}
	return s, nil
}

// writeConfigIfMissing creates config.yaml with default values if the file
// does not exist. It reports whether it wrote the file.
func writeConfigIfMissing(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return false, nil
	}
	if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat config file: %w", err)
	}

	cf := defaultConfigFile()
	data, err := yaml.Marshal(&cf)
	if err != nil {
		return false, fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(configHeader), data...), 0o644); err != nil {
		return false, err
	}
	return true, nil
}
