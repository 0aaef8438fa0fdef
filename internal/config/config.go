// Package config loads offsync settings from a TOML file, OFFSYNC_*
// environment variables and built-in defaults, in that order of precedence
// (environment first).
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/offlinekit/offsync/datastore"
	"github.com/offlinekit/offsync/network"
)

const (
	// FileName is the config file looked up when no path is given.
	FileName = "offsync.toml"

	// EnvPrefix prefixes every environment override: OFFSYNC_APP_KEY,
	// OFFSYNC_LOG_FILE and so on.
	EnvPrefix = "OFFSYNC"

	defaultBaseURL         = "https://baas.kinvey.com"
	defaultDBPath          = "offsync.db"
	defaultTimeout         = 30 * time.Second
	defaultStoreType       = "cache"
	defaultPushConcurrency = 4
	defaultLogMaxSizeMB    = 10
	defaultLogMaxBackups   = 3
	defaultLogMaxAgeDays   = 28
)

// Config is the resolved configuration.
type Config struct {
	BaseURL         string        `mapstructure:"base_url"`
	AppKey          string        `mapstructure:"app_key"`
	Authorization   string        `mapstructure:"authorization"`
	DBPath          string        `mapstructure:"db_path"`
	Timeout         time.Duration `mapstructure:"timeout"`
	StoreType       string        `mapstructure:"store_type"`
	PushConcurrency int           `mapstructure:"push_concurrency"`
	DeltaSet        bool          `mapstructure:"delta_set"`
	PageSize        int           `mapstructure:"page_size"`
	Log             LogConfig     `mapstructure:"log"`
}

// LogConfig controls the process logger. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Verbose    bool   `mapstructure:"verbose"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_url", defaultBaseURL)
	v.SetDefault("app_key", "")
	v.SetDefault("authorization", "")
	v.SetDefault("db_path", defaultDBPath)
	v.SetDefault("timeout", defaultTimeout)
	v.SetDefault("store_type", defaultStoreType)
	v.SetDefault("push_concurrency", defaultPushConcurrency)
	v.SetDefault("delta_set", false)
	v.SetDefault("page_size", 0)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	v.SetDefault("log.max_backups", defaultLogMaxBackups)
	v.SetDefault("log.max_age_days", defaultLogMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.verbose", false)
}

// Load resolves the configuration. With an empty path, offsync.toml is
// looked up in the working directory and then in the user config
// directory; a missing file is not an error. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "offsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later and less clearly.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if _, err := datastore.ParseStoreType(c.StoreType); err != nil {
		return fmt.Errorf("invalid store_type: %w", err)
	}
	if c.PushConcurrency <= 0 {
		return fmt.Errorf("push_concurrency must be positive, got %d", c.PushConcurrency)
	}
	if c.PageSize < 0 {
		return fmt.Errorf("page_size must not be negative, got %d", c.PageSize)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	return nil
}

// Online reports whether a backend is configured.
func (c *Config) Online() bool {
	return c.BaseURL != "" && c.AppKey != ""
}

// NetworkConfig returns the HTTP client settings.
func (c *Config) NetworkConfig(logger *log.Logger) network.Config {
	return network.Config{
		BaseURL:       c.BaseURL,
		AppKey:        c.AppKey,
		Authorization: c.Authorization,
		Timeout:       c.Timeout,
		Logger:        logger,
		Verbose:       c.Log.Verbose,
	}
}

// DataStoreOptions returns the store options. Validate has already
// rejected an unknown store type.
func (c *Config) DataStoreOptions(logger *log.Logger) *datastore.Options {
	st, _ := datastore.ParseStoreType(c.StoreType)
	return &datastore.Options{
		StoreType:       st,
		DeltaSet:        c.DeltaSet,
		PageSize:        c.PageSize,
		PushConcurrency: c.PushConcurrency,
		Logger:          logger,
	}
}

// fileConfig is the on-disk layout written by WriteDefault.
type fileConfig struct {
	BaseURL         string  `toml:"base_url"`
	AppKey          string  `toml:"app_key"`
	Authorization   string  `toml:"authorization"`
	DBPath          string  `toml:"db_path"`
	Timeout         string  `toml:"timeout"`
	StoreType       string  `toml:"store_type"`
	PushConcurrency int     `toml:"push_concurrency"`
	DeltaSet        bool    `toml:"delta_set"`
	PageSize        int     `toml:"page_size"`
	Log             fileLog `toml:"log"`
}

type fileLog struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
	Verbose    bool   `toml:"verbose"`
}

// WriteDefault writes a config file holding the defaults to path. It
// refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	doc := fileConfig{
		BaseURL:         defaultBaseURL,
		DBPath:          defaultDBPath,
		Timeout:         defaultTimeout.String(),
		StoreType:       defaultStoreType,
		PushConcurrency: defaultPushConcurrency,
		Log: fileLog{
			MaxSizeMB:  defaultLogMaxSizeMB,
			MaxBackups: defaultLogMaxBackups,
			MaxAgeDays: defaultLogMaxAgeDays,
		},
	}
	if err := toml.NewEncoder(f).Encode(doc); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return f.Close()
}
