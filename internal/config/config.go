// Package config loads CloudSync settings from cloudsync.yaml in the config
// directory and CLOUDSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cloudfs/cloudsync/internal/core"
	"github.com/cloudfs/cloudsync/internal/model"
)

const (
	// DirName is the repo-local config directory.
	DirName = ".cloudsync"

	// FileName is the config file inside the config directory, without extension.
	FileName = "cloudsync"

	// EnvPrefix is the prefix for environment overrides, e.g. CLOUDSYNC_SYNC_INTERVAL.
	EnvPrefix = "CLOUDSYNC"
)

// Config is the full CloudSync configuration.
type Config struct {
	// Dir is where the index, blobs and config file live. Not read from the file.
	Dir string `mapstructure:"-"`

	// Passphrase encrypts the index. Usually set through CLOUDSYNC_PASSPHRASE.
	Passphrase string `mapstructure:"passphrase"`

	Storage      StorageConfig      `mapstructure:"storage"`
	AutoDownload AutoDownloadConfig `mapstructure:"auto_download"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Edits        EditsConfig        `mapstructure:"edits"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Network      NetworkConfig      `mapstructure:"network"`
	Log          LogConfig          `mapstructure:"log"`
	Server       ServerConfig       `mapstructure:"server"`
}

// AutoDownloadConfig mirrors starred and recent remote files offline.
// Only backends that can list files support it.
type AutoDownloadConfig struct {
	Starred     bool  `mapstructure:"starred"`
	Recent      bool  `mapstructure:"recent"`
	MaxFileSize int64 `mapstructure:"max_file_size"`
	RecentLimit int   `mapstructure:"recent_limit"`
}

type StorageConfig struct {
	MaxStorageSize int64 `mapstructure:"max_storage_size"`
	MaxFileSize    int64 `mapstructure:"max_file_size"`
}

type SyncConfig struct {
	AutoSync           bool          `mapstructure:"auto_sync"`
	Interval           time.Duration `mapstructure:"interval"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	MaxRetries         int           `mapstructure:"max_retries"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
	ConflictResolution string        `mapstructure:"conflict_resolution"`
}

type QueueConfig struct {
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

type EditsConfig struct {
	MaxQueueSize int `mapstructure:"max_queue_size"`
	MaxRetries   int `mapstructure:"max_retries"`
}

// RemoteConfig selects and configures the remote backends.
// Primary names the backend the sync core talks to.
type RemoteConfig struct {
	Primary string       `mapstructure:"primary"`
	Rclone  RcloneConfig `mapstructure:"rclone"`
	HTTP    HTTPConfig   `mapstructure:"http"`
}

type RcloneConfig struct {
	Remote     string `mapstructure:"remote"`
	ConfigPath string `mapstructure:"config_path"`
}

type HTTPConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RatePerSec float64       `mapstructure:"rate_per_sec"`
	Burst      int           `mapstructure:"burst"`
}

// NetworkConfig configures the connectivity probe. An empty ProbeAddress
// means the process assumes it is always online.
type NetworkConfig struct {
	ProbeAddress  string        `mapstructure:"probe_address"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Encoding   string `mapstructure:"encoding"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("passphrase", "")

	v.SetDefault("storage.max_storage_size", core.DefaultMaxStorageSize)
	v.SetDefault("storage.max_file_size", core.DefaultMaxFileSize)

	v.SetDefault("auto_download.starred", false)
	v.SetDefault("auto_download.recent", false)
	v.SetDefault("auto_download.max_file_size", core.DefaultAutoDownloadMaxSize)
	v.SetDefault("auto_download.recent_limit", core.DefaultAutoDownloadRecentLimit)

	v.SetDefault("sync.auto_sync", true)
	v.SetDefault("sync.interval", core.DefaultSyncInterval)
	v.SetDefault("sync.retry_delay", core.DefaultRetryDelay)
	v.SetDefault("sync.max_retries", core.DefaultMaxRetries)
	v.SetDefault("sync.settle_delay", core.DefaultSettleDelay)
	v.SetDefault("sync.conflict_resolution", "")

	v.SetDefault("queue.tick_interval", core.DefaultQueueTick)
	v.SetDefault("queue.max_concurrent", core.DefaultMaxConcurrent)
	v.SetDefault("queue.max_retries", core.DefaultItemMaxRetries)

	v.SetDefault("edits.max_queue_size", core.DefaultEditMaxQueueSize)
	v.SetDefault("edits.max_retries", core.DefaultEditMaxRetries)

	v.SetDefault("remote.primary", "rclone")
	v.SetDefault("remote.rclone.remote", "")
	v.SetDefault("remote.rclone.config_path", "")
	v.SetDefault("remote.http.base_url", "")
	v.SetDefault("remote.http.token", "")
	v.SetDefault("remote.http.timeout", 30*time.Second)
	v.SetDefault("remote.http.rate_per_sec", 10.0)
	v.SetDefault("remote.http.burst", 5)

	v.SetDefault("network.probe_address", "")
	v.SetDefault("network.probe_interval", 10*time.Second)
	v.SetDefault("network.probe_timeout", 3*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("server.addr", "127.0.0.1:7420")
}

// Load reads the config for dir. A missing config file is not an error.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(FileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Dir = dir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Storage.MaxStorageSize <= 0 {
		return fmt.Errorf("storage.max_storage_size must be positive")
	}
	if c.Storage.MaxFileSize <= 0 || c.Storage.MaxFileSize > c.Storage.MaxStorageSize {
		return fmt.Errorf("storage.max_file_size must be positive and at most max_storage_size")
	}
	if c.AutoDownload.MaxFileSize <= 0 || c.AutoDownload.RecentLimit <= 0 {
		return fmt.Errorf("auto_download.max_file_size and recent_limit must be positive")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.MaxRetries < 0 || c.Queue.MaxRetries < 0 || c.Edits.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("queue.max_concurrent must be positive")
	}
	if c.Sync.ConflictResolution != "" {
		if _, ok := model.ParseResolution(c.Sync.ConflictResolution); !ok {
			return fmt.Errorf("sync.conflict_resolution: unknown resolution %q", c.Sync.ConflictResolution)
		}
	}
	switch c.Remote.Primary {
	case "rclone", "http":
	default:
		return fmt.Errorf("remote.primary must be rclone or http, got %q", c.Remote.Primary)
	}
	switch c.Log.Encoding {
	case "console", "json":
	default:
		return fmt.Errorf("log.encoding must be console or json, got %q", c.Log.Encoding)
	}
	return nil
}

// IndexPath is the encrypted SQLite index.
func (c *Config) IndexPath() string {
	return filepath.Join(c.Dir, "index.db")
}

// BlobDir holds offline file contents.
func (c *Config) BlobDir() string {
	return filepath.Join(c.Dir, "offline")
}

// FilePath is the config file Load reads.
func (c *Config) FilePath() string {
	return filepath.Join(c.Dir, FileName+".yaml")
}

func (c *Config) StoreConfig() core.StoreConfig {
	return core.StoreConfig{
		BlobDir:        c.BlobDir(),
		MaxStorageSize: c.Storage.MaxStorageSize,
		MaxFileSize:    c.Storage.MaxFileSize,
	}
}

func (c *Config) AutoDownloadConfig() core.AutoDownloadConfig {
	return core.AutoDownloadConfig{
		Starred:     c.AutoDownload.Starred,
		Recent:      c.AutoDownload.Recent,
		MaxFileSize: c.AutoDownload.MaxFileSize,
		RecentLimit: c.AutoDownload.RecentLimit,
	}
}

func (c *Config) EngineConfig() core.EngineConfig {
	return core.EngineConfig{
		SyncInterval: c.Sync.Interval,
		RetryDelay:   c.Sync.RetryDelay,
		MaxRetries:   c.Sync.MaxRetries,
		SettleDelay:  c.Sync.SettleDelay,
	}
}

func (c *Config) QueueConfig() core.QueueConfig {
	return core.QueueConfig{
		TickInterval:  c.Queue.TickInterval,
		MaxConcurrent: c.Queue.MaxConcurrent,
		MaxRetries:    c.Queue.MaxRetries,
	}
}

func (c *Config) JournalConfig() core.JournalConfig {
	return core.JournalConfig{
		MaxRetries:   c.Edits.MaxRetries,
		MaxQueueSize: c.Edits.MaxQueueSize,
	}
}

// ManagerOptions maps the sync section onto manager options.
// Validate has already checked ConflictResolution.
func (c *Config) ManagerOptions() core.ManagerOptions {
	opts := core.DefaultManagerOptions()
	opts.EnableAutoSync = c.Sync.AutoSync
	opts.SyncInterval = c.Sync.Interval
	opts.MaxRetries = c.Sync.MaxRetries
	if c.Sync.ConflictResolution != "" {
		opts.ConflictResolution, _ = model.ParseResolution(c.Sync.ConflictResolution)
	}
	return opts
}

// FindDir returns override if set, then ./.cloudsync if it exists,
// then ~/.cloudsync.
func FindDir(override string) string {
	if override != "" {
		return override
	}

	if cwd, err := os.Getwd(); err == nil {
		local := filepath.Join(cwd, DirName)
		if _, err := os.Stat(local); err == nil {
			return local
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return DirName
	}
	return filepath.Join(home, DirName)
}

// WriteDefault writes a starter config file into dir unless one exists.
func WriteDefault(dir string) (string, error) {
	path := filepath.Join(dir, FileName+".yaml")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, []byte(defaultFile), 0600); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return path, nil
}

const defaultFile = `# CloudSync configuration. Every key can be overridden with
# CLOUDSYNC_<SECTION>_<KEY>, e.g. CLOUDSYNC_SYNC_INTERVAL=1m.
storage:
  max_storage_size: 2147483648
  max_file_size: 104857600
auto_download:
  starred: false
  recent: false
  max_file_size: 10485760
  recent_limit: 10
sync:
  auto_sync: true
  interval: 30s
  retry_delay: 5s
  max_retries: 3
  conflict_resolution: ""
queue:
  tick_interval: 5s
  max_concurrent: 3
  max_retries: 3
edits:
  max_queue_size: 100
  max_retries: 3
remote:
  primary: rclone
  rclone:
    remote: ""
  http:
    base_url: ""
    rate_per_sec: 10
    burst: 5
network:
  probe_address: ""
log:
  level: info
  encoding: console
  file: ""
server:
  addr: 127.0.0.1:7420
`
