package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "smsrelay"
	// EnvPrefix prefixes every environment override, e.g. SMSRELAY_SERVER_URL.
	EnvPrefix = "SMSRELAY"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "SMSRELAY_DATA_DIR"

	DefaultListenAddr         = "127.0.0.1:8487"
	DefaultLogLevel           = "info"
	DefaultRetention          = 7 * 24 * time.Hour
	DefaultCleanupInterval    = 3 * time.Hour
	DefaultTokenCheckInterval = 4 * time.Hour
	DefaultThrottleDelay      = 500 * time.Millisecond
	DefaultRetryDelay         = 10 * time.Second
	DefaultHTTPTimeout        = 30 * time.Second

	configName     = "config"
	configFileName = configName + ".yaml"
)

// Config contains persistent relay settings.
type Config struct {
	DeviceID              string        `mapstructure:"device_id"`
	DeviceName            string        `mapstructure:"device_name"`
	ServerURL             string        `mapstructure:"server_url"`
	ServerKey             string        `mapstructure:"server_key"`
	LogLevel              string        `mapstructure:"log_level"`
	ListenAddr            string        `mapstructure:"listen_addr"`
	Retention             time.Duration `mapstructure:"retention"`
	CleanupInterval       time.Duration `mapstructure:"cleanup_interval"`
	TokenCheckInterval    time.Duration `mapstructure:"token_check_interval"`
	ThrottleDelay         time.Duration `mapstructure:"throttle_delay"`
	RetryDelay            time.Duration `mapstructure:"retry_delay"`
	HTTPTimeout           time.Duration `mapstructure:"http_timeout"`
	DiscoveryEnabled      bool          `mapstructure:"discovery_enabled"`
	ConnectivityProbeAddr string        `mapstructure:"connectivity_probe_addr"`
}

// fileConfig is the on-disk YAML shape; durations are written as strings.
type fileConfig struct {
	DeviceID              string `yaml:"device_id"`
	DeviceName            string `yaml:"device_name"`
	ServerURL             string `yaml:"server_url"`
	ServerKey             string `yaml:"server_key"`
	LogLevel              string `yaml:"log_level"`
	ListenAddr            string `yaml:"listen_addr"`
	Retention             string `yaml:"retention"`
	CleanupInterval       string `yaml:"cleanup_interval"`
	TokenCheckInterval    string `yaml:"token_check_interval"`
	ThrottleDelay         string `yaml:"throttle_delay"`
	RetryDelay            string `yaml:"retry_delay"`
	HTTPTimeout           string `yaml:"http_timeout"`
	DiscoveryEnabled      bool   `yaml:"discovery_enabled"`
	ConnectivityProbeAddr string `yaml:"connectivity_probe_addr,omitempty"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SMSRELAY_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectory creates the app data directory if needed.
func EnsureDataDirectory(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

func newViper(dataDir string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("device_id", "")
	v.SetDefault("device_name", "")
	v.SetDefault("server_url", "")
	v.SetDefault("server_key", "")
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("retention", DefaultRetention)
	v.SetDefault("cleanup_interval", DefaultCleanupInterval)
	v.SetDefault("token_check_interval", DefaultTokenCheckInterval)
	v.SetDefault("throttle_delay", DefaultThrottleDelay)
	v.SetDefault("retry_delay", DefaultRetryDelay)
	v.SetDefault("http_timeout", DefaultHTTPTimeout)
	v.SetDefault("discovery_enabled", false)
	v.SetDefault("connectivity_probe_addr", "")
	return v
}

// Load reads config.yaml from dataDir, layered over defaults and under
// SMSRELAY_* environment overrides. A missing file is not an error.
func Load(dataDir string) (*Config, bool, error) {
	v := newViper(dataDir)

	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, false, fmt.Errorf("read config: %w", err)
		}
		found = false
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, false, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, found, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg *Config) error {
	raw, err := yaml.Marshal(cfg.toFile())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns the
// config, its path and the data directory.
func LoadOrCreate() (*Config, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectory(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, found, err := Load(dataDir)
	if err != nil {
		return nil, "", "", err
	}

	updated := normalizeDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, "", "", err
	}
	if !found || updated {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if err := ValidateServerURL(c.ServerURL); err != nil {
		return err
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("listen_addr is required")
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"retention", c.Retention},
		{"cleanup_interval", c.CleanupInterval},
		{"token_check_interval", c.TokenCheckInterval},
		{"throttle_delay", c.ThrottleDelay},
		{"retry_delay", c.RetryDelay},
		{"http_timeout", c.HTTPTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	return nil
}

// ValidateServerURL accepts an empty value or an absolute http(s) URL.
func ValidateServerURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid server_url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid server_url %q: scheme must be http or https", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("invalid server_url %q: host is required", raw)
	}
	return nil
}

func normalizeDefaults(cfg *Config) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		deviceName := "SMS Relay"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	cfg.ServerURL = strings.TrimSpace(cfg.ServerURL)
	cfg.ServerKey = strings.TrimSpace(cfg.ServerKey)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}

func (c *Config) toFile() fileConfig {
	return fileConfig{
		DeviceID:              c.DeviceID,
		DeviceName:            c.DeviceName,
		ServerURL:             c.ServerURL,
		ServerKey:             c.ServerKey,
		LogLevel:              c.LogLevel,
		ListenAddr:            c.ListenAddr,
		Retention:             c.Retention.String(),
		CleanupInterval:       c.CleanupInterval.String(),
		TokenCheckInterval:    c.TokenCheckInterval.String(),
		ThrottleDelay:         c.ThrottleDelay.String(),
		RetryDelay:            c.RetryDelay.String(),
		HTTPTimeout:           c.HTTPTimeout.String(),
		DiscoveryEnabled:      c.DiscoveryEnabled,
		ConnectivityProbeAddr: c.ConnectivityProbeAddr,
	}
}
