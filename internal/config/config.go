// Package config loads the nostrmeet configuration. Files are YAML by default
// and TOML when the path ends in .toml; keys are kebab-case in both. A .env
// file and NOSTRMEET_* environment variables override file values.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/nostrmeet/nostrmeet/internal/relay"
)

// Environment overrides.
const (
	EnvSecretKey = "NOSTRMEET_SECRET_KEY"
	EnvRelays    = "NOSTRMEET_RELAYS"
	EnvLogLevel  = "NOSTRMEET_LOG_LEVEL"
)

const (
	DefaultPort                  = 8765
	DefaultNamespaceTag          = "nostrmeet"
	DefaultLookbackHours         = 12
	DefaultPublishTimeoutSeconds = 10
	DefaultDialTimeoutSeconds    = 10
	DefaultSeenCacheSize         = 4096
)

// DefaultRelays are used when no relay is configured.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
	"wss://relay.primal.net",
}

// Config is the application configuration.
type Config struct {
	// Host is the interface the API binds to. Empty binds all interfaces.
	Host string `yaml:"host" toml:"host" json:"host"`
	// Port is the API port.
	Port int `yaml:"port" toml:"port" json:"port"`

	// Relays lists the relay websocket URLs, ws:// or wss://.
	Relays []string `yaml:"relays" toml:"relays" json:"relays"`

	// NamespaceTag is the t tag that marks our check-ins.
	NamespaceTag string `yaml:"namespace-tag" toml:"namespace-tag" json:"namespace-tag"`

	// LookbackHours bounds how old subscribed check-ins may be.
	LookbackHours int `yaml:"lookback-hours" toml:"lookback-hours" json:"lookback-hours"`

	PublishTimeoutSeconds int `yaml:"publish-timeout-seconds" toml:"publish-timeout-seconds" json:"publish-timeout-seconds"`
	DialTimeoutSeconds    int `yaml:"dial-timeout-seconds" toml:"dial-timeout-seconds" json:"dial-timeout-seconds"`
	SeenCacheSize         int `yaml:"seen-cache-size" toml:"seen-cache-size" json:"seen-cache-size"`

	// ProxyURL routes relay connections through an http(s) or socks5 proxy.
	ProxyURL string `yaml:"proxy-url" toml:"proxy-url" json:"proxy-url"`

	// VerifySignatures drops relay events with a bad id or signature.
	// nil means default (true).
	VerifySignatures *bool `yaml:"verify-signatures,omitempty" toml:"verify-signatures,omitempty" json:"verify-signatures,omitempty"`

	// SecretKey is the signing key, hex or nsec. Prefer NOSTRMEET_SECRET_KEY.
	SecretKey string `yaml:"secret-key" toml:"secret-key" json:"-"`

	// PersonaCatalog optionally points at a YAML persona catalog.
	PersonaCatalog string `yaml:"persona-catalog" toml:"persona-catalog" json:"persona-catalog"`

	// DatabasePath is the SQLite event journal. Empty disables the journal.
	DatabasePath string `yaml:"database-path" toml:"database-path" json:"database-path"`

	// Metrics exposes /metrics.
	Metrics bool `yaml:"metrics" toml:"metrics" json:"metrics"`

	LoggingToFile bool   `yaml:"logging-to-file" toml:"logging-to-file" json:"logging-to-file"`
	LogDir        string `yaml:"log-dir" toml:"log-dir" json:"log-dir"`
	LogLevel      string `yaml:"log-level" toml:"log-level" json:"log-level"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if strings.TrimSpace(c.NamespaceTag) == "" {
		c.NamespaceTag = DefaultNamespaceTag
	}
	if c.LookbackHours <= 0 {
		c.LookbackHours = DefaultLookbackHours
	}
	if c.PublishTimeoutSeconds <= 0 {
		c.PublishTimeoutSeconds = DefaultPublishTimeoutSeconds
	}
	if c.DialTimeoutSeconds <= 0 {
		c.DialTimeoutSeconds = DefaultDialTimeoutSeconds
	}
	if c.SeenCacheSize <= 0 {
		c.SeenCacheSize = DefaultSeenCacheSize
	}
	if len(c.Relays) == 0 {
		c.Relays = append([]string(nil), DefaultRelays...)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Lookback returns LookbackHours as a duration.
func (c *Config) Lookback() time.Duration { return time.Duration(c.LookbackHours) * time.Hour }

// PublishTimeout returns PublishTimeoutSeconds as a duration.
func (c *Config) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutSeconds) * time.Second
}

// DialTimeout returns DialTimeoutSeconds as a duration.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// ShouldVerifySignatures reports the effective verify-signatures setting.
func (c *Config) ShouldVerifySignatures() bool {
	if c.VerifySignatures == nil {
		return true
	}
	return *c.VerifySignatures
}

// LoadConfig reads and validates the config at path.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigOptional(path, false)
}

// LoadConfigOptional reads the config at path. With optional set, a missing
// or unparsable file yields the defaults instead of an error.
func LoadConfigOptional(path string, optional bool) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err != nil && optional:
		if !errors.Is(err, fs.ErrNotExist) {
			log.WithError(err).Warnf("cannot read config %s, using defaults", path)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err = unmarshal(path, data, cfg); err != nil {
			if !optional {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			log.WithError(err).Warnf("cannot parse config %s, using defaults", path)
			cfg = &Config{}
		}
	}

	ApplyEnv(cfg)
	cfg.applyDefaults()

	relays, err := relay.NormalizeURLs(cfg.Relays)
	if err != nil {
		return nil, err
	}
	cfg.Relays = relays
	return cfg, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Unmarshal(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnv copies NOSTRMEET_* variables over cfg.
func ApplyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvSecretKey)); v != "" {
		cfg.SecretKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRelays)); v != "" {
		cfg.Relays = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.LogLevel = v
	}
}

// LoadEnvFile loads a .env file into the process environment without
// overriding variables already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	log.Debugf("loaded environment from %s", path)
	return nil
}

// ValidateConfig checks cfg and returns non-fatal warnings.
func ValidateConfig(cfg *Config) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range 1..65535", cfg.Port)
	}
	for _, u := range cfg.Relays {
		if err := relay.ValidateURL(u); err != nil {
			return nil, err
		}
	}
	if cfg.ProxyURL != "" {
		if err := relay.ValidateProxyURL(cfg.ProxyURL); err != nil {
			return nil, err
		}
	}
	var warnings []string
	if len(cfg.Relays) == 0 {
		warnings = append(warnings, "no relays configured; nothing will be discovered")
	}
	if cfg.SecretKey == "" {
		warnings = append(warnings, "no secret key configured; publishing is disabled")
	}
	if cfg.LoggingToFile && cfg.LogDir == "" {
		warnings = append(warnings, "logging-to-file is set without log-dir; using ./logs")
	}
	return warnings, nil
}
