// Copyright 2026 The Grov Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/zalando/go-keyring"

	"github.com/TonyStef/Grov-sub001/pkg/assist"
)

const (
	// ServiceName for keyring storage.
	ServiceName = "grov"

	// DefaultConfigFileName is the config file name inside the data dir.
	DefaultConfigFileName = "config"
)

// Config holds all configuration for the grov proxy.
// Priority: CLI flags > config file > env vars > defaults.
type Config struct {
	// DataDir is the grov state directory (GROV_DATA_DIR env var or the
	// user config dir). Set during config initialization, not loaded
	// from the config file.
	DataDir string `mapstructure:"-"`

	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Assist   AssistConfig   `mapstructure:"assist"`
	Drift    DriftConfig    `mapstructure:"drift"`
	Session  SessionConfig  `mapstructure:"session"`
	Store    StoreConfig    `mapstructure:"store"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ProxyConfig holds the listening surface and interception knobs.
type ProxyConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// MaxBodyBytes caps accepted request bodies.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`

	// ClearThreshold is the context size in tokens past which the
	// conversation is reset. 0 disables the reset.
	ClearThreshold int `mapstructure:"clear_threshold"`

	// PrecomputeRatio is the share of ClearThreshold at which the handoff
	// summary is prepared in the background.
	PrecomputeRatio float64 `mapstructure:"precompute_ratio"`

	// BypassModels are model-name fragments whose requests are forwarded
	// without interception (sub-agent traffic).
	BypassModels []string `mapstructure:"bypass_models"`
}

// UpstreamConfig holds the provider endpoint.
type UpstreamConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// AssistConfig holds the auxiliary-model setup.
type AssistConfig struct {
	APIKey         string `mapstructure:"api_key"` // From CLI/env/keyring only
	Model          string `mapstructure:"model"`
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// DriftConfig holds the drift-check cadence.
type DriftConfig struct {
	// CheckInterval scores every Nth end-of-turn per session.
	CheckInterval int `mapstructure:"check_interval"`
}

// SessionConfig holds session lifecycle knobs.
type SessionConfig struct {
	// Retention is how long a completed session stays resolvable and
	// survives the cleanup janitor, as a Go duration string.
	Retention string `mapstructure:"retention"`
}

// StoreConfig holds the persistence layer setup.
type StoreConfig struct {
	Path          string `mapstructure:"path"`
	EncryptionKey string `mapstructure:"encryption_key"` // From env/keyring only
}

// WorkersConfig sizes the background pool.
type WorkersConfig struct {
	Count int `mapstructure:"count"`
	Queue int `mapstructure:"queue"`
}

// LoggingConfig holds the debug sink setup. The per-request console line
// is always on and not configured here.
type LoggingConfig struct {
	Debug bool   `mapstructure:"debug"`
	File  string `mapstructure:"file"`
}

// DataDir returns the grov state directory. GROV_DATA_DIR overrides the
// platform default.
func DataDir() string {
	if dir := os.Getenv("GROV_DATA_DIR"); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return ".grov"
	}
	return filepath.Join(base, "grov")
}

// CacheDir returns the directory holding the host client's credential
// file.
func CacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return DataDir()
	}
	return filepath.Join(base, "grov")
}

// CredentialsPath is where the host coding client drops rotated aux-model
// keys out of band.
func CredentialsPath() string {
	return filepath.Join(CacheDir(), "credentials.json")
}

// LoadConfig loads configuration from multiple sources with proper priority:
// 1. Command line flags (highest priority)
// 2. Config file
// 3. Environment variables
// 4. Defaults (lowest priority)
func LoadConfig(cfgFile string) (*Config, error) {
	setDefaults()

	switch {
	case cfgFile != "":
		viper.SetConfigFile(cfgFile)
	case os.Getenv("GROV_CONFIG") != "":
		viper.SetConfigFile(os.Getenv("GROV_CONFIG"))
	default:
		// ./grov.yaml beats the data-dir config, so a checked-in
		// project file can pin proxy settings per repository.
		if _, err := os.Stat("grov.yaml"); err == nil {
			viper.SetConfigFile("grov.yaml")
		} else {
			viper.AddConfigPath(DataDir())
			viper.SetConfigName(DefaultConfigFileName)
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file %s: %w", viper.ConfigFileUsed(), err)
		}
		// Config file not found; using defaults + env vars + flags
	}

	viper.SetEnvPrefix("GROV")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.DataDir = DataDir()

	// Load secrets from keyring if not provided via CLI/env/file.
	// Non-fatal: keyring might not be available, the credential-file
	// watcher still covers the aux key at runtime.
	_ = loadSecretsFromKeyring(&config)

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	viper.SetDefault("proxy.host", "127.0.0.1")
	viper.SetDefault("proxy.port", 4141)
	viper.SetDefault("proxy.max_body_bytes", 10*1024*1024)
	viper.SetDefault("proxy.clear_threshold", 160000)
	viper.SetDefault("proxy.precompute_ratio", 0.85)
	viper.SetDefault("proxy.bypass_models", []string{"haiku", "mini"})

	viper.SetDefault("upstream.base_url", "https://api.anthropic.com")
	viper.SetDefault("upstream.timeout_seconds", 600)

	viper.SetDefault("assist.model", assist.DefaultModel)
	viper.SetDefault("assist.base_url", "")
	viper.SetDefault("assist.timeout_seconds", 30)

	viper.SetDefault("drift.check_interval", 3)

	viper.SetDefault("session.retention", "24h")

	viper.SetDefault("store.path", filepath.Join(DataDir(), "grov.db"))

	viper.SetDefault("workers.count", 4)
	viper.SetDefault("workers.queue", 64)

	viper.SetDefault("logging.debug", false)
	viper.SetDefault("logging.file", filepath.Join(DataDir(), "grov.log"))
}

// SecretMapping defines how to load a secret from the keyring into the
// config. Consulted only when the value is not already set by
// flag/env/file.
type SecretMapping struct {
	KeyringKey string
	Assign     func(*Config, string)
	IsSet      func(*Config) bool
}

// GetSecretMappings returns all secret mappings for the application.
func GetSecretMappings() []SecretMapping {
	return []SecretMapping{
		{
			KeyringKey: "assist_api_key",
			Assign:     func(c *Config, val string) { c.Assist.APIKey = val },
			IsSet:      func(c *Config) bool { return c.Assist.APIKey != "" },
		},
		{
			KeyringKey: "store_encryption_key",
			Assign:     func(c *Config, val string) { c.Store.EncryptionKey = val },
			IsSet:      func(c *Config) bool { return c.Store.EncryptionKey != "" },
		},
	}
}

// loadSecretsFromKeyring fills unset secrets from the system keyring.
func loadSecretsFromKeyring(config *Config) error {
	for _, mapping := range GetSecretMappings() {
		if mapping.IsSet(config) {
			continue
		}
		value, err := GetSecretFromKeyring(mapping.KeyringKey)
		if err == nil && value != "" {
			mapping.Assign(config, value)
		}
		// Non-fatal: if the keyring doesn't have the key, just continue
	}
	return nil
}

// GetSecretFromKeyring retrieves a secret from the system keyring.
func GetSecretFromKeyring(key string) (string, error) {
	return keyring.Get(ServiceName, key)
}

// SaveSecretToKeyring saves a secret to the system keyring.
func SaveSecretToKeyring(key, value string) error {
	return keyring.Set(ServiceName, key, value)
}

// DeleteSecretFromKeyring removes a secret from the system keyring.
func DeleteSecretFromKeyring(key string) error {
	return keyring.Delete(ServiceName, key)
}

// ListAvailableSecretKeys returns all known secret keys that can be
// stored in the keyring.
func ListAvailableSecretKeys() []string {
	mappings := GetSecretMappings()
	keys := make([]string, 0, len(mappings))
	for _, m := range mappings {
		keys = append(keys, m.KeyringKey)
	}
	return keys
}

// Retention parses the configured completed-session retention window.
func (c *Config) Retention() (time.Duration, error) {
	d, err := time.ParseDuration(c.Session.Retention)
	if err != nil {
		return 0, fmt.Errorf("invalid session.retention %q: %w", c.Session.Retention, err)
	}
	return d, nil
}

// Validate checks the configuration for values the server cannot start
// with.
func (c *Config) Validate() error {
	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		return fmt.Errorf("invalid proxy.port: %d (must be 1-65535)", c.Proxy.Port)
	}
	if c.Proxy.MaxBodyBytes <= 0 {
		return fmt.Errorf("proxy.max_body_bytes must be positive, got %d", c.Proxy.MaxBodyBytes)
	}
	if c.Proxy.ClearThreshold < 0 {
		return fmt.Errorf("proxy.clear_threshold must be >= 0, got %d (0 disables the reset)", c.Proxy.ClearThreshold)
	}
	if c.Proxy.PrecomputeRatio <= 0 || c.Proxy.PrecomputeRatio >= 1 {
		return fmt.Errorf("proxy.precompute_ratio must be between 0 and 1 exclusive, got %g", c.Proxy.PrecomputeRatio)
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required (set it in config or GROV_UPSTREAM_BASE_URL)")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream.base_url %q is not an http(s) URL", c.Upstream.BaseURL)
	}

	if c.Drift.CheckInterval < 1 {
		return fmt.Errorf("drift.check_interval must be >= 1, got %d", c.Drift.CheckInterval)
	}

	retention, err := c.Retention()
	if err != nil {
		return err
	}
	if retention <= 0 {
		return fmt.Errorf("session.retention must be positive, got %s", c.Session.Retention)
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be >= 1, got %d", c.Workers.Count)
	}

	// No assist key check here: the proxy degrades to heuristics without
	// one, and the credential file may deliver a key after startup.
	return nil
}

// GenerateExampleConfig generates a commented example configuration file.
func GenerateExampleConfig() string {
	return `# grov proxy configuration
# Priority: CLI flags > config file > environment variables > defaults
# Environment variables use the GROV_ prefix with dots as underscores,
# e.g. proxy.port -> GROV_PROXY_PORT.

proxy:
  # Loopback listener; point your coding agent's base URL here.
  host: 127.0.0.1
  port: 4141

  # Requests larger than this are rejected with 413.
  max_body_bytes: 10485760

  # Context size in tokens past which the conversation is reset to a
  # handoff summary. 0 disables the reset.
  clear_threshold: 160000

  # Share of clear_threshold at which the summary is precomputed.
  precompute_ratio: 0.85

  # Model-name fragments forwarded without interception (sub-agent
  # traffic keeps its own context).
  bypass_models:
    - haiku
    - mini

upstream:
  base_url: https://api.anthropic.com
  timeout_seconds: 600

assist:
  # Auxiliary model for intent/task/drift analysis and summaries.
  model: ` + assist.DefaultModel + `
  timeout_seconds: 30
  # api_key: set via keyring (grov auth set) or GROV_ASSIST_API_KEY.
  # Without a key the proxy still runs; analysis falls back to
  # heuristics until the host client's credential file provides one.

drift:
  # Score alignment every Nth end-of-turn per session.
  check_interval: 3

session:
  # Completed sessions stay resolvable for this long and are swept
  # afterwards. Go duration string.
  retention: 24h

store:
  # Embedded SQLite database. Defaults to the user config dir.
  # path: /home/you/.config/grov/grov.db
  # encryption_key: set via keyring or GROV_STORE_ENCRYPTION_KEY
  #                 (requires a CGO build with SQLCipher)

workers:
  count: 4
  queue: 64

logging:
  # debug adds a structured JSON file log with REQUEST/RESPONSE/INJECTION
  # entries. The per-request console line is always on.
  debug: false
  # file: /home/you/.config/grov/grov.log

# Secrets should NEVER be committed to config files.
# Use the keyring:
#   grov auth set
#   grov auth set store_encryption_key
`
}
