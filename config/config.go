// Package config loads inkflow settings from .env, config.yaml and the
// process environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"inkflow/internal/core"
)

// DefaultConfigPath is read when INKFLOW_CONFIG is unset. A missing file is not an error.
const DefaultConfigPath = "config.yaml"

// Config is the full application configuration.
type Config struct {
	Server       ServerConfig                   `yaml:"server"`
	Logging      LoggingConfig                  `yaml:"logging"`
	Storage      StorageConfig                  `yaml:"storage"`
	RunLog       RunLogConfig                   `yaml:"runlog"`
	Cache        CacheConfig                    `yaml:"cache"`
	Metrics      MetricsConfig                  `yaml:"metrics"`
	Continuation ContinuationConfig             `yaml:"continuation"`
	Secrets      SecretsConfig                  `yaml:"secrets"`
	Provider     string                         `yaml:"provider"`
	Providers    map[string]core.ProviderConfig `yaml:"providers"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `yaml:"port"`
	// MasterKey protects /v1 routes when set.
	MasterKey string `yaml:"master_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig selects the run log database.
type StorageConfig struct {
	Type       string `yaml:"type"`
	SQLitePath string `yaml:"sqlite_path"`
	PostgreSQL struct {
		URL      string `yaml:"url"`
		MaxConns int    `yaml:"max_conns"`
	} `yaml:"postgresql"`
	MongoDB struct {
		URL      string `yaml:"url"`
		Database string `yaml:"database"`
	} `yaml:"mongodb"`
}

type RunLogConfig struct {
	Enabled       bool `yaml:"enabled"`
	BufferSize    int  `yaml:"buffer_size"`
	FlushInterval int  `yaml:"flush_interval"` // seconds
	RetentionDays int  `yaml:"retention_days"`
}

// CacheConfig selects where finished results are kept.
type CacheConfig struct {
	Type       string `yaml:"type"` // "local" or "redis"
	TTL        int    `yaml:"ttl"`  // seconds
	MaxEntries int    `yaml:"max_entries"`
	Redis      struct {
		URL    string `yaml:"url"`
		Prefix string `yaml:"prefix"`
	} `yaml:"redis"`
}

type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// ContinuationConfig tunes the round loop. Zero values take the package defaults.
type ContinuationConfig struct {
	MaxRounds          int      `yaml:"max_rounds"`
	FallbackMaxTokens  int      `yaml:"fallback_max_tokens"`
	MaxTranscriptChars int      `yaml:"max_transcript_chars"`
	Markers            []string `yaml:"markers"`
}

// SecretsConfig points at an optional keyring file of provider id to key.
type SecretsConfig struct {
	KeyringFile string `yaml:"keyring_file"`
}

// LoadResult is what Load returns.
type LoadResult struct {
	Config *Config
	// Path is the YAML file that was read, empty when none was found.
	Path string
}

func buildDefaultConfig() *Config {
	cfg := &Config{
		Server:  ServerConfig{Port: "8080"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{Type: "sqlite", SQLitePath: "data/inkflow.db"},
		RunLog: RunLogConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 5,
			RetentionDays: 30,
		},
		Cache:     CacheConfig{Type: "local", TTL: 86400, MaxEntries: 1024},
		Metrics:   MetricsConfig{Enabled: true, Endpoint: "/metrics"},
		Providers: make(map[string]core.ProviderConfig),
	}
	cfg.Storage.PostgreSQL.MaxConns = 10
	cfg.Storage.MongoDB.Database = "inkflow"
	return cfg
}

// Load reads .env (optional), the YAML file (optional) and the environment.
func Load() (*LoadResult, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := buildDefaultConfig()

	path := os.Getenv("INKFLOW_CONFIG")
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal([]byte(expandString(string(raw))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		path = ""
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]core.ProviderConfig)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyProviderEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LoadResult{Config: cfg, Path: path}, nil
}

// Validate checks provider kinds and the active provider.
func (c *Config) Validate() error {
	for id, p := range c.Providers {
		if !p.Kind.Valid() {
			return fmt.Errorf("provider %s: unknown kind %q", id, p.Kind)
		}
	}
	if c.Provider != "" {
		if _, ok := c.Providers[c.Provider]; !ok {
			return fmt.Errorf("active provider %q is not configured", c.Provider)
		}
	}
	switch c.Storage.Type {
	case "sqlite", "postgresql", "mongodb":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	switch c.Cache.Type {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown cache type %q", c.Cache.Type)
	}
	return nil
}

// ActiveProvider returns the configured default provider id. With no explicit
// choice a single configured provider is the default.
func (c *Config) ActiveProvider() string {
	if c.Provider != "" || len(c.Providers) != 1 {
		return c.Provider
	}
	for id := range c.Providers {
		return id
	}
	return ""
}

// ProviderIDs returns the configured provider ids, sorted.
func (c *Config) ProviderIDs() []string {
	ids := make([]string, 0, len(c.Providers))
	for id := range c.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func applyEnvOverrides(cfg *Config) error {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.MasterKey, "MASTER_KEY")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Storage.Type, "STORAGE_TYPE")
	setString(&cfg.Storage.SQLitePath, "SQLITE_PATH")
	setString(&cfg.Storage.PostgreSQL.URL, "POSTGRES_URL")
	setString(&cfg.Storage.MongoDB.URL, "MONGODB_URL")
	setString(&cfg.Storage.MongoDB.Database, "MONGODB_DATABASE")
	setString(&cfg.Cache.Type, "CACHE_TYPE")
	setString(&cfg.Cache.Redis.URL, "REDIS_URL")
	setString(&cfg.Provider, "INKFLOW_PROVIDER")
	setString(&cfg.Secrets.KeyringFile, "INKFLOW_KEYRING_FILE")

	ints := []struct {
		dst *int
		key string
	}{
		{&cfg.Storage.PostgreSQL.MaxConns, "POSTGRES_MAX_CONNS"},
		{&cfg.RunLog.RetentionDays, "RUNLOG_RETENTION_DAYS"},
		{&cfg.Cache.TTL, "CACHE_TTL"},
		{&cfg.Continuation.MaxRounds, "CONTINUATION_MAX_ROUNDS"},
	}
	for _, o := range ints {
		if err := setInt(o.dst, o.key); err != nil {
			return err
		}
	}

	bools := []struct {
		dst *bool
		key string
	}{
		{&cfg.RunLog.Enabled, "RUNLOG_ENABLED"},
		{&cfg.Metrics.Enabled, "METRICS_ENABLED"},
	}
	for _, o := range bools {
		if err := setBool(o.dst, o.key); err != nil {
			return err
		}
	}
	return nil
}

// applyProviderEnv creates or updates the "openai" and "anthropic" entries
// from their well-known variables.
func applyProviderEnv(cfg *Config) {
	known := []struct {
		id   string
		kind core.ProviderKind
	}{
		{"openai", core.KindOpenAI},
		{"anthropic", core.KindAnthropic},
	}
	for _, k := range known {
		prefix := strings.ToUpper(k.id)
		key := os.Getenv(prefix + "_API_KEY")
		baseURL := os.Getenv(prefix + "_BASE_URL")
		model := os.Getenv(prefix + "_MODEL")
		p, exists := cfg.Providers[k.id]
		if !exists && key == "" {
			continue
		}
		if !exists {
			p.Kind = k.kind
		}
		if key != "" {
			p.APIKey = key
		}
		if baseURL != "" {
			p.BaseURL = baseURL
		}
		if model != "" {
			p.Model = model
		}
		cfg.Providers[k.id] = p
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default}. A ${VAR} whose variable
// is unset or empty is left as written so later stages can tell it apart from
// a real value.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		sub := placeholder.FindStringSubmatch(m)
		if v := os.Getenv(sub[1]); v != "" {
			return v
		}
		if sub[2] != "" {
			return sub[3]
		}
		return m
	})
}
