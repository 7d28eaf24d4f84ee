package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkflow/internal/core"
)

var envKeys = []string{
	"INKFLOW_CONFIG", "PORT", "MASTER_KEY", "LOG_LEVEL", "LOG_FORMAT",
	"STORAGE_TYPE", "SQLITE_PATH", "POSTGRES_URL", "POSTGRES_MAX_CONNS",
	"MONGODB_URL", "MONGODB_DATABASE", "CACHE_TYPE", "CACHE_TTL", "REDIS_URL",
	"INKFLOW_PROVIDER", "INKFLOW_KEYRING_FILE", "RUNLOG_ENABLED",
	"RUNLOG_RETENTION_DAYS", "METRICS_ENABLED", "CONTINUATION_MAX_ROUNDS",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL",
	"ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL", "ANTHROPIC_MODEL",
}

// isolate runs the test in an empty directory with every recognised
// variable cleared.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	result, err := Load()
	require.NoError(t, err)
	cfg := result.Config
	assert.Empty(t, result.Path)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "data/inkflow.db", cfg.Storage.SQLitePath)
	assert.Equal(t, "local", cfg.Cache.Type)
	assert.True(t, cfg.RunLog.Enabled)
	assert.Empty(t, cfg.Providers)
}

func TestLoad_YAMLWithDefaults(t *testing.T) {
	isolate(t)
	writeFile(t, "config.yaml", `
server:
  port: "${TEST_PORT_DEFAULTS:-9999}"
provider: primary
providers:
  primary:
    kind: openai
    model: gpt-4o-mini
    api_key: "${TEST_KEY_DEFAULTS:-default-key}"
  claude:
    kind: anthropic
    api_key: "${TEST_CLAUDE_KEY}"
continuation:
  max_rounds: 8
  markers: ["ACTION:", "TOOL:"]
`)

	t.Run("defaults apply", func(t *testing.T) {
		result, err := Load()
		require.NoError(t, err)
		cfg := result.Config
		assert.Equal(t, DefaultConfigPath, result.Path)
		assert.Equal(t, "9999", cfg.Server.Port)
		assert.Equal(t, "default-key", cfg.Providers["primary"].APIKey)
		assert.Equal(t, core.KindOpenAI, cfg.Providers["primary"].Kind)
		assert.Equal(t, "gpt-4o-mini", cfg.Providers["primary"].Model)
		// unresolved references survive for the credential lookup to handle
		assert.Equal(t, "${TEST_CLAUDE_KEY}", cfg.Providers["claude"].APIKey)
		assert.Equal(t, 8, cfg.Continuation.MaxRounds)
		assert.Equal(t, []string{"ACTION:", "TOOL:"}, cfg.Continuation.Markers)
		assert.Equal(t, "primary", cfg.ActiveProvider())
		assert.Equal(t, []string{"claude", "primary"}, cfg.ProviderIDs())
	})

	t.Run("environment wins", func(t *testing.T) {
		t.Setenv("TEST_PORT_DEFAULTS", "1111")
		t.Setenv("TEST_KEY_DEFAULTS", "real-key")
		result, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "1111", result.Config.Server.Port)
		assert.Equal(t, "real-key", result.Config.Providers["primary"].APIKey)
	})
}

func TestLoad_ExplicitConfigPath(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	writeFile(t, path, "server:\n  port: \"7000\"\n")
	t.Setenv("INKFLOW_CONFIG", path)

	result, err := Load()
	require.NoError(t, err)
	assert.Equal(t, path, result.Path)
	assert.Equal(t, "7000", result.Config.Server.Port)
}

func TestLoad_ExplicitConfigPathMissing(t *testing.T) {
	dir := isolate(t)
	t.Setenv("INKFLOW_CONFIG", filepath.Join(dir, "nope.yaml"))

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	isolate(t)
	writeFile(t, "config.yaml", "server: [unterminated\n")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.yaml")
}

func TestLoad_ProviderFromEnv(t *testing.T) {
	isolate(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:1234/v1")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")

	result, err := Load()
	require.NoError(t, err)
	cfg := result.Config
	require.Contains(t, cfg.Providers, "openai")
	assert.Equal(t, core.KindOpenAI, cfg.Providers["openai"].Kind)
	assert.Equal(t, "sk-env", cfg.Providers["openai"].APIKey)
	assert.Equal(t, "http://localhost:1234/v1", cfg.Providers["openai"].BaseURL)
	assert.Equal(t, core.KindAnthropic, cfg.Providers["anthropic"].Kind)
	// two providers and no explicit choice leaves the default unset
	assert.Empty(t, cfg.ActiveProvider())
}

func TestLoad_EnvKeyUpdatesYAMLProvider(t *testing.T) {
	isolate(t)
	writeFile(t, "config.yaml", `
providers:
  openai:
    kind: openai
    base_url: https://proxy.internal/v1
    api_key: from-yaml
`)
	t.Setenv("OPENAI_API_KEY", "from-env")

	result, err := Load()
	require.NoError(t, err)
	p := result.Config.Providers["openai"]
	assert.Equal(t, "from-env", p.APIKey)
	assert.Equal(t, "https://proxy.internal/v1", p.BaseURL)
	assert.Equal(t, "openai", result.Config.ActiveProvider())
}

func TestLoad_DotEnvFile(t *testing.T) {
	isolate(t)
	// t.Setenv above leaves the keys set to "", which godotenv will not
	// override; unset them so the file can provide values.
	require.NoError(t, os.Unsetenv("PORT"))
	require.NoError(t, os.Unsetenv("OPENAI_API_KEY"))
	t.Cleanup(func() {
		_ = os.Unsetenv("PORT")
		_ = os.Unsetenv("OPENAI_API_KEY")
	})
	writeFile(t, ".env", "PORT=7070\nOPENAI_API_KEY=sk-from-dotenv-file\n")

	result, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7070", result.Config.Server.Port)
	assert.Equal(t, "sk-from-dotenv-file", result.Config.Providers["openai"].APIKey)
}

func TestLoad_EnvOverridesDotEnv(t *testing.T) {
	isolate(t)
	writeFile(t, ".env", "PORT=7070\n")
	t.Setenv("PORT", "9999")

	result, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9999", result.Config.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:    "unknown kind",
			mutate:  func(c *Config) { c.Providers["x"] = core.ProviderConfig{Kind: "gemini"} },
			wantErr: "unknown kind",
		},
		{
			name:    "active provider missing",
			mutate:  func(c *Config) { c.Provider = "ghost" },
			wantErr: "not configured",
		},
		{
			name:    "unknown storage",
			mutate:  func(c *Config) { c.Storage.Type = "mysql" },
			wantErr: "storage type",
		},
		{
			name:    "unknown cache",
			mutate:  func(c *Config) { c.Cache.Type = "memcached" },
			wantErr: "cache type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := buildDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
