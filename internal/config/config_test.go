package config

import (
	"flag"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapEnv map[string]string

func (m mapEnv) Getenv(key string) string { return m[key] }

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv(mapEnv{})
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000/api", cfg.APIBaseURL)
	assert.Equal(t, "pulseml.db", cfg.DBPath)
	assert.Equal(t, "logs", cfg.LogDir)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.HTTPTimeout)
	assert.False(t, cfg.Debug)
}

func TestLoadFromEnv_ViteBaseURLFallback(t *testing.T) {
	cfg, err := LoadFromEnv(mapEnv{"VITE_API_BASE_URL": "https://ml.example.com/api/"})
	require.NoError(t, err)
	assert.Equal(t, "https://ml.example.com/api", cfg.APIBaseURL)

	cfg, err = LoadFromEnv(mapEnv{
		"VITE_API_BASE_URL":    "https://ml.example.com/api",
		"PULSEML_API_BASE_URL": "http://10.0.0.5:8000/api",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:8000/api", cfg.APIBaseURL)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	cfg, err := LoadFromEnv(mapEnv{
		"PULSEML_DB_PATH":       "/tmp/creds.db",
		"PULSEML_LOG_DIR":       "/tmp/logs",
		"PULSEML_POLL_INTERVAL": "500ms",
		"PULSEML_HTTP_TIMEOUT":  "0s",
		"PULSEML_DEBUG":         "true",
	})
	require.NoError(t, err)

	assert.Equal(t, "/tmp/creds.db", cfg.DBPath)
	assert.Equal(t, "/tmp/logs", cfg.LogDir)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, time.Duration(0), cfg.HTTPTimeout)
	assert.True(t, cfg.Debug)
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	cases := map[string]mapEnv{
		"base url scheme":  {"PULSEML_API_BASE_URL": "localhost:8000"},
		"poll interval":    {"PULSEML_POLL_INTERVAL": "soon"},
		"zero poll":        {"PULSEML_POLL_INTERVAL": "0s"},
		"negative timeout": {"PULSEML_HTTP_TIMEOUT": "-1s"},
		"debug":            {"PULSEML_DEBUG": "maybe"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFromEnv(env)
			require.Error(t, err)
		})
	}
}

func TestValidateAfterOverrides(t *testing.T) {
	cfg, err := LoadFromEnv(mapEnv{})
	require.NoError(t, err)

	cfg.APIBaseURL = "https://ml.example.com/api//"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "https://ml.example.com/api", cfg.APIBaseURL)

	cfg.PollInterval = 0
	assert.Error(t, cfg.Validate())

	cfg.PollInterval = time.Second
	cfg.APIBaseURL = "ftp://ml.example.com"
	assert.Error(t, cfg.Validate())
}

func parseFlags(t *testing.T, cfg *Config, args ...string) error {
	t.Helper()
	fs := flag.NewFlagSet("pulseml", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return cfg.ApplyFlags(fs)
}

func TestFlagOverridesInvalidEnvValue(t *testing.T) {
	env := mapEnv{"PULSEML_POLL_INTERVAL": "soon", "PULSEML_DEBUG": "maybe"}

	cfg := ReadEnv(env)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	require.NoError(t, parseFlags(t, &cfg, "-poll-interval", "750ms", "-debug"))
	assert.Equal(t, 750*time.Millisecond, cfg.PollInterval)
	assert.True(t, cfg.Debug)

	// only the overridden setting is forgiven
	cfg = ReadEnv(env)
	err := parseFlags(t, &cfg, "-poll-interval", "750ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid PULSEML_DEBUG "maybe"`)
	assert.NotContains(t, err.Error(), "PULSEML_POLL_INTERVAL")

	cfg = ReadEnv(env)
	err = parseFlags(t, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid PULSEML_POLL_INTERVAL "soon"`)
	assert.Contains(t, err.Error(), `invalid PULSEML_DEBUG "maybe"`)
}

func TestFlagsDefaultToEnvironment(t *testing.T) {
	cfg := ReadEnv(mapEnv{"PULSEML_API_BASE_URL": "https://ml.example.com/api/", "PULSEML_HTTP_TIMEOUT": "5s"})
	require.NoError(t, parseFlags(t, &cfg, "-db", "/tmp/other.db"))

	assert.Equal(t, "https://ml.example.com/api", cfg.APIBaseURL)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "/tmp/other.db", cfg.DBPath)

	require.Error(t, parseFlags(t, &cfg, "-api", "localhost:8000"))
}
