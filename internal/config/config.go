package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
)

const (
	DefaultAPIBaseURL   = "http://localhost:8000/api"
	DefaultDBPath       = "pulseml.db"
	DefaultLogDir       = "logs"
	DefaultPollInterval = 2 * time.Second
	DefaultHTTPTimeout  = 60 * time.Second
)

// Config holds application configuration
type Config struct {
	APIBaseURL   string        // PulseML REST root, e.g. http://localhost:8000/api
	DBPath       string        // SQLite file holding persisted credentials
	LogDir       string        // Directory for rotated log, trace and metric files
	PollInterval time.Duration // Delay between run status fetches while a run is active
	HTTPTimeout  time.Duration // Per-request timeout; 0 disables it
	Debug        bool

	// unparseable environment values by variable name; the field keeps its
	// default until a flag overrides it
	envErrs map[string]error
}

// flagEnv maps each command-line flag to the variable it overrides
var flagEnv = map[string]string{
	"api":           "PULSEML_API_BASE_URL",
	"db":            "PULSEML_DB_PATH",
	"log-dir":       "PULSEML_LOG_DIR",
	"poll-interval": "PULSEML_POLL_INTERVAL",
	"timeout":       "PULSEML_HTTP_TIMEOUT",
	"debug":         "PULSEML_DEBUG",
}

// Env looks up environment variables. It exists so tests can supply a map.
type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// Load reads an optional .env file and then the process environment.
// Bad values are reported by Validate, so flags can still override them.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on environment variables")
	}
	return ReadEnv(osEnv{})
}

// LoadFromEnv builds a Config from env and validates it.
func LoadFromEnv(env Env) (Config, error) {
	cfg := ReadEnv(env)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadEnv builds a Config from env, applying defaults for unset keys. It
// never fails; values that do not parse are kept for Validate to report.
func ReadEnv(env Env) Config {
	cfg := Config{
		APIBaseURL:   DefaultAPIBaseURL,
		DBPath:       DefaultDBPath,
		LogDir:       DefaultLogDir,
		PollInterval: DefaultPollInterval,
		HTTPTimeout:  DefaultHTTPTimeout,
		envErrs:      make(map[string]error),
	}

	if raw := firstNonEmpty(env.Getenv("PULSEML_API_BASE_URL"), env.Getenv("VITE_API_BASE_URL")); raw != "" {
		cfg.APIBaseURL = raw
	}

	if raw := env.Getenv("PULSEML_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := env.Getenv("PULSEML_LOG_DIR"); raw != "" {
		cfg.LogDir = raw
	}

	if raw := env.Getenv("PULSEML_POLL_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			cfg.envErrs["PULSEML_POLL_INTERVAL"] = fmt.Errorf("invalid PULSEML_POLL_INTERVAL %q", raw)
		} else {
			cfg.PollInterval = d
		}
	}

	if raw := env.Getenv("PULSEML_HTTP_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err != nil || d < 0 {
			cfg.envErrs["PULSEML_HTTP_TIMEOUT"] = fmt.Errorf("invalid PULSEML_HTTP_TIMEOUT %q", raw)
		} else {
			cfg.HTTPTimeout = d
		}
	}

	if raw := env.Getenv("PULSEML_DEBUG"); raw != "" {
		if debug, err := strconv.ParseBool(raw); err != nil {
			cfg.envErrs["PULSEML_DEBUG"] = fmt.Errorf("invalid PULSEML_DEBUG %q", raw)
		} else {
			cfg.Debug = debug
		}
	}
	return cfg
}

// RegisterFlags binds a command-line override for every field to fs. Each
// flag defaults to the current value.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.APIBaseURL, "api", c.APIBaseURL, "PulseML API base URL")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "SQLite file holding the stored session")
	fs.StringVar(&c.LogDir, "log-dir", c.LogDir, "Directory for log, trace and metric files")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Delay between training run status fetches")
	fs.DurationVar(&c.HTTPTimeout, "timeout", c.HTTPTimeout, "Per-request HTTP timeout (0 disables it)")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug logging")
}

// ApplyFlags forgets environment errors for every setting fs overrode, then
// validates. Call it after fs.Parse.
func (c *Config) ApplyFlags(fs *flag.FlagSet) error {
	fs.Visit(func(f *flag.Flag) {
		delete(c.envErrs, flagEnv[f.Name])
	})
	return c.Validate()
}

// Validate normalises the base URL and checks every field, including
// environment values that failed to parse. All problems are reported.
func (c *Config) Validate() error {
	var result error
	for _, key := range []string{"PULSEML_POLL_INTERVAL", "PULSEML_HTTP_TIMEOUT", "PULSEML_DEBUG"} {
		if err := c.envErrs[key]; err != nil {
			result = multierror.Append(result, err)
		}
	}

	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")
	if !strings.HasPrefix(c.APIBaseURL, "http://") && !strings.HasPrefix(c.APIBaseURL, "https://") {
		result = multierror.Append(result, fmt.Errorf("invalid API base URL %q: must start with http:// or https://", c.APIBaseURL))
	}
	if c.DBPath == "" {
		result = multierror.Append(result, fmt.Errorf("database path must not be empty"))
	}
	if c.PollInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.HTTPTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("HTTP timeout must not be negative, got %s", c.HTTPTimeout))
	}
	return result
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
