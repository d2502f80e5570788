package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`

	// APIKey authenticates request-originating callers (the API gateway).
	APIKey string `env:"API_KEY,required"`

	// Token issuance for worker credentials.
	TokenSigningSecret string `env:"TOKEN_SIGNING_SECRET,required"`
	TokenKeyID         string `env:"TOKEN_KEY_ID" envDefault:"v1"`
	TokenTTLSeconds    int    `env:"TOKEN_TTL_SECONDS" envDefault:"14400"`

	// Worker execution backend: "process" or "remote".
	Backend       string `env:"ORCHESTRATOR_BACKEND" envDefault:"process"`
	WorkerCommand string `env:"WORKER_COMMAND" envDefault:"meeting-worker"`
	MaxWorkers    int    `env:"MAX_WORKERS" envDefault:"16"`
	SchedulerURL  string `env:"SCHEDULER_URL"`

	// CallbackBaseURL is handed to workers so they know where to submit
	// status callbacks.
	CallbackBaseURL string `env:"CALLBACK_BASE_URL,required"`

	// Watchdog windows for sessions stuck in a wait state. The requested
	// window must exceed the start-retry elapsed caps so the watchdog never
	// fails a session whose dispatch loop is still backing off.
	RequestedTimeoutSeconds int `env:"REQUESTED_TIMEOUT_SECONDS" envDefault:"900"`
	JoiningTimeoutSeconds   int `env:"JOINING_TIMEOUT_SECONDS" envDefault:"300"`
	AdmissionTimeoutSeconds int `env:"ADMISSION_TIMEOUT_SECONDS" envDefault:"600"`
	WatchdogIntervalSeconds int `env:"WATCHDOG_INTERVAL_SECONDS" envDefault:"60"`

	CallbackRateLimitPerMin int    `env:"CALLBACK_RATE_LIMIT_PER_MIN" envDefault:"120"`
	LogLevel                string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSeconds) * time.Second
}

func (c *Config) RequestedTimeout() time.Duration {
	return time.Duration(c.RequestedTimeoutSeconds) * time.Second
}

func (c *Config) JoiningTimeout() time.Duration {
	return time.Duration(c.JoiningTimeoutSeconds) * time.Second
}

func (c *Config) AdmissionTimeout() time.Duration {
	return time.Duration(c.AdmissionTimeoutSeconds) * time.Second
}

func (c *Config) WatchdogInterval() time.Duration {
	return time.Duration(c.WatchdogIntervalSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	switch c.Backend {
	case "process":
		if c.WorkerCommand == "" {
			return fmt.Errorf("WORKER_COMMAND is required for the process backend")
		}
	case "remote":
		if c.SchedulerURL == "" {
			return fmt.Errorf("SCHEDULER_URL is required for the remote backend")
		}
	default:
		return fmt.Errorf("ORCHESTRATOR_BACKEND must be 'process' or 'remote', got %q", c.Backend)
	}

	if isProduction {
		if err := validateSecret("TOKEN_SIGNING_SECRET", c.TokenSigningSecret); err != nil {
			return err
		}
		if err := validateSecret("API_KEY", c.APIKey); err != nil {
			return err
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
