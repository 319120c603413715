// Package config loads the progress service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/clubhouse/internal/platform/config"
	"github.com/example/clubhouse/services/progress/internal/adapter"
	"github.com/example/clubhouse/services/progress/internal/gateway"
	"github.com/example/clubhouse/services/progress/internal/tracker"
)

type Config struct {
	config.AppConfig

	JWTSecret string
	JWTIssuer string

	// DatabaseURL empty selects the in-memory gateway (refused in production).
	DatabaseURL string
	// RedisURL empty disables the read cache.
	RedisURL string
	CacheTTL time.Duration
	// AsyncWrites routes writes through JetStream and the in-process worker.
	AsyncWrites bool
	NATSURL     string

	Policy         tracker.Policy
	PollInterval   time.Duration
	WriteTimeout   time.Duration
	SessionIdleTTL time.Duration
	AllowedOrigins []string
	AllowedSources []string
	SourcesFile    string

	Breaker gateway.BreakerConfig

	WorkerBatchSize     int
	WorkerBatchInterval time.Duration
	WorkerMaxDeliver    int
}

func Load() (Config, error) {
	app, err := config.Load()
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		AppConfig:   app,
		JWTSecret:   config.String("JWT_SECRET", ""),
		JWTIssuer:   config.String("JWT_ISSUER", ""),
		DatabaseURL: config.String("DATABASE_URL", ""),
		RedisURL:    config.String("REDIS_URL", ""),
		CacheTTL:    config.Duration("CACHE_TTL", 10*time.Minute),
		AsyncWrites: config.Bool("PROGRESS_ASYNC_WRITES", false),
		NATSURL:     config.String("NATS_URL", ""),
		Policy: tracker.Policy{
			PersistStep: config.Int("PROGRESS_PERSIST_STEP", tracker.DefaultPolicy().PersistStep),
			CompleteAt:  config.Int("PROGRESS_COMPLETE_AT", tracker.DefaultPolicy().CompleteAt),
		},
		PollInterval:   config.Duration("PROGRESS_POLL_INTERVAL", adapter.DefaultPollInterval),
		WriteTimeout:   config.Duration("WRITE_TIMEOUT", 5*time.Second),
		SessionIdleTTL: config.Duration("SESSION_IDLE_TTL", 30*time.Minute),
		AllowedOrigins: config.List("PROGRESS_ALLOWED_ORIGINS"),
		AllowedSources: config.List("PROGRESS_ALLOWED_SOURCES"),
		SourcesFile:    config.String("PROGRESS_SOURCES_FILE", ""),
		Breaker: gateway.BreakerConfig{
			MaxRequests:      uint32(max(config.Int("CB_MAX_REQUESTS", 1), 0)),
			Interval:         config.Duration("CB_INTERVAL", 60*time.Second),
			Timeout:          config.Duration("CB_TIMEOUT", 30*time.Second),
			FailureThreshold: uint32(max(config.Int("CB_FAILURE_THRESHOLD", 5), 0)),
		},
		WorkerBatchSize:     config.Int("WORKER_BATCH_SIZE", 100),
		WorkerBatchInterval: config.Duration("WORKER_BATCH_INTERVAL", 2*time.Second),
		WorkerMaxDeliver:    config.Int("WORKER_MAX_DELIVER", 5),
	}
	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}
	if cfg.Production && cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required in production")
	}
	if p := cfg.Policy.Normalize(); p != cfg.Policy {
		return Config{}, fmt.Errorf("invalid progress policy: persist_step=%d complete_at=%d",
			cfg.Policy.PersistStep, cfg.Policy.CompleteAt)
	}
	return cfg, nil
}

// sourcesFile is the YAML layout of PROGRESS_SOURCES_FILE:
//
//	replace_defaults: false
//	sources:
//	  - kind: polling-control
//	    pattern: '^https://video\.example\.com/embed/'
type sourcesFile struct {
	ReplaceDefaults bool         `yaml:"replace_defaults"`
	Sources         []sourceRule `yaml:"sources"`
}

type sourceRule struct {
	Kind    string `yaml:"kind"`
	Pattern string `yaml:"pattern"`
}

// LoadSources returns the backend table. Without a file it is the built-in
// table; rules from the file are matched before the built-in ones unless
// replace_defaults is set.
func LoadSources(path string) ([]adapter.Backend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return adapter.DefaultBackends(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	return ParseSources(raw)
}

// ParseSources parses the YAML source table.
func ParseSources(raw []byte) ([]adapter.Backend, error) {
	var f sourcesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	out := make([]adapter.Backend, 0, len(f.Sources)+3)
	for i, r := range f.Sources {
		b, err := adapter.BackendFor(r.Kind, r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		out = append(out, b)
	}
	if !f.ReplaceDefaults {
		out = append(out, adapter.DefaultBackends()...)
	}
	if len(out) == 0 {
		return nil, errors.New("sources file leaves no backends")
	}
	return out, nil
}
