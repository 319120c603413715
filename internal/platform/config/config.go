// Package config reads the settings every service shares and provides the
// env helpers service-specific config packages build on.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type HTTPConfig struct {
	Addr string
}

type GRPCConfig struct {
	Addr string
}

type AppConfig struct {
	ServiceName string
	LogLevel    string
	// Production is true when APP_ENV=production. Development fallbacks
	// (in-memory stores) are refused in production.
	Production bool
	HTTP       HTTPConfig
	GRPC       GRPCConfig
}

func Load() (AppConfig, error) {
	cfg := AppConfig{
		ServiceName: String("SERVICE_NAME", ""),
		LogLevel:    String("LOG_LEVEL", "info"),
		Production:  strings.EqualFold(String("APP_ENV", ""), "production"),
		HTTP:        HTTPConfig{Addr: String("HTTP_ADDR", ":8080")},
		GRPC:        GRPCConfig{Addr: String("GRPC_ADDR", ":9090")},
	}
	if cfg.ServiceName == "" {
		return AppConfig{}, errors.New("SERVICE_NAME is required")
	}
	return cfg, nil
}

// String returns the trimmed value of key or def when unset.
func String(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Int returns key parsed as an int, or def when unset or malformed.
func Int(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Duration returns key parsed with time.ParseDuration, or def.
func Duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Bool returns key parsed with strconv.ParseBool, or def.
func Bool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// List splits a comma-separated value, dropping empty items.
func List(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
