// Package logging builds the zap loggers used by every service.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON production logger at level (default info). A non-empty
// service name is attached to every entry.
func New(level string, service ...string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if len(service) > 0 && strings.TrimSpace(service[0]) != "" {
		log = log.With(zap.String("service", strings.TrimSpace(service[0])))
	}
	return log, nil
}

// ParseLevel maps a level name to a zap level, falling back to info.
func ParseLevel(level string) zapcore.Level {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(strings.ToLower(strings.TrimSpace(level))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
