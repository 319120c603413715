// Package run wires process signals to service lifecycles.
package run

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const DefaultShutdownTimeout = 10 * time.Second

type Runner struct {
	Logger          *zap.Logger
	ShutdownTimeout time.Duration
}

func New(log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{Logger: log, ShutdownTimeout: DefaultShutdownTimeout}
}

// WithSignals runs start until it returns or SIGINT/SIGTERM arrives, and
// maps the outcome to a process exit code. start receives a context that is
// cancelled on the signal.
func (r *Runner) WithSignals(start func(ctx context.Context) error) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return r.wait(ctx, start)
}

func (r *Runner) wait(ctx context.Context, start func(ctx context.Context) error) int {
	errCh := make(chan error, 1)
	go func() {
		errCh <- start(ctx)
	}()

	select {
	case <-ctx.Done():
		r.Logger.Info("shutdown signal received")
		return 0
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return 0
		}
		r.Logger.Error("service exited with error", zap.Error(err))
		return 1
	}
}

// Graceful calls each shutdown func in order under one deadline and logs
// failures.
func (r *Runner) Graceful(shutdowns ...func(context.Context) error) {
	timeout := r.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, fn := range shutdowns {
		if err := fn(ctx); err != nil {
			r.Logger.Warn("graceful shutdown step failed", zap.Error(err))
		}
	}
}

func Exit(code int) {
	os.Exit(code)
}
