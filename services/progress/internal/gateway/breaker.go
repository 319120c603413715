package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig mirrors the CB_* settings.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// Breaker opens after consecutive write failures and rejects writes until the
// timeout elapses. Rejected writes are reported as ErrWriteFailed and dropped;
// the next threshold crossing supersedes them. Reads pass straight through.
type Breaker struct {
	next Gateway
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Gateway, cfg BreakerConfig, log *zap.Logger) *Breaker {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	threshold := cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "progress-writes",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) GetProgress(ctx context.Context, userID, videoID uuid.UUID) (Record, bool, error) {
	return b.next.GetProgress(ctx, userID, videoID)
}

func (b *Breaker) UpsertProgress(ctx context.Context, userID, videoID uuid.UUID, progress int) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.UpsertProgress(ctx, userID, videoID, progress)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return err
}

// State exposes the breaker state for readiness checks.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
