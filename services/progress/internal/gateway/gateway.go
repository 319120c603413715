// Package gateway is the persistence boundary for lesson progress.
//
// Implementations:
//   - Postgres: durable store over lesson_progress.
//   - Memory: development-only in-memory store.
//   - Cached: Redis read-through cache in front of another gateway.
//   - Breaker: circuit breaker around writes; never retries.
//   - Async: publishes writes to JetStream for the progress worker.
//
// Callers pass already-validated identifiers. Upsert is last-write-wins on
// (user_id, video_id); monotonicity is the caller's job.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrWriteFailed wraps any failure to persist a progress value.
var ErrWriteFailed = errors.New("persistence write failed")

// Record is the stored progress for one user and video.
type Record struct {
	UserID        uuid.UUID `json:"user_id"`
	VideoID       uuid.UUID `json:"video_id"`
	Progress      int       `json:"progress"`
	Completed     bool      `json:"completed"`
	LastWatchedAt time.Time `json:"last_watched_at"`
}

// Reader exposes last-known progress.
type Reader interface {
	// GetProgress returns ok=false when nothing is stored.
	GetProgress(ctx context.Context, userID, videoID uuid.UUID) (Record, bool, error)
}

// Writer upserts progress.
type Writer interface {
	UpsertProgress(ctx context.Context, userID, videoID uuid.UUID, progress int) error
}

// Gateway is the full persistence capability consumed by sessions.
type Gateway interface {
	Reader
	Writer
}

// Split combines a reader and a writer into one Gateway, e.g. synchronous
// reads with asynchronous writes.
type Split struct {
	Reader
	Writer
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
