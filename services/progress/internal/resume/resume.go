// Package resume seeks a freshly opened player to the last saved position.
package resume

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/clubhouse/services/progress/internal/adapter"
	"github.com/example/clubhouse/services/progress/internal/gateway"
)

// Skip reasons. None of them is an error: playback starts from the beginning.
const (
	SkipLookupFailed    = "lookup_failed"
	SkipNoRecord        = "no_record"
	SkipNotPartial      = "not_partial"
	SkipNoSeek          = "no_seek_capability"
	SkipUnknownDuration = "unknown_duration"
	SkipSeekFailed      = "seek_failed"
)

// Outcome describes one resume attempt.
type Outcome struct {
	Record  gateway.Record
	Found   bool
	Seeked  bool
	Seconds float64
	Skipped string
}

// Coordinator looks up stored progress and seeks capable adapters once.
type Coordinator struct {
	store gateway.Reader
	log   *zap.Logger
}

func New(store gateway.Reader, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{store: store, log: log}
}

// Resume never fails; the outcome says whether a seek was issued and why not.
// The stored record is returned even when no seek happens so the caller can
// seed its tracker.
func (c *Coordinator) Resume(ctx context.Context, userID, videoID uuid.UUID, ad adapter.Adapter) Outcome {
	return c.ResumeAt(ctx, userID, videoID, ad, 0)
}

// ResumeAt is Resume for a session that has already reached known percent in
// memory, for example before its source changed. The seek target is the
// higher of the stored and the known progress, so a lost write does not move
// the player backwards.
func (c *Coordinator) ResumeAt(ctx context.Context, userID, videoID uuid.UUID, ad adapter.Adapter, known int) Outcome {
	rec, found, err := c.store.GetProgress(ctx, userID, videoID)
	if err != nil {
		c.log.Warn("resume lookup failed", zap.String("video_id", videoID.String()), zap.Error(err))
		rec, found = gateway.Record{}, false
	}
	out := Outcome{Record: rec, Found: found}
	if found && rec.Completed {
		out.Skipped = SkipNotPartial
		return out
	}
	target := known
	if found && rec.Progress > target {
		target = rec.Progress
	}
	if target <= 0 && !found {
		out.Skipped = SkipNoRecord
		if err != nil {
			out.Skipped = SkipLookupFailed
		}
		return out
	}
	if target <= 0 || target >= 100 {
		out.Skipped = SkipNotPartial
		return out
	}

	seeker, canSeek := ad.(adapter.Seeker)
	durations, canTell := ad.(adapter.DurationReader)
	if !canSeek || !canTell {
		out.Skipped = SkipNoSeek
		return out
	}
	dur, ok := durations.Duration()
	if !ok {
		out.Skipped = SkipUnknownDuration
		return out
	}

	seconds := float64(target) / 100 * dur
	if err := seeker.SeekTo(seconds); err != nil {
		c.log.Debug("resume seek failed", zap.Float64("seconds", seconds), zap.Error(err))
		out.Skipped = SkipSeekFailed
		return out
	}
	out.Seeked = true
	out.Seconds = seconds
	return out
}
