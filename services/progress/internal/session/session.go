// Package session drives one "member watches one lesson video" interaction:
// it picks the adapter for the source URL, resumes from stored progress, feeds
// adapter events into the tracker, and flushes on teardown.
//
// State machine:
//
//	Idle → Resolving → Resuming → Playing → Completing → Completed
//	Resolving → Failed (unsupported source, invalid identifier)
//	Playing/Completed → Idle (teardown)
//	Playing/Completed → Resolving (source change, tracker kept)
//
// All adapter events of a session are serialized by the controller's mutex.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/clubhouse/services/progress/internal/adapter"
	"github.com/example/clubhouse/services/progress/internal/extract"
	"github.com/example/clubhouse/services/progress/internal/gateway"
	"github.com/example/clubhouse/services/progress/internal/resume"
	"github.com/example/clubhouse/services/progress/internal/tracker"
)

var (
	ErrUnsupportedSource = errors.New("unsupported source")
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrNotIdle           = errors.New("session is not idle")
	ErrNotPlaying        = errors.New("session is not playing")
	ErrClosed            = errors.New("session closed")
)

const defaultWriteTimeout = 5 * time.Second

// State is the controller's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateResuming
	StatePlaying
	StateCompleting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateResuming:
		return "resuming"
	case StatePlaying:
		return "playing"
	case StateCompleting:
		return "completing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Params identify what is being watched and through which host.
type Params struct {
	UserID    string
	VideoID   string
	SourceURL string
	Env       adapter.Env
}

// Config tunes a controller.
type Config struct {
	Policy       tracker.Policy
	WriteTimeout time.Duration
	// SyncWrites delivers writes on the calling goroutine instead of the
	// session's writer goroutine.
	SyncWrites bool
	// OnComplete is invoked once per session, outside the controller lock.
	OnComplete func(Snapshot)
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	UserID        string       `json:"user_id"`
	VideoID       string       `json:"video_id"`
	Kind          adapter.Kind `json:"kind,omitempty"`
	State         string       `json:"state"`
	Progress      int          `json:"progress"`
	Persisted     int          `json:"persisted_threshold"`
	Completed     bool         `json:"completed"`
	Resumed       bool         `json:"resumed"`
	ResumeSeconds float64      `json:"resume_seconds,omitempty"`
	Failure       string       `json:"failure,omitempty"`
}

// Controller owns one ProgressSession at a time.
type Controller struct {
	gw       gateway.Gateway
	registry *adapter.Registry
	resumer  *resume.Coordinator
	log      *zap.Logger
	cfg      Config

	mu      sync.Mutex
	state   State
	failure error
	params  Params
	userID  uuid.UUID
	videoID uuid.UUID
	kind    adapter.Kind
	ad      adapter.Adapter
	tr      *tracker.Tracker
	w       *writer
	resumed resume.Outcome
	notify  func()
	// gen changes whenever the adapter is replaced so events from a
	// torn-down adapter that are still in flight are dropped.
	gen uint64
	// closeAfterSwap records a Close that arrived while ChangeSource was
	// tearing the old adapter down.
	closeAfterSwap bool
}

func New(gw gateway.Gateway, registry *adapter.Registry, log *zap.Logger, cfg Config) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	if registry == nil {
		registry = adapter.NewRegistry()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	cfg.Policy = cfg.Policy.Normalize()
	return &Controller{
		gw:       gw,
		registry: registry,
		resumer:  resume.New(gw, log),
		log:      log,
		cfg:      cfg,
	}
}

// Open starts a session. It returns ErrInvalidIdentifier or
// ErrUnsupportedSource (both leave the controller Failed) or ErrNotIdle.
// Resume problems are never errors.
func (c *Controller) Open(ctx context.Context, p Params) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateFailed {
		return c.failure
	}
	if c.state != StateIdle {
		return ErrNotIdle
	}
	c.params = p
	c.gen++
	c.kind = ""
	c.resumed = resume.Outcome{}
	c.setState(StateResolving)

	userID, uerr := uuid.Parse(strings.TrimSpace(p.UserID))
	videoID, verr := uuid.Parse(strings.TrimSpace(p.VideoID))
	if uerr != nil || verr != nil {
		return c.fail(ErrInvalidIdentifier)
	}
	c.userID, c.videoID = userID, videoID

	backend, ok := c.registry.Match(p.SourceURL)
	if !ok {
		return c.fail(ErrUnsupportedSource)
	}
	ad, err := backend.New(p.Env)
	if err != nil {
		return c.fail(fmt.Errorf("%w: %s: %v", ErrUnsupportedSource, backend.Kind, err))
	}
	c.kind = backend.Kind
	c.ad = ad
	c.w = newWriter(c.gw, userID, videoID, c.cfg.WriteTimeout, c.cfg.SyncWrites, c.log)
	c.tr = tracker.New(c.cfg.Policy, c.w.write, c.onTrackerComplete)

	c.setState(StateResuming)
	c.resumed = c.resumer.Resume(ctx, userID, videoID, ad)
	if c.resumed.Found {
		c.tr.Seed(c.resumed.Record.Progress, c.resumed.Record.Completed)
	}

	gen := c.gen
	ad.OnProgress(func(s extract.Sample) { c.handleProgress(gen, s) })
	ad.OnEnded(func() { c.handleEnded(gen) })
	c.setState(StatePlaying)
	if c.tr.Completed() {
		// A record completed in an earlier session: no transition, no callback.
		c.setState(StateCompleted)
	}
	c.log.Debug("session opened",
		zap.String("video_id", videoID.String()),
		zap.String("kind", string(c.kind)),
		zap.Bool("resumed", c.resumed.Seeked),
		zap.String("resume_skipped", c.resumed.Skipped))
	return nil
}

// RequestManualCompletion marks the video watched through the same one-shot
// guard as automatic completion. It reports whether this call completed it.
func (c *Controller) RequestManualCompletion() bool {
	c.mu.Lock()
	if c.state != StatePlaying {
		c.mu.Unlock()
		return false
	}
	fired := c.tr.Complete()
	notify := c.takeNotify()
	c.mu.Unlock()
	notify()
	return fired
}

// ChangeSource replaces the adapter of a playing session. The old adapter is
// torn down completely before the new one is built. Canonical progress,
// completion and the writer carry over; the new player is resumed to the
// higher of the stored and the in-memory progress. A source that cannot be
// resolved leaves the controller Failed.
func (c *Controller) ChangeSource(ctx context.Context, sourceURL string, env adapter.Env) error {
	c.mu.Lock()
	switch c.state {
	case StatePlaying, StateCompleted:
	case StateFailed:
		err := c.failure
		c.mu.Unlock()
		return err
	default:
		c.mu.Unlock()
		return ErrNotPlaying
	}
	if v, ok := c.tr.Flush(); ok {
		c.log.Debug("flush before source change", zap.String("video_id", c.videoID.String()), zap.Int("progress", v))
	}
	old := c.ad
	c.ad = nil
	c.gen++
	c.kind = ""
	c.resumed = resume.Outcome{}
	c.params.SourceURL = sourceURL
	c.params.Env = env
	c.setState(StateResolving)
	c.mu.Unlock()

	// Outside the lock, as in Close.
	old.Teardown()

	c.mu.Lock()
	if c.closeAfterSwap {
		c.closeAfterSwap = false
		w := c.w
		c.w = nil
		c.setState(StateIdle)
		c.mu.Unlock()
		w.close()
		return ErrClosed
	}

	backend, ok := c.registry.Match(sourceURL)
	if !ok {
		return c.failSwap(ErrUnsupportedSource)
	}
	ad, err := backend.New(env)
	if err != nil {
		return c.failSwap(fmt.Errorf("%w: %s: %v", ErrUnsupportedSource, backend.Kind, err))
	}
	c.kind = backend.Kind
	c.ad = ad

	c.setState(StateResuming)
	if !c.tr.Completed() {
		c.resumed = c.resumer.ResumeAt(ctx, c.userID, c.videoID, ad, c.tr.Progress())
		if c.resumed.Found {
			c.tr.Seed(c.resumed.Record.Progress, c.resumed.Record.Completed)
		}
	}

	gen := c.gen
	ad.OnProgress(func(s extract.Sample) { c.handleProgress(gen, s) })
	ad.OnEnded(func() { c.handleEnded(gen) })
	c.setState(StatePlaying)
	if c.tr.Completed() {
		c.setState(StateCompleted)
	}
	c.log.Debug("source changed",
		zap.String("video_id", c.videoID.String()),
		zap.String("kind", string(c.kind)),
		zap.Int("progress", c.tr.Progress()),
		zap.Bool("resumed", c.resumed.Seeked))
	c.mu.Unlock()
	return nil
}

// failSwap fails a source change. It is called with the lock held and
// releases it.
func (c *Controller) failSwap(err error) error {
	c.fail(err)
	w := c.w
	c.w = nil
	c.mu.Unlock()
	w.close()
	return err
}

// Close flushes pending progress best-effort and releases the adapter.
// It is idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.state == StateResolving && c.ad == nil && c.w != nil {
		// A source change is between adapters; it finishes the close.
		c.closeAfterSwap = true
		c.mu.Unlock()
		return
	}
	if c.state != StatePlaying && c.state != StateCompleted {
		c.mu.Unlock()
		return
	}
	if v, ok := c.tr.Flush(); ok {
		c.log.Debug("final flush", zap.String("video_id", c.videoID.String()), zap.Int("progress", v))
	}
	ad, w := c.ad, c.w
	c.ad, c.w = nil, nil
	c.setState(StateIdle)
	c.mu.Unlock()

	// Outside the lock: the polling adapter waits for its goroutine, which
	// may be blocked on this controller.
	ad.Teardown()
	w.close()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Failure returns the terminal error of a Failed controller.
func (c *Controller) Failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Snapshot returns a copy of the session's observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		UserID:  c.params.UserID,
		VideoID: c.params.VideoID,
		Kind:    c.kind,
		State:   c.state.String(),
	}
	if c.tr != nil {
		s.Progress = c.tr.Progress()
		s.Persisted = c.tr.Persisted()
		s.Completed = c.tr.Completed()
	}
	if c.resumed.Seeked {
		s.Resumed = true
		s.ResumeSeconds = c.resumed.Seconds
	}
	if c.failure != nil {
		s.Failure = c.failure.Error()
	}
	return s
}

func (c *Controller) handleProgress(gen uint64, s extract.Sample) {
	c.mu.Lock()
	if c.gen != gen || c.state != StatePlaying {
		c.mu.Unlock()
		return
	}
	c.tr.Observe(s)
	notify := c.takeNotify()
	c.mu.Unlock()
	notify()
}

func (c *Controller) handleEnded(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StatePlaying {
		c.mu.Unlock()
		return
	}
	c.tr.End()
	notify := c.takeNotify()
	c.mu.Unlock()
	notify()
}

// onTrackerComplete runs under the lock, from inside the tracker.
func (c *Controller) onTrackerComplete() {
	c.setState(StateCompleting)
	c.setState(StateCompleted)
	if c.cfg.OnComplete == nil {
		return
	}
	snap := c.snapshotLocked()
	cb := c.cfg.OnComplete
	c.notify = func() { cb(snap) }
}

func (c *Controller) takeNotify() func() {
	n := c.notify
	c.notify = nil
	if n == nil {
		return func() {}
	}
	return n
}

func (c *Controller) fail(err error) error {
	c.failure = err
	c.setState(StateFailed)
	c.log.Info("session failed",
		zap.String("video_id", c.params.VideoID),
		zap.String("source_url", c.params.SourceURL),
		zap.Error(err))
	return err
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("session state", zap.String("from", c.state.String()), zap.String("to", s.String()))
	c.state = s
}
