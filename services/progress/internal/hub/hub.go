// Package hub keeps the live progress sessions of this process, keyed by a
// session id handed to the client, and relays client-side player activity
// into each session's adapter through remote hosts.
package hub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/clubhouse/services/progress/internal/adapter"
	"github.com/example/clubhouse/services/progress/internal/gateway"
	"github.com/example/clubhouse/services/progress/internal/session"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrWrongKind       = errors.New("operation does not match the session's adapter")
	ErrUnknownEvent    = errors.New("unknown player event")
)

const DefaultIdleTTL = 30 * time.Minute

// Config tunes a Hub.
type Config struct {
	Session        session.Config
	IdleTTL        time.Duration
	PollInterval   time.Duration
	AllowedOrigins []string
	AllowedSources []string
	// OnComplete runs once per completed session, after the controller
	// released its lock.
	OnComplete func(sessionID uuid.UUID, snap session.Snapshot)
	Now        func() time.Time
}

// OpenRequest is what a client supplies to start watching.
type OpenRequest struct {
	UserID    string
	VideoID   string
	SourceURL string
	// Duration, when known up front, lets the session resume on open.
	Duration float64
}

// Hub owns the live sessions.
type Hub struct {
	gw       gateway.Gateway
	registry *adapter.Registry
	cfg      Config
	log      *zap.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Entry
}

func New(gw gateway.Gateway, registry *adapter.Registry, cfg Config, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{
		gw:       gw,
		registry: registry,
		cfg:      cfg,
		log:      log,
		sessions: make(map[uuid.UUID]*Entry),
	}
}

// Open starts a session. Sessions that fail to open are not kept.
func (h *Hub) Open(ctx context.Context, req OpenRequest) (*Entry, error) {
	e := &Entry{
		ID:     uuid.New(),
		UserID: strings.TrimSpace(req.UserID),
		hub:    h,
	}
	cfg := h.cfg.Session
	cfg.OnComplete = func(snap session.Snapshot) { h.completed(e.ID, snap) }
	e.ctrl = session.New(h.gw, h.registry, h.log.With(zap.String("session_id", e.ID.String())), cfg)
	e.lastSeen = h.cfg.Now()

	env := e.resetHosts(req.Duration)
	err := e.ctrl.Open(ctx, session.Params{
		UserID:    req.UserID,
		VideoID:   req.VideoID,
		SourceURL: req.SourceURL,
		Env:       env,
	})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.sessions[e.ID] = e
	h.mu.Unlock()
	return e, nil
}

// Get returns the caller's session and marks it active.
func (h *Hub) Get(userID string, id uuid.UUID) (*Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.sessions[id]
	if !ok || e.UserID != strings.TrimSpace(userID) {
		return nil, ErrSessionNotFound
	}
	e.touch(h.cfg.Now())
	return e, nil
}

// Close flushes and releases the caller's session. Closing an unknown
// session is not an error.
func (h *Hub) Close(userID string, id uuid.UUID) {
	h.mu.Lock()
	e, ok := h.sessions[id]
	if !ok || e.UserID != strings.TrimSpace(userID) {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, id)
	h.mu.Unlock()
	e.ctrl.Close()
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Reap closes sessions idle for longer than the configured TTL and returns
// how many were closed.
func (h *Hub) Reap() int {
	now := h.cfg.Now()
	var idle []*Entry
	h.mu.Lock()
	for id, e := range h.sessions {
		if now.Sub(e.seen()) > h.cfg.IdleTTL {
			idle = append(idle, e)
			delete(h.sessions, id)
		}
	}
	h.mu.Unlock()

	for _, e := range idle {
		h.log.Debug("reaping idle session", zap.String("session_id", e.ID.String()))
		e.ctrl.Close()
	}
	return len(idle)
}

// Run reaps idle sessions until ctx is done, then closes every session.
func (h *Hub) Run(ctx context.Context) {
	interval := h.cfg.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.CloseAll()
			return
		case <-t.C:
			if n := h.Reap(); n > 0 {
				h.log.Info("reaped idle sessions", zap.Int("count", n))
			}
		}
	}
}

// CloseAll flushes and releases every session.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := make([]*Entry, 0, len(h.sessions))
	for id, e := range h.sessions {
		all = append(all, e)
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range all {
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			e.ctrl.Close()
		}(e)
	}
	wg.Wait()
}

func (h *Hub) completed(id uuid.UUID, snap session.Snapshot) {
	h.log.Info("lesson completed",
		zap.String("session_id", id.String()),
		zap.String("video_id", snap.VideoID),
		zap.String("kind", string(snap.Kind)))
	if h.cfg.OnComplete != nil {
		h.cfg.OnComplete(id, snap)
	}
}

func (h *Hub) env(control *RemoteControl, callbacks *RemoteCallbackHost, messages *MessageRelay) adapter.Env {
	return adapter.Env{
		Control:        control,
		Callbacks:      callbacks,
		Messages:       messages,
		AllowedOrigins: h.cfg.AllowedOrigins,
		AllowedSources: h.cfg.AllowedSources,
		PollInterval:   h.cfg.PollInterval,
		Logger:         h.log,
	}
}

// Entry is one live session and the remote hosts its adapter listens to.
type Entry struct {
	ID     uuid.UUID
	UserID string

	hub  *Hub
	ctrl *session.Controller

	mu        sync.Mutex
	lastSeen  time.Time
	control   *RemoteControl
	callbacks *RemoteCallbackHost
	messages  *MessageRelay
}

func (e *Entry) touch(now time.Time) {
	e.mu.Lock()
	e.lastSeen = now
	e.mu.Unlock()
}

func (e *Entry) seen() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeen
}

// resetHosts replaces the remote hosts so a new source starts from a clean
// player state.
func (e *Entry) resetHosts(duration float64) adapter.Env {
	control := &RemoteControl{}
	callbacks := NewRemoteCallbackHost()
	if duration > 0 {
		control.Report(0, duration, adapter.StateUnstarted)
		callbacks.SetDuration(duration)
	}
	messages := NewMessageRelay()

	e.mu.Lock()
	e.control, e.callbacks, e.messages = control, callbacks, messages
	e.mu.Unlock()
	return e.hub.env(control, callbacks, messages)
}

func (e *Entry) hosts() (*RemoteControl, *RemoteCallbackHost, *MessageRelay) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.control, e.callbacks, e.messages
}

func (e *Entry) requireKind(k adapter.Kind) error {
	if e.ctrl.Snapshot().Kind != k {
		return ErrWrongKind
	}
	return nil
}

// Snapshot returns the session's current view.
func (e *Entry) Snapshot() session.Snapshot { return e.ctrl.Snapshot() }

// PendingSeek returns a seek requested by the session that the client has
// not picked up yet.
func (e *Entry) PendingSeek() (float64, bool) {
	control, callbacks, _ := e.hosts()
	if s, ok := control.PendingSeek(); ok {
		return s, true
	}
	return callbacks.PendingSeek()
}

// ReportState feeds a polling-control session with the player's state.
func (e *Entry) ReportState(current, duration float64, state string) error {
	if err := e.requireKind(adapter.KindPollingControl); err != nil {
		return err
	}
	control, _, _ := e.hosts()
	control.Report(current, duration, adapter.ParseState(strings.ToLower(strings.TrimSpace(state))))
	return nil
}

// Dispatch feeds a callback-control session with one player event.
func (e *Entry) Dispatch(event string, data any) error {
	if err := e.requireKind(adapter.KindCallbackControl); err != nil {
		return err
	}
	_, callbacks, _ := e.hosts()
	switch strings.ToLower(strings.TrimSpace(event)) {
	case "timeupdate":
		callbacks.TimeUpdate(data)
	case "ended":
		callbacks.Ended()
	default:
		return ErrUnknownEvent
	}
	return nil
}

// Relay feeds a cross-origin-message session with one relayed message.
func (e *Entry) Relay(origin string, data []byte) error {
	if err := e.requireKind(adapter.KindCrossOriginMessage); err != nil {
		return err
	}
	_, _, messages := e.hosts()
	messages.Publish(adapter.Message{Origin: origin, Data: data})
	return nil
}

// Complete requests manual completion. It reports whether this call
// completed the session.
func (e *Entry) Complete() bool { return e.ctrl.RequestManualCompletion() }

// ChangeSource swaps the session's adapter for one serving the new source.
// Progress and completion carry over. On failure the entry is dropped from
// the hub.
func (e *Entry) ChangeSource(ctx context.Context, sourceURL string, duration float64) error {
	env := e.resetHosts(duration)
	if err := e.ctrl.ChangeSource(ctx, sourceURL, env); err != nil {
		e.hub.mu.Lock()
		delete(e.hub.sessions, e.ID)
		e.hub.mu.Unlock()
		return err
	}
	return nil
}
