package hub

import (
	"errors"
	"math"
	"sync"

	"github.com/example/clubhouse/services/progress/internal/adapter"
	"github.com/example/clubhouse/services/progress/internal/extract"
)

// ErrNoDuration is returned by remote hosts before the client reported a duration.
var ErrNoDuration = errors.New("duration not reported")

// seekSlot holds at most one seek request for the client to pick up.
type seekSlot struct {
	mu      sync.Mutex
	seconds float64
	set     bool
}

func (s *seekSlot) request(seconds float64) error {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return errors.New("invalid seek target")
	}
	s.mu.Lock()
	s.seconds, s.set = seconds, true
	s.mu.Unlock()
	return nil
}

func (s *seekSlot) take() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return 0, false
	}
	s.set = false
	return s.seconds, true
}

// RemoteControl is a ControlHandle whose state is reported by the client
// over HTTP. Seeks are queued and handed back on the next report.
type RemoteControl struct {
	seek seekSlot

	mu       sync.Mutex
	current  float64
	duration float64
	state    adapter.PlayerState
}

var _ adapter.ControlHandle = (*RemoteControl)(nil)

// Report records the client's latest player state.
func (c *RemoteControl) Report(current, duration float64, state adapter.PlayerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = current
	if duration > 0 {
		c.duration = duration
	}
	c.state = state
}

func (c *RemoteControl) CurrentTime() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, nil
}

func (c *RemoteControl) Duration() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.duration <= 0 {
		return 0, ErrNoDuration
	}
	return c.duration, nil
}

func (c *RemoteControl) State() adapter.PlayerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *RemoteControl) SeekTo(seconds float64) error { return c.seek.request(seconds) }

// PendingSeek returns and clears the queued seek.
func (c *RemoteControl) PendingSeek() (float64, bool) { return c.seek.take() }

// RemoteCallbackHost is a CallbackHost fed by client-posted player events.
type RemoteCallbackHost struct {
	seek seekSlot

	mu       sync.Mutex
	duration float64
	next     int
	updates  map[int]func(any)
	ended    map[int]func()
}

var _ adapter.CallbackHost = (*RemoteCallbackHost)(nil)

func NewRemoteCallbackHost() *RemoteCallbackHost {
	return &RemoteCallbackHost{updates: map[int]func(any){}, ended: map[int]func(){}}
}

func (h *RemoteCallbackHost) OnTimeUpdate(fn func(payload any)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.updates[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.updates, id)
		h.mu.Unlock()
	}
}

func (h *RemoteCallbackHost) OnEnded(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.ended[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.ended, id)
		h.mu.Unlock()
	}
}

// TimeUpdate delivers a time update payload to subscribers. A numeric
// "duration" field in the payload is remembered for Duration.
func (h *RemoteCallbackHost) TimeUpdate(payload any) {
	h.mu.Lock()
	if m, ok := payload.(map[string]any); ok {
		if d, ok := extract.Number(m["duration"]); ok && d > 0 {
			h.duration = d
		}
	}
	fns := make([]func(any), 0, len(h.updates))
	for _, fn := range h.updates {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}

// Ended delivers an end-of-playback event to subscribers.
func (h *RemoteCallbackHost) Ended() {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.ended))
	for _, fn := range h.ended {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// SetDuration records a duration reported outside of a time update.
func (h *RemoteCallbackHost) SetDuration(d float64) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	h.duration = d
	h.mu.Unlock()
}

func (h *RemoteCallbackHost) Duration() (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.duration <= 0 {
		return 0, ErrNoDuration
	}
	return h.duration, nil
}

func (h *RemoteCallbackHost) SeekTo(seconds float64) error { return h.seek.request(seconds) }

// PendingSeek returns and clears the queued seek.
func (h *RemoteCallbackHost) PendingSeek() (float64, bool) { return h.seek.take() }

// MessageRelay is a MessageChannel fed by messages the client relays from
// the embedded player frame. Origin and payload are passed through untouched.
//
// The origin is the one the client reports in its request body, not one the
// server observed. The adapter's allow-list therefore only filters what an
// honest client forwards; an authenticated member can claim any origin for
// their own session. It bounds noise, not trust.
type MessageRelay struct {
	mu   sync.Mutex
	next int
	subs map[int]func(adapter.Message)
}

var _ adapter.MessageChannel = (*MessageRelay)(nil)

func NewMessageRelay() *MessageRelay {
	return &MessageRelay{subs: map[int]func(adapter.Message){}}
}

func (r *MessageRelay) Subscribe(fn func(adapter.Message)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Publish delivers msg to every subscriber.
func (r *MessageRelay) Publish(msg adapter.Message) {
	r.mu.Lock()
	fns := make([]func(adapter.Message), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}
