// Package adapter wraps third-party video embeds behind one progress-event contract.
//
// Three variants exist: a polling adapter for control APIs that only expose
// pull-style getters, a callback adapter for APIs that push time updates, and
// a message adapter for embeds that only talk over cross-origin messages.
// Optional capabilities (seeking, duration) are separate interfaces checked
// with a type assertion.
package adapter

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/clubhouse/services/progress/internal/extract"
)

// Kind identifies the adapter variant serving a session.
type Kind string

const (
	KindPollingControl     Kind = "polling-control"
	KindCallbackControl    Kind = "callback-control"
	KindCrossOriginMessage Kind = "cross-origin-message"
)

// ErrMissingHost is returned when an adapter is built without the host it wraps.
var ErrMissingHost = errors.New("adapter host is not configured")

// ProgressFunc receives normalized progress samples.
type ProgressFunc func(extract.Sample)

// EndedFunc is called when the embed reports end of playback.
type EndedFunc func()

// Adapter is the contract shared by all variants.
// Teardown is idempotent and must not be called from inside a callback.
type Adapter interface {
	Kind() Kind
	OnProgress(fn ProgressFunc)
	OnEnded(fn EndedFunc)
	Teardown()
}

// Seeker is implemented by adapters able to move the playhead.
type Seeker interface {
	SeekTo(seconds float64) error
}

// DurationReader is implemented by adapters able to report total duration.
type DurationReader interface {
	Duration() (float64, bool)
}

// Env carries the hosts and settings adapters are built from.
// Only the host matching the resolved kind needs to be set.
type Env struct {
	Control        ControlHandle
	Callbacks      CallbackHost
	Messages       MessageChannel
	AllowedOrigins []string
	AllowedSources []string
	PollInterval   time.Duration
	Logger         *zap.Logger
}

func (e Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// listeners holds the registered callbacks and the torn-down flag shared by
// all variants, so late events after teardown are dropped.
type listeners struct {
	mu       sync.Mutex
	progress ProgressFunc
	ended    EndedFunc
	closed   bool
}

func (l *listeners) setProgress(fn ProgressFunc) {
	l.mu.Lock()
	l.progress = fn
	l.mu.Unlock()
}

func (l *listeners) setEnded(fn EndedFunc) {
	l.mu.Lock()
	l.ended = fn
	l.mu.Unlock()
}

// close marks the listeners closed and reports whether this call closed them.
func (l *listeners) close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	l.progress = nil
	l.ended = nil
	return true
}

func (l *listeners) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *listeners) emitProgress(s extract.Sample) {
	l.mu.Lock()
	fn := l.progress
	closed := l.closed
	l.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(s)
}

func (l *listeners) emitEnded() {
	l.mu.Lock()
	fn := l.ended
	closed := l.closed
	l.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn()
}
