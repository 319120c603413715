package adapter

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/clubhouse/services/progress/internal/extract"
)

// DefaultPollInterval is how often the polling adapter samples the control handle.
const DefaultPollInterval = time.Second

// ErrTornDown is returned by capability calls made after Teardown.
var ErrTornDown = errors.New("adapter torn down")

// PlayerState is the coarse playback state reported by a control handle.
type PlayerState int

const (
	StateUnstarted PlayerState = iota
	StatePlaying
	StatePaused
	StateBuffering
	StateEnded
)

// ParseState maps the state names used by the HTTP surface to PlayerState.
func ParseState(s string) PlayerState {
	switch s {
	case "playing":
		return StatePlaying
	case "paused":
		return StatePaused
	case "buffering":
		return StateBuffering
	case "ended":
		return StateEnded
	default:
		return StateUnstarted
	}
}

// ControlHandle is a pull-only player control API.
type ControlHandle interface {
	CurrentTime() (float64, error)
	Duration() (float64, error)
	State() PlayerState
	SeekTo(seconds float64) error
}

// Polling samples a ControlHandle on a fixed interval and synthesizes events.
// The ticker goroutine is started by NewPolling and stopped by Teardown;
// once Teardown returns the handle is never touched again.
type Polling struct {
	listeners
	handle ControlHandle
	log    *zap.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once

	// ended is only touched by the poll goroutine.
	ended bool
}

// NewPolling builds a polling adapter over env.Control and starts polling.
func NewPolling(env Env) (Adapter, error) {
	if env.Control == nil {
		return nil, ErrMissingHost
	}
	interval := env.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p := &Polling{
		handle: env.Control,
		log:    env.logger(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.loop(interval)
	return p, nil
}

func (p *Polling) Kind() Kind { return KindPollingControl }

func (p *Polling) OnProgress(fn ProgressFunc) { p.setProgress(fn) }

func (p *Polling) OnEnded(fn EndedFunc) { p.setEnded(fn) }

func (p *Polling) loop(interval time.Duration) {
	defer close(p.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			p.tick()
		}
	}
}

func (p *Polling) tick() {
	switch p.handle.State() {
	case StateEnded:
		if !p.ended {
			p.ended = true
			p.emitEnded()
		}
	case StatePlaying:
		p.ended = false
		pos, err := p.handle.CurrentTime()
		if err != nil {
			p.log.Debug("poll current time", zap.Error(err))
			return
		}
		dur, err := p.handle.Duration()
		if err != nil {
			p.log.Debug("poll duration", zap.Error(err))
			return
		}
		if s, ok := extract.FromTimes(pos, dur); ok {
			p.emitProgress(s)
		}
	}
}

// SeekTo moves the playhead on the control handle.
func (p *Polling) SeekTo(seconds float64) error {
	if p.isClosed() {
		return ErrTornDown
	}
	return p.handle.SeekTo(seconds)
}

// Duration reports the handle's duration when it is known and positive.
func (p *Polling) Duration() (float64, bool) {
	if p.isClosed() {
		return 0, false
	}
	d, err := p.handle.Duration()
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// Teardown stops polling and waits for the poll goroutine to exit.
func (p *Polling) Teardown() {
	p.once.Do(func() {
		p.close()
		close(p.stop)
		<-p.done
	})
}
