package adapter

import (
	"sync"

	"go.uber.org/zap"

	"github.com/example/clubhouse/services/progress/internal/extract"
)

// CallbackHost is a player API that pushes time updates and end-of-playback.
// The returned cancel funcs unregister the callbacks.
type CallbackHost interface {
	OnTimeUpdate(fn func(payload any)) (cancel func())
	OnEnded(fn func()) (cancel func())
	SeekTo(seconds float64) error
	Duration() (float64, error)
}

// Callback forwards host callbacks through the extractor.
type Callback struct {
	listeners
	host CallbackHost
	log  *zap.Logger

	cancels []func()
	once    sync.Once
}

// NewCallback subscribes to env.Callbacks.
func NewCallback(env Env) (Adapter, error) {
	if env.Callbacks == nil {
		return nil, ErrMissingHost
	}
	c := &Callback{host: env.Callbacks, log: env.logger()}
	c.cancels = append(c.cancels,
		c.host.OnTimeUpdate(c.handleTimeUpdate),
		c.host.OnEnded(c.emitEnded),
	)
	return c, nil
}

func (c *Callback) Kind() Kind { return KindCallbackControl }

func (c *Callback) OnProgress(fn ProgressFunc) { c.setProgress(fn) }

func (c *Callback) OnEnded(fn EndedFunc) { c.setEnded(fn) }

func (c *Callback) handleTimeUpdate(payload any) {
	s, ok := extract.FromPayload(payload)
	if !ok {
		c.log.Debug("dropping time update without progress")
		return
	}
	c.emitProgress(s)
}

// SeekTo delegates to the host.
func (c *Callback) SeekTo(seconds float64) error {
	if c.isClosed() {
		return ErrTornDown
	}
	return c.host.SeekTo(seconds)
}

// Duration reports the host's duration when it is known and positive.
func (c *Callback) Duration() (float64, bool) {
	if c.isClosed() {
		return 0, false
	}
	d, err := c.host.Duration()
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// Teardown unregisters from the host.
func (c *Callback) Teardown() {
	c.once.Do(func() {
		c.close()
		for _, cancel := range c.cancels {
			if cancel != nil {
				cancel()
			}
		}
	})
}
