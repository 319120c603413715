package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/clubhouse/services/progress/internal/gateway"
)

// writer delivers one session's writes to the gateway without blocking the
// caller. A single goroutine drains them in order; writes that arrive while
// one is in flight collapse into the latest value. Failures are logged and
// dropped.
type writer struct {
	gw      gateway.Writer
	userID  uuid.UUID
	videoID uuid.UUID
	timeout time.Duration
	log     *zap.Logger
	inline  bool

	mu      sync.Mutex
	pending int
	has     bool
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newWriter(gw gateway.Writer, userID, videoID uuid.UUID, timeout time.Duration, inline bool, log *zap.Logger) *writer {
	if log == nil {
		log = zap.NewNop()
	}
	w := &writer{
		gw:      gw,
		userID:  userID,
		videoID: videoID,
		timeout: timeout,
		log:     log,
		inline:  inline,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if inline {
		close(w.done)
	} else {
		go w.run()
	}
	return w
}

func (w *writer) write(progress int) {
	if w.inline {
		w.mu.Lock()
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			w.deliver(progress)
		}
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending = progress
	w.has = true
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *writer) run() {
	defer close(w.done)
	for range w.wake {
		w.drain()
	}
	w.drain()
}

func (w *writer) drain() {
	for {
		w.mu.Lock()
		if !w.has {
			w.mu.Unlock()
			return
		}
		p := w.pending
		w.has = false
		w.mu.Unlock()
		w.deliver(p)
	}
}

func (w *writer) deliver(progress int) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.gw.UpsertProgress(ctx, w.userID, w.videoID, progress); err != nil {
		w.log.Warn("persistence write failed",
			zap.String("user_id", w.userID.String()),
			zap.String("video_id", w.videoID.String()),
			zap.Int("progress", progress),
			zap.Error(err))
	}
}

// close stops accepting writes and waits for queued ones to be delivered.
func (w *writer) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if !w.inline {
		close(w.wake)
	}
	w.mu.Unlock()
	<-w.done
}
