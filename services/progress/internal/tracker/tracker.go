// Package tracker holds the per-session progress policy: monotonic canonical
// progress, decile persistence, and one-shot completion.
//
// A Tracker is not safe for concurrent use; the session controller serializes
// all calls. Writes are handed to the persist func and never awaited.
package tracker

import (
	"math"

	"github.com/example/clubhouse/services/progress/internal/extract"
)

const (
	DefaultPersistStep = 10
	DefaultCompleteAt  = 90
)

// Policy holds the persistence granularity and auto-complete threshold, in percent.
type Policy struct {
	PersistStep int
	CompleteAt  int
}

// DefaultPolicy returns the 10% step / 90% completion policy.
func DefaultPolicy() Policy {
	return Policy{PersistStep: DefaultPersistStep, CompleteAt: DefaultCompleteAt}
}

// Normalize replaces out-of-range values with defaults.
func (p Policy) Normalize() Policy {
	if p.PersistStep <= 0 || p.PersistStep > 100 {
		p.PersistStep = DefaultPersistStep
	}
	if p.CompleteAt <= 0 || p.CompleteAt > 100 {
		p.CompleteAt = DefaultCompleteAt
	}
	return p
}

// Tracker converts samples into canonical progress and decides what to write.
type Tracker struct {
	policy Policy

	progress  int // canonical, 0-100, never decreases
	persisted int // last persisted threshold, a multiple of PersistStep
	written   int // highest value handed to persist
	completed bool

	persist  func(progress int)
	complete func()
}

// New creates a tracker. persist receives every write decision; onComplete is
// called once, when the session completes.
func New(policy Policy, persist func(progress int), onComplete func()) *Tracker {
	if persist == nil {
		persist = func(int) {}
	}
	if onComplete == nil {
		onComplete = func() {}
	}
	return &Tracker{policy: policy.Normalize(), persist: persist, complete: onComplete}
}

// Seed raises the tracker to a previously stored value without writing.
// A completed record leaves the tracker completed and silent for the session.
func (t *Tracker) Seed(stored int, completed bool) {
	if t.completed {
		return
	}
	if completed || stored >= 100 {
		t.progress, t.persisted, t.written = 100, 100, 100
		t.completed = true
		return
	}
	stored = clamp(stored)
	if stored <= t.progress {
		return
	}
	t.progress = stored
	if r := t.rounded(stored); r > t.persisted {
		t.persisted = r
	}
	if stored > t.written {
		t.written = stored
	}
}

// Observe applies one sample. Samples lower than the canonical value and
// samples after completion are ignored. It reports whether canonical
// progress moved.
func (t *Tracker) Observe(s extract.Sample) bool {
	if t.completed {
		return false
	}
	p := clamp(int(math.Floor(s.Percentage)))
	if p <= t.progress {
		return false
	}
	t.progress = p
	if t.progress >= t.policy.CompleteAt {
		t.Complete()
		return true
	}
	if r := t.rounded(t.progress); r > t.persisted {
		// Optimistic: the threshold moves before the write is confirmed so a
		// burst of samples in the same decile issues one write.
		t.persisted = r
		t.issue(r)
	}
	return true
}

// End handles an end-of-playback event.
func (t *Tracker) End() bool {
	return t.Complete()
}

// Complete runs the one-shot completion transition. It reports whether this
// call performed it.
func (t *Tracker) Complete() bool {
	if t.completed {
		return false
	}
	t.completed = true
	t.progress = 100
	t.persisted = 100
	t.issue(100)
	t.complete()
	return true
}

// Flush writes canonical progress if it is ahead of the last written value.
// Calling it again without new progress writes nothing.
func (t *Tracker) Flush() (int, bool) {
	if t.completed || t.progress <= t.written {
		return 0, false
	}
	t.written = t.progress
	t.persist(t.progress)
	return t.progress, true
}

func (t *Tracker) issue(v int) {
	if v <= t.written {
		return
	}
	t.written = v
	t.persist(v)
}

func (t *Tracker) rounded(p int) int {
	return (p / t.policy.PersistStep) * t.policy.PersistStep
}

// Progress returns canonical progress.
func (t *Tracker) Progress() int { return t.progress }

// Persisted returns the last persisted threshold.
func (t *Tracker) Persisted() int { return t.persisted }

// Completed reports whether the session has completed.
func (t *Tracker) Completed() bool { return t.completed }

// Policy returns the effective policy.
func (t *Tracker) Policy() Policy { return t.policy }

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
