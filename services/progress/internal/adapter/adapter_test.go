package adapter

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/clubhouse/services/progress/internal/extract"
)

// ─── fakes ────────────────────────────────────────────────────────────────────

type fakeControl struct {
	mu    sync.Mutex
	pos   float64
	dur   float64
	state PlayerState
	seeks []float64
	calls atomic.Int64
}

func (f *fakeControl) CurrentTime() (float64, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos, nil
}

func (f *fakeControl) Duration() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dur, nil
}

func (f *fakeControl) State() PlayerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeControl) SeekTo(s float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks = append(f.seeks, s)
	return nil
}

func (f *fakeControl) set(pos, dur float64, st PlayerState) {
	f.mu.Lock()
	f.pos, f.dur, f.state = pos, dur, st
	f.mu.Unlock()
}

type fakeCallbackHost struct {
	onTime     func(any)
	onEnded    func()
	cancelled  int
	seeks      []float64
	duration   float64
	durationEr error
}

func (f *fakeCallbackHost) OnTimeUpdate(fn func(any)) func() {
	f.onTime = fn
	return func() { f.cancelled++; f.onTime = nil }
}

func (f *fakeCallbackHost) OnEnded(fn func()) func() {
	f.onEnded = fn
	return func() { f.cancelled++; f.onEnded = nil }
}

func (f *fakeCallbackHost) SeekTo(s float64) error { f.seeks = append(f.seeks, s); return nil }

func (f *fakeCallbackHost) Duration() (float64, error) { return f.duration, f.durationEr }

type fakeChannel struct {
	subs         []func(Message)
	unsubscribed int
}

func (f *fakeChannel) Subscribe(fn func(Message)) func() {
	f.subs = append(f.subs, fn)
	return func() { f.unsubscribed++; f.subs = nil }
}

func (f *fakeChannel) post(origin, data string) {
	for _, fn := range f.subs {
		fn(Message{Origin: origin, Data: []byte(data)})
	}
}

type recorder struct {
	mu      sync.Mutex
	samples []extract.Sample
	ended   int
}

func (r *recorder) attach(a Adapter) {
	a.OnProgress(func(s extract.Sample) {
		r.mu.Lock()
		r.samples = append(r.samples, s)
		r.mu.Unlock()
	})
	a.OnEnded(func() {
		r.mu.Lock()
		r.ended++
		r.mu.Unlock()
	})
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples), r.ended
}

// ─── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Match(t *testing.T) {
	reg := NewRegistry()
	cases := []struct {
		url  string
		kind Kind
		ok   bool
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", KindPollingControl, true},
		{"https://youtu.be/dQw4w9WgXcQ", KindPollingControl, true},
		{"https://www.youtube-nocookie.com/embed/abc", KindPollingControl, true},
		{"https://vimeo.com/123456789", KindCallbackControl, true},
		{"https://player.vimeo.com/video/123456789?h=abc", KindCallbackControl, true},
		{"https://iframe.mediadelivery.net/embed/1234/9b2c7a7e-0000-0000-0000-000000000000", KindCrossOriginMessage, true},
		{"https://example.com/video.mp4", "", false},
		{"", "", false},
		{"ftp://youtube.com/watch?v=1", "", false},
	}
	for _, tc := range cases {
		b, ok := reg.Match(tc.url)
		if ok != tc.ok {
			t.Fatalf("%q: expected ok=%v, got %v", tc.url, tc.ok, ok)
		}
		if ok && b.Kind != tc.kind {
			t.Fatalf("%q: expected kind %s, got %s", tc.url, tc.kind, b.Kind)
		}
	}
}

func TestRegistry_ExtraBackendIsOneRow(t *testing.T) {
	extra, err := BackendFor("callback-control", `^https://videos\.example\.org/`)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	reg := NewRegistry(append(DefaultBackends(), extra)...)
	b, ok := reg.Match("https://videos.example.org/lesson-1")
	if !ok || b.Kind != KindCallbackControl {
		t.Fatalf("expected extra backend to match, got %+v ok=%v", b, ok)
	}
}

func TestBackendFor_Errors(t *testing.T) {
	if _, err := BackendFor("hologram", ".*"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if _, err := BackendFor("polling-control", "("); err == nil {
		t.Fatal("expected error for bad pattern")
	}
}

// ─── polling ──────────────────────────────────────────────────────────────────

func newPollingForTest(t *testing.T, h *fakeControl, interval time.Duration) *Polling {
	t.Helper()
	a, err := NewPolling(Env{Control: h, PollInterval: interval})
	if err != nil {
		t.Fatalf("new polling: %v", err)
	}
	return a.(*Polling)
}

func TestPolling_TickEmitsOnlyWhilePlaying(t *testing.T) {
	h := &fakeControl{}
	p := newPollingForTest(t, h, time.Hour)
	defer p.Teardown()
	rec := &recorder{}
	rec.attach(p)

	h.set(10, 100, StatePaused)
	p.tick()
	if n, _ := rec.counts(); n != 0 {
		t.Fatalf("expected no samples while paused, got %d", n)
	}

	h.set(10, 100, StatePlaying)
	p.tick()
	if n, _ := rec.counts(); n != 1 {
		t.Fatalf("expected 1 sample while playing, got %d", n)
	}
	if got := rec.samples[0].Percentage; math.Abs(got-10) > 1e-9 {
		t.Fatalf("expected 10%%, got %.2f", got)
	}

	h.set(0, 0, StatePlaying)
	p.tick()
	if n, _ := rec.counts(); n != 1 {
		t.Fatalf("expected zero duration to be dropped, got %d samples", n)
	}
}

func TestPolling_EndedFiresOncePerEnd(t *testing.T) {
	h := &fakeControl{}
	p := newPollingForTest(t, h, time.Hour)
	defer p.Teardown()
	rec := &recorder{}
	rec.attach(p)

	h.set(100, 100, StateEnded)
	p.tick()
	p.tick()
	if _, ended := rec.counts(); ended != 1 {
		t.Fatalf("expected 1 ended, got %d", ended)
	}
}

func TestPolling_TeardownStopsTicker(t *testing.T) {
	h := &fakeControl{}
	h.set(5, 100, StatePlaying)
	p := newPollingForTest(t, h, 2*time.Millisecond)
	rec := &recorder{}
	rec.attach(p)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := rec.counts(); n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("polling never produced a sample")
		}
		time.Sleep(time.Millisecond)
	}

	p.Teardown()
	p.Teardown()
	after := h.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if h.calls.Load() != after {
		t.Fatal("control handle polled after teardown")
	}
	if err := p.SeekTo(3); err != ErrTornDown {
		t.Fatalf("expected ErrTornDown, got %v", err)
	}
}

func TestPolling_Capabilities(t *testing.T) {
	h := &fakeControl{}
	p := newPollingForTest(t, h, time.Hour)
	defer p.Teardown()

	if _, ok := p.Duration(); ok {
		t.Fatal("expected unknown duration before metadata loads")
	}
	h.set(0, 200, StatePaused)
	if d, ok := p.Duration(); !ok || d != 200 {
		t.Fatalf("expected 200s, got %v ok=%v", d, ok)
	}
	if err := p.SeekTo(80); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if len(h.seeks) != 1 || h.seeks[0] != 80 {
		t.Fatalf("expected one seek to 80, got %v", h.seeks)
	}
}

func TestPolling_MissingHost(t *testing.T) {
	if _, err := NewPolling(Env{}); err != ErrMissingHost {
		t.Fatalf("expected ErrMissingHost, got %v", err)
	}
}

// ─── callback ─────────────────────────────────────────────────────────────────

func TestCallback_ForwardsThroughExtractor(t *testing.T) {
	h := &fakeCallbackHost{duration: 300}
	a, err := NewCallback(Env{Callbacks: h})
	if err != nil {
		t.Fatalf("new callback: %v", err)
	}
	rec := &recorder{}
	rec.attach(a)

	h.onTime(map[string]any{"seconds": 150.0, "duration": 300.0, "percent": 0.5})
	h.onTime(map[string]any{"garbage": true})
	h.onTime("not even an object")
	h.onEnded()

	n, ended := rec.counts()
	if n != 1 || ended != 1 {
		t.Fatalf("expected 1 sample and 1 ended, got %d and %d", n, ended)
	}
	if d, ok := a.(DurationReader).Duration(); !ok || d != 300 {
		t.Fatalf("expected duration 300, got %v ok=%v", d, ok)
	}
}

func TestCallback_TeardownUnregisters(t *testing.T) {
	h := &fakeCallbackHost{}
	a, _ := NewCallback(Env{Callbacks: h})
	rec := &recorder{}
	rec.attach(a)

	cb := h.onTime
	a.Teardown()
	a.Teardown()
	if h.cancelled != 2 {
		t.Fatalf("expected 2 cancels, got %d", h.cancelled)
	}
	// A host that keeps a stale reference must not reach the listener.
	cb(map[string]any{"seconds": 1.0, "duration": 2.0})
	if n, _ := rec.counts(); n != 0 {
		t.Fatalf("expected no samples after teardown, got %d", n)
	}
}

// ─── cross-origin message ────────────────────────────────────────────────────

func TestMessage_OriginFiltering(t *testing.T) {
	ch := &fakeChannel{}
	a, err := NewMessage(Env{Messages: ch})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	rec := &recorder{}
	rec.attach(a)

	ch.post("https://evil.example.com", `{"event":"timeupdate","value":{"seconds":50,"duration":100}}`)
	ch.post("https://evil.example.com", `{"event":"ended"}`)
	if n, ended := rec.counts(); n != 0 || ended != 0 {
		t.Fatalf("expected foreign origin to be ignored, got %d samples, %d ended", n, ended)
	}

	ch.post("https://iframe.mediadelivery.net/", `{"context":"player.js","event":"timeupdate","value":{"seconds":50,"duration":100}}`)
	if n, _ := rec.counts(); n != 1 {
		t.Fatalf("expected allowed origin to produce a sample, got %d", n)
	}
}

func TestMessage_IgnoresNoise(t *testing.T) {
	ch := &fakeChannel{}
	a, _ := NewMessage(Env{Messages: ch})
	rec := &recorder{}
	rec.attach(a)

	origin := "https://iframe.mediadelivery.net"
	ch.post(origin, `not json`)
	ch.post(origin, `[1,2]`)
	ch.post(origin, `{"source":"react-devtools-content-script","payload":{"seconds":1,"duration":2}}`)
	ch.post(origin, `{"event":"ready"}`)
	if n, ended := rec.counts(); n != 0 || ended != 0 {
		t.Fatalf("expected noise to be ignored, got %d samples, %d ended", n, ended)
	}

	ch.post(origin, `"{\"event\":\"timeupdate\",\"seconds\":3,\"duration\":4}"`)
	ch.post(origin, `{"event":"Ended"}`)
	if n, ended := rec.counts(); n != 1 || ended != 1 {
		t.Fatalf("expected 1 sample and 1 ended, got %d and %d", n, ended)
	}
}

func TestMessage_NoSeekCapability(t *testing.T) {
	a, _ := NewMessage(Env{Messages: &fakeChannel{}})
	if _, ok := a.(Seeker); ok {
		t.Fatal("message adapter must not expose seeking")
	}
	if _, ok := a.(DurationReader); ok {
		t.Fatal("message adapter must not expose duration")
	}
}

func TestMessage_TeardownUnsubscribes(t *testing.T) {
	ch := &fakeChannel{}
	a, _ := NewMessage(Env{Messages: ch, AllowedOrigins: []string{"https://lessons.example.org"}})
	a.Teardown()
	a.Teardown()
	if ch.unsubscribed != 1 {
		t.Fatalf("expected one unsubscribe, got %d", ch.unsubscribed)
	}
}
