package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

type failingGateway struct {
	*Memory
	writes int
	err    error
}

func (f *failingGateway) UpsertProgress(_ context.Context, _, _ uuid.UUID, _ int) error {
	f.writes++
	return f.err
}

func TestMemory_UpsertAndGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	u, v := uuid.New(), uuid.New()

	if _, ok, err := m.GetProgress(ctx, u, v); err != nil || ok {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}
	if err := m.UpsertProgress(ctx, u, v, 40); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec, ok, err := m.GetProgress(ctx, u, v)
	if err != nil || !ok {
		t.Fatalf("expected record, got ok=%v err=%v", ok, err)
	}
	if rec.Progress != 40 || rec.Completed {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.LastWatchedAt.IsZero() {
		t.Fatal("expected last_watched_at to be set")
	}
}

func TestMemory_CompletionIsSticky(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	u, v := uuid.New(), uuid.New()

	_ = m.UpsertProgress(ctx, u, v, 100)
	_ = m.UpsertProgress(ctx, u, v, 30)
	rec, _, _ := m.GetProgress(ctx, u, v)
	if rec.Progress != 30 {
		t.Fatalf("expected last write to win, got %d", rec.Progress)
	}
	if !rec.Completed {
		t.Fatal("expected completion to survive a later lower write")
	}
}

func TestMemory_ClampsOutOfRange(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	u, v := uuid.New(), uuid.New()

	_ = m.UpsertProgress(ctx, u, v, 250)
	rec, _, _ := m.GetProgress(ctx, u, v)
	if rec.Progress != 100 || !rec.Completed {
		t.Fatalf("expected clamp to 100 and completed, got %+v", rec)
	}
}

func TestBreaker_OpensAndRejectsWithoutCallingStore(t *testing.T) {
	next := &failingGateway{Memory: NewMemory(), err: errors.New("db down")}
	b := NewBreaker(next, BreakerConfig{FailureThreshold: 2, Timeout: time.Hour}, nil)
	ctx := context.Background()
	u, v := uuid.New(), uuid.New()

	for i := 0; i < 2; i++ {
		if err := b.UpsertProgress(ctx, u, v, 10); err == nil {
			t.Fatal("expected error from failing store")
		}
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", b.State())
	}
	err := b.UpsertProgress(ctx, u, v, 20)
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed while open, got %v", err)
	}
	if next.writes != 2 {
		t.Fatalf("expected store to see 2 writes, got %d", next.writes)
	}
}

func TestBreaker_PassesReads(t *testing.T) {
	m := NewMemory()
	b := NewBreaker(m, BreakerConfig{}, nil)
	ctx := context.Background()
	u, v := uuid.New(), uuid.New()

	if err := b.UpsertProgress(ctx, u, v, 70); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec, ok, err := b.GetProgress(ctx, u, v)
	if err != nil || !ok || rec.Progress != 70 {
		t.Fatalf("expected 70, got %+v ok=%v err=%v", rec, ok, err)
	}
}

func TestAsync_Disabled(t *testing.T) {
	var a *Async
	if a.Enabled() {
		t.Fatal("nil async writer must report disabled")
	}
	err := NewAsync(nil).UpsertProgress(context.Background(), uuid.New(), uuid.New(), 10)
	if !errors.Is(err, ErrAsyncDisabled) {
		t.Fatalf("expected ErrAsyncDisabled, got %v", err)
	}
}

func TestSplit_RoutesReadsAndWrites(t *testing.T) {
	reads := NewMemory()
	writes := NewMemory()
	g := Split{Reader: reads, Writer: writes}
	ctx := context.Background()
	u, v := uuid.New(), uuid.New()

	_ = g.UpsertProgress(ctx, u, v, 50)
	if _, ok, _ := reads.GetProgress(ctx, u, v); ok {
		t.Fatal("write must not reach the reader")
	}
	if _, ok, _ := writes.GetProgress(ctx, u, v); !ok {
		t.Fatal("write must reach the writer")
	}
}
