package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unreachableRedis points at a port nothing listens on, so every cache call fails fast.
func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	c := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	return c
}

func TestNewCached_BadURL(t *testing.T) {
	if _, err := NewCached(NewMemory(), "not a url", time.Minute, nil); err == nil {
		t.Fatal("expected error for invalid redis URL")
	}
}

func TestCached_FallsThroughWhenRedisIsDown(t *testing.T) {
	next := NewMemory()
	c := NewCachedWithClient(next, unreachableRedis(t), time.Minute, nil)
	defer c.Close()
	ctx := context.Background()
	u, v := uuid.New(), uuid.New()

	if err := c.UpsertProgress(ctx, u, v, 40); err != nil {
		t.Fatalf("upsert must not fail on cache errors: %v", err)
	}
	rec, ok, err := c.GetProgress(ctx, u, v)
	if err != nil || !ok {
		t.Fatalf("expected record from the store, ok=%v err=%v", ok, err)
	}
	if rec.Progress != 40 {
		t.Fatalf("expected 40, got %d", rec.Progress)
	}
}

func TestCached_StoreErrorIsReturned(t *testing.T) {
	boom := errors.New("boom")
	next := &failingGateway{Memory: NewMemory(), err: boom}
	c := NewCachedWithClient(next, unreachableRedis(t), time.Minute, nil)
	defer c.Close()

	err := c.UpsertProgress(context.Background(), uuid.New(), uuid.New(), 10)
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
	if next.writes != 1 {
		t.Fatalf("expected one store write, got %d", next.writes)
	}
}
