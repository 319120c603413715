package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "progress:last:"

// Cached is a Redis read-through cache in front of another gateway.
// Writes go to the next gateway first; the cache entry is refreshed only
// after the write succeeds. Cache failures never fail the call.
type Cached struct {
	next   Gateway
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
	now    func() time.Time
}

// NewCached parses a redis:// URL and wraps next.
func NewCached(next Gateway, redisURL string, ttl time.Duration, log *zap.Logger) (*Cached, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return NewCachedWithClient(next, redis.NewClient(opt), ttl, log), nil
}

func NewCachedWithClient(next Gateway, client *redis.Client, ttl time.Duration, log *zap.Logger) *Cached {
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cached{next: next, client: client, ttl: ttl, log: log, now: time.Now}
}

func cacheKey(userID, videoID uuid.UUID) string {
	return cacheKeyPrefix + userID.String() + ":" + videoID.String()
}

func (c *Cached) GetProgress(ctx context.Context, userID, videoID uuid.UUID) (Record, bool, error) {
	key := cacheKey(userID, videoID)
	val, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		var rec Record
		if jerr := json.Unmarshal([]byte(val), &rec); jerr == nil {
			return rec, true, nil
		}
		c.log.Warn("progress cache: bad entry", zap.String("key", key))
	case errors.Is(err, redis.Nil):
	default:
		c.log.Warn("progress cache: get failed", zap.Error(err))
	}

	rec, ok, err := c.next.GetProgress(ctx, userID, videoID)
	if err != nil || !ok {
		return rec, ok, err
	}
	c.store(ctx, key, rec)
	return rec, true, nil
}

func (c *Cached) UpsertProgress(ctx context.Context, userID, videoID uuid.UUID, progress int) error {
	if err := c.next.UpsertProgress(ctx, userID, videoID, progress); err != nil {
		// Drop the entry so a reader does not see a value the store rejected.
		if derr := c.client.Del(ctx, cacheKey(userID, videoID)).Err(); derr != nil {
			c.log.Warn("progress cache: del failed", zap.Error(derr))
		}
		return err
	}
	progress = clampProgress(progress)
	rec := Record{
		UserID:        userID,
		VideoID:       videoID,
		Progress:      progress,
		Completed:     progress >= 100,
		LastWatchedAt: c.now().UTC(),
	}
	// Keep completion sticky like the store does.
	if prev, ok := c.peek(ctx, cacheKey(userID, videoID)); ok && prev.Completed {
		rec.Completed = true
	}
	c.store(ctx, cacheKey(userID, videoID), rec)
	return nil
}

func (c *Cached) peek(ctx context.Context, key string) (Record, bool) {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}

func (c *Cached) store(ctx context.Context, key string, rec Record) {
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, b, c.ttl).Err(); err != nil {
		c.log.Warn("progress cache: set failed", zap.Error(err))
	}
}

// Close releases the Redis client.
func (c *Cached) Close() error {
	return c.client.Close()
}
