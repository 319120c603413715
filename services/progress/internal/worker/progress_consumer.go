// Package worker applies progress writes published to JetStream by the
// async gateway.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/clubhouse/services/progress/internal/gateway"
)

const durableName = "progress_upsert"

const insertProcessedSQL = `INSERT INTO processed_events (event_id, subject, created_at, payload)
VALUES ($1, $2, $3, $4) ON CONFLICT (event_id) DO NOTHING`

var ErrInvalidEvent = errors.New("invalid progress event")

const (
	defaultMaxDeliver = 5
	nakDelay          = 2 * time.Second
)

type Options struct {
	BatchSize     int
	BatchInterval time.Duration
	// MaxDeliver caps deliveries per event. On the last one a failed event is
	// terminated; a later write from the session supersedes it.
	MaxDeliver int
}

// upsert is one decoded, validated event.
type upsert struct {
	eventID  string
	userID   uuid.UUID
	videoID  uuid.UUID
	progress int
	at       time.Time
}

// StartProgressConsumer pull-subscribes to progress.upsert and applies each
// batch in one transaction. Duplicates are skipped through processed_events;
// a failed batch is nak'd with a delay and redelivered at most MaxDeliver
// times. It returns once subscribed; the fetch loop runs until ctx is done.
func StartProgressConsumer(ctx context.Context, js nats.JetStreamContext, pool *pgxpool.Pool, opts Options, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = 2 * time.Second
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = defaultMaxDeliver
	}

	sub, err := js.PullSubscribe(gateway.SubjectProgressUpsert, durableName, nats.MaxDeliver(opts.MaxDeliver))
	if err != nil {
		return fmt.Errorf("progress consumer subscribe: %w", err)
	}
	log = log.With(zap.String("consumer", durableName))

	go func() {
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msgs, err := sub.Fetch(opts.BatchSize, nats.MaxWait(opts.BatchInterval))
			if err != nil {
				if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.Canceled) {
					continue
				}
				log.Warn("fetch failed", zap.Error(err))
				time.Sleep(time.Second)
				continue
			}
			if len(msgs) == 0 {
				continue
			}
			if err := applyBatch(ctx, pool, msgs, log); err != nil {
				log.Warn("batch failed", zap.Int("size", len(msgs)), zap.Error(err))
				for _, m := range msgs {
					settleFailed(m, opts.MaxDeliver, log)
				}
				continue
			}
			for _, m := range msgs {
				if err := m.Ack(); err != nil {
					log.Debug("ack failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// settleFailed naks m for redelivery, or terminates it on its last allowed
// delivery.
func settleFailed(m *nats.Msg, maxDeliver int, log *zap.Logger) {
	if lastDelivery(m, maxDeliver) {
		log.Warn("dropping progress event after repeated failures", zap.Int("max_deliver", maxDeliver))
		if err := m.Term(); err != nil {
			log.Debug("term failed", zap.Error(err))
		}
		return
	}
	if err := m.NakWithDelay(nakDelay); err != nil {
		log.Debug("nak failed", zap.Error(err))
	}
}

func lastDelivery(m *nats.Msg, maxDeliver int) bool {
	meta, err := m.Metadata()
	if err != nil {
		return false
	}
	return meta.NumDelivered >= uint64(maxDeliver)
}

func applyBatch(ctx context.Context, pool *pgxpool.Pool, msgs []*nats.Msg, log *zap.Logger) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, m := range msgs {
		ev, err := decodeEvent(m.Data)
		if err != nil {
			// Poison messages are dropped, not retried.
			log.Warn("dropping invalid progress event", zap.Error(err))
			continue
		}
		if err := applyOne(ctx, tx, ev, m.Data); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func applyOne(ctx context.Context, tx pgx.Tx, ev upsert, raw []byte) error {
	ct, err := tx.Exec(ctx, insertProcessedSQL, ev.eventID, gateway.SubjectProgressUpsert, ev.at, raw)
	if err != nil {
		return fmt.Errorf("insert processed_events: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return nil
	}
	return gateway.UpsertTx(ctx, tx, ev.userID, ev.videoID, ev.progress, ev.at)
}

func decodeEvent(data []byte) (upsert, error) {
	var ev gateway.UpsertEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return upsert{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.EventID == "" {
		return upsert{}, fmt.Errorf("%w: missing event_id", ErrInvalidEvent)
	}
	userID, err := uuid.Parse(ev.UserID)
	if err != nil {
		return upsert{}, fmt.Errorf("%w: user_id: %v", ErrInvalidEvent, err)
	}
	videoID, err := uuid.Parse(ev.VideoID)
	if err != nil {
		return upsert{}, fmt.Errorf("%w: video_id: %v", ErrInvalidEvent, err)
	}
	if ev.Progress < 0 || ev.Progress > 100 {
		return upsert{}, fmt.Errorf("%w: progress %d out of range", ErrInvalidEvent, ev.Progress)
	}
	at, err := time.Parse(time.RFC3339Nano, ev.CreatedAt)
	if err != nil {
		at = time.Now().UTC()
	}
	return upsert{eventID: ev.EventID, userID: userID, videoID: videoID, progress: ev.Progress, at: at}, nil
}
