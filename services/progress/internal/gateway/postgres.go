package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// upsertSQL writes one progress value. Table:
//
//	lesson_progress(user_id uuid, video_id uuid, progress smallint,
//	                completed bool, last_watched_at timestamptz,
//	                PRIMARY KEY (user_id, video_id))
//
// A write older than the stored row is ignored unless it completes the
// lesson; redelivered events cannot move progress backwards.
const upsertSQL = `
INSERT INTO lesson_progress (user_id, video_id, progress, completed, last_watched_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, video_id)
DO UPDATE SET
  progress        = EXCLUDED.progress,
  completed       = lesson_progress.completed OR EXCLUDED.completed,
  last_watched_at = GREATEST(lesson_progress.last_watched_at, EXCLUDED.last_watched_at)
WHERE lesson_progress.last_watched_at <= EXCLUDED.last_watched_at
   OR (EXCLUDED.completed AND NOT lesson_progress.completed)`

const selectSQL = `SELECT progress, completed, last_watched_at
      FROM lesson_progress WHERE user_id=$1 AND video_id=$2`

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres is the production gateway.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) GetProgress(ctx context.Context, userID, videoID uuid.UUID) (Record, bool, error) {
	out := Record{UserID: userID, VideoID: videoID}
	err := p.db.QueryRow(ctx, selectSQL, userID, videoID).
		Scan(&out.Progress, &out.Completed, &out.LastWatchedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("select lesson_progress: %w", err)
	}
	return out, true, nil
}

func (p *Postgres) UpsertProgress(ctx context.Context, userID, videoID uuid.UUID, progress int) error {
	return upsert(ctx, p.db, userID, videoID, progress, time.Now().UTC())
}

// UpsertTx applies a write inside a caller-owned transaction.
func UpsertTx(ctx context.Context, tx pgx.Tx, userID, videoID uuid.UUID, progress int, at time.Time) error {
	return upsert(ctx, tx, userID, videoID, progress, at)
}

func upsert(ctx context.Context, db execer, userID, videoID uuid.UUID, progress int, at time.Time) error {
	progress = clampProgress(progress)
	if _, err := db.Exec(ctx, upsertSQL, userID, videoID, progress, progress >= 100, at); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}
