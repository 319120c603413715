package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryKey struct {
	user  uuid.UUID
	video uuid.UUID
}

// Memory is a development-only in-memory gateway.
// WARNING: state is lost on restart and is not shared across instances.
type Memory struct {
	mu      sync.RWMutex
	records map[memoryKey]Record
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{records: make(map[memoryKey]Record), now: time.Now}
}

func (m *Memory) GetProgress(_ context.Context, userID, videoID uuid.UUID) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[memoryKey{userID, videoID}]
	return r, ok, nil
}

func (m *Memory) UpsertProgress(_ context.Context, userID, videoID uuid.UUID, progress int) error {
	m.apply(userID, videoID, progress, m.now().UTC())
	return nil
}

// apply follows the same rule as upsertSQL: a write older than the stored
// record only counts when it completes the lesson.
func (m *Memory) apply(userID, videoID uuid.UUID, progress int, at time.Time) {
	progress = clampProgress(progress)
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memoryKey{userID, videoID}
	prev, exists := m.records[key]
	completes := progress >= 100 && !prev.Completed
	if exists && at.Before(prev.LastWatchedAt) && !completes {
		return
	}
	if exists && prev.LastWatchedAt.After(at) {
		at = prev.LastWatchedAt
	}
	m.records[key] = Record{
		UserID:        userID,
		VideoID:       videoID,
		Progress:      progress,
		Completed:     prev.Completed || progress >= 100,
		LastWatchedAt: at,
	}
}
