package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// SubjectProgressUpsert carries progress writes to the progress worker.
const SubjectProgressUpsert = "progress.upsert"

// ErrAsyncDisabled is returned when the async writer has no JetStream context.
var ErrAsyncDisabled = errors.New("async writes are disabled")

// UpsertEvent is the JetStream payload for one progress write.
type UpsertEvent struct {
	EventID   string `json:"event_id"`
	UserID    string `json:"user_id"`
	VideoID   string `json:"video_id"`
	Progress  int    `json:"progress"`
	CreatedAt string `json:"created_at"`
}

// Async publishes writes to JetStream and acknowledges once the stream has
// accepted them. The worker applies them to Postgres in order.
type Async struct {
	js nats.JetStreamContext
}

func NewAsync(js nats.JetStreamContext) *Async {
	return &Async{js: js}
}

func (a *Async) Enabled() bool {
	return a != nil && a.js != nil
}

func (a *Async) UpsertProgress(ctx context.Context, userID, videoID uuid.UUID, progress int) error {
	if !a.Enabled() {
		return ErrAsyncDisabled
	}
	ev := UpsertEvent{
		EventID:   uuid.NewString(),
		UserID:    userID.String(),
		VideoID:   videoID.String(),
		Progress:  clampProgress(progress),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := a.js.Publish(SubjectProgressUpsert, body, nats.Context(ctx), nats.MsgId(ev.EventID)); err != nil {
		return fmt.Errorf("%w: publish: %v", ErrWriteFailed, err)
	}
	return nil
}
