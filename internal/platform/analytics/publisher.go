// Package analytics publishes fire-and-forget learning events to NATS
// JetStream. Consumers (reporting, certificates, streak tracking) subscribe
// to the analytics.* subjects.
package analytics

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectLessonCompleted = "analytics.lesson.completed"
	SubjectSessionOpened   = "analytics.lesson.session_opened"
)

// Event is the canonical envelope sent to all analytics.* subjects.
type Event struct {
	EventID    string         `json:"event_id"`
	EventName  string         `json:"event_name"`
	UserID     string         `json:"user_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Properties map[string]any `json:"properties,omitempty"`
}

// publisher is the slice of nats.JetStreamContext the Publisher needs.
type publisher interface {
	PublishAsync(subj string, data []byte, opts ...nats.PubOpt) (nats.PubAckFuture, error)
}

// Publisher publishes analytics events. A nil pointer or a Publisher built
// with a nil JetStream context is a no-op.
type Publisher struct {
	js  publisher
	log *zap.Logger
	now func() time.Time
}

// New creates a Publisher. Pass js=nil for a no-op stub.
func New(js nats.JetStreamContext, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Publisher{log: log, now: time.Now}
	if js != nil {
		p.js = js
	}
	return p
}

// Publish sends an event without waiting for the ack. Failures are logged
// as warnings and never surface to the caller.
func (p *Publisher) Publish(subject, eventName, userID string, props map[string]any) {
	if p == nil || p.js == nil {
		return
	}
	ev := Event{
		EventID:    uuid.NewString(),
		EventName:  eventName,
		UserID:     userID,
		OccurredAt: p.now().UTC(),
		Properties: props,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("analytics: marshal failed", zap.String("event", eventName), zap.Error(err))
		return
	}
	if _, err := p.js.PublishAsync(subject, data, nats.MsgId(ev.EventID)); err != nil {
		p.log.Warn("analytics: publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// LessonCompleted announces that a member finished a lesson video.
func (p *Publisher) LessonCompleted(userID, videoID, sessionID, kind string) {
	p.Publish(SubjectLessonCompleted, "lesson_completed", userID, map[string]any{
		"video_id":   videoID,
		"session_id": sessionID,
		"adapter":    kind,
	})
}

// SessionOpened announces that a member started watching a lesson video.
func (p *Publisher) SessionOpened(userID, videoID, sessionID, kind string, resumed bool) {
	p.Publish(SubjectSessionOpened, "lesson_session_opened", userID, map[string]any{
		"video_id":   videoID,
		"session_id": sessionID,
		"adapter":    kind,
		"resumed":    resumed,
	})
}
