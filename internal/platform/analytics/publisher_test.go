package analytics

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

type capturedMsg struct {
	subject string
	data    []byte
}

type fakeJS struct {
	msgs []capturedMsg
	err  error
}

func (f *fakeJS) PublishAsync(subj string, data []byte, _ ...nats.PubOpt) (nats.PubAckFuture, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, capturedMsg{subject: subj, data: data})
	return nil, nil
}

func TestPublisher_NilIsNoop(t *testing.T) {
	var p *Publisher
	p.LessonCompleted("u", "v", "s", "k")
	New(nil, nil).LessonCompleted("u", "v", "s", "k")
}

func TestPublisher_LessonCompleted(t *testing.T) {
	js := &fakeJS{}
	fixed := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	p := New(nil, nil)
	p.js = js
	p.now = func() time.Time { return fixed }

	p.LessonCompleted("user-1", "video-1", "session-1", "polling-control")

	if len(js.msgs) != 1 || js.msgs[0].subject != SubjectLessonCompleted {
		t.Fatalf("expected one message on %s, got %+v", SubjectLessonCompleted, js.msgs)
	}
	var ev Event
	if err := json.Unmarshal(js.msgs[0].data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.EventName != "lesson_completed" || ev.UserID != "user-1" || !ev.OccurredAt.Equal(fixed) {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Properties["video_id"] != "video-1" || ev.Properties["adapter"] != "polling-control" {
		t.Fatalf("unexpected properties %v", ev.Properties)
	}
	if ev.EventID == "" {
		t.Fatal("expected an event id")
	}
}

func TestPublisher_FailureIsSwallowed(t *testing.T) {
	p := New(nil, nil)
	p.js = &fakeJS{err: errors.New("no responders")}
	p.SessionOpened("user-1", "video-1", "session-1", "callback-control", true)
}
