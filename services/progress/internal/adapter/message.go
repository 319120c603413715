package adapter

import (
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/example/clubhouse/services/progress/internal/extract"
)

// DefaultAllowedOrigins are the embedding domains the message adapter trusts.
var DefaultAllowedOrigins = []string{
	"https://iframe.mediadelivery.net",
	"https://player.mediadelivery.net",
}

// DefaultAllowedSources are the payload source tags treated as player traffic.
// Payloads without a tag are still inspected.
var DefaultAllowedSources = []string{"player.js", "bunny-stream"}

var endedEvents = map[string]struct{}{
	"ended":    {},
	"end":      {},
	"finish":   {},
	"finished": {},
}

// Message is one inbound cross-document message.
type Message struct {
	Origin string
	Data   []byte
}

// MessageChannel delivers inbound messages to subscribers. It is receive-only.
type MessageChannel interface {
	Subscribe(fn func(Message)) (unsubscribe func())
}

// MessageAdapter consumes untrusted cross-origin messages. Every stage
// (origin, parse, tag, extract) discards what it cannot use.
// It has no seek or duration capability.
type MessageAdapter struct {
	listeners
	origins map[string]struct{}
	sources map[string]struct{}
	log     *zap.Logger

	unsubscribe func()
	once        sync.Once
}

// NewMessage subscribes to env.Messages.
func NewMessage(env Env) (Adapter, error) {
	if env.Messages == nil {
		return nil, ErrMissingHost
	}
	origins := env.AllowedOrigins
	if len(origins) == 0 {
		origins = DefaultAllowedOrigins
	}
	sources := env.AllowedSources
	if len(sources) == 0 {
		sources = DefaultAllowedSources
	}
	m := &MessageAdapter{
		origins: make(map[string]struct{}, len(origins)),
		sources: make(map[string]struct{}, len(sources)),
		log:     env.logger(),
	}
	for _, o := range origins {
		if n := normalizeOrigin(o); n != "" {
			m.origins[n] = struct{}{}
		}
	}
	for _, s := range sources {
		if s = strings.TrimSpace(s); s != "" {
			m.sources[s] = struct{}{}
		}
	}
	m.unsubscribe = env.Messages.Subscribe(m.handle)
	return m, nil
}

func (m *MessageAdapter) Kind() Kind { return KindCrossOriginMessage }

func (m *MessageAdapter) OnProgress(fn ProgressFunc) { m.setProgress(fn) }

func (m *MessageAdapter) OnEnded(fn EndedFunc) { m.setEnded(fn) }

// AllowsOrigin reports whether origin is on the allow-list.
func (m *MessageAdapter) AllowsOrigin(origin string) bool {
	_, ok := m.origins[normalizeOrigin(origin)]
	return ok
}

func (m *MessageAdapter) handle(msg Message) {
	if !m.AllowsOrigin(msg.Origin) {
		return
	}
	obj, ok := decodeObject(msg.Data)
	if !ok {
		m.log.Debug("dropping non-object message", zap.String("origin", msg.Origin))
		return
	}
	if tag, ok := sourceTag(obj); ok {
		if _, known := m.sources[tag]; !known {
			return
		}
	}
	if ev, ok := obj["event"].(string); ok {
		if _, end := endedEvents[strings.ToLower(strings.TrimSpace(ev))]; end {
			m.emitEnded()
			return
		}
	}
	if s, ok := extract.FromPayload(obj); ok {
		m.emitProgress(s)
	}
}

// Teardown unsubscribes from the channel.
func (m *MessageAdapter) Teardown() {
	m.once.Do(func() {
		m.close()
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
	})
}

func decodeObject(data []byte) (map[string]any, bool) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	if s, ok := v.(string); ok {
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, false
		}
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

func sourceTag(obj map[string]any) (string, bool) {
	for _, k := range []string{"source", "context"} {
		if s, ok := obj[k].(string); ok {
			return strings.TrimSpace(s), true
		}
	}
	return "", false
}

func normalizeOrigin(o string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
}
