package adapter

import (
	"fmt"
	"regexp"
	"strings"
)

// Constructor builds an adapter of one kind from the environment.
type Constructor func(env Env) (Adapter, error)

// Backend is one row of the source table: a URL pattern and the adapter it selects.
type Backend struct {
	Kind    Kind
	Pattern *regexp.Regexp
	New     Constructor
}

// DefaultBackends is the built-in source table. Order matters: first match wins.
func DefaultBackends() []Backend {
	return []Backend{
		{Kind: KindPollingControl, Pattern: regexp.MustCompile(`(?i)^https?://(www\.|m\.)?(youtube\.com/(watch|embed|shorts)|youtu\.be/|youtube-nocookie\.com/embed/)`), New: NewPolling},
		{Kind: KindCallbackControl, Pattern: regexp.MustCompile(`(?i)^https?://(www\.|player\.)?vimeo\.com/(video/)?\d+`), New: NewCallback},
		{Kind: KindCrossOriginMessage, Pattern: regexp.MustCompile(`(?i)^https?://(iframe|player)\.mediadelivery\.net/(embed|play)/\d+/`), New: NewMessage},
	}
}

// ConstructorFor returns the built-in constructor for a kind.
func ConstructorFor(kind Kind) (Constructor, bool) {
	switch kind {
	case KindPollingControl:
		return NewPolling, true
	case KindCallbackControl:
		return NewCallback, true
	case KindCrossOriginMessage:
		return NewMessage, true
	default:
		return nil, false
	}
}

// BackendFor compiles a pattern into a backend row for one of the built-in kinds.
func BackendFor(kind string, pattern string) (Backend, error) {
	k := Kind(strings.TrimSpace(kind))
	ctor, ok := ConstructorFor(k)
	if !ok {
		return Backend{}, fmt.Errorf("unknown adapter kind %q", kind)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Backend{}, fmt.Errorf("compile pattern for %s: %w", k, err)
	}
	return Backend{Kind: k, Pattern: re, New: ctor}, nil
}

// Registry resolves source URLs against an ordered backend table.
type Registry struct {
	backends []Backend
}

// NewRegistry creates a registry; with no arguments it uses DefaultBackends.
func NewRegistry(backends ...Backend) *Registry {
	if len(backends) == 0 {
		backends = DefaultBackends()
	}
	return &Registry{backends: backends}
}

// Match returns the first backend whose pattern matches sourceURL.
func (r *Registry) Match(sourceURL string) (Backend, bool) {
	u := strings.TrimSpace(sourceURL)
	if u == "" {
		return Backend{}, false
	}
	for _, b := range r.backends {
		if b.Pattern != nil && b.Pattern.MatchString(u) {
			return b, true
		}
	}
	return Backend{}, false
}

// Backends returns a copy of the table.
func (r *Registry) Backends() []Backend {
	out := make([]Backend, len(r.backends))
	copy(out, r.backends)
	return out
}
