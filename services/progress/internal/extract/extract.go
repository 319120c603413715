// Package extract turns vendor player payloads into a canonical progress sample.
//
// Every function here is pure and total: malformed or irrelevant input yields
// ok=false, never an error or a panic. Adapters and the tracker rely on this
// package being the only place that knows about payload quirks.
package extract

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Sample is a single progress observation expressed as a percentage (0-100).
type Sample struct {
	Percentage float64
}

// Field aliases seen across the supported embeds.
var (
	positionKeys = []string{"seconds", "currentTime", "second", "time", "position"}
	durationKeys = []string{"duration", "totalTime", "length"}
	// percentKeys carry 0-100 values.
	percentKeys = []string{"percentage", "progress"}
	// fractionKeys carry 0-1 values (Vimeo style).
	fractionKeys = []string{"percent", "played"}
	// nestedKeys are envelopes some embeds wrap the payload in.
	nestedKeys = []string{"data", "info", "value", "payload"}
)

const maxDepth = 3

// FromTimes builds a sample from a position/duration pair.
func FromTimes(position, duration float64) (Sample, bool) {
	if !finite(position) || !finite(duration) || duration <= 0 || position < 0 {
		return Sample{}, false
	}
	return Sample{Percentage: clamp(position / duration * 100)}, true
}

// FromPercentage builds a sample from a 0-100 value.
func FromPercentage(p float64) (Sample, bool) {
	if !finite(p) || p < 0 {
		return Sample{}, false
	}
	return Sample{Percentage: clamp(p)}, true
}

// FromJSON decodes raw bytes and extracts a sample. Non-JSON input is not an error.
func FromJSON(data []byte) (Sample, bool) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return Sample{}, false
	}
	return FromPayload(v)
}

// FromPayload extracts a sample from an already decoded payload of unknown shape.
// A JSON string holding an object is decoded once more, since some embeds
// double-encode their messages.
func FromPayload(v any) (Sample, bool) {
	return fromValue(v, 0)
}

func fromValue(v any, depth int) (Sample, bool) {
	if depth > maxDepth {
		return Sample{}, false
	}
	switch t := v.(type) {
	case map[string]any:
		return fromMap(t, depth)
	case string:
		s := strings.TrimSpace(t)
		if !strings.HasPrefix(s, "{") {
			return Sample{}, false
		}
		var inner any
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			return Sample{}, false
		}
		return fromValue(inner, depth+1)
	default:
		return Sample{}, false
	}
}

func fromMap(m map[string]any, depth int) (Sample, bool) {
	// An explicit time pair is more precise than any rounded percentage.
	if pos, ok := firstNumber(m, positionKeys); ok {
		if dur, ok := firstNumber(m, durationKeys); ok {
			if s, ok := FromTimes(pos, dur); ok {
				return s, true
			}
		}
	}
	if p, ok := firstNumber(m, percentKeys); ok {
		if s, ok := FromPercentage(p); ok {
			return s, true
		}
	}
	if f, ok := firstNumber(m, fractionKeys); ok {
		// Only values below 1 are unambiguous fractions; 1 and above are
		// already percentages.
		if f < 1 {
			f *= 100
		}
		if s, ok := FromPercentage(f); ok {
			return s, true
		}
	}
	for _, k := range nestedKeys {
		if inner, ok := m[k]; ok {
			if s, ok := fromValue(inner, depth+1); ok {
				return s, true
			}
		}
	}
	return Sample{}, false
}

func firstNumber(m map[string]any, keys []string) (float64, bool) {
	for _, k := range keys {
		if n, ok := Number(m[k]); ok {
			return n, true
		}
	}
	return 0, false
}

// Number coerces JSON numbers and numeric strings to float64.
func Number(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if !finite(f) {
		return 0, false
	}
	return f, true
}

func clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
