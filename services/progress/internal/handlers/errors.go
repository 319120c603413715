package handlers

import (
	"errors"
	"net/http"

	"github.com/example/clubhouse/internal/platform/api"
	"github.com/example/clubhouse/services/progress/internal/hub"
	"github.com/example/clubhouse/services/progress/internal/session"
)

// writeError maps domain errors to the API envelope.
func writeError(w http.ResponseWriter, rid string, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidIdentifier):
		api.BadRequest(w, "INVALID_IDENTIFIER", "user and video ids must be UUIDs", rid, nil)
	case errors.Is(err, session.ErrUnsupportedSource):
		api.Unprocessable(w, "UNSUPPORTED_SOURCE", "no player adapter for this source", rid, map[string]any{"reason": err.Error()})
	case errors.Is(err, hub.ErrSessionNotFound), errors.Is(err, session.ErrClosed):
		api.NotFound(w, "SESSION_NOT_FOUND", "session not found", rid)
	case errors.Is(err, hub.ErrWrongKind):
		api.Conflict(w, "WRONG_ADAPTER", err.Error(), rid, nil)
	case errors.Is(err, hub.ErrUnknownEvent):
		api.BadRequest(w, "UNKNOWN_EVENT", "type must be timeupdate or ended", rid, nil)
	case errors.Is(err, session.ErrNotIdle), errors.Is(err, session.ErrNotPlaying):
		api.Conflict(w, "SESSION_BUSY", err.Error(), rid, nil)
	default:
		api.Internal(w, rid)
	}
}
