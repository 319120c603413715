package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/example/clubhouse/internal/platform/analytics"
	"github.com/example/clubhouse/internal/platform/api"
	"github.com/example/clubhouse/internal/platform/auth"
	"github.com/example/clubhouse/internal/platform/httpserver"
	"github.com/example/clubhouse/services/progress/internal/hub"
	"github.com/example/clubhouse/services/progress/internal/session"
)

type openSessionRequest struct {
	VideoID   string  `json:"video_id"`
	SourceURL string  `json:"source_url"`
	Duration  float64 `json:"duration,omitempty"`
}

type changeSourceRequest struct {
	SourceURL string  `json:"source_url"`
	Duration  float64 `json:"duration,omitempty"`
}

type stateRequest struct {
	CurrentTime float64 `json:"current_time"`
	Duration    float64 `json:"duration"`
	State       string  `json:"state"`
}

type eventRequest struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type messageRequest struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
	session.Snapshot
	// SeekTo is a seek the client's player should perform now.
	SeekTo *float64 `json:"seek_to,omitempty"`
}

type completeResponse struct {
	sessionResponse
	CompletedNow bool `json:"completed_now"`
}

func toResponse(e *hub.Entry) sessionResponse {
	resp := sessionResponse{SessionID: e.ID.String(), Snapshot: e.Snapshot()}
	if s, ok := e.PendingSeek(); ok {
		resp.SeekTo = &s
	}
	return resp
}

// OpenSession handles POST /v1/sessions
func OpenSession(h *hub.Hub, ap *analytics.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		userID, ok := auth.UserIDFromContext(r.Context())
		if !ok || userID == "" {
			api.Unauthorized(w, "AUTH_MISSING", "authentication required", rid)
			return
		}

		var req openSessionRequest
		if err := api.DecodeJSON(w, r, &req); err != nil {
			api.BadRequest(w, "INVALID_JSON", "invalid JSON", rid, nil)
			return
		}
		if strings.TrimSpace(req.SourceURL) == "" {
			api.BadRequest(w, "MISSING_SOURCE", "source_url is required", rid, nil)
			return
		}

		e, err := h.Open(r.Context(), hub.OpenRequest{
			UserID:    userID,
			VideoID:   req.VideoID,
			SourceURL: req.SourceURL,
			Duration:  req.Duration,
		})
		if err != nil {
			writeError(w, rid, err)
			return
		}
		resp := toResponse(e)
		ap.SessionOpened(userID, resp.VideoID, resp.SessionID, string(resp.Kind), resp.Resumed)
		api.WriteJSON(w, http.StatusCreated, resp)
	}
}

// GetSession handles GET /v1/sessions/{session_id}
func GetSession(h *hub.Hub) http.HandlerFunc {
	return withEntry(h, func(w http.ResponseWriter, r *http.Request, e *hub.Entry) {
		api.WriteJSON(w, http.StatusOK, toResponse(e))
	})
}

// ReportState handles POST /v1/sessions/{session_id}/state
func ReportState(h *hub.Hub) http.HandlerFunc {
	return withEntry(h, func(w http.ResponseWriter, r *http.Request, e *hub.Entry) {
		rid := httpserver.RequestIDFromContext(r.Context())
		var req stateRequest
		if err := api.DecodeJSON(w, r, &req); err != nil {
			api.BadRequest(w, "INVALID_JSON", "invalid JSON", rid, nil)
			return
		}
		if err := e.ReportState(req.CurrentTime, req.Duration, req.State); err != nil {
			writeError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, toResponse(e))
	})
}

// PostEvent handles POST /v1/sessions/{session_id}/events
func PostEvent(h *hub.Hub) http.HandlerFunc {
	return withEntry(h, func(w http.ResponseWriter, r *http.Request, e *hub.Entry) {
		rid := httpserver.RequestIDFromContext(r.Context())
		var req eventRequest
		if err := api.DecodeJSON(w, r, &req); err != nil {
			api.BadRequest(w, "INVALID_JSON", "invalid JSON", rid, nil)
			return
		}
		if err := e.Dispatch(req.Type, req.Data); err != nil {
			writeError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, toResponse(e))
	})
}

// RelayMessage handles POST /v1/sessions/{session_id}/messages
func RelayMessage(h *hub.Hub) http.HandlerFunc {
	return withEntry(h, func(w http.ResponseWriter, r *http.Request, e *hub.Entry) {
		rid := httpserver.RequestIDFromContext(r.Context())
		var req messageRequest
		if err := api.DecodeJSON(w, r, &req); err != nil {
			api.BadRequest(w, "INVALID_JSON", "invalid JSON", rid, nil)
			return
		}
		// Origin is client-reported (see hub.MessageRelay). Untrusted content
		// is filtered by the adapter; a rejected message is not an error for
		// the relaying client.
		if err := e.Relay(req.Origin, req.Data); err != nil {
			writeError(w, rid, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// CompleteSession handles POST /v1/sessions/{session_id}/complete
func CompleteSession(h *hub.Hub) http.HandlerFunc {
	return withEntry(h, func(w http.ResponseWriter, r *http.Request, e *hub.Entry) {
		fired := e.Complete()
		api.WriteJSON(w, http.StatusOK, completeResponse{sessionResponse: toResponse(e), CompletedNow: fired})
	})
}

// ChangeSource handles PUT /v1/sessions/{session_id}/source
func ChangeSource(h *hub.Hub) http.HandlerFunc {
	return withEntry(h, func(w http.ResponseWriter, r *http.Request, e *hub.Entry) {
		rid := httpserver.RequestIDFromContext(r.Context())
		var req changeSourceRequest
		if err := api.DecodeJSON(w, r, &req); err != nil {
			api.BadRequest(w, "INVALID_JSON", "invalid JSON", rid, nil)
			return
		}
		if strings.TrimSpace(req.SourceURL) == "" {
			api.BadRequest(w, "MISSING_SOURCE", "source_url is required", rid, nil)
			return
		}
		if err := e.ChangeSource(r.Context(), req.SourceURL, req.Duration); err != nil {
			writeError(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, toResponse(e))
	})
}

// CloseSession handles DELETE /v1/sessions/{session_id}
func CloseSession(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		userID, ok := auth.UserIDFromContext(r.Context())
		if !ok || userID == "" {
			api.Unauthorized(w, "AUTH_MISSING", "authentication required", rid)
			return
		}
		id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "session_id")))
		if err != nil {
			api.BadRequest(w, "INVALID_IDENTIFIER", "session_id must be a UUID", rid, nil)
			return
		}
		h.Close(userID, id)
		w.WriteHeader(http.StatusNoContent)
	}
}

// SessionStats handles GET /v1/admin/sessions
func SessionStats(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]any{"live_sessions": h.Len()})
	}
}

// withEntry resolves {session_id} for the authenticated caller.
func withEntry(h *hub.Hub, next func(http.ResponseWriter, *http.Request, *hub.Entry)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		userID, ok := auth.UserIDFromContext(r.Context())
		if !ok || userID == "" {
			api.Unauthorized(w, "AUTH_MISSING", "authentication required", rid)
			return
		}
		id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "session_id")))
		if err != nil {
			api.BadRequest(w, "INVALID_IDENTIFIER", "session_id must be a UUID", rid, nil)
			return
		}
		e, err := h.Get(userID, id)
		if err != nil {
			writeError(w, rid, err)
			return
		}
		next(w, r, e)
	}
}
