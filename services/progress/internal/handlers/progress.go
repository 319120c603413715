package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/clubhouse/internal/platform/api"
	"github.com/example/clubhouse/internal/platform/auth"
	"github.com/example/clubhouse/internal/platform/httpserver"
	"github.com/example/clubhouse/services/progress/internal/gateway"
)

// GetProgress handles GET /v1/progress/{video_id}
func GetProgress(store gateway.Reader, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		uid, ok := auth.UserIDFromContext(r.Context())
		if !ok || uid == "" {
			api.Unauthorized(w, "AUTH_MISSING", "authentication required", rid)
			return
		}
		userID, uerr := uuid.Parse(strings.TrimSpace(uid))
		videoID, verr := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "video_id")))
		if uerr != nil || verr != nil {
			api.BadRequest(w, "INVALID_IDENTIFIER", "user and video ids must be UUIDs", rid, nil)
			return
		}

		rec, found, err := store.GetProgress(r.Context(), userID, videoID)
		if err != nil {
			log.Warn("get progress", zap.String("video_id", videoID.String()), zap.Error(err))
			api.Unavailable(w, "STORE_UNAVAILABLE", "progress store unavailable", rid)
			return
		}
		if !found {
			api.NotFound(w, "PROGRESS_NOT_FOUND", "no progress recorded for this video", rid)
			return
		}
		api.WriteJSON(w, http.StatusOK, rec)
	}
}
