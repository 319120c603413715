// Package handlers exposes the progress sessions over HTTP.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/clubhouse/internal/platform/analytics"
	"github.com/example/clubhouse/internal/platform/auth"
	"github.com/example/clubhouse/services/progress/internal/gateway"
	"github.com/example/clubhouse/services/progress/internal/hub"
)

type Deps struct {
	Hub       *hub.Hub
	Store     gateway.Reader
	Analytics *analytics.Publisher
	Log       *zap.Logger
	// RequireUser authenticates every route below.
	RequireUser func(http.Handler) http.Handler
}

// Mount registers the /v1 routes on r.
func Mount(r chi.Router, d Deps) {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	r.Group(func(r chi.Router) {
		r.Use(d.RequireUser)

		r.Post("/v1/sessions", OpenSession(d.Hub, d.Analytics))
		r.Route("/v1/sessions/{session_id}", func(r chi.Router) {
			r.Get("/", GetSession(d.Hub))
			r.Delete("/", CloseSession(d.Hub))
			r.Post("/state", ReportState(d.Hub))
			r.Post("/events", PostEvent(d.Hub))
			r.Post("/messages", RelayMessage(d.Hub))
			r.Post("/complete", CompleteSession(d.Hub))
			r.Put("/source", ChangeSource(d.Hub))
		})
		r.Get("/v1/progress/{video_id}", GetProgress(d.Store, d.Log))

		r.With(auth.RequireAdmin).Get("/v1/admin/sessions", SessionStats(d.Hub))
	})
}
