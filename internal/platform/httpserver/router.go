package httpserver

import (
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterConfig customizes SetupRouter. The zero value is valid.
type RouterConfig struct {
	// ReadyFunc backs /readyz; nil means always ready.
	ReadyFunc func() error
	// Logger enables access logging when set.
	Logger *zap.Logger
	// AllowedOrigins overrides CORS_ALLOWED_ORIGINS.
	AllowedOrigins []string
}

// SetupRouter attaches base middlewares and common endpoints.
// IMPORTANT: must be called before registering any routes.
func SetupRouter(r chi.Router, cfgs ...RouterConfig) {
	var cfg RouterConfig
	if len(cfgs) > 0 {
		cfg = cfgs[0]
	}

	r.Use(RequestIDMiddleware(RequestIDHeader))
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(AccessLog(cfg.Logger))
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = parseCORSOrigins(os.Getenv("CORS_ALLOWED_ORIGINS"))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if cfg.ReadyFunc != nil {
			if err := cfg.ReadyFunc(); err != nil {
				http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
}

// parseCORSOrigins splits a comma-separated origin list; empty means "*".
func parseCORSOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
