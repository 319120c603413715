package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/clubhouse/services/progress/internal/adapter"
)

func setBase(t *testing.T) {
	t.Helper()
	t.Setenv("SERVICE_NAME", "progress")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("APP_ENV", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PROGRESS_PERSIST_STEP", "")
	t.Setenv("PROGRESS_COMPLETE_AT", "")
}

func TestLoad_Defaults(t *testing.T) {
	setBase(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Policy.PersistStep != 10 || cfg.Policy.CompleteAt != 90 {
		t.Fatalf("unexpected policy %+v", cfg.Policy)
	}
	if cfg.SessionIdleTTL != 30*time.Minute || cfg.PollInterval != time.Second {
		t.Fatalf("unexpected timings: idle=%s poll=%s", cfg.SessionIdleTTL, cfg.PollInterval)
	}
	if cfg.WorkerMaxDeliver != 5 {
		t.Fatalf("unexpected worker max deliver %d", cfg.WorkerMaxDeliver)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Fatalf("unexpected breaker config %+v", cfg.Breaker)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setBase(t)
	t.Setenv("PROGRESS_PERSIST_STEP", "5")
	t.Setenv("PROGRESS_COMPLETE_AT", "95")
	t.Setenv("PROGRESS_ASYNC_WRITES", "true")
	t.Setenv("PROGRESS_ALLOWED_ORIGINS", "https://iframe.mediadelivery.net, https://video.example.com")
	t.Setenv("SESSION_IDLE_TTL", "10m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Policy.PersistStep != 5 || cfg.Policy.CompleteAt != 95 {
		t.Fatalf("unexpected policy %+v", cfg.Policy)
	}
	if !cfg.AsyncWrites || cfg.SessionIdleTTL != 10*time.Minute {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://video.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoad_Errors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"missing jwt secret", map[string]string{"JWT_SECRET": ""}},
		{"production without database", map[string]string{"APP_ENV": "production"}},
		{"invalid persist step", map[string]string{"PROGRESS_PERSIST_STEP": "0"}},
		{"invalid completion threshold", map[string]string{"PROGRESS_COMPLETE_AT": "150"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setBase(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadSources_DefaultTable(t *testing.T) {
	backends, err := LoadSources("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(backends) != len(adapter.DefaultBackends()) {
		t.Fatalf("expected built-in table, got %d rows", len(backends))
	}
}

func TestLoadSources_FileRulesComeFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	raw := `
sources:
  - kind: cross-origin-message
    pattern: '^https://video\.example\.com/embed/'
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	backends, err := LoadSources(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(backends) != len(adapter.DefaultBackends())+1 {
		t.Fatalf("expected file rule plus defaults, got %d rows", len(backends))
	}
	reg := adapter.NewRegistry(backends...)
	b, ok := reg.Match("https://video.example.com/embed/42")
	if !ok || b.Kind != adapter.KindCrossOriginMessage {
		t.Fatalf("expected file rule to match, got %+v ok=%v", b, ok)
	}
}

func TestParseSources(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		rows    int
		wantErr bool
	}{
		{"replace defaults", "replace_defaults: true\nsources:\n  - kind: polling-control\n    pattern: '^https://a/'\n", 1, false},
		{"unknown kind", "sources:\n  - kind: flash\n    pattern: '.'\n", 0, true},
		{"bad pattern", "sources:\n  - kind: polling-control\n    pattern: '('\n", 0, true},
		{"empty after replace", "replace_defaults: true\n", 0, true},
		{"not yaml", "sources: [", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSources([]byte(tc.raw))
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if len(got) != tc.rows {
				t.Fatalf("expected %d rows, got %d", tc.rows, len(got))
			}
		})
	}
}
