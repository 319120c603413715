package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/example/clubhouse/internal/platform/api"
)

const (
	clubIssuer = "clubhouse-auth"
	memberID   = "7d0f6c1e-3b1a-4c55-9d1e-2f4a8b6c0e42"
)

var clubSecret = []byte("clubhouse-progress-signing-key!!")

// memberToken describes the claims a test token is minted with.
type memberToken struct {
	subject string
	role    string
	issuer  string
	expires time.Duration
	method  jwt.SigningMethod
	secret  []byte
}

func (m memberToken) sign(t *testing.T) string {
	t.Helper()
	if m.method == nil {
		m.method = jwt.SigningMethodHS256
	}
	if m.secret == nil {
		m.secret = clubSecret
	}
	if m.expires == 0 {
		m.expires = time.Hour
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   m.subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.expires)),
		},
		Role: m.role,
	}
	signed, err := jwt.NewWithClaims(m.method, claims).SignedString(m.secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func clubVerifier() JWTVerifier {
	return JWTVerifier{Secret: clubSecret, Issuer: clubIssuer, Leeway: 30 * time.Second}
}

func TestJWTVerifier_Parse(t *testing.T) {
	cases := []struct {
		name  string
		token memberToken
		ok    bool
	}{
		{"member token", memberToken{subject: memberID, role: "member", issuer: clubIssuer}, true},
		{"expired within leeway", memberToken{subject: memberID, issuer: clubIssuer, expires: -10 * time.Second}, true},
		{"expired past leeway", memberToken{subject: memberID, issuer: clubIssuer, expires: -time.Minute}, false},
		{"foreign issuer", memberToken{subject: memberID, issuer: "billing"}, false},
		{"no issuer", memberToken{subject: memberID}, false},
		{"other secret", memberToken{subject: memberID, issuer: clubIssuer, secret: []byte("not-the-club-key")}, false},
		{"HS512", memberToken{subject: memberID, issuer: clubIssuer, method: jwt.SigningMethodHS512}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims, err := clubVerifier().Parse(tc.token.sign(t))
			if !tc.ok {
				if err == nil {
					t.Fatal("expected the token to be rejected")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if claims.Subject != tc.token.subject || claims.Role != tc.token.role {
				t.Fatalf("unexpected claims %+v", claims)
			}
		})
	}
}

func TestJWTVerifier_RejectsGarbage(t *testing.T) {
	good := memberToken{subject: memberID, role: "admin", issuer: clubIssuer}.sign(t)
	parts := strings.Split(good, ".")
	for _, tok := range []string{"", "not.a.valid.token", parts[0] + ".eyJzdWIiOiJhZG1pbiJ9." + parts[2]} {
		if _, err := clubVerifier().Parse(tok); err == nil {
			t.Fatalf("expected %q to be rejected", tok)
		}
	}
}

// progressRoutes mirrors how the progress service mounts the middleware:
// every route needs a member, the stats route needs an admin.
func progressRoutes() http.Handler {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(RequireUser(clubVerifier()))
		r.Get("/v1/progress/{video_id}", func(w http.ResponseWriter, r *http.Request) {
			uid, _ := UserIDFromContext(r.Context())
			_, _ = w.Write([]byte(uid))
		})
		r.With(RequireAdmin).Get("/v1/admin/sessions", func(w http.ResponseWriter, r *http.Request) {
			role, _ := RoleFromContext(r.Context())
			_, _ = w.Write([]byte(role))
		})
	})
	return r
}

func TestProgressRoutes_Auth(t *testing.T) {
	member := memberToken{subject: memberID, role: "member", issuer: clubIssuer}
	admin := memberToken{subject: memberID, role: "Admin", issuer: clubIssuer}
	noSubject := memberToken{role: "member", issuer: clubIssuer}

	cases := []struct {
		name   string
		path   string
		authz  string
		status int
		code   string
		body   string
	}{
		{"member reads progress", "/v1/progress/lesson", "Bearer " + member.sign(t), http.StatusOK, "", memberID},
		{"lowercase scheme", "/v1/progress/lesson", "bearer " + member.sign(t), http.StatusOK, "", memberID},
		{"no header", "/v1/progress/lesson", "", http.StatusUnauthorized, "AUTH_MISSING", ""},
		{"basic auth", "/v1/progress/lesson", "Basic bWVtYmVyOnB3", http.StatusUnauthorized, "AUTH_INVALID", ""},
		{"bad token", "/v1/progress/lesson", "Bearer nope", http.StatusUnauthorized, "AUTH_INVALID", ""},
		{"token without subject", "/v1/progress/lesson", "Bearer " + noSubject.sign(t), http.StatusUnauthorized, "AUTH_INVALID", ""},
		{"member on admin route", "/v1/admin/sessions", "Bearer " + member.sign(t), http.StatusForbidden, "ADMIN_ONLY", ""},
		{"admin on admin route", "/v1/admin/sessions", "Bearer " + admin.sign(t), http.StatusOK, "", "Admin"},
	}
	routes := progressRoutes()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.authz != "" {
				req.Header.Set("Authorization", tc.authz)
			}
			rr := httptest.NewRecorder()
			routes.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if tc.code != "" {
				var body api.ErrorResponse
				if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
					t.Fatalf("decode error body: %v", err)
				}
				if body.Error.Code != tc.code {
					t.Fatalf("expected %s, got %q", tc.code, body.Error.Code)
				}
				return
			}
			if rr.Body.String() != tc.body {
				t.Fatalf("expected body %q, got %q", tc.body, rr.Body.String())
			}
		})
	}
}
