package rest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newAuthServer(t *testing.T) (http.Handler, string, *mockController) {
	t.Helper()
	priv, pub := generateTestKey(t)
	mc := &mockController{}
	h := NewRouter(NewServer(mc), &JWTConfig{
		PublicKey: pub,
		Issuer:    "notifyd-admin",
		Audience:  "notifyd",
		Logger:    quietLogger(),
	})
	return h, "Bearer " + signToken(t, priv, validClaims()), mc
}

// TestRouter_PublicRoutesNoAuth verifies /healthz and /metrics are reachable
// without a JWT.
func TestRouter_PublicRoutesNoAuth(t *testing.T) {
	h, _, _ := newAuthServer(t)
	for _, route := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, route, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", route, rec.Code)
		}
	}
}

// TestRouter_APIRoutesRequireJWT verifies that all /api/v1/* routes return
// 401 when no Authorization header is present.
func TestRouter_APIRoutesRequireJWT(t *testing.T) {
	h, _, mc := newAuthServer(t)

	routes := []struct{ method, target, body string }{
		{http.MethodGet, "/api/v1/watches", ""},
		{http.MethodPost, "/api/v1/watches", `{"path":"/srv"}`},
		{http.MethodDelete, "/api/v1/watches?path=/srv", ""},
		{http.MethodGet, "/api/v1/events", ""},
	}
	for _, rt := range routes {
		req := httptest.NewRequest(rt.method, rt.target, strings.NewReader(rt.body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401 without JWT, got %d", rt.method, rt.target, rec.Code)
		}
	}
	if len(mc.watched)+len(mc.unwatched) != 0 {
		t.Error("controller reached without authentication")
	}
}

// TestRouter_SubjectFromToken verifies that the token subject is passed to
// the controller for auditing.
func TestRouter_SubjectFromToken(t *testing.T) {
	h, bearer, mc := newAuthServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/watches", strings.NewReader(`{"path":"/srv"}`))
	req.Header.Set("Authorization", bearer)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 with valid JWT, got %d; body: %s", rec.Code, rec.Body)
	}
	if len(mc.subjects) != 1 || mc.subjects[0] != "ops@example.com" {
		t.Errorf("subjects = %v, want [ops@example.com]", mc.subjects)
	}
}

func TestRouter_EventStreamMountedBehindJWT(t *testing.T) {
	priv, pub := generateTestKey(t)
	var reached int
	stream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached++
		w.WriteHeader(http.StatusTeapot)
	})
	h := NewRouter(NewServer(&mockController{}, WithEventStream(stream)), &JWTConfig{
		PublicKey: pub,
		Issuer:    "notifyd-admin",
		Audience:  "notifyd",
		Logger:    quietLogger(),
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events/stream", nil))
	if rec.Code != http.StatusUnauthorized || reached != 0 {
		t.Fatalf("without JWT: status %d, reached %d", rec.Code, reached)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/stream", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, priv, validClaims()))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTeapot || reached != 1 {
		t.Errorf("with JWT: status %d, reached %d", rec.Code, reached)
	}
}

func TestRouter_EventStreamAbsentByDefault(t *testing.T) {
	rec := do(newTestServer(&mockController{}), http.MethodGet, "/api/v1/events/stream", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a stream handler, got %d", rec.Code)
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	h := newTestServer(&mockController{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/v1/watches", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}
