package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"civicplan/api/internal/auth"
	"civicplan/api/internal/collab"
	"civicplan/api/internal/collab/collabtest"
	"civicplan/api/internal/metrics"
	"civicplan/api/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSecret = []byte("app-test-secret")
	ana        = store.User{ID: "u-ana", Handle: "ana", DisplayName: "Ana Ruiz", Email: "ana@example.gov", Role: "editor"}
	ben        = store.User{ID: "u-ben", Handle: "ben", DisplayName: "Ben Ortiz", Email: "ben@example.gov", Role: "editor"}
	clerk      = store.User{ID: "u-clerk", Handle: "clerk", DisplayName: "City Clerk", Email: "clerk@example.gov", Role: roleAdmin}
)

type fakePinger struct {
	pingFn func(context.Context) error
}

func (f fakePinger) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type harness struct {
	server  *HTTPServer
	handler http.Handler
	engine  *collab.Engine
	store   *collabtest.Store
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	st := collabtest.NewStore(ana, ben, clerk)
	engine := collab.New(st)
	t.Cleanup(engine.Shutdown)
	opts.Secret = testSecret
	server := NewHTTPServer(engine, opts)
	return &harness{server: server, handler: server.Handler(), engine: engine, store: st}
}

func tokenFor(t *testing.T, user store.User) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, user.ID, user.DisplayName, user.Handle, user.Role, time.Hour)
	require.NoError(t, err)
	return token
}

func (h *harness) do(t *testing.T, user *store.User, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != nil {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, *user))
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "body=%s", rr.Body.String())
	return out
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, Options{})
	rr := h.do(t, nil, http.MethodGet, "/api/health", "")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode[map[string]any](t, rr)["ok"])
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]Pinger
		wantStatus int
		wantReady  bool
	}{
		{
			name:       "all dependencies up",
			checks:     map[string]Pinger{"database": fakePinger{}, "redis": fakePinger{}},
			wantStatus: http.StatusOK,
			wantReady:  true,
		},
		{
			name: "database down",
			checks: map[string]Pinger{
				"database": fakePinger{pingFn: func(context.Context) error { return errors.New("connection refused") }},
				"redis":    fakePinger{},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantReady:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{Checks: tt.checks})
			rr := h.do(t, nil, http.MethodGet, "/api/ready", "")
			require.Equal(t, tt.wantStatus, rr.Code)

			payload := decode[map[string]any](t, rr)
			assert.Equal(t, tt.wantReady, payload["ok"])
			checks := payload["checks"].(map[string]any)
			assert.Len(t, checks, 2)
			if !tt.wantReady {
				db := checks["database"].(map[string]any)
				assert.Equal(t, "error", db["status"])
				assert.Equal(t, "connection refused", db["error"])
			}
		})
	}
}

func TestAuthenticatedRoutesRequireToken(t *testing.T) {
	h := newHarness(t, Options{})

	rr := h.do(t, nil, http.MethodGet, "/api/notifications", "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "UNAUTHORIZED", decode[map[string]any](t, rr)["code"])

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	bad := httptest.NewRecorder()
	h.handler.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusUnauthorized, bad.Code)

	expired, err := auth.IssueToken(testSecret, ana.ID, ana.DisplayName, ana.Handle, ana.Role, -time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	old := httptest.NewRecorder()
	h.handler.ServeHTTP(old, req)
	assert.Equal(t, http.StatusUnauthorized, old.Code)
}

func TestMeReturnsTokenIdentity(t *testing.T) {
	h := newHarness(t, Options{})
	rr := h.do(t, &ana, http.MethodGet, "/api/me", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]any{
		"userId":   "u-ana",
		"userName": "Ana Ruiz",
		"handle":   "ana",
		"role":     "editor",
	}, decode[map[string]any](t, rr))
}

func TestUnknownRouteAndPreflight(t *testing.T) {
	h := newHarness(t, Options{})

	assert.Equal(t, http.StatusNotFound, h.do(t, &ana, http.MethodGet, "/api/nope", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, nil, http.MethodGet, "/elsewhere", "").Code)
	assert.Equal(t, http.StatusNoContent, h.do(t, nil, http.MethodOptions, "/api/comments/x", "").Code)
}

func TestMetricsEndpointAndRequestCounting(t *testing.T) {
	collector := metrics.New()
	h := newHarness(t, Options{Metrics: collector})

	h.do(t, nil, http.MethodGet, "/api/health", "")
	h.do(t, nil, http.MethodGet, "/api/notifications", "")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.HTTPRequests.WithLabelValues("GET", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.HTTPRequests.WithLabelValues("GET", "4xx")))

	rr := h.do(t, nil, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "civicplan_http_requests_total")
}

func TestRealtimeRouteBypassesMiddleware(t *testing.T) {
	served := false
	h := newHarness(t, Options{Realtime: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		served = true
		w.WriteHeader(http.StatusTeapot)
	})})

	rr := h.do(t, nil, http.MethodGet, "/api/ws?token=x", "")
	assert.True(t, served)
	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Empty(t, rr.Header().Get("X-Request-ID"))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "not found", err: collab.NotFound("SESSION_NOT_FOUND", "Session not found"), wantStatus: http.StatusNotFound, wantCode: "SESSION_NOT_FOUND"},
		{name: "forbidden", err: collab.Forbidden("NOT_AUTHOR", "Only the author"), wantStatus: http.StatusForbidden, wantCode: "NOT_AUTHOR"},
		{name: "gone", err: collab.Gone("SESSION_EXPIRED", "Session expired"), wantStatus: http.StatusGone, wantCode: "SESSION_EXPIRED"},
		{name: "validation", err: collab.Invalid("CONTENT_REQUIRED", "Content required"), wantStatus: http.StatusUnprocessableEntity, wantCode: "CONTENT_REQUIRED"},
		{name: "server kind", err: &collab.Error{Kind: collab.KindServer, Code: "SERVER_ERROR", Message: "Server error"}, wantStatus: http.StatusInternalServerError, wantCode: "SERVER_ERROR"},
		{name: "domain", err: domainError(http.StatusConflict, "CONFLICT", "Conflict", nil), wantStatus: http.StatusConflict, wantCode: "CONFLICT"},
		{name: "token", err: auth.ErrExpiredToken, wantStatus: http.StatusUnauthorized, wantCode: "UNAUTHORIZED"},
		{name: "unknown", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: "SERVER_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, _, _ := mapError(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}
