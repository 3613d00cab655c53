// Package app is the REST surface over the collaboration engine.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"civicplan/api/internal/attachments"
	"civicplan/api/internal/auth"
	"civicplan/api/internal/collab"
	"civicplan/api/internal/metrics"
	"civicplan/api/internal/search"
	"civicplan/api/internal/store"
	"github.com/rs/zerolog"
)

// Session identifies the caller of an authenticated request.
type Session struct {
	UserID   string
	UserName string
	Handle   string
	Role     string
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type AttachmentStore interface {
	Put(ctx context.Context, up attachments.Upload) (store.Attachment, error)
	PresignedURL(ctx context.Context, key string) (string, error)
}

type Options struct {
	Secret     []byte
	CORSOrigin string
	Logger     zerolog.Logger
	Metrics    *metrics.Collector
	// Realtime serves /api/ws outside the JSON middleware.
	Realtime    http.Handler
	Search      Searcher
	Attachments AttachmentStore
	// Checks are pinged by /api/ready, keyed by dependency name.
	Checks map[string]Pinger
}

type HTTPServer struct {
	engine      *collab.Engine
	secret      []byte
	corsOrigin  string
	logger      zerolog.Logger
	metrics     *metrics.Collector
	realtime    http.Handler
	search      Searcher
	attachments AttachmentStore
	checks      map[string]Pinger
}

func NewHTTPServer(engine *collab.Engine, opts Options) *HTTPServer {
	corsOrigin := opts.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	return &HTTPServer{
		engine:      engine,
		secret:      opts.Secret,
		corsOrigin:  corsOrigin,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		realtime:    opts.Realtime,
		search:      opts.Search,
		attachments: opts.Attachments,
		checks:      opts.Checks,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	api := s.withMiddleware(http.HandlerFunc(s.handle))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/ws":
			if s.realtime != nil {
				s.realtime.ServeHTTP(w, r)
				return
			}
		case "/metrics":
			s.metrics.Handler().ServeHTTP(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "me" {
		writeJSON(w, http.StatusOK, map[string]any{
			"userId":   session.UserID,
			"userName": session.UserName,
			"handle":   session.Handle,
			"role":     session.Role,
		})
		return
	}

	switch parts[1] {
	case "sessions":
		s.handleSessions(w, r, session, parts[2:])
	case "presence":
		s.handlePresence(w, r, session, parts[2:])
	case "resources":
		s.handleResources(w, r, session, parts[2:])
	case "comments":
		s.handleComments(w, r, session, parts[2:])
	case "attachments":
		s.handleAttachmentLink(w, r, parts[2:])
	case "notifications":
		s.handleNotifications(w, r, session, parts[2:])
	case "users":
		s.handleUsers(w, r, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			ResourceType store.ResourceType `json:"resourceType"`
			ResourceID   string             `json:"resourceId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.engine.CreateSession(r.Context(), body.ResourceID, body.ResourceType, session.UserID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
		return
	}

	sessionID := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		found, err := s.engine.Session(r.Context(), sessionID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, found)
	case len(parts) == 2 && parts[1] == "join" && r.Method == http.MethodPost:
		joined, err := s.engine.JoinSession(r.Context(), sessionID, session.UserID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, joined)
	case len(parts) == 2 && parts[1] == "leave" && r.Method == http.MethodPost:
		if err := s.engine.LeaveSession(r.Context(), sessionID, session.UserID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case len(parts) == 2 && parts[1] == "locks" && r.Method == http.MethodGet:
		if _, err := s.engine.Session(r.Context(), sessionID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(s.engine.FieldLocks(sessionID))})
	case len(parts) == 2 && parts[1] == "activity" && r.Method == http.MethodGet:
		items, err := s.engine.ActivityForSession(r.Context(), sessionID, queryInt(r, "limit", 0))
		if err != nil {
			s.fail(w, err)
			return
		}
		s.writeActivity(w, r, items)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodPut:
		var update collab.PresenceUpdate
		if err := decodeBody(r, &update); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, s.engine.UpdatePresence(r.Context(), session.UserID, update))
	case len(parts) == 1 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.engine.PresenceOf(parts[0]))
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) != 2 || parts[1] != "activity" || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	items, err := s.engine.ActivityForUser(r.Context(), parts[0], queryInt(r, "limit", 0))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeActivity(w, r, items)
}

// writeActivity renders a feed, grouped by calendar day in ?tz when
// ?group=day is set.
func (s *HTTPServer) writeActivity(w http.ResponseWriter, r *http.Request, items []store.ActivityItem) {
	items = nonNil(items)
	if r.URL.Query().Get("group") != "day" {
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}
	loc := time.UTC
	if tz := strings.TrimSpace(r.URL.Query().Get("tz")); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "INVALID_TIMEZONE", "Unknown time zone", map[string]any{"tz": tz})
			return
		}
		loc = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": nonNil(collab.GroupActivityByDay(items, loc))})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return Session{
		UserID:   claims.UserID(),
		UserName: claims.Name,
		Handle:   claims.Handle,
		Role:     claims.Role,
	}, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("code", code).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.metrics.HTTPRequest(r.Method, writer.status)
		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
