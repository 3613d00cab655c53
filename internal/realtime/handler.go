package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"civicplan/api/internal/auth"
	"civicplan/api/internal/collab"
	"civicplan/api/internal/events"
	"civicplan/api/internal/metrics"
	"civicplan/api/internal/store"
	"civicplan/api/internal/util"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Inbound message types.
const (
	TypeJoin           = "join"
	TypeLeave          = "leave"
	TypeCursorMove     = "cursor_move"
	TypePresenceUpdate = "presence_update"
	TypeLiveEdit       = "live_edit"
	TypeLockField      = "lock_field"
	TypeUnlockField    = "unlock_field"
	TypePing           = "ping"
)

// Inbound is a message sent by a client.
type Inbound struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the payload of an outbound error envelope.
type ErrorPayload struct {
	RequestID string         `json:"requestId,omitempty"`
	Kind      string         `json:"kind"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// FieldRequest is the payload of lock_field and unlock_field.
type FieldRequest struct {
	Path string `json:"path"`
}

// Engine is the slice of collab.Engine the socket drives.
type Engine interface {
	JoinSession(ctx context.Context, sessionID, userID string) (store.Session, error)
	LeaveSession(ctx context.Context, sessionID, userID string) error
	UpdatePresence(ctx context.Context, userID string, update collab.PresenceUpdate) collab.Presence
	BroadcastEdit(ctx context.Context, edit collab.LiveEdit) (collab.LiveEdit, error)
	LockField(ctx context.Context, sessionID, userID, path string) (collab.FieldLock, error)
	UnlockField(ctx context.Context, sessionID, userID, path string) error
	Disconnect(ctx context.Context, userID string)
}

type HandlerConfig struct {
	Secret            []byte
	MaxMessageBytes   int64
	MessagesPerSecond float64
	// OriginPatterns lists allowed browser origins; "*" accepts any origin.
	OriginPatterns []string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	Metrics        *metrics.Collector
	Logger         zerolog.Logger
	Clock          func() time.Time
}

type Handler struct {
	engine Engine
	hub    *Hub
	cfg    HandlerConfig
}

func NewHandler(engine Engine, hub *Hub, cfg HandlerConfig) *Handler {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 << 10
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 20
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Handler{engine: engine, hub: hub, cfg: cfg}
}

// ServeHTTP authenticates the request from the token query parameter or a
// bearer header, upgrades it and serves the socket until either side closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r.Header.Get("Authorization"))
	}
	claims, err := auth.ParseToken(h.cfg.Secret, token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		h.cfg.Logger.Warn().Err(err).Str("user_id", claims.UserID()).Msg("websocket accept failed")
		return
	}
	ws.SetReadLimit(h.cfg.MaxMessageBytes)

	c := h.hub.newConn(util.NewID("conn"), claims.UserID())
	logger := h.cfg.Logger.With().Str("conn_id", c.id).Str("user_id", c.userID).Logger()
	h.hub.register(c)
	logger.Info().Msg("realtime connection opened")

	ctx, cancel := context.WithCancel(r.Context())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, ws, c, logger)
	}()

	h.readLoop(ctx, ws, c, logger)

	cancel()
	<-writerDone
	if h.hub.unregister(c) == 0 {
		h.engine.Disconnect(context.WithoutCancel(r.Context()), c.userID)
	}
	_ = ws.Close(websocket.StatusNormalClosure, "")
	logger.Info().Msg("realtime connection closed")
}

func (h *Handler) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	for _, pattern := range h.cfg.OriginPatterns {
		if pattern == "*" {
			opts.InsecureSkipVerify = true
			return opts
		}
	}
	opts.OriginPatterns = h.cfg.OriginPatterns
	return opts
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, c *conn, logger zerolog.Logger) {
	burst := int(h.cfg.MessagesPerSecond)
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), burst)

	for {
		var msg Inbound
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				logger.Debug().Err(err).Msg("realtime read ended")
			}
			return
		}
		h.cfg.Metrics.MessageReceived(msg.Type)

		if !limiter.Allow() {
			h.reply(c, msg.SessionID, events.Error, ErrorPayload{
				RequestID: msg.RequestID,
				Kind:      string(collab.KindValidation),
				Code:      "RATE_LIMITED",
				Message:   "Too many messages",
			})
			continue
		}
		h.dispatch(ctx, c, msg)
	}
}

func (h *Handler) writeLoop(ctx context.Context, ws *websocket.Conn, c *conn, logger zerolog.Logger) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logger.Debug().Err(err).Msg("realtime write failed")
				_ = ws.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Debug().Err(err).Msg("realtime ping failed")
				_ = ws.Close(websocket.StatusGoingAway, "ping failed")
				return
			}
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, c *conn, msg Inbound) {
	var err error
	switch msg.Type {
	case TypePing:
		h.reply(c, msg.SessionID, events.Pong, map[string]string{"requestId": msg.RequestID})

	case TypeJoin:
		var session store.Session
		session, err = h.engine.JoinSession(ctx, msg.SessionID, c.userID)
		if err == nil {
			h.reply(c, session.ID, events.SessionState, session)
		}

	case TypeLeave:
		err = h.engine.LeaveSession(ctx, msg.SessionID, c.userID)

	case TypeCursorMove:
		var cursor store.Cursor
		if err = decodePayload(msg.Payload, &cursor); err == nil {
			h.engine.UpdatePresence(ctx, c.userID, collab.PresenceUpdate{SessionID: msg.SessionID, Cursor: &cursor})
		}

	case TypePresenceUpdate:
		var update collab.PresenceUpdate
		if err = decodePayload(msg.Payload, &update); err == nil {
			if update.SessionID == "" {
				update.SessionID = msg.SessionID
			}
			h.engine.UpdatePresence(ctx, c.userID, update)
		}

	case TypeLiveEdit:
		var edit collab.LiveEdit
		if err = decodePayload(msg.Payload, &edit); err == nil {
			edit.SessionID = msg.SessionID
			edit.UserID = c.userID
			_, err = h.engine.BroadcastEdit(ctx, edit)
		}

	case TypeLockField:
		var req FieldRequest
		if err = decodePayload(msg.Payload, &req); err == nil {
			var lock collab.FieldLock
			lock, err = h.engine.LockField(ctx, msg.SessionID, c.userID, req.Path)
			if err == nil {
				h.reply(c, msg.SessionID, events.FieldLocked, lock)
			}
		}

	case TypeUnlockField:
		var req FieldRequest
		if err = decodePayload(msg.Payload, &req); err == nil {
			err = h.engine.UnlockField(ctx, msg.SessionID, c.userID, req.Path)
		}

	default:
		err = collab.Invalid("UNKNOWN_MESSAGE_TYPE", "Unknown message type").WithDetails(map[string]any{"type": msg.Type})
	}

	if err != nil {
		h.reply(c, msg.SessionID, events.Error, errorPayload(msg.RequestID, err))
	}
}

// reply queues an envelope on the originating connection only.
func (h *Handler) reply(c *conn, sessionID, eventType string, payload any) {
	data, err := json.Marshal(events.NewEnvelope(eventType, sessionID, payload, h.cfg.Clock()))
	if err != nil {
		h.cfg.Logger.Error().Err(err).Str("event", eventType).Msg("encode reply")
		return
	}
	select {
	case c.send <- data:
		h.cfg.Metrics.MessageSent(eventType)
	default:
		h.cfg.Metrics.MessageDropped(eventType)
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return collab.Invalid("PAYLOAD_REQUIRED", "Message payload is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return collab.Invalid("INVALID_PAYLOAD", "Message payload is malformed")
	}
	return nil
}

func errorPayload(requestID string, err error) ErrorPayload {
	var engineErr *collab.Error
	if errors.As(err, &engineErr) {
		return ErrorPayload{
			RequestID: requestID,
			Kind:      string(engineErr.Kind),
			Code:      engineErr.Code,
			Message:   engineErr.Message,
			Details:   engineErr.Details,
		}
	}
	return ErrorPayload{RequestID: requestID, Kind: string(collab.KindServer), Code: "SERVER_ERROR", Message: "Server error"}
}
