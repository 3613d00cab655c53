// Package realtime is the WebSocket transport of the collaboration engine.
// The Hub keys open connections by user id and implements collab.Transport;
// the Handler authenticates sockets and dispatches inbound messages.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"civicplan/api/internal/events"
	"civicplan/api/internal/metrics"
	"github.com/rs/zerolog"
)

const defaultSendBuffer = 64

var ErrNotConnected = errors.New("user not connected")

type conn struct {
	id     string
	userID string
	send   chan []byte
}

type Hub struct {
	metrics    *metrics.Collector
	logger     zerolog.Logger
	sendBuffer int

	mu    sync.RWMutex
	conns map[string]map[*conn]struct{}
}

type HubOption func(*Hub)

func WithHubMetrics(collector *metrics.Collector) HubOption {
	return func(h *Hub) { h.metrics = collector }
}

func WithHubLogger(logger zerolog.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

// WithSendBuffer sets how many outbound messages a slow connection may queue
// before further messages to it are dropped.
func WithSendBuffer(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.sendBuffer = size
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		logger:     zerolog.Nop(),
		sendBuffer: defaultSendBuffer,
		conns:      make(map[string]map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send queues envelope on every connection of userID. A connection whose
// buffer is full misses the message; the others still receive it.
func (h *Hub) Send(_ context.Context, userID string, envelope events.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", envelope.Type, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	targets := h.conns[userID]
	if len(targets) == 0 {
		return ErrNotConnected
	}
	dropped := 0
	for c := range targets {
		select {
		case c.send <- data:
			h.metrics.MessageSent(envelope.Type)
		default:
			dropped++
			h.metrics.MessageDropped(envelope.Type)
			h.logger.Warn().Str("user_id", userID).Str("conn_id", c.id).Str("event", envelope.Type).Msg("send buffer full, message dropped")
		}
	}
	if dropped == len(targets) {
		return fmt.Errorf("deliver %s to %s: all %d connections saturated", envelope.Type, userID, dropped)
	}
	return nil
}

// Connected reports whether userID has at least one open connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

// Connections counts open connections across all users.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, set := range h.conns {
		total += len(set)
	}
	return total
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	set, ok := h.conns[c.userID]
	if !ok {
		set = make(map[*conn]struct{})
		h.conns[c.userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.ConnectionOpened()
}

// unregister removes c and returns how many connections its user still has.
func (h *Hub) unregister(c *conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.userID]
	if !ok {
		return 0
	}
	if _, present := set[c]; !present {
		return len(set)
	}
	delete(set, c)
	h.metrics.ConnectionClosed()
	if len(set) == 0 {
		delete(h.conns, c.userID)
		return 0
	}
	return len(set)
}

func (h *Hub) newConn(id, userID string) *conn {
	return &conn{id: id, userID: userID, send: make(chan []byte, h.sendBuffer)}
}
