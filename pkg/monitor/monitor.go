// Copyright (c) Pinhole Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RafeLoya/pinhole/pkg/handler"
)

// Event is one session lifecycle event pushed to observers.
type Event struct {
	Type      string    `json:"type"` // join, pair, learn, disconnect
	SessionID string    `json:"session_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	// sendBuffer is the per-observer event queue depth; a full queue
	// drops the observer rather than block the data path.
	sendBuffer = 64

	writeWait = 5 * time.Second
)

// Hub broadcasts session lifecycle events to WebSocket observers.
type Hub struct {
	mu        sync.Mutex
	observers map[*observer]struct{}
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

type observer struct {
	conn *websocket.Conn
	send chan Event
}

// NewHub creates an event hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		observers: make(map[*observer]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Observers are operator tooling on the ops port, not
			// browser clients of the relay itself.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Publish fans an event out to all observers. Never blocks: observers
// that cannot keep up are disconnected.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for o := range h.observers {
		select {
		case o.send <- ev:
		default:
			delete(h.observers, o)
			close(o.send)
			h.logger.Warn("dropping slow monitor observer",
				slog.String("remote", o.conn.RemoteAddr().String()))
		}
	}
}

// Handler upgrades HTTP requests to WebSocket observer connections.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("monitor upgrade failed", slog.String("error", err.Error()))
			return
		}

		o := &observer{
			conn: conn,
			send: make(chan Event, sendBuffer),
		}

		h.mu.Lock()
		h.observers[o] = struct{}{}
		h.mu.Unlock()
		h.logger.Info("monitor observer connected",
			slog.String("remote", conn.RemoteAddr().String()))

		go o.writeLoop()
		o.readLoop(h)
	}
}

// Close disconnects all observers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for o := range h.observers {
		delete(h.observers, o)
		close(o.send)
	}
}

func (o *observer) writeLoop() {
	defer o.conn.Close()
	for ev := range o.send {
		o.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := o.conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// readLoop drains (and discards) client frames so pings and close frames
// are processed; the feed is one-way.
func (o *observer) readLoop(h *Hub) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.observers[o]; ok {
			delete(h.observers, o)
			close(o.send)
		}
		h.mu.Unlock()
		o.conn.Close()
	}()

	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// EventHandler is a handler.Handler wrapper that feeds lifecycle events
// into the hub while delegating to the wrapped handler.
type EventHandler struct {
	next handler.Handler
	hub  *Hub
}

var _ handler.Handler = (*EventHandler)(nil)

// NewEventHandler wraps next with event publication.
func NewEventHandler(next handler.Handler, hub *Hub) *EventHandler {
	if next == nil {
		next = &handler.NoopHandler{}
	}
	return &EventHandler{next: next, hub: hub}
}

func (h *EventHandler) AuthJoin(ctx context.Context, hctx *handler.Context, sessionID string) error {
	return h.next.AuthJoin(ctx, hctx, sessionID)
}

func (h *EventHandler) OnJoin(ctx context.Context, hctx *handler.Context) error {
	h.hub.Publish(Event{
		Type:      "join",
		SessionID: hctx.SessionID,
		ClientID:  hctx.ClientID,
		Timestamp: time.Now(),
	})
	return h.next.OnJoin(ctx, hctx)
}

func (h *EventHandler) OnPair(ctx context.Context, hctx *handler.Context, partner *handler.Context) error {
	h.hub.Publish(Event{
		Type:      "pair",
		SessionID: hctx.SessionID,
		ClientID:  hctx.ClientID,
		Timestamp: time.Now(),
	})
	return h.next.OnPair(ctx, hctx, partner)
}

func (h *EventHandler) OnLearn(ctx context.Context, hctx *handler.Context, addr string) error {
	h.hub.Publish(Event{
		Type:      "learn",
		SessionID: hctx.SessionID,
		ClientID:  hctx.ClientID,
		Endpoint:  addr,
		Timestamp: time.Now(),
	})
	return h.next.OnLearn(ctx, hctx, addr)
}

func (h *EventHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	h.hub.Publish(Event{
		Type:      "disconnect",
		SessionID: hctx.SessionID,
		ClientID:  hctx.ClientID,
		Timestamp: time.Now(),
	})
	return h.next.OnDisconnect(ctx, hctx)
}
