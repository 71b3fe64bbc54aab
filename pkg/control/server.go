// Copyright (c) Pinhole Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RafeLoya/pinhole/pkg/errors"
	"github.com/RafeLoya/pinhole/pkg/handler"
	"github.com/RafeLoya/pinhole/pkg/metrics"
	"github.com/RafeLoya/pinhole/pkg/session"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = stderrors.New("shutdown timeout exceeded")

const (
	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultNotifyBuffer is the default per-connection notification queue depth.
	DefaultNotifyBuffer = 8

	// MaxLineLength bounds a single control line.
	MaxLineLength = 1024
)

// Wire replies and notifications of the control protocol.
const (
	replyJoined       = "OK: joined session\n"
	replySessionFull  = "ERROR: session full\n"
	replyAlreadyIn    = "ERROR: already in session\n"
	replyJoinRejected = "ERROR: join rejected\n"

	notifyConnected    = "CONNECTED\n"
	notifyDisconnected = "DISCONNECTED\n"
)

// Config holds the control-plane server configuration.
type Config struct {
	// Address is the TCP listen address (host:port)
	Address string

	// ShutdownTimeout is the maximum time to wait for active connections
	// to drain during graceful shutdown
	ShutdownTimeout time.Duration

	// NotifyBuffer is the per-connection notification queue depth
	NotifyBuffer int

	// Logger for server events
	Logger *slog.Logger

	// Metrics is optional control-plane instrumentation
	Metrics *metrics.Metrics
}

// Server is the TCP control plane: one task per accepted connection,
// driving the session registry from parsed control messages and pushing
// lifecycle notifications back to clients.
type Server struct {
	config   Config
	registry *session.Registry
	handler  handler.Handler
	wg       sync.WaitGroup

	mu       sync.Mutex
	conns    map[*connNotifier]struct{}
	listener net.Listener
}

// New creates a new control server over the given registry.
func New(cfg Config, registry *session.Registry, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.NotifyBuffer == 0 {
		cfg.NotifyBuffer = DefaultNotifyBuffer
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	return &Server{
		config:   cfg,
		registry: registry,
		handler:  h,
		conns:    make(map[*connNotifier]struct{}),
	}
}

// Listen starts the control server and blocks until the context is
// cancelled. It implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.config.Logger.Info("TCP control channel listening",
		slog.String("address", listener.Addr().String()))

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
					s.config.Logger.Error("failed to accept connection",
						slog.String("error", err.Error()))
					continue
				}
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(ctx, conn)
			}()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing control listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	// Wait for active connections to drain with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all control connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		s.closeAll()
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

// Addr returns the bound listen address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// closeAll force-closes every tracked connection.
func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for n := range s.conns {
		_ = n.Close()
	}
}

func (s *Server) track(n *connNotifier) {
	s.mu.Lock()
	s.conns[n] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(n *connNotifier) {
	s.mu.Lock()
	delete(s.conns, n)
	s.mu.Unlock()
}

// handleConn runs the read loop for one control connection. Messages from
// a single connection are processed strictly in arrival order; no message
// is processed after close is observed.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	clientID := conn.RemoteAddr().String()
	traceID := uuid.New().String()
	logger := s.config.Logger.With(
		slog.String("client", clientID),
		slog.String("trace", traceID))

	logger.Info("New TCP control connection")
	if s.config.Metrics != nil {
		s.config.Metrics.ControlConnectionsTotal.Inc()
		s.config.Metrics.ControlConnectionsActive.Inc()
		defer s.config.Metrics.ControlConnectionsActive.Dec()
	}

	notifier := newConnNotifier(conn, s.config.NotifyBuffer, logger, s.config.Metrics)
	s.track(notifier)
	go notifier.run()

	hctx := &handler.Context{
		TraceID:    traceID,
		ClientID:   clientID,
		RemoteAddr: clientID,
		Channel:    "control",
	}

	joined := false
	defer func() {
		s.untrack(notifier)
		_ = notifier.Close()
		if joined {
			s.teardown(ctx, hctx, "close")
		}
		logger.Info("TCP control connection closed")
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, MaxLineLength), MaxLineLength)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := ParseMessage(scanner.Text())
		if err != nil {
			logger.Warn("closing connection on protocol error",
				slog.String("error", err.Error()))
			if s.config.Metrics != nil {
				s.config.Metrics.ProtocolErrorsTotal.Inc()
			}
			return
		}

		switch msg.Verb {
		case VerbJoin:
			stop := s.handleJoin(ctx, conn, notifier, hctx, msg, &joined, logger)
			if stop {
				return
			}
		case VerbDisconnect:
			if joined {
				s.teardown(ctx, hctx, "disconnect")
				joined = false
			}
			return
		}
	}

	if err := scanner.Err(); err != nil && !stderrors.Is(err, net.ErrClosed) {
		logger.Debug("control read error", slog.String("error", err.Error()))
	}
}

// handleJoin drives the registry for one JOIN message. It returns true
// when the connection must be closed (rejection or protocol violation).
func (s *Server) handleJoin(ctx context.Context, conn net.Conn, notifier *connNotifier, hctx *handler.Context, msg Message, joined *bool, logger *slog.Logger) bool {
	logger.Info(fmt.Sprintf("JOIN %s", msg.SessionID))

	if *joined {
		s.reply(conn, replyAlreadyIn, logger)
		logger.Warn("rejected JOIN from already joined client",
			slog.String("session", msg.SessionID))
		return true
	}

	if err := s.handler.AuthJoin(ctx, hctx, msg.SessionID); err != nil {
		s.reply(conn, replyJoinRejected, logger)
		logger.Warn("JOIN rejected by handler",
			slog.String("session", msg.SessionID),
			slog.String("error", err.Error()))
		return true
	}

	peer := session.NewPeer(hctx.ClientID, hctx.TraceID, notifier)
	res, err := s.registry.Join(msg.SessionID, peer)
	if err != nil {
		switch {
		case stderrors.Is(err, errors.ErrSessionFull):
			s.reply(conn, replySessionFull, logger)
			logger.Warn("rejected JOIN to full session",
				slog.String("session", msg.SessionID))
		case stderrors.Is(err, errors.ErrAlreadyJoined):
			s.reply(conn, replyAlreadyIn, logger)
		default:
			logger.Error("join failed",
				slog.String("session", msg.SessionID),
				slog.String("error", err.Error()))
		}
		return true
	}

	*joined = true
	hctx.SessionID = msg.SessionID
	s.reply(conn, replyJoined, logger)
	logger.Info(fmt.Sprintf("client %s joined session %s", hctx.ClientID, msg.SessionID))

	if err := s.handler.OnJoin(ctx, hctx); err != nil {
		logger.Error("join handler error", slog.String("error", err.Error()))
	}

	if res.State == session.StateConnected {
		logger.Info(fmt.Sprintf("Session %s marked connected", msg.SessionID))

		if err := notifier.Notify(session.NotifyConnected); err != nil {
			logger.Warn("lost CONNECTED notification",
				slog.String("error", err.Error()))
		}
		if res.Partner.Control != nil {
			if err := res.Partner.Control.Notify(session.NotifyConnected); err != nil {
				// Partner already gone between pairing and notification:
				// logged as a lost notification, never aborts the session.
				logger.Warn("lost CONNECTED notification to partner",
					slog.String("partner", res.Partner.ID),
					slog.String("error", err.Error()))
			}
		}

		partnerCtx := &handler.Context{
			TraceID:    res.Partner.TraceID,
			SessionID:  msg.SessionID,
			ClientID:   res.Partner.ID,
			RemoteAddr: res.Partner.ID,
			Channel:    "control",
		}
		if err := s.handler.OnPair(ctx, hctx, partnerCtx); err != nil {
			logger.Error("pair handler error", slog.String("error", err.Error()))
		}
	}

	return false
}

// teardown removes the peer and fires OnDisconnect when this call won the
// removal race.
func (s *Server) teardown(ctx context.Context, hctx *handler.Context, trigger string) {
	res := s.registry.Teardown(hctx.ClientID, trigger)
	if res.Peer == nil {
		return
	}
	if s.config.Metrics != nil {
		s.config.Metrics.CleanupsTotal.WithLabelValues(trigger).Inc()
	}
	if err := s.handler.OnDisconnect(ctx, hctx); err != nil {
		s.config.Logger.Error("disconnect handler error",
			slog.String("client", hctx.ClientID),
			slog.String("error", err.Error()))
	}
}

func (s *Server) reply(conn net.Conn, line string, logger *slog.Logger) {
	if _, err := conn.Write([]byte(line)); err != nil {
		logger.Debug("failed to write reply", slog.String("error", err.Error()))
	}
}

// connNotifier is the Notifier owned by one control-connection task. A
// dedicated writer goroutine drains the notification queue so lifecycle
// pushes from other peers' tasks never block on this client's socket.
type connNotifier struct {
	conn    net.Conn
	ch      chan session.Notification
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ session.Notifier = (*connNotifier)(nil)

func newConnNotifier(conn net.Conn, buffer int, logger *slog.Logger, m *metrics.Metrics) *connNotifier {
	return &connNotifier{
		conn:    conn,
		ch:      make(chan session.Notification, buffer),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: m,
	}
}

// Notify queues a lifecycle notification. Delivery is at-most-once and
// best-effort: a closed connection or a full queue yields an error, never
// a retry.
func (n *connNotifier) Notify(msg session.Notification) error {
	select {
	case <-n.done:
		return errors.ErrConnectionClosed
	default:
	}
	select {
	case n.ch <- msg:
		return nil
	case <-n.done:
		return errors.ErrConnectionClosed
	default:
		if n.metrics != nil {
			n.metrics.NotificationsTotal.WithLabelValues(msg.String(), "dropped").Inc()
		}
		return errors.Wrap(errors.ErrConnectionClosed, "notification queue full")
	}
}

// Close terminates the connection and the writer goroutine. Idempotent.
func (n *connNotifier) Close() error {
	n.once.Do(func() {
		close(n.done)
		_ = n.conn.Close()
	})
	return nil
}

func (n *connNotifier) run() {
	for {
		select {
		case <-n.done:
			return
		case msg := <-n.ch:
			var line string
			switch msg {
			case session.NotifyConnected:
				line = notifyConnected
			case session.NotifyDisconnected:
				line = notifyDisconnected
			default:
				continue
			}
			if _, err := n.conn.Write([]byte(line)); err != nil {
				n.logger.Warn("failed to deliver notification",
					slog.String("error", err.Error()))
				if n.metrics != nil {
					n.metrics.NotificationsTotal.WithLabelValues(msg.String(), "failed").Inc()
				}
				_ = n.Close()
				return
			}
			if n.metrics != nil {
				n.metrics.NotificationsTotal.WithLabelValues(msg.String(), "sent").Inc()
			}
			n.logger.Info(fmt.Sprintf("%s notification sent", msg.String()))
		}
	}
}
