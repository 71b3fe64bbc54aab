// Copyright (c) Pinhole Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/RafeLoya/pinhole/pkg/control"
	"github.com/RafeLoya/pinhole/pkg/errors"
	"github.com/RafeLoya/pinhole/pkg/handler"
	"github.com/RafeLoya/pinhole/pkg/metrics"
	"github.com/RafeLoya/pinhole/pkg/session"
)

const (
	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// MinFrameSize is the smallest payload datagram the relay accepts;
	// anything shorter that is not a registration frame is noise.
	MinFrameSize = 16
)

// regPrefix opens a registration datagram: "REG <session_id>\n".
var regPrefix = []byte("REG ")

// Config holds the UDP relay configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// BufferSize is the size of datagram read buffers in bytes.
	// If 0, uses MaxDatagramSize. Must not exceed MaxDatagramSize.
	BufferSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// Logger for relay events
	Logger *slog.Logger

	// Metrics is optional relay instrumentation
	Metrics *metrics.Metrics
}

// Server is the UDP relay: a single shared socket that learns each peer's
// public endpoint from its registration datagram and forwards every
// subsequent datagram verbatim to the session partner's learned endpoint.
type Server struct {
	config     Config
	registry   *session.Registry
	handler    handler.Handler
	bufferPool *sync.Pool

	mu   sync.Mutex
	conn *net.UDPConn
}

// New creates a new UDP relay over the given registry.
func New(cfg Config, registry *session.Registry, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufferSize == 0 || cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	bufferPool := &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, cfg.BufferSize)
			return &buf
		},
	}

	return &Server{
		config:     cfg,
		registry:   registry,
		handler:    h,
		bufferPool: bufferPool,
	}
}

// Listen starts the relay read loop and blocks until the context is
// cancelled. Datagrams are classified and forwarded inline, one at a
// time, so the relay never reorders traffic within a flow.
func (s *Server) Listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", s.config.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if s.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			s.config.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if s.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			s.config.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	s.config.Logger.Info("UDP relay started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize))

	// Unblock the read loop on shutdown
	readDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-readDone:
		}
	}()

	defer close(readDone)
	for {
		bufPtr := s.bufferPool.Get().(*[]byte)
		buffer := *bufPtr

		n, src, err := conn.ReadFromUDP(buffer)
		if err != nil {
			s.bufferPool.Put(bufPtr)
			select {
			case <-ctx.Done():
				// Expected error during shutdown
				s.config.Logger.Info("UDP relay stopped")
				return nil
			default:
				if stderrors.Is(err, net.ErrClosed) {
					return nil
				}
				s.config.Logger.Error("failed to read UDP datagram",
					slog.String("error", err.Error()))
				continue
			}
		}

		s.handleDatagram(ctx, conn, src, buffer[:n])
		s.bufferPool.Put(bufPtr)
	}
}

// Addr returns the bound UDP address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// handleDatagram classifies one datagram by source address: registration
// frames bind endpoints, everything else is forwarded to the partner.
func (s *Server) handleDatagram(ctx context.Context, conn *net.UDPConn, src *net.UDPAddr, data []byte) {
	if bytes.HasPrefix(data, regPrefix) {
		s.handleRegister(ctx, src, data)
		return
	}

	if len(data) < MinFrameSize {
		s.config.Logger.Warn("received invalid frame size",
			slog.Int("bytes", len(data)),
			slog.String("source", src.String()))
		s.drop("invalid_size")
		return
	}

	sender, target, err := s.registry.PartnerEndpoint(src.String())
	if err != nil {
		s.config.Logger.Warn("No peer found for UDP source",
			slog.String("source", src.String()),
			slog.String("reason", err.Error()))
		s.drop("no_peer")
		return
	}

	sender.UpdateActivity()

	// Pure store-and-forward: the payload is opaque and sent verbatim.
	if _, err := conn.WriteToUDP(data, target); err != nil {
		s.config.Logger.Warn("failed to forward frame",
			slog.String("target", target.String()),
			slog.String("error", err.Error()))
		s.drop("write_error")
		return
	}

	if s.config.Metrics != nil {
		s.config.Metrics.DatagramsForwarded.Inc()
		s.config.Metrics.BytesRelayed.Add(float64(len(data)))
	}
	s.config.Logger.Debug("forwarded frame",
		slog.Int("bytes", len(data)),
		slog.String("from", src.String()),
		slog.String("to", target.String()))
}

// handleRegister binds the datagram's source address as the peer's learned
// endpoint. A duplicate registration from an already learned address is
// ignored, so clients may resend until media starts flowing.
func (s *Server) handleRegister(ctx context.Context, src *net.UDPAddr, data []byte) {
	sessionID := strings.TrimSpace(string(data[len(regPrefix):]))
	if !control.ValidSessionID(sessionID) {
		s.config.Logger.Warn("dropping registration with invalid session id",
			slog.String("source", src.String()))
		s.drop("bad_registration")
		return
	}

	if _, ok := s.registry.PeerByAddr(src.String()); ok {
		s.registry.TouchActivity(src.String())
		s.config.Logger.Debug("duplicate registration ignored",
			slog.String("source", src.String()))
		return
	}

	peer, err := s.registry.LearnEndpoint(sessionID, src)
	if err != nil {
		switch {
		case stderrors.Is(err, errors.ErrSessionNotFound):
			s.config.Logger.Warn("dropping registration for unknown session",
				slog.String("session", sessionID),
				slog.String("source", src.String()))
		case stderrors.Is(err, errors.ErrEndpointBound):
			// Both slots learned: a spoofed or stale token cannot
			// hijack an established binding.
			s.config.Logger.Warn("dropping registration for fully bound session",
				slog.String("session", sessionID),
				slog.String("source", src.String()))
		default:
			s.config.Logger.Warn("dropping registration",
				slog.String("session", sessionID),
				slog.String("error", err.Error()))
		}
		s.drop("bad_registration")
		return
	}

	if s.config.Metrics != nil {
		s.config.Metrics.EndpointsLearned.Inc()
	}
	s.config.Logger.Info("peer endpoint registered",
		slog.String("session", sessionID),
		slog.String("client", peer.ID),
		slog.String("endpoint", src.String()))

	hctx := &handler.Context{
		TraceID:    peer.TraceID,
		SessionID:  sessionID,
		ClientID:   peer.ID,
		RemoteAddr: src.String(),
		Channel:    "data",
	}
	if err := s.handler.OnLearn(ctx, hctx, src.String()); err != nil {
		s.config.Logger.Error("learn handler error",
			slog.String("error", err.Error()))
	}
}

func (s *Server) drop(reason string) {
	if s.config.Metrics != nil {
		s.config.Metrics.DatagramsDropped.WithLabelValues(reason).Inc()
	}
}
