// Copyright (c) Pinhole Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/RafeLoya/pinhole/pkg/handler"
	"github.com/RafeLoya/pinhole/pkg/metrics"
)

// Teardown removes a peer from the registry, notifies the remaining
// partner (best-effort), and closes the peer's control handle. The trigger
// names what initiated the removal (close, disconnect, timeout) and is
// carried into the log line for the cleanup contract.
//
// Teardown is idempotent: the registry removal either happens here or
// already happened, and only the call that actually removed the peer
// performs notification and returns a non-nil LeaveResult.Peer. A
// control-close and an inactivity timeout racing for the same peer is
// therefore harmless.
func (r *Registry) Teardown(clientID, trigger string) LeaveResult {
	res := r.Leave(clientID)
	if res.Peer == nil {
		return res
	}

	if res.Partner != nil && res.Partner.Control != nil {
		if err := res.Partner.Control.Notify(NotifyDisconnected); err != nil {
			r.logger.Warn("failed to deliver DISCONNECTED notification",
				slog.String("partner", res.Partner.ID),
				slog.String("session", res.Peer.SessionID),
				slog.String("error", err.Error()))
		} else {
			r.logger.Info("DISCONNECTED notification queued",
				slog.String("partner", res.Partner.ID),
				slog.String("session", res.Peer.SessionID))
		}
	}

	if res.Peer.Control != nil {
		_ = res.Peer.Control.Close()
	}

	r.logger.Info("cleanup complete",
		slog.String("client", clientID),
		slog.String("session", res.Peer.SessionID),
		slog.String("trigger", trigger))
	return res
}

// Supervisor evicts peers that have shown no activity within the
// configured timeout, treating inactivity as an implicit disconnect.
type Supervisor struct {
	registry *Registry
	handler  handler.Handler
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewSupervisor creates a supervisor over the given registry. A zero
// timeout disables eviction; Run then blocks until the context is done.
// Metrics may be nil.
func NewSupervisor(r *Registry, h handler.Handler, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}
	return &Supervisor{
		registry: r,
		handler:  h,
		timeout:  timeout,
		logger:   logger,
		metrics:  m,
	}
}

// Run sweeps for idle peers until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.timeout <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Supervisor) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.timeout)
	for _, p := range s.registry.IdlePeers(cutoff) {
		s.logger.Info("session timeout",
			slog.String("client", p.ID),
			slog.String("session", p.SessionID))

		res := s.registry.Teardown(p.ID, "timeout")
		if res.Peer == nil {
			continue
		}
		if s.metrics != nil {
			s.metrics.CleanupsTotal.WithLabelValues("timeout").Inc()
		}

		hctx := &handler.Context{
			TraceID:    p.TraceID,
			SessionID:  p.SessionID,
			ClientID:   p.ID,
			RemoteAddr: p.ID,
			Channel:    "control",
		}
		if err := s.handler.OnDisconnect(ctx, hctx); err != nil {
			s.logger.Error("disconnect handler error",
				slog.String("client", p.ID),
				slog.String("error", err.Error()))
		}
	}
}
