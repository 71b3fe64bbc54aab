// Copyright (c) Pinhole Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"

	"github.com/RafeLoya/pinhole/pkg/handler"
	"github.com/RafeLoya/pinhole/pkg/metrics"
	"github.com/RafeLoya/pinhole/pkg/ratelimit"
)

// RateLimitedHandler wraps a handler with per-client and global JOIN
// rate limiting.
type RateLimitedHandler struct {
	handler          handler.Handler
	perClientLimiter *ratelimit.Limiter
	globalLimiter    *ratelimit.TokenBucket
	metrics          *metrics.Metrics
	logger           *slog.Logger
}

var _ handler.Handler = (*RateLimitedHandler)(nil)

// AuthJoin implements handler.Handler with rate limiting.
func (h *RateLimitedHandler) AuthJoin(ctx context.Context, hctx *handler.Context, sessionID string) error {
	if !h.globalLimiter.Allow() {
		h.metrics.JoinsTotal.WithLabelValues("rate_limited").Inc()
		h.logger.Warn("global join rate limit exceeded",
			slog.String("client", hctx.ClientID))
		return ratelimit.ErrRateLimitExceeded
	}

	if !h.perClientLimiter.Allow(hctx.ClientID) {
		h.metrics.JoinsTotal.WithLabelValues("rate_limited").Inc()
		h.logger.Warn("per-client join rate limit exceeded",
			slog.String("client", hctx.ClientID))
		return ratelimit.ErrRateLimitExceeded
	}

	return h.handler.AuthJoin(ctx, hctx, sessionID)
}

// OnJoin implements handler.Handler.
func (h *RateLimitedHandler) OnJoin(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnJoin(ctx, hctx)
}

// OnPair implements handler.Handler.
func (h *RateLimitedHandler) OnPair(ctx context.Context, hctx *handler.Context, partner *handler.Context) error {
	return h.handler.OnPair(ctx, hctx, partner)
}

// OnLearn implements handler.Handler.
func (h *RateLimitedHandler) OnLearn(ctx context.Context, hctx *handler.Context, addr string) error {
	return h.handler.OnLearn(ctx, hctx, addr)
}

// OnDisconnect implements handler.Handler. The departing client's bucket
// is released so the limiter map stays bounded by live clients.
func (h *RateLimitedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	h.perClientLimiter.Remove(hctx.ClientID)
	return h.handler.OnDisconnect(ctx, hctx)
}

// InstrumentedHandler wraps a handler with metrics instrumentation.
type InstrumentedHandler struct {
	handler handler.Handler
	metrics *metrics.Metrics
}

var _ handler.Handler = (*InstrumentedHandler)(nil)

// AuthJoin implements handler.Handler with metrics.
func (h *InstrumentedHandler) AuthJoin(ctx context.Context, hctx *handler.Context, sessionID string) error {
	err := h.handler.AuthJoin(ctx, hctx, sessionID)
	if err != nil {
		h.metrics.JoinsTotal.WithLabelValues("rejected").Inc()
	}
	return err
}

// OnJoin implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnJoin(ctx context.Context, hctx *handler.Context) error {
	h.metrics.JoinsTotal.WithLabelValues("accepted").Inc()
	h.metrics.PeersActive.Inc()
	return h.handler.OnJoin(ctx, hctx)
}

// OnPair implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnPair(ctx context.Context, hctx *handler.Context, partner *handler.Context) error {
	return h.handler.OnPair(ctx, hctx, partner)
}

// OnLearn implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnLearn(ctx context.Context, hctx *handler.Context, addr string) error {
	return h.handler.OnLearn(ctx, hctx, addr)
}

// OnDisconnect implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	h.metrics.PeersActive.Dec()
	return h.handler.OnDisconnect(ctx, hctx)
}
