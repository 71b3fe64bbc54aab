// Copyright (c) Pinhole Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
)

// Context contains connection metadata for a single peer.
// It is passed to Handler methods to provide correlation context.
type Context struct {
	// TraceID is a unique identifier for this control connection
	TraceID string

	// SessionID is the session the peer joined (empty before JOIN)
	SessionID string

	// ClientID is the peer's identity, derived from the control
	// connection's remote address (ip:port)
	ClientID string

	// RemoteAddr is the peer's network address on the channel the
	// event occurred on
	RemoteAddr string

	// Channel indicates which channel produced the event (control, data)
	Channel string
}

// Handler defines authorization and notification callbacks for session
// lifecycle events. The control plane and the UDP relay call these methods
// at the appropriate points in a peer's lifecycle.
//
// AuthJoin is called BEFORE the peer is added to the registry and can
// reject the join by returning an error. The On* methods are notification
// hooks called AFTER the event; errors from them are logged but do not
// affect the session.
type Handler interface {
	// AuthJoin authorizes a JOIN request for the given session.
	// Return an error to reject the join before any registry mutation.
	AuthJoin(ctx context.Context, hctx *Context, sessionID string) error

	// OnJoin is called after a peer has been registered in a session.
	// The session is Waiting if the peer is alone, Connected otherwise.
	OnJoin(ctx context.Context, hctx *Context) error

	// OnPair is called once per session when the second peer joins and
	// the session transitions to Connected. partner describes the peer
	// that was already waiting.
	OnPair(ctx context.Context, hctx *Context, partner *Context) error

	// OnLearn is called when a peer's UDP endpoint is bound from its
	// first registration datagram. addr is the learned source address.
	OnLearn(ctx context.Context, hctx *Context, addr string) error

	// OnDisconnect is called when a peer leaves (control close, explicit
	// DISCONNECT, or inactivity timeout). Called at most once per peer.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that allows all operations.
// Useful for testing or when no authorization is needed.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthJoin(ctx context.Context, hctx *Context, sessionID string) error {
	return nil
}

func (h *NoopHandler) OnJoin(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnPair(ctx context.Context, hctx *Context, partner *Context) error {
	return nil
}

func (h *NoopHandler) OnLearn(ctx context.Context, hctx *Context, addr string) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
