// Copyright (c) Pinhole Authors
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface that links the relay's transport
// layers to application-level policy.
//
// # Architecture Overview
//
// The Handler interface is the bridge between the control plane / UDP relay
// and application concerns such as rate limiting, metrics, and audit
// logging. When the control plane processes a JOIN, pairs a session, or
// tears a peer down, and when the relay learns a UDP endpoint, the
// corresponding Handler method is called.
//
// # Handler Methods
//
// Authorization methods are called before any registry mutation:
//   - AuthJoin: can reject a JOIN request (e.g., rate limiting)
//
// Notification methods are called after the event:
//   - OnJoin: peer registered in a session
//   - OnPair: session reached two peers and transitioned to Connected
//   - OnLearn: peer's UDP endpoint bound from its registration datagram
//   - OnDisconnect: peer removed (close, DISCONNECT verb, or timeout)
//
// # Context
//
// The Context struct carries correlation metadata across all handler calls:
//   - TraceID: unique identifier for the control connection
//   - SessionID: session the peer joined
//   - ClientID: peer identity (control remote ip:port)
//   - RemoteAddr: address on the channel that produced the event
//   - Channel: "control" or "data"
//
// # Implementation
//
// Applications implement Handler to integrate the SFU with their own
// policy. Handlers compose by wrapping: the production entrypoint chains a
// rate-limited handler around an instrumented handler around a logging
// handler. The NoopHandler provides a pass-through implementation for
// testing or when no policy is needed.
package handler
