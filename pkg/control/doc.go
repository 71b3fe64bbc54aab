// Copyright (c) Pinhole Authors
// SPDX-License-Identifier: Apache-2.0

// Package control implements the TCP control plane of the SFU.
//
// # Protocol
//
// The control channel is line-oriented text, one connection per client:
//
//	Client → Server:
//	  JOIN <session_id>\n    join or create a session
//	                         (session_id matches [a-zA-Z0-9_-]+)
//	  DISCONNECT\n           leave the session and close
//	                         (LEAVE is accepted as a legacy alias)
//
//	Server → Client:
//	  OK: joined session\n   reply to a JOIN held in waiting
//	  CONNECTED\n            pushed to both peers when a session pairs
//	  DISCONNECTED\n         pushed to the remaining peer on partner loss
//	  ERROR: ...\n           rejection reply, connection closes after
//
// Any line that fails to parse closes the connection immediately with no
// session side effects.
//
// # Connection Flow
//
//  1. Server accepts connection; client identity is the remote ip:port
//  2. Read loop parses one message per line, strictly in arrival order
//  3. JOIN drives the session registry; pairing pushes CONNECTED to both
//     peers through their notification queues
//  4. Close (graceful or abrupt), DISCONNECT, or inactivity timeout all
//     funnel into the same idempotent teardown, which notifies the
//     remaining partner best-effort
//
// Each connection has a writer goroutine draining a bounded notification
// queue, so a slow client never blocks the peer task that paired with it.
// Notifications are delivered at-most-once; a notification that cannot be
// delivered is logged and dropped, never retried.
package control
