// Copyright (c) Pinhole Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"net"
	"sync"
	"time"
)

// State represents the lifecycle state of a session.
type State int

const (
	// StateWaiting means one peer is registered and waiting for a partner.
	StateWaiting State = iota

	// StateConnected means both peers are registered.
	StateConnected

	// StateClosed is terminal; the session is being removed from the registry.
	StateClosed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Notification is a lifecycle message pushed to a peer over its control channel.
type Notification int

const (
	// NotifyConnected tells a peer its session reached two members.
	NotifyConnected Notification = iota

	// NotifyDisconnected tells a peer its partner left the session.
	NotifyDisconnected
)

// String returns the wire spelling of the notification.
func (n Notification) String() string {
	switch n {
	case NotifyConnected:
		return "CONNECTED"
	case NotifyDisconnected:
		return "DISCONNECTED"
	default:
		return "unknown"
	}
}

// Notifier is the control handle the control plane registers for each peer.
// It is exclusively owned by the peer's control-connection task; Notify
// queues a lifecycle message for delivery and Close terminates the
// connection.
type Notifier interface {
	Notify(n Notification) error
	Close() error
}

// Peer is one end of a two-peer session.
type Peer struct {
	// ID is the peer identity, derived from the control connection's
	// remote address (ip:port) at accept time.
	ID string

	// TraceID is a unique identifier for the control connection.
	TraceID string

	// SessionID is the owning session, set by Registry.Join.
	SessionID string

	// Control is the peer's control handle for lifecycle notifications.
	// Nil in tests that exercise the registry without a control plane.
	Control Notifier

	// mu protects udpAddr and lastActivity
	mu           sync.Mutex
	udpAddr      *net.UDPAddr
	lastActivity time.Time
}

// NewPeer creates a peer for the given client identity.
func NewPeer(id, traceID string, control Notifier) *Peer {
	return &Peer{
		ID:           id,
		TraceID:      traceID,
		Control:      control,
		lastActivity: time.Now(),
	}
}

// UDPAddr returns the learned UDP endpoint, or nil if not yet learned.
func (p *Peer) UDPAddr() *net.UDPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.udpAddr
}

func (p *Peer) setUDPAddr(addr *net.UDPAddr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.udpAddr != nil {
		return false
	}
	p.udpAddr = addr
	p.lastActivity = time.Now()
	return true
}

// UpdateActivity updates the last activity timestamp for this peer.
func (p *Peer) UpdateActivity() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

// LastActivity returns the last activity timestamp.
func (p *Peer) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

// Session pairs at most two peers under one identifier. Peer order is
// insertion order.
type Session struct {
	ID     string
	state  State
	first  *Peer
	second *Peer
}

func newSession(id string, p *Peer) *Session {
	return &Session{ID: id, state: StateWaiting, first: p}
}

// partnerOf returns the other peer of the session, or nil.
func (s *Session) partnerOf(p *Peer) *Peer {
	if s.first == p {
		return s.second
	}
	if s.second == p {
		return s.first
	}
	return nil
}

// firstUnlearned returns the first peer (insertion order) without a
// learned UDP endpoint, or nil if both are bound.
func (s *Session) firstUnlearned() *Peer {
	if s.first != nil && s.first.UDPAddr() == nil {
		return s.first
	}
	if s.second != nil && s.second.UDPAddr() == nil {
		return s.second
	}
	return nil
}

func (s *Session) removePeer(p *Peer) {
	if s.first == p {
		s.first = nil
	}
	if s.second == p {
		s.second = nil
	}
}

func (s *Session) empty() bool {
	return s.first == nil && s.second == nil
}
