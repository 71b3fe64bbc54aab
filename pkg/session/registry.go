// Copyright (c) Pinhole Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/RafeLoya/pinhole/pkg/errors"
)

// JoinResult reports the outcome of a successful Join.
type JoinResult struct {
	// State is the session state after the join: StateWaiting for the
	// first peer, StateConnected for the second.
	State State

	// Partner is the peer that was already waiting, set only when the
	// join transitioned the session to StateConnected.
	Partner *Peer
}

// LeaveResult reports the outcome of a Leave.
type LeaveResult struct {
	// Peer is the removed peer, or nil if the client was not registered
	// (Leave is idempotent).
	Peer *Peer

	// Partner is the remaining peer, or nil if the session became empty.
	Partner *Peer

	// SessionClosed is true when the session transitioned to StateClosed
	// and was removed from the registry.
	SessionClosed bool
}

// Registry is the single source of truth for sessions, peers, and learned
// UDP endpoints. A single mutex guards all three maps so that removing a
// peer and its endpoint-map entry is one atomic operation; the relay path
// never observes an endpoint pointing at a removed peer.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	peers     map[string]*Peer // client id -> peer
	endpoints map[string]*Peer // udp source addr -> peer
	logger    *slog.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		peers:     make(map[string]*Peer),
		endpoints: make(map[string]*Peer),
		logger:    logger,
	}
}

// Join registers a peer in the session identified by sessionID, creating
// the session when it does not exist. The second join transitions the
// session to StateConnected; a third join is rejected with ErrSessionFull.
// A session found in StateClosed (teardown race) is treated as absent and
// recreated fresh.
func (r *Registry) Join(sessionID string, p *Peer) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[p.ID]; ok {
		return JoinResult{}, errors.ErrAlreadyJoined
	}

	sess, ok := r.sessions[sessionID]
	if !ok || sess.state == StateClosed {
		sess = newSession(sessionID, p)
		r.sessions[sessionID] = sess
		r.peers[p.ID] = p
		p.SessionID = sessionID
		r.logger.Debug("session created",
			slog.String("session", sessionID),
			slog.String("client", p.ID))
		return JoinResult{State: StateWaiting}, nil
	}

	if sess.state == StateConnected {
		return JoinResult{}, errors.ErrSessionFull
	}

	partner := sess.first
	sess.second = p
	sess.state = StateConnected
	r.peers[p.ID] = p
	p.SessionID = sessionID

	return JoinResult{State: StateConnected, Partner: partner}, nil
}

// Leave removes the peer registered under clientID from its session,
// together with its endpoint-map entry. When the session becomes empty it
// transitions to StateClosed and is removed from the registry. Leave is
// idempotent: an unknown clientID yields a zero result.
func (r *Registry) Leave(clientID string) LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[clientID]
	if !ok {
		return LeaveResult{}
	}
	delete(r.peers, clientID)

	if addr := p.UDPAddr(); addr != nil {
		delete(r.endpoints, addr.String())
	}

	res := LeaveResult{Peer: p}
	sess, ok := r.sessions[p.SessionID]
	if !ok {
		return res
	}

	sess.removePeer(p)
	if sess.empty() {
		sess.state = StateClosed
		delete(r.sessions, sess.ID)
		res.SessionClosed = true
		r.logger.Debug("session closed",
			slog.String("session", sess.ID))
		return res
	}

	if sess.first != nil {
		res.Partner = sess.first
	} else {
		res.Partner = sess.second
	}
	return res
}

// LookupPartner returns the session partner of the peer registered under
// clientID. Safe to call concurrently with Join and Leave.
func (r *Registry) LookupPartner(clientID string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[clientID]
	if !ok {
		return nil, false
	}
	sess, ok := r.sessions[p.SessionID]
	if !ok {
		return nil, false
	}
	partner := sess.partnerOf(p)
	return partner, partner != nil
}

// PeerByAddr resolves a UDP source address to its peer. This is the relay
// hot-path lookup.
func (r *Registry) PeerByAddr(addr string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.endpoints[addr]
	return p, ok
}

// PartnerEndpoint resolves a UDP source address to the forwarding target:
// the learned endpoint of the sender's session partner. It returns the
// sending peer for activity accounting and the partner's address, or
// an error naming what is missing.
func (r *Registry) PartnerEndpoint(addr string) (*Peer, *net.UDPAddr, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.endpoints[addr]
	if !ok {
		return nil, nil, errors.New("forward", "data", "", addr, errors.ErrPeerNotFound)
	}
	sess, ok := r.sessions[p.SessionID]
	if !ok {
		return p, nil, errors.New("forward", "data", p.SessionID, addr, errors.ErrSessionNotFound)
	}
	partner := sess.partnerOf(p)
	if partner == nil {
		return p, nil, errors.New("forward", "data", p.SessionID, addr, errors.ErrNoPartner)
	}
	target := partner.UDPAddr()
	if target == nil {
		return p, nil, errors.New("forward", "data", p.SessionID, addr, errors.ErrEndpointUnknown)
	}
	return p, target, nil
}

// LearnEndpoint binds a UDP source address to the named session's first
// endpoint-less peer (one-time learn). Within a two-peer session the slot
// choice cannot affect routing: forwarding is symmetric, so even if the
// two peers' registration datagrams arrive in either order each address
// still forwards to the other. Learning fails when the address is already
// bound, the session is unknown, or both peers are bound.
func (r *Registry) LearnEndpoint(sessionID string, addr *net.UDPAddr) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := addr.String()
	if p, ok := r.endpoints[key]; ok {
		return p, errors.New("register", "data", sessionID, key, errors.ErrEndpointBound)
	}

	sess, ok := r.sessions[sessionID]
	if !ok || sess.state == StateClosed {
		return nil, errors.New("register", "data", sessionID, key, errors.ErrSessionNotFound)
	}

	p := sess.firstUnlearned()
	if p == nil {
		return nil, errors.New("register", "data", sessionID, key, errors.ErrEndpointBound)
	}

	if !p.setUDPAddr(addr) {
		return nil, errors.New("register", "data", sessionID, key, errors.ErrEndpointBound)
	}
	r.endpoints[key] = p

	r.logger.Debug("endpoint learned",
		slog.String("session", sessionID),
		slog.String("client", p.ID),
		slog.String("endpoint", key))
	return p, nil
}

// TouchActivity refreshes the activity timestamp of the peer bound to the
// given UDP source address.
func (r *Registry) TouchActivity(addr string) {
	r.mu.RLock()
	p, ok := r.endpoints[addr]
	r.mu.RUnlock()
	if ok {
		p.UpdateActivity()
	}
}

// IdlePeers returns peers whose last activity is older than the cutoff.
func (r *Registry) IdlePeers(cutoff time.Time) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var idle []*Peer
	for _, p := range r.peers {
		if p.LastActivity().Before(cutoff) {
			idle = append(idle, p)
		}
	}
	return idle
}

// SessionCount returns the number of active sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// PeerCount returns the number of registered peers.
func (r *Registry) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// WaitingCount returns the number of sessions still waiting for a partner.
func (r *Registry) WaitingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, sess := range r.sessions {
		if sess.state == StateWaiting {
			n++
		}
	}
	return n
}

// SessionState reports the state of the named session. The second return
// is false when the session does not exist.
func (r *Registry) SessionState(sessionID string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return StateClosed, false
	}
	return sess.state, true
}
