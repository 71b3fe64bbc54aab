// Copyright (c) Pinhole Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the pinhole SFU.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrSessionFull indicates a third client tried to join a two-peer session.
	ErrSessionFull = errors.New("session full")

	// ErrSessionNotFound indicates the session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrPeerNotFound indicates the peer is not registered in any session.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrNoPartner indicates the peer has no partner in its session yet.
	ErrNoPartner = errors.New("no partner in session")

	// ErrEndpointUnknown indicates the partner's UDP endpoint has not been learned.
	ErrEndpointUnknown = errors.New("endpoint not learned")

	// ErrEndpointBound indicates an attempt to re-bind an already learned endpoint.
	ErrEndpointBound = errors.New("endpoint already bound")

	// ErrAlreadyJoined indicates a peer sent JOIN while already in a session.
	ErrAlreadyJoined = errors.New("already joined a session")

	// ErrMalformedMessage indicates an unparseable control message.
	ErrMalformedMessage = errors.New("malformed control message")

	// ErrInvalidSessionID indicates a session identifier outside [a-zA-Z0-9_-]+.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrUnknownVerb indicates an unrecognized control verb.
	ErrUnknownVerb = errors.New("unknown control verb")

	// ErrConnectionClosed indicates the control connection was closed.
	ErrConnectionClosed = errors.New("connection closed")
)

// RelayError wraps an error with relay context.
type RelayError struct {
	Op         string // Operation that failed
	Channel    string // Channel (control, data)
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Channel, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Channel, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// New creates a new RelayError.
func New(op, channel, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &RelayError{
		Op:         op,
		Channel:    channel,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
