// Copyright (c) Pinhole Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"regexp"
	"strings"

	"github.com/RafeLoya/pinhole/pkg/errors"
)

// Verb identifies a control message type. The set is closed: anything the
// parser cannot map to a verb closes the connection.
type Verb int

const (
	// VerbJoin requests joining (or creating) a session.
	VerbJoin Verb = iota

	// VerbDisconnect requests leaving the session and closing the
	// connection. The legacy LEAVE spelling is accepted as an alias.
	VerbDisconnect
)

// String returns the wire spelling of the verb.
func (v Verb) String() string {
	switch v {
	case VerbJoin:
		return "JOIN"
	case VerbDisconnect:
		return "DISCONNECT"
	default:
		return "unknown"
	}
}

// Message is a parsed control message.
type Message struct {
	Verb      Verb
	SessionID string
}

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidSessionID reports whether id is a well-formed session identifier.
// The relay uses the same rule for registration datagrams.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// ParseMessage parses one line of the control protocol. Lines are
// whitespace-trimmed before parsing. Errors are typed so the server can
// distinguish protocol violations (close immediately, no side effects)
// in its dispatch.
func ParseMessage(line string) (Message, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Message{}, errors.ErrMalformedMessage
	}

	verb, rest, _ := strings.Cut(line, " ")
	switch verb {
	case "JOIN":
		id := strings.TrimSpace(rest)
		if id == "" || !sessionIDPattern.MatchString(id) {
			return Message{}, errors.ErrInvalidSessionID
		}
		return Message{Verb: VerbJoin, SessionID: id}, nil
	case "DISCONNECT", "LEAVE":
		if strings.TrimSpace(rest) != "" {
			return Message{}, errors.ErrMalformedMessage
		}
		return Message{Verb: VerbDisconnect}, nil
	default:
		return Message{}, errors.ErrUnknownVerb
	}
}
