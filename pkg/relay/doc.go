// Copyright (c) Pinhole Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the UDP data plane: a single shared socket
// that demultiplexes inbound datagrams by source address and forwards
// them verbatim to the sender's session partner.
//
// # Endpoint Learning
//
// UDP payload carries no session identifier, so source addresses alone
// cannot be bound to a session on first contact. Each peer therefore opens
// its data flow with one registration datagram:
//
//	REG <session_id>\n
//
// The relay binds the datagram's source address to the session's first
// unbound peer and never forwards registration frames. The binding is
// one-time: a peer's learned endpoint is immutable for the session's
// lifetime, and duplicate registrations from a learned address are
// ignored, so clients may resend the frame until media flows. Within a
// two-peer session the slot choice cannot misroute traffic because
// forwarding is symmetric.
//
// # Packet Flow
//
//	1. Datagram arrives from source address A
//	2. "REG " prefix → endpoint learning, frame consumed
//	3. Otherwise A is resolved through the endpoint map to a peer
//	4. The partner's learned endpoint becomes the forwarding target
//	5. Payload is written verbatim; no buffering, no reordering
//
// A datagram whose source is unknown, whose sender has no partner yet, or
// whose partner has no learned endpoint is dropped and logged; this is
// expected during session ramp-up and never affects other sessions.
//
// The read loop processes datagrams inline rather than through a worker
// pool: forwarding is a single map lookup plus one write, and inline
// processing preserves receipt order within every flow.
package relay
