// Copyright (c) Pinhole Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements the session registry: the single source of
// truth for which peers belong together, their learned UDP endpoints, and
// their lifecycle.
//
// # Data Model
//
//	Session Key: caller-supplied opaque identifier
//	Session Contents:
//	  - two peer slots in insertion order
//	  - state: waiting → connected → closed
//
//	Peer Key: control connection remote ip:port
//	Peer Contents:
//	  - Control: notifier owned by the control-connection task
//	  - UDP endpoint: nil until learned, immutable afterwards
//	  - last activity timestamp
//
// # Invariants
//
//   - A session never holds more than two peers; a third join is rejected.
//   - Waiting → Connected happens exactly once per pair of joins.
//   - Registry and endpoint-map mutations for one peer are applied under a
//     single lock, so the relay path never resolves a removed peer.
//   - Learned endpoints are bound once; re-binding is refused.
//   - Teardown is idempotent and safe to trigger concurrently from a
//     control close and an inactivity timeout.
//
// # Concurrency
//
// One coarse RWMutex guards the registry. Contention is bounded in
// practice: mutations are rare (joins, leaves, one endpoint learn per
// peer) while the per-datagram relay path takes only the read lock.
package session
