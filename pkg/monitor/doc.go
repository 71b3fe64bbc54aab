// Copyright (c) Pinhole Authors
// SPDX-License-Identifier: Apache-2.0

// Package monitor streams session lifecycle events to WebSocket observers
// for operator tooling. Observers connect on the ops HTTP server and
// receive join, pair, learn, and disconnect events as JSON; slow
// observers are dropped so the feed can never back-pressure the relay.
package monitor
