// Copyright (c) Pinhole Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/RafeLoya/pinhole/pkg/session"
)

// startServer runs a control server on an ephemeral port and returns its
// address. The server and all test connections are torn down via t.Cleanup.
func startServer(t *testing.T, registry *session.Registry) string {
	t.Helper()

	srv := New(Config{
		Address:         "127.0.0.1:0",
		ShutdownTimeout: time.Second,
	}, registry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Listen(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("server did not shut down")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound its listener")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv.Addr().String()
}

type testClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialControl(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial control server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(t *testing.T, line string) {
	t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("failed to send %q: %v", line, err)
	}
}

func (c *testClient) expectLine(t *testing.T, want string) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		t.Fatalf("expected %q, got read error: %v", want, err)
	}
	if line != want+"\n" {
		t.Fatalf("expected %q, got %q", want, line)
	}
}

func (c *testClient) expectClosed(t *testing.T) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.r.ReadString('\n'); err != io.EOF {
		t.Fatalf("expected connection closed, got %v", err)
	}
}

func TestServer_SessionLifecycle(t *testing.T) {
	registry := session.NewRegistry(nil)
	addr := startServer(t, registry)

	a := dialControl(t, addr)
	a.send(t, "JOIN room1")
	a.expectLine(t, "OK: joined session")

	if state, ok := registry.SessionState("room1"); !ok || state != session.StateWaiting {
		t.Fatalf("expected waiting session, got %v (exists=%v)", state, ok)
	}

	b := dialControl(t, addr)
	b.send(t, "JOIN room1")
	b.expectLine(t, "OK: joined session")

	// Both peers learn of the pairing.
	a.expectLine(t, "CONNECTED")
	b.expectLine(t, "CONNECTED")

	if state, _ := registry.SessionState("room1"); state != session.StateConnected {
		t.Fatalf("expected connected session, got %v", state)
	}
}

func TestServer_DisconnectNotifiesPartner(t *testing.T) {
	registry := session.NewRegistry(nil)
	addr := startServer(t, registry)

	a := dialControl(t, addr)
	a.send(t, "JOIN room1")
	a.expectLine(t, "OK: joined session")

	b := dialControl(t, addr)
	b.send(t, "JOIN room1")
	b.expectLine(t, "OK: joined session")
	a.expectLine(t, "CONNECTED")
	b.expectLine(t, "CONNECTED")

	a.send(t, "DISCONNECT")
	b.expectLine(t, "DISCONNECTED")
	a.expectClosed(t)

	// Only the survivor remains.
	deadline := time.Now().Add(2 * time.Second)
	for registry.PeerCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 peer after disconnect, got %d", registry.PeerCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_AbruptCloseNotifiesPartner(t *testing.T) {
	registry := session.NewRegistry(nil)
	addr := startServer(t, registry)

	a := dialControl(t, addr)
	a.send(t, "JOIN room1")
	a.expectLine(t, "OK: joined session")

	b := dialControl(t, addr)
	b.send(t, "JOIN room1")
	b.expectLine(t, "OK: joined session")
	a.expectLine(t, "CONNECTED")
	b.expectLine(t, "CONNECTED")

	// No DISCONNECT message: the socket just dies.
	a.conn.Close()
	b.expectLine(t, "DISCONNECTED")
}

func TestServer_ThirdJoinRejected(t *testing.T) {
	registry := session.NewRegistry(nil)
	addr := startServer(t, registry)

	a := dialControl(t, addr)
	a.send(t, "JOIN room1")
	a.expectLine(t, "OK: joined session")

	b := dialControl(t, addr)
	b.send(t, "JOIN room1")
	b.expectLine(t, "OK: joined session")
	a.expectLine(t, "CONNECTED")
	b.expectLine(t, "CONNECTED")

	c := dialControl(t, addr)
	c.send(t, "JOIN room1")
	c.expectLine(t, "ERROR: session full")
	c.expectClosed(t)

	// The paired session is untouched.
	if state, _ := registry.SessionState("room1"); state != session.StateConnected {
		t.Fatalf("expected session still connected, got %v", state)
	}
	if got := registry.PeerCount(); got != 2 {
		t.Fatalf("expected 2 peers, got %d", got)
	}
}

func TestServer_SecondJoinOnSameConnection(t *testing.T) {
	registry := session.NewRegistry(nil)
	addr := startServer(t, registry)

	a := dialControl(t, addr)
	a.send(t, "JOIN room1")
	a.expectLine(t, "OK: joined session")

	a.send(t, "JOIN room2")
	a.expectLine(t, "ERROR: already in session")
	a.expectClosed(t)

	// Membership is cleaned up on close.
	deadline := time.Now().Add(2 * time.Second)
	for registry.PeerCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected registry empty, got %d peers", registry.PeerCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_MalformedLineClosesConnection(t *testing.T) {
	registry := session.NewRegistry(nil)
	addr := startServer(t, registry)

	cases := []string{"HELLO", "JOIN bad/id", "DISCONNECT extra"}
	for _, line := range cases {
		c := dialControl(t, addr)
		c.send(t, line)
		c.expectClosed(t)
	}

	if got := registry.PeerCount(); got != 0 {
		t.Fatalf("protocol errors must leave no state, got %d peers", got)
	}
}

func TestServer_DisconnectBeforeJoin(t *testing.T) {
	registry := session.NewRegistry(nil)
	addr := startServer(t, registry)

	c := dialControl(t, addr)
	c.send(t, "DISCONNECT")
	c.expectClosed(t)

	if got := registry.PeerCount(); got != 0 {
		t.Fatalf("expected no peers, got %d", got)
	}
}

func TestServer_SessionReusableAfterTeardown(t *testing.T) {
	registry := session.NewRegistry(nil)
	addr := startServer(t, registry)

	a := dialControl(t, addr)
	a.send(t, "JOIN room1")
	a.expectLine(t, "OK: joined session")
	a.send(t, "DISCONNECT")
	a.expectClosed(t)

	deadline := time.Now().Add(2 * time.Second)
	for registry.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was not removed after last peer left")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b := dialControl(t, addr)
	b.send(t, "JOIN room1")
	b.expectLine(t, "OK: joined session")
}
