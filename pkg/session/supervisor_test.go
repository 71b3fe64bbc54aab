// Copyright (c) Pinhole Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RafeLoya/pinhole/pkg/handler"
)

// mockNotifier records delivered notifications and close calls.
type mockNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	closed        int
}

func (m *mockNotifier) Notify(n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *mockNotifier) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockNotifier) received() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.notifications))
	copy(out, m.notifications)
	return out
}

func (m *mockNotifier) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// countingHandler counts OnDisconnect invocations.
type countingHandler struct {
	handler.NoopHandler
	disconnects atomic.Int64
}

func (h *countingHandler) OnDisconnect(_ context.Context, _ *handler.Context) error {
	h.disconnects.Add(1)
	return nil
}

func TestTeardown_NotifiesPartnerAndClosesControl(t *testing.T) {
	r := NewRegistry(nil)

	leaverCtl := &mockNotifier{}
	partnerCtl := &mockNotifier{}
	r.Join("sess1", NewPeer("10.0.0.1:1111", "t1", leaverCtl))
	r.Join("sess1", NewPeer("10.0.0.2:2222", "t2", partnerCtl))

	res := r.Teardown("10.0.0.1:1111", "close")
	if res.Peer == nil {
		t.Fatal("expected teardown to remove the peer")
	}

	got := partnerCtl.received()
	if len(got) != 1 || got[0] != NotifyDisconnected {
		t.Errorf("expected partner to receive DISCONNECTED, got %v", got)
	}
	if leaverCtl.closeCount() != 1 {
		t.Errorf("expected leaver control closed once, got %d", leaverCtl.closeCount())
	}
	if partnerCtl.closeCount() != 0 {
		t.Error("partner control must stay open")
	}
}

func TestTeardown_Idempotent(t *testing.T) {
	r := NewRegistry(nil)

	leaverCtl := &mockNotifier{}
	partnerCtl := &mockNotifier{}
	r.Join("sess1", NewPeer("10.0.0.1:1111", "t1", leaverCtl))
	r.Join("sess1", NewPeer("10.0.0.2:2222", "t2", partnerCtl))

	winners := 0
	for i := 0; i < 3; i++ {
		if res := r.Teardown("10.0.0.1:1111", "close"); res.Peer != nil {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly one effective teardown, got %d", winners)
	}
	if got := partnerCtl.received(); len(got) != 1 {
		t.Errorf("expected exactly one partner notification, got %d", len(got))
	}
	if leaverCtl.closeCount() != 1 {
		t.Errorf("expected one close, got %d", leaverCtl.closeCount())
	}
}

func TestTeardown_ConcurrentTriggers(t *testing.T) {
	r := NewRegistry(nil)

	partnerCtl := &mockNotifier{}
	r.Join("sess1", NewPeer("10.0.0.1:1111", "t1", &mockNotifier{}))
	r.Join("sess1", NewPeer("10.0.0.2:2222", "t2", partnerCtl))

	// Control-close and inactivity timeout racing for the same peer.
	var winners atomic.Int64
	var wg sync.WaitGroup
	for _, trigger := range []string{"close", "timeout"} {
		wg.Add(1)
		go func(trigger string) {
			defer wg.Done()
			if res := r.Teardown("10.0.0.1:1111", trigger); res.Peer != nil {
				winners.Add(1)
			}
		}(trigger)
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", winners.Load())
	}
	if got := partnerCtl.received(); len(got) != 1 {
		t.Errorf("expected one partner notification, got %d", len(got))
	}
}

func TestSupervisor_EvictsIdlePeers(t *testing.T) {
	r := NewRegistry(nil)
	h := &countingHandler{}

	partnerCtl := &mockNotifier{}
	stale := NewPeer("10.0.0.1:1111", "t1", &mockNotifier{})
	r.Join("sess1", stale)
	r.Join("sess1", NewPeer("10.0.0.2:2222", "t2", partnerCtl))

	sup := NewSupervisor(r, h, 40*time.Millisecond, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	// The partner keeps reporting activity; only the stale peer goes idle.
	stopTouch := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopTouch:
				return
			case <-ticker.C:
				if p, ok := r.LookupPartner(stale.ID); ok {
					p.UpdateActivity()
				}
			}
		}
	}()

	deadline := time.After(2 * time.Second)
	for h.disconnects.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for idle eviction")
		case <-time.After(10 * time.Millisecond):
		}
	}
	close(stopTouch)

	if got := h.disconnects.Load(); got != 1 {
		t.Errorf("expected one disconnect callback, got %d", got)
	}
	if got := partnerCtl.received(); len(got) != 1 || got[0] != NotifyDisconnected {
		t.Errorf("expected partner to receive DISCONNECTED, got %v", got)
	}
	if _, ok := r.LookupPartner("10.0.0.2:2222"); ok {
		t.Error("expected stale peer removed from registry")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop on context cancel")
	}
}

func TestSupervisor_ZeroTimeoutDisablesEviction(t *testing.T) {
	r := NewRegistry(nil)
	r.Join("sess1", NewPeer("10.0.0.1:1111", "t1", &mockNotifier{}))

	sup := NewSupervisor(r, nil, 0, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := sup.Run(ctx); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if got := r.PeerCount(); got != 1 {
		t.Errorf("expected peer untouched with eviction disabled, got %d", got)
	}
}
