// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/offermesh/offermesh/lib/testutil"
)

// startRelayServer listens on a loopback port and settles every accepted
// connection with pairing. Returns the listen address.
func startRelayServer(t *testing.T, pairing Pairing) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	params, err := json.Marshal(pairing)
	if err != nil {
		t.Fatalf("encoding pairing: %v", err)
	}

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			_ = WriteFrame(conn, Envelope{Method: methodSessionSettle, Params: params})
		}
	}()
	t.Cleanup(func() {
		_ = listener.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})
	return listener.Addr().String()
}

func TestTCPOpenSettlesAndSends(t *testing.T) {
	t.Parallel()

	pairing := Pairing{Topic: "topic-tcp", ChainNamespace: "chia:mainnet", AccountFingerprint: 7}
	transport := NewTCP(startRelayServer(t, pairing), nil)
	t.Cleanup(func() { _ = transport.Close() })

	if err := transport.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	event := testutil.RequireReceive(t, transport.Events(), 5*time.Second, "settle event")
	if event.Kind != EventConnected {
		t.Fatalf("first event: got %v, want connected", event.Kind)
	}
	if event.Pairing.Topic != pairing.Topic {
		t.Errorf("pairing topic: got %q, want %q", event.Pairing.Topic, pairing.Topic)
	}
	if !transport.HasSession(pairing.Topic) {
		t.Error("HasSession after settle: got false")
	}
	if err := transport.Send(Envelope{ID: 1, Method: "wallet_getAddress"}); err != nil {
		t.Errorf("Send: %v", err)
	}
}

func TestTCPReopenSurvivesStaleReadLoop(t *testing.T) {
	t.Parallel()

	pairing := Pairing{Topic: "topic-cycle", ChainNamespace: "chia:mainnet", AccountFingerprint: 42}
	transport := NewTCP(startRelayServer(t, pairing), nil)
	t.Cleanup(func() { _ = transport.Close() })

	// Close immediately followed by Open leaves the superseded read
	// loop unwinding while the replacement connection is already
	// installed. Whenever that loop gets scheduled, the fresh session
	// must stay intact: HasSession keeps reporting true and Send keeps
	// working, with no spurious EventDisconnected.
	for cycle := 0; cycle < 50; cycle++ {
		if cycle > 0 {
			if err := transport.Close(); err != nil {
				t.Fatalf("cycle %d: Close: %v", cycle, err)
			}
		}
		if err := transport.Open(t.Context()); err != nil {
			t.Fatalf("cycle %d: Open: %v", cycle, err)
		}

		event := testutil.RequireReceive(t, transport.Events(), 5*time.Second, "settle event, cycle %d", cycle)
		if event.Kind != EventConnected {
			t.Fatalf("cycle %d: got %v, want connected", cycle, event.Kind)
		}

		// Yield so the previous cycle's read loop observes its dead
		// connection before the state checks below.
		time.Sleep(time.Millisecond)

		if !transport.HasSession(pairing.Topic) {
			t.Fatalf("cycle %d: session lost after reopen", cycle)
		}
		if err := transport.Send(Envelope{ID: uint64(cycle), Method: "wallet_getAddress"}); err != nil {
			t.Fatalf("cycle %d: Send on reopened transport: %v", cycle, err)
		}
	}
}
