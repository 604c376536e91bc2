package web

import (
	"encoding/json"
	"testing"
	"time"

	"canmap/internal/session"
)

func newTestHub() *WSHub {
	return NewWSHub(testLogger())
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	count := len(hub.clients)
	hub.mu.RUnlock()
	if count != 1 {
		t.Errorf("after register: count = %d, want 1", count)
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	count = len(hub.clients)
	hub.mu.RUnlock()
	if count != 0 {
		t.Errorf("after unregister: count = %d, want 0", count)
	}
}

func TestWSHubBroadcastReachesAllClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c1
	hub.register <- c2
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(session.Event{Type: session.EventSessionState, Data: "scanning"})

	for i, c := range []*wsClient{c1, c2} {
		select {
		case msg := <-c.send:
			var e session.Event
			if err := json.Unmarshal(msg, &e); err != nil {
				t.Fatal(err)
			}
			if e.Type != session.EventSessionState {
				t.Errorf("client %d: type = %q", i, e.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("client %d: no broadcast received", i)
		}
	}
}

func TestWSHubEvictsSlowClient(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	// Unbuffered send channel with nobody reading: every broadcast is a miss.
	slow := &wsClient{send: make(chan []byte)}
	hub.register <- slow
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(session.Event{Type: session.EventProbe})
	time.Sleep(20 * time.Millisecond)

	hub.mu.RLock()
	count := len(hub.clients)
	hub.mu.RUnlock()
	if count != 0 {
		t.Errorf("slow client not evicted: count = %d", count)
	}
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("expected closed send channel")
		}
	case <-time.After(time.Second):
		t.Error("send channel not closed on stop")
	}
	// Stop twice must not panic.
	hub.Stop()
}
