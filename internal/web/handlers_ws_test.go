package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"tuya-go-home/internal/coordinator"
)

func newTestHub() *WSHub {
	return NewWSHub(newTestLogger())
}

func statusEvent(id string) coordinator.Event {
	return coordinator.Event{Type: coordinator.EventStatus, Data: coordinator.StatusEvent{
		DeviceID: id,
		Changed:  map[string]any{"1": true},
		State:    map[string]any{"1": true},
	}}
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

func TestWSHubBroadcastFiltersByDevice(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	all := &wsClient{send: make(chan []byte, 16)}
	plug := &wsClient{send: make(chan []byte, 16), device: "plug"}
	hub.register <- all
	hub.register <- plug
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(statusEvent("lamp"))
	hub.Broadcast(statusEvent("plug"))
	time.Sleep(20 * time.Millisecond)

	if n := len(all.send); n != 2 {
		t.Errorf("unfiltered client got %d messages, want 2", n)
	}
	if n := len(plug.send); n != 1 {
		t.Fatalf("filtered client got %d messages, want 1", n)
	}
	var got struct {
		Type string                  `json:"type"`
		Data coordinator.StatusEvent `json:"data"`
	}
	if err := json.Unmarshal(<-plug.send, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != coordinator.EventStatus || got.Data.DeviceID != "plug" {
		t.Errorf("filtered client got %+v", got)
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(statusEvent("a"))
	time.Sleep(10 * time.Millisecond)
	hub.Broadcast(statusEvent("a"))
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDoesNotBlock(t *testing.T) {
	hub := newTestHub()
	defer hub.Stop()

	// The hub is not running, so the queue fills up.
	for i := 0; i < 256; i++ {
		hub.Broadcast(statusEvent("a"))
	}
	done := make(chan struct{})
	go func() {
		hub.Broadcast(statusEvent("overflow"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when channel is full")
	}
}

func TestWSHubStopIdempotent(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	hub.Stop()
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("second Stop() panicked: %v", r)
		}
	}()
	hub.Stop()
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-client.send; ok {
		t.Error("client.send should be closed after hub stop")
	}
}

func TestWSHubUnregisterNonExistentClient(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	unknown := &wsClient{send: make(chan []byte, 16)}
	hub.unregister <- unknown
	time.Sleep(10 * time.Millisecond)

	select {
	case unknown.send <- []byte("test"):
	default:
		t.Error("channel should still be open for non-registered client")
	}
}

func TestWSStreamsCoordinatorEvents(t *testing.T) {
	srv, ctrl := setupTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?device=plug", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Registration is asynchronous; keep emitting until the client sees one.
	go func() {
		for ctx.Err() == nil {
			ctrl.events.Emit(statusEvent("lamp"))
			ctrl.events.Emit(statusEvent("plug"))
			time.Sleep(20 * time.Millisecond)
		}
	}()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got struct {
		Type string                  `json:"type"`
		Data coordinator.StatusEvent `json:"data"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != coordinator.EventStatus || got.Data.DeviceID != "plug" {
		t.Errorf("got %s for %q", got.Type, got.Data.DeviceID)
	}
}
