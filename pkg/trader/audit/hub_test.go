package audit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestRingKeepsRecentEvents(t *testing.T) {
	h := NewHub(3)
	go h.Run()
	defer h.Stop()

	for i := 0; i < 5; i++ {
		h.Publish(Event{Type: EventEdge, MatchID: string(rune('a' + i))})
	}

	// Broadcast is async; wait for the ring to settle.
	deadline := time.After(2 * time.Second)
	for {
		recent := h.Recent()
		if len(recent) == 3 {
			if recent[0].MatchID != "c" || recent[2].MatchID != "e" {
				t.Errorf("ring = %v", recent)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("ring = %d events, want 3", len(h.Recent()))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHeartbeatsSkipRing(t *testing.T) {
	h := NewHub(8)
	go h.Run()
	defer h.Stop()

	h.Publish(Event{Type: EventHeartbeat})
	h.Publish(Event{Type: EventDecision, MatchID: "m1"})

	deadline := time.After(2 * time.Second)
	for {
		recent := h.Recent()
		if len(recent) == 1 {
			if recent[0].Type != EventDecision {
				t.Errorf("ring = %v", recent)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("ring = %v", h.Recent())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWebSocketClientReceivesEvents(t *testing.T) {
	h := NewHub(16)
	go h.Run()
	defer h.Stop()

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait until the hub registers the client so the event isn't raced.
	deadline := time.After(2 * time.Second)
	for h.ClientCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("client never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	h.Publish(Event{Type: EventOrderResult, MatchID: "m1", Data: map[string]any{"order_id": "o-1"}})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != EventOrderResult || ev.MatchID != "m1" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}
