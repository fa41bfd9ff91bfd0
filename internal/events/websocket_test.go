package events

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHandler_StreamsEvents(t *testing.T) {
	bus := NewBus(nil)
	ts := httptest.NewServer(NewHandler(bus, nil))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(Event{Type: SessionRemoved, SessionID: "abc", Reason: ReasonIdleTimeout})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Type != SessionRemoved || got.SessionID != "abc" || got.Reason != ReasonIdleTimeout {
		t.Fatalf("event=%+v", got)
	}
}

func TestHandler_ClientDisconnectUnsubscribes(t *testing.T) {
	bus := NewBus(nil)
	ts := httptest.NewServer(NewHandler(bus, nil))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for bus.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber still registered after client disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
