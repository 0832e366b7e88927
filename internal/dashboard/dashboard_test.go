package dashboard

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cortexos/cortexos/internal/events"
)

func TestServerRelaysEventToClient(t *testing.T) {
	bus := events.NewBus(16)
	srv := NewServer(nil, bus)

	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// give the server a moment to register the client before publishing.
	time.Sleep(20 * time.Millisecond)

	bus.Publish(events.Event{Type: events.WaveStart, RunID: "run-1", WaveIndex: 2})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var got events.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.RunID != "run-1" || got.WaveIndex != 2 || got.Type != events.WaveStart {
		t.Fatalf("unexpected relayed event: %+v", got)
	}
}

func TestServerDropsSlowClientWithoutBlocking(t *testing.T) {
	bus := events.NewBus(16)
	srv := NewServer(nil, bus)

	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	// Flood well past the per-client buffer without reading, then confirm
	// a subsequent broadcast still returns promptly rather than blocking.
	done := make(chan struct{})
	go func() {
		for i := 0; i < clientSendCap*4; i++ {
			bus.Publish(events.Event{Type: events.AgentProgress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
}
