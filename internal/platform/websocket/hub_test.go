package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient([]string{"studies"})

	hub.Register(c)
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}

	hub.Unregister(c)
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if _, ok := <-c.Send; ok {
		t.Error("expected Send channel to be closed")
	}

	// second unregister must not panic on the closed channel
	hub.Unregister(c)
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	subscriber := newClient([]string{"studies"})
	other := newClient([]string{"exams"})
	hub.Register(subscriber)
	hub.Register(other)

	sent := hub.Broadcast(Message{ID: "1", Type: "study.discovered", Topic: "studies", Timestamp: time.Now()})
	if sent != 1 {
		t.Fatalf("expected 1 recipient, got %d", sent)
	}

	select {
	case raw := <-subscriber.Send:
		var got Message
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("failed to unmarshal: %v", err)
		}
		if got.Type != "study.discovered" {
			t.Errorf("expected study.discovered, got %s", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive message")
	}

	select {
	case <-other.Send:
		t.Fatal("non-subscriber should not receive message")
	default:
	}
}

func TestHub_AllTopics(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient([]string{AllTopics})
	hub.Register(c)

	for _, topic := range []string{"studies", "exams", "reconciliation"} {
		if err := hub.Publish(context.Background(), Message{Type: "x", Topic: topic}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(c.Send) != 3 {
		t.Errorf("expected 3 queued messages, got %d", len(c.Send))
	}
}

func TestHub_ProcessMessage(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient(nil)
	hub.Register(c)

	hub.ProcessMessage(c, ClientMessage{Action: "subscribe", Topics: []string{"exams"}})
	if hub.Broadcast(Message{Topic: "exams"}) != 1 {
		t.Fatal("expected delivery after subscribe")
	}

	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Topics: []string{"exams"}})
	if hub.Broadcast(Message{Topic: "exams"}) != 0 {
		t.Fatal("expected no delivery after unsubscribe")
	}
}

func TestHub_SlowClientDropsMessages(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &Client{ID: "slow", Send: make(chan []byte, 1), topics: map[string]struct{}{AllTopics: {}}}
	hub.Register(c)

	hub.Broadcast(Message{Topic: "studies"})
	hub.Broadcast(Message{Topic: "studies"})
	hub.Broadcast(Message{Topic: "studies"})

	if hub.Dropped() != 2 {
		t.Errorf("expected 2 dropped, got %d", hub.Dropped())
	}
}

func TestHandler_Connect(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub, nil).RegisterRoutes(e.Group("/api/v1"))
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?topics=studies"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}

	hub.Broadcast(Message{ID: "m1", Type: "study.linked", Topic: "studies"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var got Message
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if got.ID != "m1" || got.Type != "study.linked" {
		t.Errorf("unexpected message %+v", got)
	}
}

func TestHandler_RejectsOrigin(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub, []string{"https://ris.example.org"}).RegisterRoutes(e.Group(""))
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, _, err := gorillawebsocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatal("expected dial to fail for disallowed origin")
	}
}
