package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/radris/risync/internal/platform/websocket"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Deliver(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func TestBus_PublishStampsAndStores(t *testing.T) {
	bus := NewBus(10, zerolog.Nop())
	bus.Publish(context.Background(), Event{Type: StudyDiscovered, StudyReference: "1.2.3"})

	recent := bus.Recent(Query{})
	if len(recent) != 1 {
		t.Fatalf("expected 1 event, got %d", len(recent))
	}
	e := recent[0]
	if e.ID == "" || e.Timestamp.IsZero() {
		t.Errorf("expected id and timestamp to be set, got %+v", e)
	}
	if e.StudyReference != "1.2.3" {
		t.Errorf("unexpected study reference %q", e.StudyReference)
	}
}

func TestBus_RingKeepsNewest(t *testing.T) {
	bus := NewBus(3, zerolog.Nop())
	for _, ref := range []string{"a", "b", "c", "d", "e"} {
		bus.Publish(context.Background(), Event{Type: StudyDiscovered, StudyReference: ref})
	}

	recent := bus.Recent(Query{})
	if len(recent) != 3 {
		t.Fatalf("expected 3 buffered events, got %d", len(recent))
	}
	if recent[0].StudyReference != "e" || recent[2].StudyReference != "c" {
		t.Errorf("expected newest first [e d c], got %s %s %s",
			recent[0].StudyReference, recent[1].StudyReference, recent[2].StudyReference)
	}

	stats := bus.Stats()
	if stats.Published != 5 || stats.Buffered != 3 || stats.ByType[StudyDiscovered] != 5 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestBus_RecentFilters(t *testing.T) {
	bus := NewBus(10, zerolog.Nop())
	base := time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)
	bus.Publish(context.Background(), Event{Type: StudyDiscovered, Timestamp: base})
	bus.Publish(context.Background(), Event{Type: StudyLinked, Timestamp: base.Add(time.Minute)})
	bus.Publish(context.Background(), Event{Type: StudyLinked, Timestamp: base.Add(2 * time.Minute)})

	if got := bus.Recent(Query{Type: StudyLinked}); len(got) != 2 {
		t.Errorf("expected 2 linked events, got %d", len(got))
	}
	if got := bus.Recent(Query{Since: base.Add(90 * time.Second)}); len(got) != 1 {
		t.Errorf("expected 1 event after since, got %d", len(got))
	}
}

func TestBus_SinkFailureIsCounted(t *testing.T) {
	bus := NewBus(10, zerolog.Nop())
	good := &recordingSink{}
	bad := &recordingSink{err: errors.New("socket closed")}
	bus.AddSink("good", good)
	bus.AddSink("bad", bad)

	bus.Publish(context.Background(), Event{Type: ReconciliationError, Error: "archive unreachable"})

	if len(good.events) != 1 || len(bad.events) != 1 {
		t.Fatalf("expected both sinks to be called, got %d and %d", len(good.events), len(bad.events))
	}
	if bus.Stats().SinkFailures["bad"] != 1 {
		t.Errorf("expected one failure for bad sink, got %v", bus.Stats().SinkFailures)
	}
}

func TestEventType_Topic(t *testing.T) {
	tests := map[EventType]string{
		StudyDiscovered:         "studies",
		StudyLinked:             "exams",
		PatientCreated:          "patients",
		MonitorStarted:          "monitor",
		ReconciliationCompleted: "reconciliation",
		ReconciliationError:     "reconciliation",
	}
	for typ, want := range tests {
		if got := typ.Topic(); got != want {
			t.Errorf("%s.Topic() = %s, want %s", typ, got, want)
		}
	}
}

func TestHubSink_Deliver(t *testing.T) {
	hub := websocket.NewHub(zerolog.Nop())
	bus := NewBus(10, zerolog.Nop())
	bus.AddSink("websocket", HubSink{Hub: hub})

	// no clients: delivery is still successful
	bus.Publish(context.Background(), Event{Type: StudyLinked, ExamID: "e1"})
	if len(bus.Stats().SinkFailures) != 0 {
		t.Errorf("unexpected sink failures %v", bus.Stats().SinkFailures)
	}
}

func TestHandler_List(t *testing.T) {
	bus := NewBus(10, zerolog.Nop())
	for i := 0; i < 3; i++ {
		bus.Publish(context.Background(), Event{Type: StudyLinked})
	}
	bus.Publish(context.Background(), Event{Type: StudyDiscovered})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/notifications?type=study.linked&limit=2", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := NewHandler(bus).List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data    []Event `json:"data"`
		Total   int     `json:"total"`
		HasMore bool    `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body.Total != 3 || len(body.Data) != 2 || !body.HasMore {
		t.Errorf("unexpected page %+v", body)
	}
}

func TestHandler_ListBadSince(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/notifications?since=yesterday", nil)
	rec := httptest.NewRecorder()

	err := NewHandler(NewBus(1, zerolog.Nop())).List(e.NewContext(req, rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_Stats(t *testing.T) {
	bus := NewBus(10, zerolog.Nop())
	bus.Publish(context.Background(), Event{Type: MonitorStarted})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/notifications/stats", nil)
	rec := httptest.NewRecorder()
	if err := NewHandler(bus).Stats(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var stats Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if stats.Published != 1 || stats.ByType[MonitorStarted] != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}
