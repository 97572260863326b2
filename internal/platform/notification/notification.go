// Package notification is the in-process event bus the reconciliation engine
// reports through. Events are kept in a bounded ring for the admin API and
// fanned out to sinks such as the websocket hub. Delivery is best effort.
package notification

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/radris/risync/internal/platform/websocket"
)

type EventType string

const (
	StudyDiscovered         EventType = "study.discovered"
	StudyLinked             EventType = "study.linked"
	ReconciliationCompleted EventType = "reconciliation.completed"
	ReconciliationError     EventType = "reconciliation.error"
	PatientCreated          EventType = "patient.created"
	MonitorStarted          EventType = "monitor.started"
	MonitorStopped          EventType = "monitor.stopped"
)

// Topic groups event types for subscription purposes.
func (t EventType) Topic() string {
	switch t {
	case StudyDiscovered:
		return "studies"
	case StudyLinked:
		return "exams"
	case PatientCreated:
		return "patients"
	case MonitorStarted, MonitorStopped:
		return "monitor"
	default:
		return "reconciliation"
	}
}

// Event carries enough context for a UI to render a toast or log line.
type Event struct {
	ID              string                 `json:"id"`
	Type            EventType              `json:"type"`
	ExamID          string                 `json:"exam_id,omitempty"`
	StudyReference  string                 `json:"study_reference,omitempty"`
	PatientName     string                 `json:"patient_name,omitempty"`
	Modality        string                 `json:"modality,omitempty"`
	AccessionNumber string                 `json:"accession_number,omitempty"`
	Method          string                 `json:"method,omitempty"`
	Message         string                 `json:"message,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Data            map[string]interface{} `json:"data,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// Publisher is what reconciliation components depend on.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) {}

// Sink receives every published event.
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

type namedSink struct {
	name string
	sink Sink
}

// Stats summarizes bus activity since start.
type Stats struct {
	Published    int64               `json:"published"`
	Buffered     int                 `json:"buffered"`
	Capacity     int                 `json:"capacity"`
	ByType       map[EventType]int64 `json:"by_type"`
	SinkFailures map[string]int64    `json:"sink_failures"`
}

// Query filters Recent. Zero values mean "any".
type Query struct {
	Type  EventType
	Since time.Time
}

const DefaultCapacity = 500

type Bus struct {
	mu     sync.RWMutex
	ring   []Event
	next   int
	full   bool
	sinks  []namedSink
	stats  Stats
	logger zerolog.Logger
	now    func() time.Time
}

func NewBus(capacity int, logger zerolog.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		ring:   make([]Event, capacity),
		logger: logger.With().Str("component", "notification").Logger(),
		now:    time.Now,
		stats: Stats{
			Capacity:     capacity,
			ByType:       make(map[EventType]int64),
			SinkFailures: make(map[string]int64),
		},
	}
}

func (b *Bus) AddSink(name string, s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, namedSink{name: name, sink: s})
}

// Publish stamps the event, records it and hands it to every sink. Sink
// failures are logged and counted, never returned.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}

	b.mu.Lock()
	b.ring[b.next] = e
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
	b.stats.Published++
	b.stats.ByType[e.Type]++
	sinks := b.sinks
	b.mu.Unlock()

	evt := b.logger.Info()
	if e.Type == ReconciliationError {
		evt = b.logger.Warn()
	}
	evt.Str("event", string(e.Type)).
		Str("exam_id", e.ExamID).
		Str("study_reference", e.StudyReference).
		Str("error", e.Error).
		Msg(e.describe())

	for _, s := range sinks {
		if err := s.sink.Deliver(ctx, e); err != nil {
			b.logger.Warn().Err(err).Str("sink", s.name).Str("event", string(e.Type)).Msg("sink delivery failed")
			b.mu.Lock()
			b.stats.SinkFailures[s.name]++
			b.mu.Unlock()
		}
	}
}

func (e Event) describe() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Type)
}

// Recent returns buffered events newest first.
func (b *Bus) Recent(q Query) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.next
	if b.full {
		n = len(b.ring)
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		idx := (b.next - 1 - i + len(b.ring)) % len(b.ring)
		e := b.ring[idx]
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		Published:    b.stats.Published,
		Capacity:     b.stats.Capacity,
		Buffered:     b.next,
		ByType:       make(map[EventType]int64, len(b.stats.ByType)),
		SinkFailures: make(map[string]int64, len(b.stats.SinkFailures)),
	}
	if b.full {
		s.Buffered = len(b.ring)
	}
	for k, v := range b.stats.ByType {
		s.ByType[k] = v
	}
	for k, v := range b.stats.SinkFailures {
		s.SinkFailures[k] = v
	}
	return s
}

// HubSink pushes events to websocket clients subscribed to the event topic.
type HubSink struct {
	Hub *websocket.Hub
}

func (s HubSink) Deliver(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.Hub.Publish(ctx, websocket.Message{
		ID:        e.ID,
		Type:      string(e.Type),
		Topic:     e.Type.Topic(),
		Timestamp: e.Timestamp,
		Data:      data,
	})
}

var _ Publisher = (*Bus)(nil)
