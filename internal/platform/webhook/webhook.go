// Package webhook forwards notification events to an external HTTP endpoint.
// Payloads are signed with HMAC-SHA256 so receivers can authenticate them.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/radris/risync/internal/platform/notification"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
	TimestampHeader = "X-Webhook-Timestamp"

	defaultQueueSize = 256
)

var ErrQueueFull = errors.New("webhook queue full")

type Config struct {
	URL    string
	Secret string
	// Events lists the event types to forward. "study.*" matches every
	// event with that prefix; empty forwards everything.
	Events     []string
	Timeout    time.Duration
	QueueSize  int
	RetryDelay []time.Duration
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(strings.TrimPrefix(signature, "sha256=")))
}

func eventMatches(pattern string, t notification.EventType) bool {
	if pattern == "*" || pattern == string(t) {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(string(t), strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// Sink queues events and delivers them from a single worker, so a slow
// receiver never blocks the publisher.
type Sink struct {
	cfg    Config
	client *http.Client
	queue  chan notification.Event
	logger zerolog.Logger

	mu        sync.Mutex
	delivered int64
	failed    int64
}

func NewSink(cfg Config, logger zerolog.Logger) (*Sink, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("webhook url must be an absolute http(s) url, got %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.RetryDelay == nil {
		cfg.RetryDelay = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}
	}
	return &Sink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan notification.Event, cfg.QueueSize),
		logger: logger.With().Str("component", "webhook").Logger(),
	}, nil
}

func (s *Sink) wants(t notification.EventType) bool {
	if len(s.cfg.Events) == 0 {
		return true
	}
	for _, p := range s.cfg.Events {
		if eventMatches(p, t) {
			return true
		}
	}
	return false
}

// Deliver enqueues e. It fails only when the queue is full.
func (s *Sink) Deliver(_ context.Context, e notification.Event) error {
	if !s.wants(e.Type) {
		return nil
	}
	select {
	case s.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.queue:
			s.deliverWithRetry(ctx, e)
		}
	}
}

func (s *Sink) deliverWithRetry(ctx context.Context, e notification.Event) {
	var err error
	for attempt := 0; ; attempt++ {
		if err = s.post(ctx, e); err == nil {
			s.mu.Lock()
			s.delivered++
			s.mu.Unlock()
			return
		}
		if attempt >= len(s.cfg.RetryDelay) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RetryDelay[attempt]):
		}
	}
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
	s.logger.Warn().Err(err).Str("event", string(e.Type)).Str("event_id", e.ID).Msg("webhook delivery failed")
}

func (s *Sink) post(ctx context.Context, e notification.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(e.Type))
	req.Header.Set(TimestampHeader, e.Timestamp.UTC().Format(time.RFC3339))
	if s.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, s.cfg.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

// Counts returns delivered and permanently failed event totals.
func (s *Sink) Counts() (delivered, failed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered, s.failed
}

var _ notification.Sink = (*Sink)(nil)
