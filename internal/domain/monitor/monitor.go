// Package monitor polls the archive for studies that were not there before
// and pushes each one through matching and linking.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/radris/risync/internal/domain/linking"
	"github.com/radris/risync/internal/domain/matching"
	"github.com/radris/risync/internal/platform/archive"
	"github.com/radris/risync/internal/platform/notification"
)

type State string

const (
	StateStopped      State = "stopped"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
)

const (
	DefaultInterval = 10 * time.Second
	MinInterval     = time.Second
)

var (
	ErrAlreadyRunning    = errors.New("monitor already running")
	ErrNotRunning        = errors.New("monitor is not running")
	ErrPollInProgress    = errors.New("a poll is already in progress")
	ErrIntervalTooShort  = fmt.Errorf("interval must be at least %s", MinInterval)
	ErrStoppedDuringInit = errors.New("monitor stopped during initialization")
)

// Matcher finds the exam a study belongs to.
type Matcher interface {
	Match(ctx context.Context, s archive.Study, opts matching.Options) matching.Result
}

// Linker commits a match.
type Linker interface {
	LinkMatch(ctx context.Context, s archive.Study, m matching.Result) (*linking.Outcome, error)
}

type Config struct {
	Interval time.Duration
	Jitter   time.Duration
}

// CheckResult summarizes one poll.
type CheckResult struct {
	NewStudies int      `json:"new_studies"`
	Matched    int      `json:"matched"`
	Linked     int      `json:"linked"`
	Unmatched  []string `json:"unmatched,omitempty"`
	Errors     []string `json:"errors,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

type Status struct {
	State           State      `json:"state"`
	Running         bool       `json:"running"`
	KnownStudyCount int        `json:"known_study_count"`
	IntervalMS      int64      `json:"interval_ms"`
	JitterMS        int64      `json:"jitter_ms"`
	Polls           int64      `json:"polls"`
	LastCheck       *time.Time `json:"last_check,omitempty"`
	LastNewStudies  int        `json:"last_new_studies"`
	LastError       string     `json:"last_error,omitempty"`
}

type Monitor struct {
	archive archive.Archive
	matcher Matcher
	linker  Linker
	events  notification.Publisher
	logger  zerolog.Logger

	mu        sync.Mutex
	state     State
	known     map[string]struct{}
	interval  time.Duration
	jitter    time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
	polls     int64
	lastCheck time.Time
	lastNew   int
	lastErr   string

	polling atomic.Bool
	now     func() time.Time
}

func New(a archive.Archive, m Matcher, l Linker, events notification.Publisher, cfg Config, logger zerolog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if events == nil {
		events = notification.Discard
	}
	return &Monitor{
		archive:  a,
		matcher:  m,
		linker:   l,
		events:   events,
		logger:   logger.With().Str("component", "monitor").Logger(),
		state:    StateStopped,
		known:    make(map[string]struct{}),
		interval: cfg.Interval,
		jitter:   cfg.Jitter,
		now:      time.Now,
	}
}

// Start seeds the known set from the archive's current contents and begins
// polling. Studies present at start never produce discovery events.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateStopped {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.state = StateInitializing
	m.mu.Unlock()

	studies, err := m.archive.ListStudies(ctx)
	if err != nil {
		m.mu.Lock()
		m.state = StateStopped
		m.lastErr = err.Error()
		m.mu.Unlock()
		m.logger.Error().Err(err).Msg("monitor initialization failed")
		m.events.Publish(ctx, notification.Event{
			Type:    notification.ReconciliationError,
			Message: "monitor initialization failed",
			Error:   err.Error(),
		})
		return err
	}

	m.mu.Lock()
	if m.state != StateInitializing {
		m.mu.Unlock()
		return ErrStoppedDuringInit
	}
	m.known = make(map[string]struct{}, len(studies))
	for _, s := range studies {
		if s.StudyReference != "" {
			m.known[s.StudyReference] = struct{}{}
		}
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state = StateRunning
	m.lastErr = ""
	known, interval := len(m.known), m.interval
	done := m.done
	m.mu.Unlock()

	go m.loop(loopCtx, done)

	m.logger.Info().Int("known_studies", known).Dur("interval", interval).Msg("monitor started")
	m.events.Publish(ctx, notification.Event{
		Type:    notification.MonitorStarted,
		Message: fmt.Sprintf("monitoring %d known studies", known),
		Data:    map[string]interface{}{"known_studies": known, "interval_ms": interval.Milliseconds()},
	})
	return nil
}

// Stop cancels polling and waits for an in-flight poll to finish. The known
// set is discarded; the next Start re-seeds it.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateStopped:
		m.mu.Unlock()
		return ErrNotRunning
	case StateInitializing:
		m.state = StateStopped
		m.mu.Unlock()
		return nil
	}
	cancel, done := m.cancel, m.done
	m.state = StateStopped
	m.cancel, m.done = nil, nil
	m.known = make(map[string]struct{})
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.logger.Info().Msg("monitor stopped")
	m.events.Publish(ctx, notification.Event{Type: notification.MonitorStopped, Message: "monitor stopped"})
	return nil
}

func (m *Monitor) nextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.interval
	if m.jitter > 0 {
		d += time.Duration(rand.Int63n(int64(m.jitter) + 1))
	}
	return d
}

// loop waits for each poll to finish before scheduling the next one.
// Cancelling ctx only stops the timer: a poll already under way runs to the
// end so that studies it took from the archive are matched and linked.
func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	pollCtx := context.WithoutCancel(ctx)
	for {
		timer := time.NewTimer(m.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := m.poll(pollCtx); err != nil && !errors.Is(err, ErrPollInProgress) {
			m.logger.Warn().Err(err).Msg("poll failed")
		}
	}
}

// Reset forgets every known study. The next poll treats the whole archive
// as new, re-announcing and re-matching it; exams already linked stay linked.
func (m *Monitor) Reset() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.known)
	m.known = make(map[string]struct{})
	m.logger.Info().Int("cleared", n).Msg("known studies reset")
	return n
}

// CheckNow runs one poll immediately and reports what it found.
func (m *Monitor) CheckNow(ctx context.Context) (*CheckResult, error) {
	m.mu.Lock()
	running := m.state == StateRunning
	m.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}
	return m.poll(ctx)
}

func (m *Monitor) poll(ctx context.Context) (res *CheckResult, err error) {
	if !m.polling.CompareAndSwap(false, true) {
		return nil, ErrPollInProgress
	}
	defer m.polling.Store(false)

	start := m.now()
	res = &CheckResult{}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll panicked: %v", r)
		}
		m.record(start, res, err)
		if err != nil {
			m.events.Publish(ctx, notification.Event{
				Type:    notification.ReconciliationError,
				Message: "archive poll failed",
				Error:   err.Error(),
			})
		}
	}()

	studies, err := m.archive.ListStudies(ctx)
	if err != nil {
		return res, err
	}

	fresh := m.diff(studies)
	res.NewStudies = len(fresh)
	for _, s := range fresh {
		m.process(ctx, s, res)
	}
	res.DurationMS = m.now().Sub(start).Milliseconds()
	if len(fresh) > 0 {
		m.logger.Info().
			Int("new_studies", res.NewStudies).
			Int("linked", res.Linked).
			Int("unmatched", len(res.Unmatched)).
			Msg("poll complete")
	}
	return res, nil
}

// diff adds unseen studies to the known set and returns them. Once Stop has
// run the set belongs to the next Start, so a late poll leaves it alone.
func (m *Monitor) diff(studies []archive.Study) []archive.Study {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return nil
	}
	var fresh []archive.Study
	for _, s := range studies {
		if s.StudyReference == "" {
			continue
		}
		if _, ok := m.known[s.StudyReference]; ok {
			continue
		}
		m.known[s.StudyReference] = struct{}{}
		fresh = append(fresh, s)
	}
	return fresh
}

func (m *Monitor) process(ctx context.Context, s archive.Study, res *CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("%s: panic: %v", s.StudyReference, r)
			res.Errors = append(res.Errors, msg)
			m.logger.Error().Str("study_reference", s.StudyReference).Interface("panic", r).Msg("study processing panicked")
		}
	}()

	name := archive.ParsePersonName(s.PatientName).Display()
	m.events.Publish(ctx, notification.Event{
		Type:            notification.StudyDiscovered,
		StudyReference:  s.StudyReference,
		PatientName:     name,
		Modality:        s.Modality(),
		AccessionNumber: s.AccessionNumber,
		Message:         fmt.Sprintf("new study for %s", name),
		Data: map[string]interface{}{
			"study_date":        s.StudyDate,
			"study_description": s.StudyDescription,
			"patient_id":        s.PatientArchiveID,
			"institution_name":  s.InstitutionName,
		},
	})

	match := m.matcher.Match(ctx, s, matching.Options{})
	if !match.Matched {
		res.Unmatched = append(res.Unmatched, s.StudyReference)
		m.logger.Info().Str("study_reference", s.StudyReference).Msg("no exam matched new study")
		return
	}
	res.Matched++

	out, err := m.linker.LinkMatch(ctx, s, match)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", s.StudyReference, err))
		m.events.Publish(ctx, notification.Event{
			Type:           notification.ReconciliationError,
			ExamID:         match.ExamID.String(),
			StudyReference: s.StudyReference,
			PatientName:    name,
			Error:          err.Error(),
		})
		return
	}
	if out.Linked {
		res.Linked++
	}
}

func (m *Monitor) record(start time.Time, res *CheckResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	m.lastCheck = start
	if err != nil {
		m.lastErr = err.Error()
		return
	}
	m.lastErr = ""
	if res != nil {
		m.lastNew = res.NewStudies
	}
}

// SetInterval changes the poll interval from the next reschedule on.
func (m *Monitor) SetInterval(d time.Duration) error {
	if d < MinInterval {
		return ErrIntervalTooShort
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = d
	return nil
}

func (m *Monitor) SetJitter(d time.Duration) error {
	if d < 0 {
		return errors.New("jitter must not be negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jitter = d
	return nil
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		State:           m.state,
		Running:         m.state == StateRunning,
		KnownStudyCount: len(m.known),
		IntervalMS:      m.interval.Milliseconds(),
		JitterMS:        m.jitter.Milliseconds(),
		Polls:           m.polls,
		LastNewStudies:  m.lastNew,
		LastError:       m.lastErr,
	}
	if !m.lastCheck.IsZero() {
		t := m.lastCheck
		s.LastCheck = &t
	}
	return s
}

// KnownStudies lists the study references seen since Start, sorted.
func (m *Monitor) KnownStudies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.known))
	for ref := range m.known {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}
