// Package metasync runs the full metadata reconciliation pass: archive
// patients are mapped onto store patients, unlinked studies are matched and
// linked, and linked exams pick up metadata they are missing.
package metasync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/radris/risync/internal/domain/exam"
	"github.com/radris/risync/internal/domain/identity"
	"github.com/radris/risync/internal/domain/linking"
	"github.com/radris/risync/internal/domain/matching"
	"github.com/radris/risync/internal/platform/archive"
	"github.com/radris/risync/internal/platform/notification"
)

var ErrPassInProgress = errors.New("reconciliation pass already in progress")

// DefaultConcurrency bounds how many patients or studies a pass works on at
// once.
const DefaultConcurrency = 8

// Patients is the identity surface the pass needs.
type Patients interface {
	ResolveArchivePatient(ctx context.Context, f identity.PatientFacts, archivePatientID string) (*identity.Patient, identity.Resolution, error)
	BackfillIdentifiers(ctx context.Context) (*identity.BackfillResult, error)
}

type Matcher interface {
	Match(ctx context.Context, s archive.Study, opts matching.Options) matching.Result
}

type Linker interface {
	LinkMatch(ctx context.Context, s archive.Study, m matching.Result) (*linking.Outcome, error)
}

// Result reports one pass. Errors never abort the pass; they are collected.
type Result struct {
	Success             bool      `json:"success"`
	PatientsProcessed   int       `json:"patients_processed"`
	PatientsCreated     int       `json:"patients_created"`
	PatientsUpdated     int       `json:"patients_updated"`
	IdentifiersAssigned int       `json:"identifiers_assigned"`
	StudiesProcessed    int       `json:"studies_processed"`
	StudiesLinked       int       `json:"studies_linked"`
	ExamsUpdated        int       `json:"exams_updated"`
	Errors              []string  `json:"errors"`
	Warnings            []string  `json:"warnings"`
	StartedAt           time.Time `json:"started_at"`
	DurationMS          int64     `json:"duration_ms"`

	mu sync.Mutex
}

func (r *Result) errorf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) warnf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// inc bumps one counter; workers of the same pass share r.
func (r *Result) inc(counter *int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*counter++
}

type Service struct {
	archive  archive.Archive
	patients Patients
	exams    exam.Repository
	matcher  Matcher
	linker   Linker
	events   notification.Publisher
	logger   zerolog.Logger

	concurrency int

	pass sync.Mutex
	mu   sync.RWMutex
	last *Result
}

func NewService(a archive.Archive, patients Patients, exams exam.Repository, m Matcher, l Linker, events notification.Publisher, logger zerolog.Logger) *Service {
	if events == nil {
		events = notification.Discard
	}
	return &Service{
		archive:  a,
		patients: patients,
		exams:    exams,
		matcher:  m,
		linker:   l,
		events:   events,
		logger:   logger.With().Str("component", "metasync").Logger(),

		concurrency: DefaultConcurrency,
	}
}

// WithConcurrency sets the fan-out width of the per-patient and per-study
// steps. Values below 1 are ignored.
func (s *Service) WithConcurrency(n int) *Service {
	if n > 0 {
		s.concurrency = n
	}
	return s
}

// LastResult returns the most recent completed pass, or nil.
func (s *Service) LastResult() *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Run executes one pass. A second concurrent call gets ErrPassInProgress.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	if !s.pass.TryLock() {
		return nil, ErrPassInProgress
	}
	defer s.pass.Unlock()

	start := time.Now()
	res := &Result{Errors: []string{}, Warnings: []string{}, StartedAt: start}
	s.logger.Info().Msg("metadata reconciliation started")

	studies, err := s.archive.ListStudies(ctx)
	if err != nil {
		res.errorf("fetch studies: %v", err)
		s.finish(ctx, res, start)
		return res, nil
	}

	s.syncPatients(ctx, studies, res)
	s.backfillIdentifiers(ctx, res)
	s.linkStudies(ctx, studies, res)
	s.backfillExams(ctx, studies, res)

	s.finish(ctx, res, start)
	return res, nil
}

func (s *Service) finish(ctx context.Context, res *Result, start time.Time) {
	res.DurationMS = time.Since(start).Milliseconds()
	res.Success = len(res.Errors) == 0

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()

	data := map[string]interface{}{
		"patients_processed": res.PatientsProcessed,
		"patients_created":   res.PatientsCreated,
		"patients_updated":   res.PatientsUpdated,
		"studies_processed":  res.StudiesProcessed,
		"studies_linked":     res.StudiesLinked,
		"exams_updated":      res.ExamsUpdated,
		"errors":             len(res.Errors),
		"duration_ms":        res.DurationMS,
	}
	msg := fmt.Sprintf("%d/%d studies linked, %d patients created", res.StudiesLinked, res.StudiesProcessed, res.PatientsCreated)

	if !res.Success {
		s.logger.Warn().Int("errors", len(res.Errors)).Int64("duration_ms", res.DurationMS).Msg("metadata reconciliation finished with errors")
		s.events.Publish(ctx, notification.Event{
			Type:    notification.ReconciliationError,
			Message: msg,
			Error:   res.Errors[0],
			Data:    data,
		})
		return
	}
	s.logger.Info().
		Int("studies_linked", res.StudiesLinked).
		Int("patients_created", res.PatientsCreated).
		Int64("duration_ms", res.DurationMS).
		Msg("metadata reconciliation complete")
	s.events.Publish(ctx, notification.Event{
		Type:    notification.ReconciliationCompleted,
		Message: msg,
		Data:    data,
	})
}

// patientFacts derives demographics from the first study seen for a patient.
func patientFacts(st archive.Study) identity.PatientFacts {
	name := archive.ParsePersonName(st.PatientName)
	f := identity.PatientFacts{
		FirstName: name.Given,
		LastName:  name.Family,
		Gender:    identity.NormalizeGender(st.PatientSex),
	}
	if bd, err := st.BirthDate(); err == nil {
		f.BirthDate = bd
	}
	return f
}

// syncPatients resolves each distinct archive patient once. Distinct
// patients are resolved in parallel.
func (s *Service) syncPatients(ctx context.Context, studies []archive.Study, res *Result) {
	var firstStudies []archive.Study
	seen := make(map[string]struct{})
	for _, st := range studies {
		if st.PatientArchiveID == "" {
			res.errorf("study %s has no patient id", st.StudyReference)
			continue
		}
		if _, ok := seen[st.PatientArchiveID]; ok {
			continue
		}
		seen[st.PatientArchiveID] = struct{}{}
		firstStudies = append(firstStudies, st)
	}
	res.PatientsProcessed = len(firstStudies)

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, st := range firstStudies {
		st := st
		g.Go(func() error {
			s.syncPatient(ctx, st, res)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) syncPatient(ctx context.Context, st archive.Study, res *Result) {
	p, how, err := s.patients.ResolveArchivePatient(ctx, patientFacts(st), st.PatientArchiveID)
	if err != nil {
		res.errorf("patient %s: %v", st.PatientArchiveID, err)
		return
	}
	switch how {
	case identity.ResolutionCreated:
		res.inc(&res.PatientsCreated)
		s.events.Publish(ctx, notification.Event{
			Type:        notification.PatientCreated,
			PatientName: p.DisplayName(),
			Message:     "patient created from archive",
			Data: map[string]interface{}{
				"patient_id":         p.ID.String(),
				"universal_id":       deref(p.UniversalID),
				"archive_patient_id": st.PatientArchiveID,
			},
		})
	case identity.ResolutionUpdated:
		res.inc(&res.PatientsUpdated)
	}
	if identity.ChecksumDrift(p) {
		res.warnf("patient %s: universal id %s checksum does not match demographics", p.ID, deref(p.UniversalID))
	}
}

func (s *Service) backfillIdentifiers(ctx context.Context, res *Result) {
	bf, err := s.patients.BackfillIdentifiers(ctx)
	if err != nil {
		res.errorf("backfill identifiers: %v", err)
	}
	if bf == nil {
		return
	}
	res.IdentifiersAssigned = bf.Assigned
	res.Errors = append(res.Errors, bf.Errors...)
}

func (s *Service) linkStudies(ctx context.Context, studies []archive.Study, res *Result) {
	perPatient := make(map[string]int)
	for _, st := range studies {
		perPatient[st.PatientArchiveID]++
	}

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, st := range studies {
		if err := ctx.Err(); err != nil {
			res.errorf("link studies: %v", err)
			break
		}
		st := st
		exact := st.PatientArchiveID != "" && perPatient[st.PatientArchiveID] > 1
		g.Go(func() error {
			s.linkStudy(ctx, st, exact, res)
			return nil
		})
	}
	_ = g.Wait()
}

// linkStudy matches and links one study. Two studies racing for the same
// exam are settled by the conditional link write.
func (s *Service) linkStudy(ctx context.Context, st archive.Study, exact bool, res *Result) {
	res.inc(&res.StudiesProcessed)

	linked, err := s.exams.IsStudyLinked(ctx, st.StudyReference)
	if err != nil {
		res.errorf("study %s: %v", st.StudyReference, err)
		return
	}
	if linked {
		return
	}

	m := s.matcher.Match(ctx, st, matching.Options{ExactDate: exact})
	if !m.Matched {
		return
	}
	out, err := s.linker.LinkMatch(ctx, st, m)
	if err != nil {
		res.errorf("study %s: %v", st.StudyReference, err)
		return
	}
	if out.Linked {
		res.inc(&res.StudiesLinked)
	}
}

// backfillExams copies accession, description and modality onto linked exams
// that lack them. The study reference is never touched.
func (s *Service) backfillExams(ctx context.Context, studies []archive.Study, res *Result) {
	linked, err := s.exams.ListLinked(ctx)
	if err != nil {
		res.errorf("list linked exams: %v", err)
		return
	}
	byRef := make(map[string]archive.Study, len(studies))
	for _, st := range studies {
		byRef[st.StudyReference] = st
	}

	for _, e := range linked {
		if e.StudyReference == nil {
			continue
		}
		st, ok := byRef[*e.StudyReference]
		if !ok {
			continue
		}
		b := exam.Backfill{}
		if e.AccessionNumber == nil && st.AccessionNumber != "" {
			b.AccessionNumber = st.AccessionNumber
		}
		if e.Description == nil && st.StudyDescription != "" {
			b.Description = st.StudyDescription
		}
		if e.Modality == nil && st.Modality() != "" {
			b.Modality = st.Modality()
		}
		if b.Empty() {
			continue
		}
		changed, err := s.exams.BackfillMetadata(ctx, e.ID, b)
		if err != nil {
			res.errorf("exam %s: %v", e.ID, err)
			continue
		}
		if changed {
			res.ExamsUpdated++
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
