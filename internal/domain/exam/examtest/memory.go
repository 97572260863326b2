// Package examtest provides an in-memory exam.Repository for tests.
package examtest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/radris/risync/internal/domain/exam"
)

// Repo is a mutex-guarded map implementation of exam.Repository with the
// same conditional-write semantics as the Postgres repository.
type Repo struct {
	mu    sync.Mutex
	exams map[uuid.UUID]*exam.Exam

	// Err, when set, is returned by every candidate lookup.
	Err error
	// LinkCalls counts LinkStudy invocations.
	LinkCalls int
}

func New() *Repo {
	return &Repo{exams: make(map[uuid.UUID]*exam.Exam)}
}

// Add stores e, assigning an ID and defaults where missing.
func (r *Repo) Add(e *exam.Exam) *exam.Exam {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.PatientID == uuid.Nil {
		e.PatientID = uuid.New()
	}
	if e.Status == "" {
		e.Status = exam.StatusScheduled
	}
	e.CreatedAt = time.Now()
	r.exams[e.ID] = e
	return e
}

func (r *Repo) copyOf(e *exam.Exam) *exam.Exam {
	cp := *e
	return &cp
}

func (r *Repo) GetByID(ctx context.Context, id uuid.UUID) (*exam.Exam, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.exams[id]
	if !ok {
		return nil, exam.ErrNotFound
	}
	return r.copyOf(e), nil
}

func matches(e *exam.Exam, f exam.Filter) bool {
	if f.Linked != nil && e.IsLinked() != *f.Linked {
		return false
	}
	if f.NeedsImages && (e.Status == exam.StatusCancelled || (e.IsLinked() && e.ImagesAvailable)) {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.From != nil && e.ScheduledDate.Before(*f.From) {
		return false
	}
	if f.To != nil && e.ScheduledDate.After(*f.To) {
		return false
	}
	return true
}

func (r *Repo) sorted(f exam.Filter) []*exam.Exam {
	var out []*exam.Exam
	for _, e := range r.exams {
		if matches(e, f) {
			out = append(out, r.copyOf(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledDate.Before(out[j].ScheduledDate) })
	return out
}

func (r *Repo) List(ctx context.Context, f exam.Filter, limit, offset int) ([]*exam.Exam, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.sorted(f)
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (r *Repo) ListIDs(ctx context.Context, f exam.Filter) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for _, e := range r.sorted(f) {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

func candidate(e *exam.Exam) bool {
	return !e.IsLinked() && e.Status != exam.StatusCancelled
}

func (r *Repo) closest(w exam.Window, pred func(*exam.Exam) bool) (*exam.Exam, error) {
	var best *exam.Exam
	var bestDist time.Duration
	for _, e := range r.exams {
		if !candidate(e) || e.ScheduledDate.Before(w.From) || e.ScheduledDate.After(w.To) || !pred(e) {
			continue
		}
		d := e.ScheduledDate.Sub(w.Target)
		if d < 0 {
			d = -d
		}
		if best == nil || d < bestDist {
			best, bestDist = e, d
		}
	}
	if best == nil {
		return nil, exam.ErrNotFound
	}
	return r.copyOf(best), nil
}

func (r *Repo) FindUnlinkedByAccession(ctx context.Context, accession string) (*exam.Exam, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	for _, e := range r.exams {
		if candidate(e) && e.Accession() == accession {
			return r.copyOf(e), nil
		}
	}
	return nil, exam.ErrNotFound
}

func (r *Repo) FindUnlinkedByPatientIdentifier(ctx context.Context, identifier string, w exam.Window) (*exam.Exam, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	return r.closest(w, func(e *exam.Exam) bool {
		for _, id := range e.Patient.Identifiers() {
			if id == identifier {
				return true
			}
		}
		return false
	})
}

func (r *Repo) FindUnlinkedByPatientName(ctx context.Context, first, last string, w exam.Window) (*exam.Exam, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	if first == "" && last == "" {
		return nil, exam.ErrNotFound
	}
	contains := func(s, sub string) bool {
		return sub != "" && strings.Contains(strings.ToLower(s), strings.ToLower(sub))
	}
	return r.closest(w, func(e *exam.Exam) bool {
		return contains(e.Patient.FirstName, first) || contains(e.Patient.LastName, last)
	})
}

func (r *Repo) IsStudyLinked(ctx context.Context, ref string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.exams {
		if e.StudyReference != nil && *e.StudyReference == ref {
			return true, nil
		}
	}
	return false, nil
}

func (r *Repo) linkedElsewhere(id uuid.UUID, ref string) bool {
	for other, e := range r.exams {
		if other != id && e.StudyReference != nil && *e.StudyReference == ref {
			return true
		}
	}
	return false
}

func (r *Repo) setLink(e *exam.Exam, ref, method string) {
	now := time.Now()
	e.StudyReference = &ref
	e.ImagesAvailable = true
	e.LinkMethod = &method
	e.LinkedAt = &now
	if e.Status == exam.StatusScheduled {
		e.Status = exam.StatusAcquired
	}
}

func (r *Repo) LinkStudy(ctx context.Context, id uuid.UUID, ref, method string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LinkCalls++
	e, ok := r.exams[id]
	if !ok {
		return exam.ErrNotFound
	}
	if e.IsLinked() {
		return exam.ErrAlreadyLinked
	}
	if r.linkedElsewhere(id, ref) {
		return exam.ErrStudyLinkedElsewhere
	}
	r.setLink(e, ref, method)
	return nil
}

func (r *Repo) OverrideStudy(ctx context.Context, id uuid.UUID, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.exams[id]
	if !ok {
		return exam.ErrNotFound
	}
	if r.linkedElsewhere(id, ref) {
		return exam.ErrStudyLinkedElsewhere
	}
	r.setLink(e, ref, exam.MethodManual)
	return nil
}

func (r *Repo) SetImagesAvailable(ctx context.Context, id uuid.UUID, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.exams[id]
	if !ok {
		return exam.ErrNotFound
	}
	if e.IsLinked() {
		e.ImagesAvailable = available
	}
	return nil
}

func (r *Repo) BackfillMetadata(ctx context.Context, id uuid.UUID, b exam.Backfill) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.exams[id]
	if !ok {
		return false, exam.ErrNotFound
	}
	changed := false
	fill := func(dst **string, v string) {
		if *dst == nil && v != "" {
			s := v
			*dst = &s
			changed = true
		}
	}
	fill(&e.AccessionNumber, b.AccessionNumber)
	fill(&e.Description, b.Description)
	fill(&e.Modality, b.Modality)
	return changed, nil
}

func (r *Repo) ListLinked(ctx context.Context) ([]*exam.Exam, error) {
	linked := true
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(exam.Filter{Linked: &linked}), nil
}

func (r *Repo) Statistics(ctx context.Context) (*exam.Statistics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s exam.Statistics
	for _, e := range r.exams {
		if e.Status == exam.StatusCancelled {
			continue
		}
		s.TotalExams++
		if e.IsLinked() {
			s.LinkedExams++
		}
		if e.ImagesAvailable {
			s.WithImages++
		}
	}
	s.PendingExams = s.TotalExams - s.LinkedExams
	s.ComputePercentage()
	return &s, nil
}

var _ exam.Repository = (*Repo)(nil)

// Str returns a pointer to s.
func Str(s string) *string { return &s }
