// Package matching associates an archive study with the scheduled exam it
// belongs to. Strategies run in fixed precedence and the first hit wins.
package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/radris/risync/internal/domain/exam"
	"github.com/radris/risync/internal/platform/archive"
)

// DateTolerance is the half-width of the scheduling window around a study date.
const DateTolerance = 24 * time.Hour

// Result is the outcome of one matching attempt.
type Result struct {
	Matched    bool       `json:"matched"`
	ExamID     *uuid.UUID `json:"exam_id,omitempty"`
	Method     string     `json:"method,omitempty"`
	Confidence float64    `json:"confidence,omitempty"`

	Exam *exam.Exam `json:"-"`
}

// Options tune a single Match call.
type Options struct {
	// ExactDate narrows the patient-id strategy to the study's calendar day.
	// Callers set it when the archive holds several studies for the patient.
	ExactDate bool
}

type strategy struct {
	method     string
	confidence float64
	find       func(ctx context.Context, s archive.Study, opts Options) (*exam.Exam, error)
}

type Engine struct {
	exams  exam.Repository
	loc    *time.Location
	logger zerolog.Logger
}

// NewEngine interprets archive dates in loc, which should be the archive's
// local timezone.
func NewEngine(exams exam.Repository, loc *time.Location, logger zerolog.Logger) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		exams:  exams,
		loc:    loc,
		logger: logger.With().Str("component", "matching").Logger(),
	}
}

func (e *Engine) strategies() []strategy {
	return []strategy{
		{exam.MethodAccessionNumber, 1.0, e.byAccession},
		{exam.MethodPatientIDAndDate, 0.9, e.byPatientID},
		{exam.MethodPatientNameAndDate, 0.6, e.byPatientName},
	}
}

// Match never fails. A strategy that errors or panics counts as no match
// and the next one is tried.
func (e *Engine) Match(ctx context.Context, study archive.Study, opts Options) Result {
	log := e.logger.With().Str("study_reference", study.StudyReference).Logger()

	for _, s := range e.strategies() {
		found, err := e.attempt(ctx, s, study, opts)
		if err != nil {
			log.Warn().Err(err).Str("method", s.method).Msg("matching strategy failed")
			continue
		}
		if found == nil {
			continue
		}
		log.Debug().Str("method", s.method).Str("exam_id", found.ID.String()).Msg("study matched")
		id := found.ID
		return Result{Matched: true, ExamID: &id, Method: s.method, Confidence: s.confidence, Exam: found}
	}
	return Result{}
}

func (e *Engine) attempt(ctx context.Context, s strategy, study archive.Study, opts Options) (found *exam.Exam, err error) {
	defer func() {
		if r := recover(); r != nil {
			found, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	found, err = s.find(ctx, study, opts)
	if errors.Is(err, exam.ErrNotFound) {
		return nil, nil
	}
	return found, err
}

func (e *Engine) byAccession(ctx context.Context, s archive.Study, _ Options) (*exam.Exam, error) {
	if s.AccessionNumber == "" {
		return nil, nil
	}
	return e.exams.FindUnlinkedByAccession(ctx, s.AccessionNumber)
}

func (e *Engine) byPatientID(ctx context.Context, s archive.Study, opts Options) (*exam.Exam, error) {
	if s.PatientArchiveID == "" {
		return nil, nil
	}
	day, err := s.Date(e.loc)
	if err != nil {
		return nil, err
	}
	w := exam.AroundDay(day, DateTolerance)
	if opts.ExactDate {
		w = exam.SameDay(day)
	}
	return e.exams.FindUnlinkedByPatientIdentifier(ctx, s.PatientArchiveID, w)
}

func (e *Engine) byPatientName(ctx context.Context, s archive.Study, _ Options) (*exam.Exam, error) {
	name := archive.ParsePersonName(s.PatientName)
	if name.Given == "" && name.Family == "" {
		return nil, nil
	}
	day, err := s.Date(e.loc)
	if err != nil {
		return nil, err
	}
	return e.exams.FindUnlinkedByPatientName(ctx, name.Given, name.Family, exam.AroundDay(day, DateTolerance))
}
