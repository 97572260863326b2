package exam

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("exam not found")
	// ErrAlreadyLinked is the precondition failure of a conditional link:
	// the exam already carries a study reference.
	ErrAlreadyLinked = errors.New("exam already linked to a study")
	// ErrStudyLinkedElsewhere means the study is bound to a different exam.
	ErrStudyLinkedElsewhere = errors.New("study already linked to another exam")
)

// Window bounds a date search and names the instant candidates are ranked
// against.
type Window struct {
	From   time.Time
	To     time.Time
	Target time.Time
}

// AroundDay returns the window [day-tolerance, day+tolerance] ranked against day.
func AroundDay(day time.Time, tolerance time.Duration) Window {
	return Window{From: day.Add(-tolerance), To: day.Add(tolerance), Target: day}
}

// SameDay returns the window covering the calendar day of day.
func SameDay(day time.Time) Window {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return Window{From: start, To: start.Add(24*time.Hour - time.Nanosecond), Target: start}
}

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Exam, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Exam, int, error)
	ListIDs(ctx context.Context, f Filter) ([]uuid.UUID, error)

	// Candidate lookups only consider exams without a study reference. When
	// several qualify, the one scheduled closest to the window target wins.
	FindUnlinkedByAccession(ctx context.Context, accession string) (*Exam, error)
	FindUnlinkedByPatientIdentifier(ctx context.Context, identifier string, w Window) (*Exam, error)
	FindUnlinkedByPatientName(ctx context.Context, firstName, lastName string, w Window) (*Exam, error)

	IsStudyLinked(ctx context.Context, studyReference string) (bool, error)

	// LinkStudy sets the study reference only if none is set, marks images
	// available and advances a scheduled exam to acquired, as one write.
	LinkStudy(ctx context.Context, id uuid.UUID, studyReference, method string) error
	// OverrideStudy replaces the study reference unconditionally.
	OverrideStudy(ctx context.Context, id uuid.UUID, studyReference string) error
	SetImagesAvailable(ctx context.Context, id uuid.UUID, available bool) error
	// BackfillMetadata fills empty accession, description and modality
	// fields and reports whether anything changed.
	BackfillMetadata(ctx context.Context, id uuid.UUID, b Backfill) (bool, error)

	ListLinked(ctx context.Context) ([]*Exam, error)
	Statistics(ctx context.Context) (*Statistics, error)
}
