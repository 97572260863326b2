package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound = errors.New("patient not found")
	// ErrDuplicateIdentifier means another patient already holds the UPI.
	ErrDuplicateIdentifier = errors.New("universal id already issued")
	// ErrConcurrentUpdate means the patient's UPI changed between read and write.
	ErrConcurrentUpdate = errors.New("universal id changed concurrently")
	// ErrIdentifierAssigned guards a valid UPI against replacement.
	ErrIdentifierAssigned = errors.New("patient already has a valid universal id")
)

type PatientRepository interface {
	SequenceSource

	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// FindByIdentifier matches the UPI or the archive-native patient id.
	FindByIdentifier(ctx context.Context, identifier string) (*Patient, error)
	// FindByDemographics matches first and last name case-insensitively and
	// the birth date exactly.
	FindByDemographics(ctx context.Context, firstName, lastName string, birthDate time.Time) (*Patient, error)
	// FillMissing sets archive patient id and gender only where they are
	// empty and reports whether anything changed.
	FillMissing(ctx context.Context, id uuid.UUID, archivePatientID, gender string) (bool, error)
	// SetUniversalID writes upi only if the stored value still equals
	// expected (nil meaning unset).
	SetUniversalID(ctx context.Context, id uuid.UUID, upi string, expected *string) error
	ListWithoutValidUPI(ctx context.Context) ([]*Patient, error)
	Statistics(ctx context.Context) (*Statistics, error)
	FindDuplicates(ctx context.Context) ([]DuplicateGroup, error)
}
