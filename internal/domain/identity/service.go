package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxAssignAttempts bounds regeneration when concurrent issuers in the same
// INSTITUTION-YEAR scope collide on a sequence number.
const maxAssignAttempts = 3

type Service struct {
	patients PatientRepository
	gen      *Generator
	logger   zerolog.Logger
}

func NewService(patients PatientRepository, gen *Generator, logger zerolog.Logger) *Service {
	return &Service{
		patients: patients,
		gen:      gen,
		logger:   logger.With().Str("component", "identity").Logger(),
	}
}

func (s *Service) Generator() *Generator { return s.gen }

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

// FindPatient resolves a patient by UPI, archive patient id or record id.
func (s *Service) FindPatient(ctx context.Context, identifier string) (*Patient, error) {
	p, err := s.patients.FindByIdentifier(ctx, identifier)
	if err == nil || !errors.Is(err, ErrPatientNotFound) {
		return p, err
	}
	if id, perr := uuid.Parse(identifier); perr == nil {
		return s.patients.GetByID(ctx, id)
	}
	return nil, err
}

// EnsureValid returns the patient's UPI, issuing and persisting a fresh one
// when it is missing or malformed. A valid UPI is never replaced.
func (s *Service) EnsureValid(ctx context.Context, patientID uuid.UUID) (string, error) {
	for attempt := 1; attempt <= maxAssignAttempts; attempt++ {
		p, err := s.patients.GetByID(ctx, patientID)
		if err != nil {
			return "", err
		}
		if p.HasValidUPI() {
			return *p.UniversalID, nil
		}

		upi, err := s.gen.Generate(ctx, p.Facts())
		if err != nil {
			return "", err
		}

		err = s.patients.SetUniversalID(ctx, p.ID, upi, p.UniversalID)
		switch {
		case err == nil:
			ev := s.logger.Info().Str("patient_id", p.ID.String()).Str("universal_id", upi)
			if p.UniversalID != nil {
				ev = ev.Str("replaced", *p.UniversalID)
			}
			ev.Msg("universal id assigned")
			return upi, nil
		case errors.Is(err, ErrDuplicateIdentifier), errors.Is(err, ErrConcurrentUpdate):
			s.logger.Debug().Err(err).Str("patient_id", p.ID.String()).Int("attempt", attempt).Msg("retrying universal id assignment")
		default:
			return "", fmt.Errorf("store universal id: %w", err)
		}
	}
	return "", &GenerationError{Err: fmt.Errorf("patient %s: gave up after %d attempts", patientID, maxAssignAttempts)}
}

// CreateWithIdentifier inserts p with a freshly issued UPI.
func (s *Service) CreateWithIdentifier(ctx context.Context, p *Patient) error {
	for attempt := 1; attempt <= maxAssignAttempts; attempt++ {
		upi, err := s.gen.Generate(ctx, p.Facts())
		if err != nil {
			return err
		}
		p.UniversalID = &upi

		err = s.patients.Create(ctx, p)
		if err == nil {
			s.logger.Info().Str("patient_id", p.ID.String()).Str("universal_id", upi).Msg("patient created")
			return nil
		}
		if !errors.Is(err, ErrDuplicateIdentifier) {
			return fmt.Errorf("create patient: %w", err)
		}
	}
	return &GenerationError{Err: fmt.Errorf("create patient: gave up after %d attempts", maxAssignAttempts)}
}

// Resolution says what ResolveArchivePatient had to do.
type Resolution string

const (
	ResolutionMatched Resolution = "matched"
	ResolutionUpdated Resolution = "updated"
	ResolutionCreated Resolution = "created"
)

// ResolveArchivePatient maps an archive patient onto a store patient. It
// looks the patient up by identifier, then by name and birth date, fills
// blanks on a hit and creates the patient otherwise. The returned patient
// always carries a valid UPI.
func (s *Service) ResolveArchivePatient(ctx context.Context, f PatientFacts, archivePatientID string) (*Patient, Resolution, error) {
	var (
		p   *Patient
		err = ErrPatientNotFound
	)
	if archivePatientID != "" {
		p, err = s.patients.FindByIdentifier(ctx, archivePatientID)
	}
	if errors.Is(err, ErrPatientNotFound) && f.FirstName != "" && f.LastName != "" && !f.BirthDate.IsZero() {
		p, err = s.patients.FindByDemographics(ctx, f.FirstName, f.LastName, f.BirthDate)
	}

	switch {
	case err == nil:
		res := ResolutionMatched
		changed, ferr := s.patients.FillMissing(ctx, p.ID, archivePatientID, f.Gender)
		if ferr != nil {
			return nil, "", fmt.Errorf("update patient %s: %w", p.ID, ferr)
		}
		if changed {
			res = ResolutionUpdated
		}
		upi, uerr := s.EnsureValid(ctx, p.ID)
		if uerr != nil {
			return nil, "", uerr
		}
		p.UniversalID = &upi
		if p.ArchivePatientID == nil && archivePatientID != "" {
			p.ArchivePatientID = &archivePatientID
		}
		return p, res, nil
	case errors.Is(err, ErrPatientNotFound):
	default:
		return nil, "", fmt.Errorf("find patient: %w", err)
	}

	if err := f.Validate(); err != nil {
		return nil, "", &ValidationError{Field: "archive patient", Value: archivePatientID, Reason: err.Error()}
	}
	np := &Patient{
		FirstName: f.FirstName,
		LastName:  f.LastName,
		BirthDate: f.BirthDate,
		Gender:    f.Gender,
	}
	if archivePatientID != "" {
		np.ArchivePatientID = &archivePatientID
	}
	if err := s.CreateWithIdentifier(ctx, np); err != nil {
		return nil, "", err
	}
	return np, ResolutionCreated, nil
}

// ChecksumDrift reports a valid UPI whose checksum no longer matches the
// patient's demographics. Drift is only reported; the UPI is never reissued.
func ChecksumDrift(p *Patient) bool {
	return p.HasValidUPI() && !VerifyChecksum(*p.UniversalID, p.Facts())
}

// AssignUPI records an externally supplied identifier. Malformed input is a
// ValidationError; an existing valid identifier is left alone.
func (s *Service) AssignUPI(ctx context.Context, patientID uuid.UUID, candidate string) error {
	if _, err := ParseUPI(candidate); err != nil {
		return err
	}
	p, err := s.patients.GetByID(ctx, patientID)
	if err != nil {
		return err
	}
	if p.HasValidUPI() {
		if *p.UniversalID == candidate {
			return nil
		}
		return ErrIdentifierAssigned
	}
	if err := s.patients.SetUniversalID(ctx, patientID, candidate, p.UniversalID); err != nil {
		return err
	}
	s.logger.Info().Str("patient_id", patientID.String()).Str("universal_id", candidate).Msg("universal id set manually")
	return nil
}

// BackfillIdentifiers gives every active patient without a valid UPI a new
// one. Patients are handled one at a time since they all draw from the same
// sequence scope.
func (s *Service) BackfillIdentifiers(ctx context.Context) (*BackfillResult, error) {
	pending, err := s.patients.ListWithoutValidUPI(ctx)
	if err != nil {
		return nil, fmt.Errorf("list patients without universal id: %w", err)
	}

	res := &BackfillResult{Errors: []string{}}
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++
		if _, err := s.EnsureValid(ctx, p.ID); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("patient %s: %v", p.ID, err))
			continue
		}
		res.Assigned++
	}
	return res, nil
}

func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	return s.patients.Statistics(ctx)
}

func (s *Service) FindPotentialDuplicates(ctx context.Context) ([]DuplicateGroup, error) {
	return s.patients.FindDuplicates(ctx)
}
