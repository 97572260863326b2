package identity

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

const (
	GenderMale   = "M"
	GenderFemale = "F"
	GenderOther  = "OTHER"
)

// Patient is the scheduling store's patient record.
type Patient struct {
	ID               uuid.UUID `db:"id" json:"id"`
	FirstName        string    `db:"first_name" json:"first_name"`
	LastName         string    `db:"last_name" json:"last_name"`
	BirthDate        time.Time `db:"birth_date" json:"birth_date"`
	Gender           string    `db:"gender" json:"gender"`
	UniversalID      *string   `db:"universal_id" json:"universal_id,omitempty"`
	ArchivePatientID *string   `db:"archive_patient_id" json:"archive_patient_id,omitempty"`
	Active           bool      `db:"active" json:"active"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// HasValidUPI reports whether the patient carries a structurally valid UPI.
func (p *Patient) HasValidUPI() bool {
	return p.UniversalID != nil && Validate(*p.UniversalID)
}

func (p *Patient) Facts() PatientFacts {
	return PatientFacts{
		FirstName: p.FirstName,
		LastName:  p.LastName,
		BirthDate: p.BirthDate,
		Gender:    p.Gender,
	}
}

// DisplayName renders "First Last".
func (p *Patient) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// PatientFacts are the demographic inputs to UPI checksum computation.
type PatientFacts struct {
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	BirthDate time.Time `json:"birth_date"`
	Gender    string    `json:"gender"`
}

func (f PatientFacts) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.FirstName, validation.Required),
		validation.Field(&f.LastName, validation.Required),
		validation.Field(&f.BirthDate, validation.Required),
		validation.Field(&f.Gender, validation.In(GenderMale, GenderFemale, GenderOther)),
	)
}

// NormalizeGender maps a DICOM PatientSex value onto the store's gender codes.
func NormalizeGender(sex string) string {
	switch strings.ToUpper(strings.TrimSpace(sex)) {
	case "M":
		return GenderMale
	case "F":
		return GenderFemale
	case "":
		return ""
	default:
		return GenderOther
	}
}

// Statistics summarises identifier coverage across active patients.
type Statistics struct {
	TotalPatients       int     `json:"total_patients"`
	PatientsWithUPI     int     `json:"patients_with_upi"`
	PatientsWithValid   int     `json:"patients_with_valid_upi"`
	PatientsFromArchive int     `json:"patients_from_archive"`
	CoveragePercent     float64 `json:"coverage_percent"`
}

// DuplicateGroup is a set of patients sharing name and birth date.
type DuplicateGroup struct {
	FirstName  string      `json:"first_name"`
	LastName   string      `json:"last_name"`
	BirthDate  time.Time   `json:"birth_date"`
	PatientIDs []uuid.UUID `json:"patient_ids"`
	Confidence float64     `json:"confidence"`
}

// BackfillResult reports a BackfillIdentifiers run.
type BackfillResult struct {
	Checked  int      `json:"checked"`
	Assigned int      `json:"assigned"`
	Errors   []string `json:"errors"`
}
