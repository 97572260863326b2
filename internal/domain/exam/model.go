package exam

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusAcquired  Status = "acquired"
	StatusReporting Status = "reporting"
	StatusValidated Status = "validated"
	StatusCancelled Status = "cancelled"
	StatusEmergency Status = "emergency"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusAcquired, StatusReporting, StatusValidated, StatusCancelled, StatusEmergency:
		return true
	}
	return false
}

// Link methods recorded on an exam. The first three are matching strategies.
const (
	MethodAccessionNumber    = "accession_number"
	MethodPatientIDAndDate   = "patient_id_and_date"
	MethodPatientNameAndDate = "patient_name_and_date"
	MethodAccessionLookup    = "accession_lookup"
	MethodPatientLookup      = "patient_lookup"
	MethodManual             = "manual"
)

// Exam is a scheduled imaging exam from the worklist.
type Exam struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	PatientID       uuid.UUID  `db:"patient_id" json:"patient_id"`
	AccessionNumber *string    `db:"accession_number" json:"accession_number,omitempty"`
	ScheduledDate   time.Time  `db:"scheduled_date" json:"scheduled_date"`
	Status          Status     `db:"status" json:"status"`
	Modality        *string    `db:"modality" json:"modality,omitempty"`
	Description     *string    `db:"description" json:"description,omitempty"`
	StudyReference  *string    `db:"study_reference" json:"study_reference,omitempty"`
	ImagesAvailable bool       `db:"images_available" json:"images_available"`
	LinkMethod      *string    `db:"link_method" json:"link_method,omitempty"`
	LinkedAt        *time.Time `db:"linked_at" json:"linked_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`

	Patient PatientRef `json:"patient"`
}

// PatientRef is the slice of the patient record the linking path needs.
type PatientRef struct {
	FirstName        string  `json:"first_name"`
	LastName         string  `json:"last_name"`
	UniversalID      *string `json:"universal_id,omitempty"`
	ArchivePatientID *string `json:"archive_patient_id,omitempty"`
}

// Identifiers lists the archive-side identifiers the patient may be filed
// under, UPI first.
func (p PatientRef) Identifiers() []string {
	var ids []string
	if p.UniversalID != nil && *p.UniversalID != "" {
		ids = append(ids, *p.UniversalID)
	}
	if p.ArchivePatientID != nil && *p.ArchivePatientID != "" && (len(ids) == 0 || ids[0] != *p.ArchivePatientID) {
		ids = append(ids, *p.ArchivePatientID)
	}
	return ids
}

func (p PatientRef) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

func (e *Exam) IsLinked() bool {
	return e.StudyReference != nil && *e.StudyReference != ""
}

// Accession returns the accession number or "".
func (e *Exam) Accession() string {
	if e.AccessionNumber == nil {
		return ""
	}
	return *e.AccessionNumber
}

// ScheduledDateString renders the scheduled date in archive YYYYMMDD form.
func (e *Exam) ScheduledDateString(loc *time.Location) string {
	return e.ScheduledDate.In(loc).Format("20060102")
}

// Filter narrows exam listings.
type Filter struct {
	Linked *bool
	// NeedsImages selects non-cancelled exams that are unlinked or whose
	// linked study has no confirmed images.
	NeedsImages bool
	Status      Status
	From        *time.Time
	To          *time.Time
}

// Backfill carries archive metadata for fields an exam is missing.
type Backfill struct {
	AccessionNumber string
	Description     string
	Modality        string
}

func (b Backfill) Empty() bool {
	return b.AccessionNumber == "" && b.Description == "" && b.Modality == ""
}

// Statistics summarises link coverage over the worklist.
type Statistics struct {
	TotalExams     int     `json:"total_exams"`
	LinkedExams    int     `json:"linked_exams"`
	PendingExams   int     `json:"pending_exams"`
	WithImages     int     `json:"with_images"`
	LinkPercentage float64 `json:"link_percentage"`
}

// ComputePercentage fills LinkPercentage from the counts.
func (s *Statistics) ComputePercentage() {
	if s.TotalExams == 0 {
		s.LinkPercentage = 0
		return
	}
	s.LinkPercentage = float64(s.LinkedExams) * 100 / float64(s.TotalExams)
}
