package linking

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// Outcome of a conditional link write. PreconditionFailed means another
// writer got there first; callers treat it as a no-op.
type Outcome struct {
	Linked             bool      `json:"linked"`
	ExamID             uuid.UUID `json:"exam_id"`
	StudyReference     string    `json:"study_reference"`
	Method             string    `json:"method,omitempty"`
	PreconditionFailed bool      `json:"precondition_failed,omitempty"`
	Reason             string    `json:"reason,omitempty"`
}

const (
	ReasonAlreadyLinked        = "exam already linked"
	ReasonStudyLinkedElsewhere = "study linked to another exam"
)

// SyncResult reports one exam-to-archive sync. Success means the lookups
// completed, whether or not a link was made.
type SyncResult struct {
	ExamID          uuid.UUID `json:"exam_id"`
	Success         bool      `json:"success"`
	Linked          bool      `json:"linked"`
	AlreadyLinked   bool      `json:"already_linked,omitempty"`
	StudiesFound    int       `json:"studies_found"`
	StudyReference  string    `json:"study_reference,omitempty"`
	Method          string    `json:"method,omitempty"`
	ImagesAvailable bool      `json:"images_available"`
	Message         string    `json:"message,omitempty"`
	Error           string    `json:"error,omitempty"`
	SyncedAt        time.Time `json:"synced_at"`
}

type BatchResult struct {
	TotalExams        int          `json:"total_exams"`
	SuccessfulSyncs   int          `json:"successful_syncs"`
	FailedSyncs       int          `json:"failed_syncs"`
	LinkedExams       int          `json:"linked_exams"`
	TotalStudiesFound int          `json:"total_studies_found"`
	Results           []SyncResult `json:"results"`
	DurationMS        int64        `json:"duration_ms"`
}

// ViewerConfig points a web viewer at a linked study.
type ViewerConfig struct {
	ExamID          uuid.UUID `json:"exam_id"`
	StudyReference  string    `json:"study_reference"`
	ImagesAvailable bool      `json:"images_available"`
	ViewerURL       string    `json:"viewer_url"`
	DICOMWebURL     string    `json:"dicomweb_url"`
	WADORSRoot      string    `json:"wado_rs_root"`
	PatientName     string    `json:"patient_name"`
	Modality        string    `json:"modality,omitempty"`
	AccessionNumber string    `json:"accession_number,omitempty"`
}

// DateRange bounds a sync by scheduled date.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r DateRange) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.From, validation.Required),
		validation.Field(&r.To, validation.Required, validation.Min(r.From).Error("must not be before from")),
	)
}
