package archive

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the DICOM DA value representation.
const DateLayout = "20060102"

// Study describes one imaging study held by the archive.
type Study struct {
	StudyReference   string   `json:"study_reference"`
	ArchiveID        string   `json:"archive_id"`
	PatientArchiveID string   `json:"patient_archive_id"`
	PatientName      string   `json:"patient_name"`
	PatientBirthDate string   `json:"patient_birth_date,omitempty"`
	PatientSex       string   `json:"patient_sex,omitempty"`
	AccessionNumber  string   `json:"accession_number,omitempty"`
	StudyDate        string   `json:"study_date"`
	StudyTime        string   `json:"study_time,omitempty"`
	StudyDescription string   `json:"study_description,omitempty"`
	Modalities       []string `json:"modalities,omitempty"`
	InstitutionName  string   `json:"institution_name,omitempty"`
	SeriesCount      int      `json:"series_count"`
}

// Modality joins the modalities in the study, e.g. "CT/PT".
func (s Study) Modality() string {
	return strings.Join(s.Modalities, "/")
}

// Date parses StudyDate as midnight in loc.
func (s Study) Date(loc *time.Location) (time.Time, error) {
	return ParseDate(s.StudyDate, loc)
}

// BirthDate parses PatientBirthDate as a UTC calendar date.
func (s Study) BirthDate() (time.Time, error) {
	return ParseDate(s.PatientBirthDate, time.UTC)
}

// ParseDate parses a DICOM DA value. Anything other than eight digits is an
// error.
func ParseDate(da string, loc *time.Location) (time.Time, error) {
	da = strings.TrimSpace(da)
	if len(da) != len(DateLayout) {
		return time.Time{}, fmt.Errorf("invalid DICOM date %q", da)
	}
	return time.ParseInLocation(DateLayout, da, loc)
}

// Patient is an archive-side patient entry.
type Patient struct {
	ArchiveID string   `json:"archive_id"`
	PatientID string   `json:"patient_id"`
	Name      string   `json:"name"`
	BirthDate string   `json:"birth_date,omitempty"`
	Sex       string   `json:"sex,omitempty"`
	StudyIDs  []string `json:"study_ids,omitempty"`
}

// PersonName is a decoded DICOM PN value.
type PersonName struct {
	Family string
	Given  string
	Middle string
}

// ParsePersonName splits "Family^Given^Middle". Values without a caret are
// treated as free text "Given Family...": the first word is the given name
// and the rest the family name.
func ParsePersonName(pn string) PersonName {
	pn = strings.TrimSpace(pn)
	if pn == "" {
		return PersonName{}
	}
	if strings.Contains(pn, "^") {
		parts := strings.Split(pn, "^")
		n := PersonName{Family: strings.TrimSpace(parts[0])}
		if len(parts) > 1 {
			n.Given = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			n.Middle = strings.TrimSpace(parts[2])
		}
		return n
	}
	words := strings.Fields(pn)
	n := PersonName{Given: words[0]}
	if len(words) > 1 {
		n.Family = strings.Join(words[1:], " ")
	}
	return n
}

// Display renders "Given Family".
func (n PersonName) Display() string {
	return strings.TrimSpace(strings.Join(strings.Fields(n.Given+" "+n.Middle+" "+n.Family), " "))
}

// SystemInfo is returned by the archive's system endpoint.
type SystemInfo struct {
	Name       string `json:"Name"`
	Version    string `json:"Version"`
	APIVersion int    `json:"ApiVersion"`
	DicomAET   string `json:"DicomAet"`
}
