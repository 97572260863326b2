// Package archivetest provides an in-memory archive.Archive for tests.
package archivetest

import (
	"context"
	"sync"

	"github.com/radris/risync/internal/platform/archive"
)

type Fake struct {
	mu      sync.Mutex
	studies []archive.Study

	// Err is returned by every call when set.
	Err error
	// FailFor makes lookups for the given accession number or patient id fail.
	FailFor map[string]error
	// Calls counts ListStudies invocations.
	Calls int
}

func New(studies ...archive.Study) *Fake {
	return &Fake{studies: studies, FailFor: make(map[string]error)}
}

func (f *Fake) Add(s ...archive.Study) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.studies = append(f.studies, s...)
}

// Remove deletes the study with the given reference.
func (f *Fake) Remove(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.studies[:0]
	for _, s := range f.studies {
		if s.StudyReference != ref {
			out = append(out, s)
		}
	}
	f.studies = out
}

func (f *Fake) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

func (f *Fake) ListStudies(ctx context.Context) ([]archive.Study, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]archive.Study(nil), f.studies...), nil
}

func (f *Fake) ListPatients(ctx context.Context) ([]archive.Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	byID := make(map[string]*archive.Patient)
	var order []string
	for _, s := range f.studies {
		p, ok := byID[s.PatientArchiveID]
		if !ok {
			p = &archive.Patient{
				ArchiveID: "p-" + s.PatientArchiveID,
				PatientID: s.PatientArchiveID,
				Name:      s.PatientName,
				BirthDate: s.PatientBirthDate,
				Sex:       s.PatientSex,
			}
			byID[s.PatientArchiveID] = p
			order = append(order, s.PatientArchiveID)
		}
		p.StudyIDs = append(p.StudyIDs, s.ArchiveID)
	}
	out := make([]archive.Patient, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func (f *Fake) find(key string, pred func(archive.Study) bool) ([]archive.Study, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if err := f.FailFor[key]; err != nil {
		return nil, err
	}
	var out []archive.Study
	for _, s := range f.studies {
		if pred(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *Fake) FindStudiesByAccessionNumber(ctx context.Context, accession string) ([]archive.Study, error) {
	return f.find(accession, func(s archive.Study) bool { return s.AccessionNumber == accession })
}

func (f *Fake) FindStudiesByPatientID(ctx context.Context, patientID string) ([]archive.Study, error) {
	return f.find(patientID, func(s archive.Study) bool { return s.PatientArchiveID == patientID })
}

func (f *Fake) GetStudy(ctx context.Context, ref string) (*archive.Study, error) {
	studies, err := f.find(ref, func(s archive.Study) bool { return s.StudyReference == ref })
	if err != nil {
		return nil, err
	}
	if len(studies) == 0 {
		return nil, archive.ErrNotFound
	}
	return &studies[0], nil
}

func (f *Fake) TestConnection(ctx context.Context) (*archive.SystemInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return &archive.SystemInfo{Name: "fake", Version: "test"}, nil
}

var _ archive.Archive = (*Fake)(nil)

// ListCalls returns Calls under the lock, for tests that poll concurrently.
func (f *Fake) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}
