package matching

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/radris/risync/internal/domain/exam"
	"github.com/radris/risync/internal/domain/exam/examtest"
	"github.com/radris/risync/internal/platform/archive"
)

func at(day, hour int) time.Time {
	return time.Date(2024, 3, day, hour, 0, 0, 0, time.UTC)
}

func newExam(accession string, scheduled time.Time, first, last, upi string) *exam.Exam {
	e := &exam.Exam{
		ScheduledDate: scheduled,
		Patient:       exam.PatientRef{FirstName: first, LastName: last},
	}
	if accession != "" {
		e.AccessionNumber = examtest.Str(accession)
	}
	if upi != "" {
		e.Patient.UniversalID = examtest.Str(upi)
	}
	return e
}

func study(accession, patientID, name, date string) archive.Study {
	return archive.Study{
		StudyReference:   "1.2.840.10008.1",
		PatientArchiveID: patientID,
		PatientName:      name,
		AccessionNumber:  accession,
		StudyDate:        date,
		Modalities:       []string{"CT"},
	}
}

func TestMatch_AccessionNumber(t *testing.T) {
	repo := examtest.New()
	target := repo.Add(newExam("24031200001", at(12, 9), "Jean", "Dupont", "RAD-2024-000001-P9"))
	engine := NewEngine(repo, time.UTC, zerolog.Nop())

	res := engine.Match(context.Background(), study("24031200001", "RAD-2024-000001-P9", "DUPONT^JEAN", "20240312"), Options{})
	if !res.Matched {
		t.Fatal("expected a match")
	}
	if *res.ExamID != target.ID || res.Method != exam.MethodAccessionNumber {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Confidence != 1.0 {
		t.Errorf("expected highest confidence, got %v", res.Confidence)
	}
}

func TestMatch_PrecedenceStopsAtFirstHit(t *testing.T) {
	repo := examtest.New()
	byAccession := repo.Add(newExam("24031200001", at(20, 9), "Other", "Person", ""))
	repo.Add(newExam("", at(12, 9), "Jean", "Dupont", "RAD-2024-000001-P9"))
	engine := NewEngine(repo, time.UTC, zerolog.Nop())

	res := engine.Match(context.Background(), study("24031200001", "RAD-2024-000001-P9", "DUPONT^JEAN", "20240312"), Options{})
	if !res.Matched || *res.ExamID != byAccession.ID {
		t.Fatalf("expected accession strategy to win, got %+v", res)
	}
}

func TestMatch_LinkedExamIsSkipped(t *testing.T) {
	repo := examtest.New()
	linked := newExam("24031200001", at(12, 9), "Jean", "Dupont", "RAD-2024-000001-P9")
	linked.StudyReference = examtest.Str("9.9.9")
	repo.Add(linked)
	engine := NewEngine(repo, time.UTC, zerolog.Nop())

	res := engine.Match(context.Background(), study("24031200001", "", "", "20240312"), Options{})
	if res.Matched {
		t.Fatalf("linked exam must not match again, got %+v", res)
	}
}

func TestMatch_PatientIDWindow(t *testing.T) {
	tests := []struct {
		name      string
		scheduled time.Time
		exact     bool
		want      bool
	}{
		{"same day", at(12, 14), false, true},
		{"previous evening within 24h", at(11, 20), false, true},
		{"two days later", at(14, 9), false, false},
		{"previous evening with exact date", at(11, 20), true, false},
		{"same day with exact date", at(12, 14), true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := examtest.New()
			repo.Add(newExam("", tt.scheduled, "Jean", "Dupont", "RAD-2024-000001-P9"))
			engine := NewEngine(repo, time.UTC, zerolog.Nop())

			res := engine.Match(context.Background(), study("", "RAD-2024-000001-P9", "", "20240312"), Options{ExactDate: tt.exact})
			if res.Matched != tt.want {
				t.Fatalf("matched = %v, want %v", res.Matched, tt.want)
			}
			if res.Matched && res.Method != exam.MethodPatientIDAndDate {
				t.Errorf("unexpected method %s", res.Method)
			}
		})
	}
}

func TestMatch_PatientIDUsesArchivePatientID(t *testing.T) {
	repo := examtest.New()
	e := newExam("", at(12, 10), "Jean", "Dupont", "")
	e.Patient.ArchivePatientID = examtest.Str("PACS-778")
	repo.Add(e)
	engine := NewEngine(repo, time.UTC, zerolog.Nop())

	res := engine.Match(context.Background(), study("", "PACS-778", "", "20240312"), Options{})
	if !res.Matched || res.Method != exam.MethodPatientIDAndDate {
		t.Fatalf("expected patient id match, got %+v", res)
	}
}

func TestMatch_ClosestCandidateWins(t *testing.T) {
	repo := examtest.New()
	repo.Add(newExam("", at(11, 8), "Jean", "Dupont", "RAD-2024-000001-P9"))
	closest := repo.Add(newExam("", at(12, 3), "Jean", "Dupont", "RAD-2024-000001-P9"))
	engine := NewEngine(repo, time.UTC, zerolog.Nop())

	res := engine.Match(context.Background(), study("", "RAD-2024-000001-P9", "", "20240312"), Options{})
	if !res.Matched || *res.ExamID != closest.ID {
		t.Fatalf("expected closest exam, got %+v", res)
	}
}

func TestMatch_PatientNameIsInclusiveOr(t *testing.T) {
	tests := []struct {
		name     string
		pn       string
		first    string
		last     string
		expected bool
	}{
		{"both tokens", "DUPONT^JEAN", "Jean", "Dupont", true},
		{"given name only", "DUPONT^JEAN", "Jean", "Martin", true},
		{"family name only", "DUPONT^JEAN", "Pierre", "Dupont", true},
		{"substring of last name", "DUPON^X", "Pierre", "Dupont", true},
		{"neither", "CURIE^MARIE", "Jean", "Dupont", false},
		{"free text given family", "Jean Dupont", "Jean", "Martin", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := examtest.New()
			repo.Add(newExam("", at(12, 10), tt.first, tt.last, ""))
			engine := NewEngine(repo, time.UTC, zerolog.Nop())

			res := engine.Match(context.Background(), study("", "", tt.pn, "20240312"), Options{})
			if res.Matched != tt.expected {
				t.Fatalf("matched = %v, want %v", res.Matched, tt.expected)
			}
			if res.Matched && res.Method != exam.MethodPatientNameAndDate {
				t.Errorf("unexpected method %s", res.Method)
			}
		})
	}
}

func TestMatch_CancelledExamIgnored(t *testing.T) {
	repo := examtest.New()
	e := newExam("24031200001", at(12, 9), "Jean", "Dupont", "")
	e.Status = exam.StatusCancelled
	repo.Add(e)
	engine := NewEngine(repo, time.UTC, zerolog.Nop())

	if res := engine.Match(context.Background(), study("24031200001", "", "DUPONT^JEAN", "20240312"), Options{}); res.Matched {
		t.Fatalf("cancelled exam must not match, got %+v", res)
	}
}

func TestMatch_NoMatch(t *testing.T) {
	engine := NewEngine(examtest.New(), time.UTC, zerolog.Nop())
	res := engine.Match(context.Background(), study("X", "Y", "Z^W", "20240312"), Options{})
	if res.Matched || res.ExamID != nil || res.Method != "" {
		t.Errorf("expected empty result, got %+v", res)
	}
}

func TestMatch_MalformedDateDegrades(t *testing.T) {
	repo := examtest.New()
	repo.Add(newExam("", at(12, 10), "Jean", "Dupont", "RAD-2024-000001-P9"))
	engine := NewEngine(repo, time.UTC, zerolog.Nop())

	res := engine.Match(context.Background(), study("", "RAD-2024-000001-P9", "DUPONT^JEAN", "2024-03-12"), Options{})
	if res.Matched {
		t.Fatalf("expected no match for an unparseable date, got %+v", res)
	}
}

func TestMatch_ArchiveTimezone(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	repo := examtest.New()
	// 23:30 UTC on the 12th is 00:30 on the 13th in Paris
	repo.Add(newExam("", time.Date(2024, 3, 12, 23, 30, 0, 0, time.UTC), "Jean", "Dupont", "RAD-2024-000001-P9"))

	engine := NewEngine(repo, paris, zerolog.Nop())
	res := engine.Match(context.Background(), study("", "RAD-2024-000001-P9", "", "20240313"), Options{ExactDate: true})
	if !res.Matched {
		t.Fatal("expected same-day match in archive timezone")
	}
}

// flakyRepo fails or panics in selected lookups.
type flakyRepo struct {
	*examtest.Repo
	accessionErr   error
	panicOnPatient bool
}

func (r *flakyRepo) FindUnlinkedByAccession(ctx context.Context, accession string) (*exam.Exam, error) {
	if r.accessionErr != nil {
		return nil, r.accessionErr
	}
	return r.Repo.FindUnlinkedByAccession(ctx, accession)
}

func (r *flakyRepo) FindUnlinkedByPatientIdentifier(ctx context.Context, id string, w exam.Window) (*exam.Exam, error) {
	if r.panicOnPatient {
		panic("nil dereference in lookup")
	}
	return r.Repo.FindUnlinkedByPatientIdentifier(ctx, id, w)
}

func TestMatch_StrategyErrorFallsThrough(t *testing.T) {
	repo := &flakyRepo{Repo: examtest.New(), accessionErr: errors.New("connection reset")}
	target := repo.Add(newExam("24031200001", at(12, 9), "Jean", "Dupont", "RAD-2024-000001-P9"))
	engine := NewEngine(repo, time.UTC, zerolog.Nop())

	res := engine.Match(context.Background(), study("24031200001", "RAD-2024-000001-P9", "", "20240312"), Options{})
	if !res.Matched || *res.ExamID != target.ID || res.Method != exam.MethodPatientIDAndDate {
		t.Fatalf("expected fallback to patient id strategy, got %+v", res)
	}
}

func TestMatch_StrategyPanicFallsThrough(t *testing.T) {
	repo := &flakyRepo{Repo: examtest.New(), panicOnPatient: true}
	target := repo.Add(newExam("", at(12, 9), "Jean", "Dupont", "RAD-2024-000001-P9"))
	engine := NewEngine(repo, time.UTC, zerolog.Nop())

	res := engine.Match(context.Background(), study("", "RAD-2024-000001-P9", "DUPONT^JEAN", "20240312"), Options{})
	if !res.Matched || *res.ExamID != target.ID || res.Method != exam.MethodPatientNameAndDate {
		t.Fatalf("expected fallback to name strategy, got %+v", res)
	}
}
