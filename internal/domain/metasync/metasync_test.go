package metasync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/radris/risync/internal/domain/exam"
	"github.com/radris/risync/internal/domain/exam/examtest"
	"github.com/radris/risync/internal/domain/identity"
	"github.com/radris/risync/internal/domain/linking"
	"github.com/radris/risync/internal/domain/matching"
	"github.com/radris/risync/internal/platform/archive"
	"github.com/radris/risync/internal/platform/archive/archivetest"
	"github.com/radris/risync/internal/platform/notification"
)

type recorder struct {
	mu     sync.Mutex
	events []notification.Event
}

func (r *recorder) Publish(_ context.Context, e notification.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(t notification.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// mockPatients resolves archive patients by archive id and remembers them.
type mockPatients struct {
	mu       sync.Mutex
	byID     map[string]*identity.Patient
	facts    map[string]identity.PatientFacts
	failFor  map[string]error
	drift    map[string]bool
	backfill *identity.BackfillResult
	block    chan struct{}

	// arrived/release hold every resolve until the test lets them go.
	arrived chan string
	release chan struct{}
}

func newMockPatients() *mockPatients {
	return &mockPatients{
		byID:    make(map[string]*identity.Patient),
		facts:   make(map[string]identity.PatientFacts),
		failFor: make(map[string]error),
		drift:   make(map[string]bool),
	}
}

func (m *mockPatients) ResolveArchivePatient(_ context.Context, f identity.PatientFacts, archiveID string) (*identity.Patient, identity.Resolution, error) {
	if m.block != nil {
		<-m.block
	}
	if m.arrived != nil {
		m.arrived <- archiveID
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[archiveID]; err != nil {
		return nil, "", err
	}
	m.facts[archiveID] = f
	if p, ok := m.byID[archiveID]; ok {
		return p, identity.ResolutionMatched, nil
	}
	upi := "RAD-2025-000001-" + identity.Checksum(f, 1)
	if m.drift[archiveID] {
		upi = "RAD-2025-000001-00"
	}
	p := &identity.Patient{
		ID:               uuid.New(),
		FirstName:        f.FirstName,
		LastName:         f.LastName,
		BirthDate:        f.BirthDate,
		Gender:           f.Gender,
		UniversalID:      &upi,
		ArchivePatientID: &archiveID,
	}
	m.byID[archiveID] = p
	return p, identity.ResolutionCreated, nil
}

func (m *mockPatients) BackfillIdentifiers(context.Context) (*identity.BackfillResult, error) {
	if m.backfill != nil {
		return m.backfill, nil
	}
	return &identity.BackfillResult{Errors: []string{}}, nil
}

type fixture struct {
	exams    *examtest.Repo
	archive  *archivetest.Fake
	patients *mockPatients
	events   *recorder
	svc      *Service
}

func newFixture(studies ...archive.Study) *fixture {
	f := &fixture{
		exams:    examtest.New(),
		archive:  archivetest.New(studies...),
		patients: newMockPatients(),
		events:   &recorder{},
	}
	engine := matching.NewEngine(f.exams, time.UTC, zerolog.Nop())
	orch := linking.NewOrchestrator(f.exams, f.archive, f.events, linking.Options{}, zerolog.Nop())
	f.svc = NewService(f.archive, f.patients, f.exams, engine, orch, f.events, zerolog.Nop())
	return f
}

func study(ref, accession, patientID, date string) archive.Study {
	return archive.Study{
		StudyReference:   ref,
		AccessionNumber:  accession,
		PatientArchiveID: patientID,
		PatientName:      "DUPONT^JEAN",
		PatientBirthDate: "19800515",
		PatientSex:       "M",
		StudyDate:        date,
		StudyDescription: "CT THORAX",
		Modalities:       []string{"CT"},
	}
}

func TestRun_CreatesPatientsOncePerArchiveID(t *testing.T) {
	f := newFixture(
		study("1.1", "", "PACS1", "20240312"),
		study("1.2", "", "PACS1", "20240313"),
		study("1.3", "", "PACS2", "20240313"),
	)

	res, err := f.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PatientsProcessed != 2 || res.PatientsCreated != 2 {
		t.Errorf("expected 2 patients created, got %+v", res)
	}
	if f.events.count(notification.PatientCreated) != 2 {
		t.Errorf("expected 2 patient.created events, got %d", f.events.count(notification.PatientCreated))
	}
	facts := f.patients.facts["PACS1"]
	if facts.FirstName != "JEAN" || facts.LastName != "DUPONT" || facts.Gender != identity.GenderMale {
		t.Errorf("unexpected derived facts %+v", facts)
	}
	if !facts.BirthDate.Equal(time.Date(1980, 5, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected birth date %v", facts.BirthDate)
	}

	again, _ := f.svc.Run(context.Background())
	if again.PatientsCreated != 0 {
		t.Errorf("second pass should not create patients, got %+v", again)
	}
}

func TestRun_LinksAndBackfills(t *testing.T) {
	f := newFixture(study("1.2.840.1", "24031200001", "PACS1", "20240312"))
	e := f.exams.Add(&exam.Exam{
		AccessionNumber: examtest.Str("24031200001"),
		ScheduledDate:   time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC),
		Patient:         exam.PatientRef{FirstName: "Jean", LastName: "Dupont"},
	})

	res, err := f.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StudiesProcessed != 1 || res.StudiesLinked != 1 {
		t.Errorf("expected one link, got %+v", res)
	}
	if res.ExamsUpdated != 1 {
		t.Errorf("expected description and modality backfilled, got %+v", res)
	}
	got, _ := f.exams.GetByID(context.Background(), e.ID)
	if got.StudyReference == nil || *got.StudyReference != "1.2.840.1" {
		t.Fatalf("exam not linked %+v", got)
	}
	if got.Description == nil || *got.Description != "CT THORAX" || got.Modality == nil || *got.Modality != "CT" {
		t.Errorf("metadata not backfilled %+v", got)
	}
	if !res.Success || f.events.count(notification.ReconciliationCompleted) != 1 {
		t.Errorf("expected completed pass, got %+v", res)
	}
	if f.svc.LastResult() != res {
		t.Error("last result not retained")
	}
}

func TestRun_BackfillKeepsExistingFields(t *testing.T) {
	f := newFixture(study("1.5", "ACC5", "PACS1", "20240312"))
	ref := "1.5"
	f.exams.Add(&exam.Exam{
		AccessionNumber: examtest.Str("LOCAL5"),
		Description:     examtest.Str("Scanner thoracique"),
		Modality:        examtest.Str("CT"),
		ScheduledDate:   time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC),
		StudyReference:  &ref,
		ImagesAvailable: true,
	})

	res, _ := f.svc.Run(context.Background())
	if res.ExamsUpdated != 0 {
		t.Errorf("complete exam should not be updated, got %+v", res)
	}
}

func TestRun_ExactDateWhenPatientHasSeveralStudies(t *testing.T) {
	f := newFixture(
		study("2.1", "", "PACS1", "20240312"),
		study("2.2", "", "PACS1", "20240313"),
	)
	upi := "RAD-2025-000001-P9"
	f.patients.byID["PACS1"] = &identity.Patient{ID: uuid.New(), UniversalID: &upi}
	e := f.exams.Add(&exam.Exam{
		ScheduledDate: time.Date(2024, 3, 13, 8, 0, 0, 0, time.UTC),
		Patient:       exam.PatientRef{FirstName: "Jean", LastName: "Dupont", ArchivePatientID: examtest.Str("PACS1")},
	})

	res, _ := f.svc.Run(context.Background())
	if res.StudiesLinked != 1 {
		t.Fatalf("expected exactly one link, got %+v", res)
	}
	got, _ := f.exams.GetByID(context.Background(), e.ID)
	if got.StudyReference == nil || *got.StudyReference != "2.2" {
		t.Errorf("expected same-day study 2.2, got %v", got.StudyReference)
	}
}

func TestRun_ErrorsAccumulate(t *testing.T) {
	f := newFixture(
		study("3.1", "", "", "20240312"),
		study("3.2", "", "PACS1", "20240312"),
		study("3.3", "", "PACS2", "20240312"),
	)
	f.patients.failFor["PACS1"] = errors.New("db down")
	f.patients.backfill = &identity.BackfillResult{Checked: 2, Assigned: 1, Errors: []string{"patient x: gave up"}}

	res, err := f.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Errors) != 3 {
		t.Errorf("expected 3 errors, got %v", res.Errors)
	}
	if res.PatientsCreated != 1 || res.IdentifiersAssigned != 1 || res.StudiesProcessed != 3 {
		t.Errorf("pass should continue past errors, got %+v", res)
	}
	if res.Success || f.events.count(notification.ReconciliationError) != 1 {
		t.Errorf("expected failed pass with error event, got %+v", res)
	}
}

func TestRun_ResolvesPatientsInParallel(t *testing.T) {
	f := newFixture(
		study("5.1", "", "PACS1", "20240312"),
		study("5.2", "", "PACS2", "20240312"),
		study("5.3", "", "PACS3", "20240312"),
	)
	f.svc.WithConcurrency(3)
	f.patients.arrived = make(chan string, 3)
	f.patients.release = make(chan struct{})

	done := make(chan *Result, 1)
	go func() {
		res, _ := f.svc.Run(context.Background())
		done <- res
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-f.patients.arrived:
		case <-time.After(2 * time.Second):
			close(f.patients.release)
			t.Fatalf("only %d patients resolving at once, expected 3", i)
		}
	}
	close(f.patients.release)

	res := <-done
	if res.PatientsProcessed != 3 || res.PatientsCreated != 3 || res.StudiesProcessed != 3 {
		t.Errorf("unexpected counts %+v", res)
	}
	if f.events.count(notification.PatientCreated) != 3 {
		t.Errorf("expected 3 patient.created events, got %d", f.events.count(notification.PatientCreated))
	}
}

func TestRun_SequentialWithConcurrencyOne(t *testing.T) {
	f := newFixture(
		study("6.1", "", "PACS1", "20240312"),
		study("6.2", "", "PACS2", "20240312"),
	)
	f.svc.WithConcurrency(1)
	f.patients.arrived = make(chan string, 2)
	f.patients.release = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.svc.Run(context.Background())
	}()

	<-f.patients.arrived
	select {
	case id := <-f.patients.arrived:
		t.Errorf("second patient %s resolved while the first was still running", id)
	case <-time.After(50 * time.Millisecond):
	}
	close(f.patients.release)
	<-done
}

func TestRun_ArchiveDown(t *testing.T) {
	f := newFixture()
	f.archive.SetErr(&archive.ConnectivityError{Op: "list studies", Err: errors.New("refused")})

	res, err := f.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || len(res.Errors) != 1 {
		t.Errorf("expected single fetch error, got %+v", res)
	}
}

func TestRun_ChecksumDriftIsWarning(t *testing.T) {
	f := newFixture(study("4.1", "", "PACS1", "20240312"))
	f.patients.drift["PACS1"] = true

	res, _ := f.svc.Run(context.Background())
	if len(res.Warnings) != 1 || !res.Success {
		t.Errorf("expected one warning and success, got %+v", res)
	}
}

func TestRun_RejectsConcurrentPass(t *testing.T) {
	f := newFixture(study("5.1", "", "PACS1", "20240312"))
	f.patients.block = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.svc.Run(context.Background())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := f.svc.Run(context.Background()); errors.Is(err, ErrPassInProgress) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected ErrPassInProgress while a pass runs")
		}
		time.Sleep(time.Millisecond)
	}
	close(f.patients.block)
	<-done
}

func TestHandler_Last(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	e := echo.New()

	rec := httptest.NewRecorder()
	err := h.Last(e.NewContext(httptest.NewRequest(http.MethodGet, "/reconciliation/last", nil), rec))
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any pass, got %v", err)
	}

	rec = httptest.NewRecorder()
	if err := h.Run(e.NewContext(httptest.NewRequest(http.MethodPost, "/reconciliation/run", nil), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	if err := h.Last(e.NewContext(httptest.NewRequest(http.MethodGet, "/reconciliation/last", nil), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
