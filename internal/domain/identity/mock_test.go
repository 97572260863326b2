package identity

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type mockPatientRepo struct {
	mu       sync.Mutex
	store    map[uuid.UUID]*Patient
	seqErr   error
	setCalls int
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{store: make(map[uuid.UUID]*Patient)}
}

func (m *mockPatientRepo) add(p *Patient) *Patient {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Active = true
	m.store[p.ID] = p
	return p
}

func (m *mockPatientRepo) HighestSequence(ctx context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seqErr != nil {
		return 0, m.seqErr
	}
	highest := 0
	for _, p := range m.store {
		if p.UniversalID == nil || !strings.HasPrefix(*p.UniversalID, prefix) || !Validate(*p.UniversalID) {
			continue
		}
		n, _ := strconv.Atoi(strings.Split(*p.UniversalID, "-")[2])
		if n > highest {
			highest = n
		}
	}
	return highest, nil
}

func (m *mockPatientRepo) upiTaken(upi string, except uuid.UUID) bool {
	for id, p := range m.store {
		if id != except && p.UniversalID != nil && *p.UniversalID == upi {
			return true
		}
	}
	return false
}

func (m *mockPatientRepo) Create(ctx context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.UniversalID != nil && m.upiTaken(*p.UniversalID, uuid.Nil) {
		return ErrDuplicateIdentifier
	}
	p.ID = uuid.New()
	p.Active = true
	p.CreatedAt = time.Now()
	m.store[p.ID] = p
	return nil
}

func (m *mockPatientRepo) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.store[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockPatientRepo) FindByIdentifier(ctx context.Context, identifier string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.store {
		if (p.UniversalID != nil && *p.UniversalID == identifier) ||
			(p.ArchivePatientID != nil && *p.ArchivePatientID == identifier) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPatientNotFound
}

func (m *mockPatientRepo) FindByDemographics(ctx context.Context, first, last string, birth time.Time) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.store {
		if strings.EqualFold(p.FirstName, first) && strings.EqualFold(p.LastName, last) && p.BirthDate.Equal(birth) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPatientNotFound
}

func (m *mockPatientRepo) FillMissing(ctx context.Context, id uuid.UUID, archivePatientID, gender string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.store[id]
	if !ok {
		return false, ErrPatientNotFound
	}
	changed := false
	if p.ArchivePatientID == nil && archivePatientID != "" {
		p.ArchivePatientID = &archivePatientID
		changed = true
	}
	if p.Gender == "" && gender != "" {
		p.Gender = gender
		changed = true
	}
	return changed, nil
}

func (m *mockPatientRepo) SetUniversalID(ctx context.Context, id uuid.UUID, upi string, expected *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls++
	p, ok := m.store[id]
	if !ok {
		return ErrPatientNotFound
	}
	if (expected == nil) != (p.UniversalID == nil) || (expected != nil && *expected != *p.UniversalID) {
		return ErrConcurrentUpdate
	}
	if m.upiTaken(upi, id) {
		return ErrDuplicateIdentifier
	}
	p.UniversalID = &upi
	return nil
}

func (m *mockPatientRepo) ListWithoutValidUPI(ctx context.Context) ([]*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Patient
	for _, p := range m.store {
		if !p.HasValidUPI() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockPatientRepo) Statistics(ctx context.Context) (*Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Statistics
	for _, p := range m.store {
		s.TotalPatients++
		if p.UniversalID != nil {
			s.PatientsWithUPI++
		}
		if p.HasValidUPI() {
			s.PatientsWithValid++
		}
	}
	return &s, nil
}

func (m *mockPatientRepo) FindDuplicates(ctx context.Context) ([]DuplicateGroup, error) {
	return nil, errors.New("not implemented")
}

func strPtr(s string) *string { return &s }

func fixedClock(year int) func() time.Time {
	return func() time.Time { return time.Date(year, 6, 1, 12, 0, 0, 0, time.UTC) }
}
