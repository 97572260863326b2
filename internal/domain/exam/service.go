package exam

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrInvalidFilter = errors.New("invalid exam filter")

type Service struct {
	exams Repository
}

func NewService(exams Repository) *Service {
	return &Service{exams: exams}
}

func (s *Service) GetExam(ctx context.Context, id uuid.UUID) (*Exam, error) {
	return s.exams.GetByID(ctx, id)
}

func (s *Service) ListExams(ctx context.Context, f Filter, limit, offset int) ([]*Exam, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, f.Status)
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, 0, fmt.Errorf("%w: to is before from", ErrInvalidFilter)
	}
	return s.exams.List(ctx, f, limit, offset)
}
