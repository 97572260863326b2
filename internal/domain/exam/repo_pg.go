package exam

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/radris/risync/internal/platform/db"
)

const studyReferenceConstraint = "exam_study_reference_key"

type examRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &examRepoPG{pool: pool} }

func (r *examRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const examCols = `e.id, e.patient_id, e.accession_number, e.scheduled_date, e.status,
	e.modality, e.description, e.study_reference, e.images_available, e.link_method,
	e.linked_at, e.created_at, e.updated_at,
	p.first_name, p.last_name, p.universal_id, p.archive_patient_id`

const examFrom = ` FROM exam e JOIN patient p ON p.id = e.patient_id`

// candidateWhere restricts candidate lookups to exams a study may still be
// linked to.
const candidateWhere = ` WHERE e.study_reference IS NULL AND e.status <> 'cancelled'`

const closestFirst = ` ORDER BY ABS(EXTRACT(EPOCH FROM (e.scheduled_date - $3::timestamptz))), e.created_at LIMIT 1`

func (r *examRepoPG) scanExam(row pgx.Row) (*Exam, error) {
	var e Exam
	err := row.Scan(&e.ID, &e.PatientID, &e.AccessionNumber, &e.ScheduledDate, &e.Status,
		&e.Modality, &e.Description, &e.StudyReference, &e.ImagesAvailable, &e.LinkMethod,
		&e.LinkedAt, &e.CreatedAt, &e.UpdatedAt,
		&e.Patient.FirstName, &e.Patient.LastName, &e.Patient.UniversalID, &e.Patient.ArchivePatientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &e, err
}

func (r *examRepoPG) scanExams(rows pgx.Rows) ([]*Exam, error) {
	defer rows.Close()
	var items []*Exam
	for rows.Next() {
		e, err := r.scanExam(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *examRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Exam, error) {
	return r.scanExam(r.conn(ctx).QueryRow(ctx, `SELECT `+examCols+examFrom+` WHERE e.id = $1`, id))
}

func filterWhere(f Filter) (string, []interface{}) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.Linked != nil {
		if *f.Linked {
			where += ` AND e.study_reference IS NOT NULL`
		} else {
			where += ` AND e.study_reference IS NULL`
		}
	}
	if f.NeedsImages {
		where += ` AND (e.study_reference IS NULL OR e.images_available = false) AND e.status <> 'cancelled'`
	}
	if f.Status != "" {
		where += fmt.Sprintf(` AND e.status = $%d`, idx)
		args = append(args, string(f.Status))
		idx++
	}
	if f.From != nil {
		where += fmt.Sprintf(` AND e.scheduled_date >= $%d`, idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		where += fmt.Sprintf(` AND e.scheduled_date <= $%d`, idx)
		args = append(args, *f.To)
	}
	return where, args
}

func (r *examRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Exam, int, error) {
	where, args := filterWhere(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+examFrom+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := `SELECT ` + examCols + examFrom + where +
		fmt.Sprintf(` ORDER BY e.scheduled_date DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.scanExams(rows)
	return items, total, err
}

func (r *examRepoPG) ListIDs(ctx context.Context, f Filter) ([]uuid.UUID, error) {
	where, args := filterWhere(f)
	rows, err := r.conn(ctx).Query(ctx, `SELECT e.id`+examFrom+where+` ORDER BY e.scheduled_date`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *examRepoPG) FindUnlinkedByAccession(ctx context.Context, accession string) (*Exam, error) {
	return r.scanExam(r.conn(ctx).QueryRow(ctx,
		`SELECT `+examCols+examFrom+candidateWhere+` AND e.accession_number = $1 LIMIT 1`, accession))
}

func (r *examRepoPG) FindUnlinkedByPatientIdentifier(ctx context.Context, identifier string, w Window) (*Exam, error) {
	return r.scanExam(r.conn(ctx).QueryRow(ctx,
		`SELECT `+examCols+examFrom+candidateWhere+`
		AND e.scheduled_date BETWEEN $1 AND $2
		AND (p.universal_id = $4 OR p.archive_patient_id = $4)`+closestFirst,
		w.From, w.To, w.Target, identifier))
}

func (r *examRepoPG) FindUnlinkedByPatientName(ctx context.Context, firstName, lastName string, w Window) (*Exam, error) {
	args := []interface{}{w.From, w.To, w.Target}
	var clauses []string
	if firstName != "" {
		args = append(args, escapeLike(firstName))
		clauses = append(clauses, fmt.Sprintf(`p.first_name ILIKE '%%' || $%d || '%%'`, len(args)))
	}
	if lastName != "" {
		args = append(args, escapeLike(lastName))
		clauses = append(clauses, fmt.Sprintf(`p.last_name ILIKE '%%' || $%d || '%%'`, len(args)))
	}
	if len(clauses) == 0 {
		return nil, ErrNotFound
	}

	return r.scanExam(r.conn(ctx).QueryRow(ctx,
		`SELECT `+examCols+examFrom+candidateWhere+`
		AND e.scheduled_date BETWEEN $1 AND $2
		AND (`+strings.Join(clauses, " OR ")+`)`+closestFirst,
		args...))
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *examRepoPG) IsStudyLinked(ctx context.Context, studyReference string) (bool, error) {
	var linked bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM exam WHERE study_reference = $1)`, studyReference).Scan(&linked)
	return linked, err
}

func (r *examRepoPG) LinkStudy(ctx context.Context, id uuid.UUID, studyReference, method string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE exam SET
			study_reference = $2,
			images_available = TRUE,
			link_method = $3,
			linked_at = NOW(),
			status = CASE WHEN status = 'scheduled' THEN 'acquired' ELSE status END,
			updated_at = NOW()
		WHERE id = $1 AND study_reference IS NULL`,
		id, studyReference, method)
	if db.IsUniqueViolation(err, studyReferenceConstraint) {
		return ErrStudyLinkedElsewhere
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyLinked
	}
	return nil
}

func (r *examRepoPG) OverrideStudy(ctx context.Context, id uuid.UUID, studyReference string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE exam SET
			study_reference = $2,
			images_available = TRUE,
			link_method = $3,
			linked_at = NOW(),
			status = CASE WHEN status = 'scheduled' THEN 'acquired' ELSE status END,
			updated_at = NOW()
		WHERE id = $1`,
		id, studyReference, MethodManual)
	if db.IsUniqueViolation(err, studyReferenceConstraint) {
		return ErrStudyLinkedElsewhere
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *examRepoPG) SetImagesAvailable(ctx context.Context, id uuid.UUID, available bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE exam SET images_available = $2, updated_at = NOW()
		WHERE id = $1 AND study_reference IS NOT NULL AND images_available <> $2`,
		id, available)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *examRepoPG) BackfillMetadata(ctx context.Context, id uuid.UUID, b Backfill) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE exam SET
			accession_number = COALESCE(accession_number, NULLIF($2, '')),
			description = COALESCE(description, NULLIF($3, '')),
			modality = COALESCE(modality, NULLIF($4, '')),
			updated_at = NOW()
		WHERE id = $1
		  AND ((accession_number IS NULL AND $2 <> '')
		    OR (description IS NULL AND $3 <> '')
		    OR (modality IS NULL AND $4 <> ''))`,
		id, b.AccessionNumber, b.Description, b.Modality)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *examRepoPG) ListLinked(ctx context.Context) ([]*Exam, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+examCols+examFrom+` WHERE e.study_reference IS NOT NULL ORDER BY e.linked_at`)
	if err != nil {
		return nil, err
	}
	return r.scanExams(rows)
}

func (r *examRepoPG) Statistics(ctx context.Context) (*Statistics, error) {
	var s Statistics
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(study_reference),
			COUNT(*) FILTER (WHERE images_available)
		FROM exam WHERE status <> 'cancelled'`,
	).Scan(&s.TotalExams, &s.LinkedExams, &s.WithImages)
	if err != nil {
		return nil, err
	}
	s.PendingExams = s.TotalExams - s.LinkedExams
	s.ComputePercentage()
	return &s, nil
}
