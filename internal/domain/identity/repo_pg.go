package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/radris/risync/internal/platform/db"
)

const (
	universalIDConstraint = "patient_universal_id_key"
	upiSQLPattern         = `^[A-Z]{2,4}-[0-9]{4}-[0-9]{6}-[A-Z0-9]{2}$`
)

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const patientCols = `id, first_name, last_name, birth_date, gender, universal_id,
	archive_patient_id, active, created_at, updated_at`

func (r *patientRepoPG) scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.FirstName, &p.LastName, &p.BirthDate, &p.Gender, &p.UniversalID,
		&p.ArchivePatientID, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	return &p, err
}

func (r *patientRepoPG) HighestSequence(ctx context.Context, prefix string) (int, error) {
	var highest int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(MAX(CAST(split_part(universal_id, '-', 3) AS INTEGER)), 0)
		FROM patient
		WHERE universal_id LIKE $1 || '%' AND universal_id ~ $2`,
		prefix, upiSQLPattern).Scan(&highest)
	return highest, err
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	p.Active = true
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (id, first_name, last_name, birth_date, gender, universal_id, archive_patient_id, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		p.ID, p.FirstName, p.LastName, p.BirthDate, p.Gender, p.UniversalID, p.ArchivePatientID, p.Active,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if db.IsUniqueViolation(err, universalIDConstraint) {
		return ErrDuplicateIdentifier
	}
	return err
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
}

func (r *patientRepoPG) FindByIdentifier(ctx context.Context, identifier string) (*Patient, error) {
	return r.scanPatient(r.conn(ctx).QueryRow(ctx, `
		SELECT `+patientCols+` FROM patient
		WHERE active AND (universal_id = $1 OR archive_patient_id = $1)
		ORDER BY (universal_id = $1) DESC NULLS LAST, created_at
		LIMIT 1`, identifier))
}

func (r *patientRepoPG) FindByDemographics(ctx context.Context, firstName, lastName string, birthDate time.Time) (*Patient, error) {
	return r.scanPatient(r.conn(ctx).QueryRow(ctx, `
		SELECT `+patientCols+` FROM patient
		WHERE active AND lower(first_name) = lower($1) AND lower(last_name) = lower($2) AND birth_date = $3
		ORDER BY created_at
		LIMIT 1`, firstName, lastName, birthDate))
}

func (r *patientRepoPG) FillMissing(ctx context.Context, id uuid.UUID, archivePatientID, gender string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient SET
			archive_patient_id = COALESCE(archive_patient_id, NULLIF($2, '')),
			gender = CASE WHEN gender = '' THEN $3 ELSE gender END,
			updated_at = NOW()
		WHERE id = $1
		  AND ((archive_patient_id IS NULL AND $2 <> '') OR (gender = '' AND $3 <> ''))`,
		id, archivePatientID, gender)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *patientRepoPG) SetUniversalID(ctx context.Context, id uuid.UUID, upi string, expected *string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient SET universal_id = $2, updated_at = NOW()
		WHERE id = $1 AND universal_id IS NOT DISTINCT FROM $3`,
		id, upi, expected)
	if db.IsUniqueViolation(err, universalIDConstraint) {
		return ErrDuplicateIdentifier
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrConcurrentUpdate
	}
	return nil
}

func (r *patientRepoPG) ListWithoutValidUPI(ctx context.Context) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+patientCols+` FROM patient
		WHERE active AND (universal_id IS NULL OR universal_id !~ $1)
		ORDER BY created_at`, upiSQLPattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := r.scanPatient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *patientRepoPG) Statistics(ctx context.Context) (*Statistics, error) {
	var s Statistics
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(universal_id),
			COUNT(*) FILTER (WHERE universal_id ~ $1),
			COUNT(archive_patient_id)
		FROM patient WHERE active`, upiSQLPattern,
	).Scan(&s.TotalPatients, &s.PatientsWithUPI, &s.PatientsWithValid, &s.PatientsFromArchive)
	if err != nil {
		return nil, err
	}
	if s.TotalPatients > 0 {
		s.CoveragePercent = float64(s.PatientsWithValid) * 100 / float64(s.TotalPatients)
	}
	return &s, nil
}

func (r *patientRepoPG) FindDuplicates(ctx context.Context) ([]DuplicateGroup, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT min(first_name), min(last_name), birth_date, array_agg(id::text ORDER BY created_at)
		FROM patient
		WHERE active
		GROUP BY lower(first_name), lower(last_name), birth_date
		HAVING COUNT(*) > 1
		ORDER BY min(last_name), min(first_name)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []DuplicateGroup
	for rows.Next() {
		var g DuplicateGroup
		var ids []string
		if err := rows.Scan(&g.FirstName, &g.LastName, &g.BirthDate, &ids); err != nil {
			return nil, err
		}
		for _, s := range ids {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("parse patient id %q: %w", s, err)
			}
			g.PatientIDs = append(g.PatientIDs, id)
		}
		g.Confidence = duplicateConfidence
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// duplicateConfidence is the score attached to an exact name and birth date
// collision.
const duplicateConfidence = 0.9
