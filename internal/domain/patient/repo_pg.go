package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicnet/referrals/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// -- Patient Repository --

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const patientCols = `id, first_name, last_name, national_id, clinic_id, active, modified_by, created_at, updated_at`

func (r *patientRepoPG) FindActiveByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE id = $1 AND active`, id).Scan(
		&p.ID, &p.FirstName, &p.LastName, &p.NationalID, &p.ClinicID, &p.Active,
		&p.ModifiedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find patient %s: %w", id, err)
	}
	return &p, nil
}

func (r *patientRepoPG) SetClinic(ctx context.Context, id, clinicID, actor uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient SET clinic_id = $2, modified_by = $3, updated_at = NOW()
		WHERE id = $1 AND active`, id, clinicID, actor)
	if err != nil {
		return fmt.Errorf("set patient clinic: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Expediente Repository --

type expedienteRepoPG struct {
	pool *pgxpool.Pool
}

func NewExpedienteRepo(pool *pgxpool.Pool) ExpedienteRepository {
	return &expedienteRepoPG{pool: pool}
}

func (r *expedienteRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *expedienteRepoPG) FindByIDAndPatient(ctx context.Context, id, patientID uuid.UUID) (*Expediente, error) {
	var e Expediente
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, patient_id, number, active, created_at
		FROM expediente WHERE id = $1 AND patient_id = $2 AND active`, id, patientID).Scan(
		&e.ID, &e.PatientID, &e.Number, &e.Active, &e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrExpedienteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find expediente %s: %w", id, err)
	}
	return &e, nil
}
