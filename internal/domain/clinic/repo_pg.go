package clinic

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

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const clinicCols = `id, name, address, phone, active, created_at`

func scanClinic(row pgx.Row) (*Clinic, error) {
	var c Clinic
	if err := row.Scan(&c.ID, &c.Name, &c.Address, &c.Phone, &c.Active, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repoPG) FindActiveByID(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	c, err := scanClinic(r.conn(ctx).QueryRow(ctx,
		`SELECT `+clinicCols+` FROM clinic WHERE id = $1 AND active`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find clinic %s: %w", id, err)
	}
	return c, nil
}

func (r *repoPG) CountActiveStaff(ctx context.Context, clinicID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM staff_user WHERE clinic_id = $1 AND active`, clinicID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count clinic staff: %w", err)
	}
	return n, nil
}

func (r *repoPG) ListActive(ctx context.Context) ([]*Clinic, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+clinicCols+` FROM clinic WHERE active ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list clinics: %w", err)
	}
	defer rows.Close()

	var out []*Clinic
	for rows.Next() {
		c, err := scanClinic(rows)
		if err != nil {
			return nil, fmt.Errorf("scan clinic: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
