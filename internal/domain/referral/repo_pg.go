package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"

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

const referralCols = `r.id, r.creator_user_id, r.patient_id, r.expediente_id, r.target_clinic_id, r.comment,
	r.confirmation1, r.confirmation2, r.confirmation3, r.confirmation4,
	r.confirming_user1, r.confirming_user2, r.confirming_user3, r.confirming_user4,
	r.initial_document_path, r.final_document_path,
	r.created_by, r.created_at, r.modified_by, r.modified_at, r.active, r.version_id`

const listCols = referralCols + `,
	TRIM(p.first_name || ' ' || p.last_name), c.name`

const listFrom = `
	FROM referral r
	JOIN patient p ON p.id = r.patient_id
	JOIN clinic c ON c.id = r.target_clinic_id`

func referralDest(ref *Referral) []interface{} {
	return []interface{}{
		&ref.ID, &ref.CreatorUserID, &ref.PatientID, &ref.ExpedienteID, &ref.TargetClinicID, &ref.Comment,
		&ref.Confirmation1, &ref.Confirmation2, &ref.Confirmation3, &ref.Confirmation4,
		&ref.ConfirmingUser1, &ref.ConfirmingUser2, &ref.ConfirmingUser3, &ref.ConfirmingUser4,
		&ref.InitialDocumentPath, &ref.FinalDocumentPath,
		&ref.CreatedBy, &ref.CreatedAt, &ref.ModifiedBy, &ref.ModifiedAt, &ref.Active, &ref.VersionID,
	}
}

func scanReferral(row pgx.Row) (*Referral, error) {
	var ref Referral
	if err := row.Scan(referralDest(&ref)...); err != nil {
		return nil, err
	}
	return &ref, nil
}

func scanListRow(rows pgx.Rows) (*Referral, error) {
	var ref Referral
	dest := append(referralDest(&ref), &ref.PatientName, &ref.TargetClinicName)
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	return &ref, nil
}

func (r *repoPG) Create(ctx context.Context, ref *Referral) error {
	ref.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO referral (
			id, creator_user_id, patient_id, expediente_id, target_clinic_id, comment,
			confirmation1, confirmation2, confirmation3, confirmation4,
			confirming_user1, confirming_user2, confirming_user3, confirming_user4,
			initial_document_path, final_document_path, created_by, active
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		RETURNING created_at, version_id`,
		ref.ID, ref.CreatorUserID, ref.PatientID, ref.ExpedienteID, ref.TargetClinicID, ref.Comment,
		ref.Confirmation1, ref.Confirmation2, ref.Confirmation3, ref.Confirmation4,
		ref.ConfirmingUser1, ref.ConfirmingUser2, ref.ConfirmingUser3, ref.ConfirmingUser4,
		ref.InitialDocumentPath, ref.FinalDocumentPath, ref.CreatedBy, ref.Active,
	).Scan(&ref.CreatedAt, &ref.VersionID)
	if err != nil {
		return fmt.Errorf("insert referral: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Referral, error) {
	ref, err := scanReferral(r.conn(ctx).QueryRow(ctx,
		`SELECT `+referralCols+` FROM referral r WHERE r.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get referral %s: %w", id, err)
	}
	return ref, nil
}

func (r *repoPG) UpdateIfUnchanged(ctx context.Context, ref *Referral, expected Snapshot) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE referral SET
			target_clinic_id = $2, comment = $3,
			confirmation1 = $4, confirmation2 = $5, confirmation3 = $6, confirmation4 = $7,
			confirming_user1 = $8, confirming_user2 = $9, confirming_user3 = $10, confirming_user4 = $11,
			initial_document_path = $12, final_document_path = $13,
			active = $14, modified_by = $15, modified_at = NOW(),
			version_id = version_id + 1
		WHERE id = $1
			AND confirmation1 = $16 AND confirmation2 = $17 AND confirmation3 = $18 AND confirmation4 = $19
			AND active = $20 AND version_id = $21
		RETURNING version_id, modified_at`,
		ref.ID, ref.TargetClinicID, ref.Comment,
		ref.Confirmation1, ref.Confirmation2, ref.Confirmation3, ref.Confirmation4,
		ref.ConfirmingUser1, ref.ConfirmingUser2, ref.ConfirmingUser3, ref.ConfirmingUser4,
		ref.InitialDocumentPath, ref.FinalDocumentPath,
		ref.Active, ref.ModifiedBy,
		expected.Confirmations[0], expected.Confirmations[1], expected.Confirmations[2], expected.Confirmations[3],
		expected.Active, expected.VersionID,
	).Scan(&ref.VersionID, &ref.ModifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrStale
	}
	if err != nil {
		return fmt.Errorf("update referral %s: %w", ref.ID, err)
	}
	return nil
}

// escapeLike escapes LIKE metacharacters so user input matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// buildWhere renders c as a WHERE clause over the listFrom aliases.
func buildWhere(c Criteria) (string, []interface{}) {
	conds := []string{"r.active"}
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	switch c.Status {
	case StatusAwaitingAdmin:
		conds = append(conds, "r.confirmation1 AND (NOT r.confirmation2 OR NOT r.confirmation3)")
	case StatusAwaitingFinal:
		conds = append(conds, "r.confirmation3 AND NOT r.confirmation4")
	case StatusCompleted:
		conds = append(conds, "r.confirmation1 AND r.confirmation2 AND r.confirmation3 AND r.confirmation4")
	}
	if c.TargetClinicID != nil {
		conds = append(conds, "r.target_clinic_id = "+arg(*c.TargetClinicID))
	}
	if v := c.VisibleTo; v != nil {
		conds = append(conds, fmt.Sprintf("(r.creator_user_id = %s OR r.target_clinic_id = %s)", arg(v.UserID), arg(v.ClinicID)))
	}
	if s := strings.TrimSpace(c.Search); s != "" {
		p := arg("%" + escapeLike(s) + "%")
		conds = append(conds, fmt.Sprintf(
			"(p.first_name ILIKE %[1]s OR p.last_name ILIKE %[1]s OR p.national_id ILIKE %[1]s OR (p.first_name || ' ' || p.last_name) ILIKE %[1]s)", p))
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *repoPG) List(ctx context.Context, c Criteria) ([]*Referral, int, error) {
	where, args := buildWhere(c)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+listFrom+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count referrals: %w", err)
	}

	query := `SELECT ` + listCols + listFrom + where +
		fmt.Sprintf(` ORDER BY r.created_at DESC, r.id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, c.Limit, c.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list referrals: %w", err)
	}
	defer rows.Close()

	var items []*Referral
	for rows.Next() {
		ref, err := scanListRow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan referral: %w", err)
		}
		items = append(items, ref)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Referral, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+listCols+listFrom+`
		WHERE r.active AND r.patient_id = $1
		ORDER BY r.created_at DESC, r.id DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list patient referrals: %w", err)
	}
	defer rows.Close()

	var items []*Referral
	for rows.Next() {
		ref, err := scanListRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan referral: %w", err)
		}
		items = append(items, ref)
	}
	return items, rows.Err()
}
