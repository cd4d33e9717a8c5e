package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/account/entity"
)

var (
	ErrNotFound = errors.New("account not found")
	// ErrDuplicate is returned when a live account already holds the identity key.
	ErrDuplicate = errors.New("identity key already in use")
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const columns = `id, display_name, identity_kind, institutional_id, email, date_of_birth,
	password_hash, password_algo, role, status, created_at, updated_at, deleted_at`

// AccountRepo provides data access for the accounts table using sqlx.
type AccountRepo struct {
	db *sqlx.DB
}

func NewAccountRepo(db *sqlx.DB) *AccountRepo { return &AccountRepo{db: db} }

// EnsureTable creates the accounts table and its indexes if missing (idempotent).
// Uniqueness of identity keys only applies to live rows, so the unique
// indexes are partial on deleted_at IS NULL.
func (r *AccountRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS accounts (
  id VARCHAR(32) PRIMARY KEY,
  display_name VARCHAR(50),
  identity_kind VARCHAR(16) NOT NULL CHECK (identity_kind IN ('institutional','credentialed')),
  institutional_id VARCHAR(16),
  email VARCHAR(254),
  date_of_birth DATE,
  password_hash TEXT,
  password_algo TEXT,
  role VARCHAR(8) NOT NULL CHECK (role IN ('user','admin')),
  status VARCHAR(16) NOT NULL DEFAULT 'active' CHECK (status IN ('active','inactive','suspended')),
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  deleted_at TIMESTAMPTZ,
  CONSTRAINT accounts_identity_xor CHECK (
    (identity_kind = 'institutional' AND institutional_id IS NOT NULL AND email IS NULL) OR
    (identity_kind = 'credentialed' AND email IS NOT NULL AND institutional_id IS NULL))
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_accounts_email_live ON accounts(email) WHERE deleted_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS uq_accounts_institutional_id_live ON accounts(institutional_id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_accounts_role ON accounts(role);
CREATE INDEX IF NOT EXISTS idx_accounts_created_at ON accounts(created_at DESC);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Create inserts a new account. The caller assigns the id; timestamps come back from the database.
func (r *AccountRepo) Create(ctx context.Context, a *entity.Account) error {
	const q = `INSERT INTO accounts (id, display_name, identity_kind, institutional_id, email, date_of_birth,
		password_hash, password_algo, role, status)
		VALUES (:id, :display_name, :identity_kind, :institutional_id, :email, :date_of_birth,
		:password_hash, :password_algo, :role, :status) RETURNING created_at, updated_at`
	params := map[string]any{
		"id":               a.ID,
		"display_name":     a.DisplayName,
		"identity_kind":    string(a.Kind),
		"institutional_id": a.InstitutionalID,
		"email":            a.Email,
		"date_of_birth":    dateArg(a.DateOfBirth),
		"password_hash":    a.PasswordHash,
		"password_algo":    a.PasswordAlgo,
		"role":             string(a.Role),
		"status":           string(a.Status),
	}
	rows, err := r.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return mapErr(err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
			return mapErr(err)
		}
		return nil
	}
	if err := rows.Err(); err != nil {
		return mapErr(err)
	}
	return errors.New("no row returned")
}

// FindByID fetches an account. Soft-deleted rows are only returned when includeDeleted is set.
func (r *AccountRepo) FindByID(ctx context.Context, id string, includeDeleted bool) (*entity.Account, error) {
	q := `SELECT ` + columns + ` FROM accounts WHERE id=$1`
	if !includeDeleted {
		q += ` AND deleted_at IS NULL`
	}
	return r.getOne(ctx, q, id)
}

// FindByIdentityKey fetches an account by email or institutional id.
func (r *AccountRepo) FindByIdentityKey(ctx context.Context, key entity.IdentityKey, includeDeleted bool) (*entity.Account, error) {
	col := "email"
	if key.Kind == entity.KindInstitutional {
		col = "institutional_id"
	}
	q := `SELECT ` + columns + ` FROM accounts WHERE ` + col + `=$1`
	if !includeDeleted {
		q += ` AND deleted_at IS NULL`
	}
	// with includeDeleted several historical rows may share the key; newest first
	q += ` ORDER BY created_at DESC LIMIT 1`
	return r.getOne(ctx, q, key.Value)
}

func (r *AccountRepo) getOne(ctx context.Context, q string, arg any) (*entity.Account, error) {
	var a entity.Account
	if err := r.db.GetContext(ctx, &a, q, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// List returns live accounts matching the filter, newest first, plus the total count.
func (r *AccountRepo) List(ctx context.Context, f entity.Filter) (*entity.Page, error) {
	where := []string{"deleted_at IS NULL"}
	var args []any
	if f.Role != "" {
		args = append(args, string(f.Role))
		where = append(where, fmt.Sprintf("role = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		args = append(args, "%"+escapeLike(s)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(display_name ILIKE $%d OR email ILIKE $%d OR institutional_id ILIKE $%d)", n, n, n))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM accounts WHERE `+clause, args...); err != nil {
		return nil, err
	}
	page := &entity.Page{Total: total, Accounts: []*entity.Account{}}
	if total == 0 {
		return page, nil
	}

	args = append(args, f.Limit, f.Offset())
	q := fmt.Sprintf(`SELECT %s FROM accounts WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		columns, clause, len(args)-1, len(args))
	if err := r.db.SelectContext(ctx, &page.Accounts, q, args...); err != nil {
		return nil, err
	}
	return page, nil
}

// Update writes the mutable columns of a live account. Role and identity kind are immutable.
func (r *AccountRepo) Update(ctx context.Context, a *entity.Account) error {
	const q = `UPDATE accounts SET display_name=$2, institutional_id=$3, email=$4, date_of_birth=$5,
		password_hash=$6, password_algo=$7, status=$8, updated_at=NOW()
		WHERE id=$1 AND deleted_at IS NULL RETURNING updated_at`
	var updated time.Time
	err := r.db.QueryRowxContext(ctx, q, a.ID, a.DisplayName, a.InstitutionalID, a.Email,
		dateArg(a.DateOfBirth), a.PasswordHash, a.PasswordAlgo, string(a.Status)).Scan(&updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return mapErr(err)
	}
	a.UpdatedAt = updated
	return nil
}

// SoftDelete marks a live account as deleted.
func (r *AccountRepo) SoftDelete(ctx context.Context, id string) error {
	const q = `UPDATE accounts SET deleted_at=NOW(), updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL`
	return r.execOne(ctx, q, id)
}

// HardDelete removes the row permanently, regardless of the soft-delete marker.
func (r *AccountRepo) HardDelete(ctx context.Context, id string) error {
	return r.execOne(ctx, `DELETE FROM accounts WHERE id=$1`, id)
}

func (r *AccountRepo) execOne(ctx context.Context, q string, id string) error {
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// mapErr turns a unique violation into ErrDuplicate.
func mapErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
	}
	return err
}

// dateArg sends DATE values as text so the session time zone cannot shift the day.
func dateArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(entity.DateLayout)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
