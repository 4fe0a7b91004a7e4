// Package postgres is the lib/pq account-store adapter. Backend failures
// translate into the authc taxonomy: connection-class errors become
// ErrStoreUnavailable (retryable), missing rows become ErrAccountNotFound
// (terminal).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"gatehouse/authc"
	"gatehouse/authz"
)

// AccountRepository persists credential records, authorization grants, and
// TOTP secrets inside PostgreSQL. It implements authc.AccountStore.
type AccountRepository struct {
	db *sql.DB
}

// NewAccountRepository wraps an existing *sql.DB connection.
func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// FindCredential loads the stored credential for one principal.
func (r *AccountRepository) FindCredential(ctx context.Context, principal authc.Principal) (authc.CredentialRecord, error) {
	const query = `SELECT algorithm, cost, salt, hash, created_at FROM accounts WHERE principal = $1`
	record := authc.CredentialRecord{Principal: principal}
	err := r.db.QueryRowContext(ctx, query, string(principal)).Scan(
		&record.Algorithm,
		&record.Cost,
		&record.Salt,
		&record.Hash,
		&record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return authc.CredentialRecord{}, authc.ErrAccountNotFound
		}
		return authc.CredentialRecord{}, translateError(err)
	}
	return record, nil
}

// FindAuthzInfo loads every role and permission granted to the principal.
// A principal with a credential row but no grants resolves to empty info,
// not an error.
func (r *AccountRepository) FindAuthzInfo(ctx context.Context, principal authc.Principal) (authz.Info, error) {
	exists, err := r.accountExists(ctx, principal)
	if err != nil {
		return authz.Info{}, err
	}
	if !exists {
		return authz.Info{}, authc.ErrAccountNotFound
	}

	var info authz.Info
	info.Roles, err = r.queryStrings(ctx, `SELECT role FROM account_roles WHERE principal = $1 ORDER BY role`, principal)
	if err != nil {
		return authz.Info{}, err
	}
	info.Permissions, err = r.queryStrings(ctx, `SELECT permission FROM account_permissions WHERE principal = $1 ORDER BY permission`, principal)
	if err != nil {
		return authz.Info{}, err
	}
	return info, nil
}

// FindTOTPSecrets loads the principal's rotating second-factor secrets.
// An unenrolled principal yields an empty slice.
func (r *AccountRepository) FindTOTPSecrets(ctx context.Context, principal authc.Principal) ([]authc.TOTPSecret, error) {
	const query = `SELECT tag, secret FROM totp_secrets WHERE principal = $1 ORDER BY tag`
	rows, err := r.db.QueryContext(ctx, query, string(principal))
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var secrets []authc.TOTPSecret
	for rows.Next() {
		s := authc.TOTPSecret{Principal: principal}
		if err := rows.Scan(&s.Tag, &s.Secret); err != nil {
			return nil, translateError(err)
		}
		secrets = append(secrets, s)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err)
	}
	return secrets, nil
}

// UpdateCredential replaces the stored hash after a migration-on-login
// re-hash or a password change.
func (r *AccountRepository) UpdateCredential(ctx context.Context, record authc.CredentialRecord) error {
	const query = `UPDATE accounts SET algorithm = $2, cost = $3, salt = $4, hash = $5, updated_at = $6 WHERE principal = $1`
	res, err := r.db.ExecContext(ctx, query,
		string(record.Principal), record.Algorithm, record.Cost, record.Salt, record.Hash, time.Now().UTC())
	if err != nil {
		return translateError(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return authc.ErrAccountNotFound
	}
	return nil
}

// CreateAccount inserts a fresh credential row.
func (r *AccountRepository) CreateAccount(ctx context.Context, record authc.CredentialRecord) error {
	const query = `INSERT INTO accounts (principal, algorithm, cost, salt, hash, created_at, updated_at)
                   VALUES ($1, $2, $3, $4, $5, $6, $6)`
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, query,
		string(record.Principal), record.Algorithm, record.Cost, record.Salt, record.Hash, createdAt)
	return translateError(err)
}

// GrantRole assigns a role, ignoring duplicates.
func (r *AccountRepository) GrantRole(ctx context.Context, principal authc.Principal, role string) error {
	const query = `INSERT INTO account_roles (principal, role) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, string(principal), role)
	return translateError(err)
}

// GrantPermission assigns a wildcard permission, ignoring duplicates.
func (r *AccountRepository) GrantPermission(ctx context.Context, principal authc.Principal, permission string) error {
	const query = `INSERT INTO account_permissions (principal, permission) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, string(principal), permission)
	return translateError(err)
}

// SetTOTPSecret upserts the secret stored under one tag, which is how a
// rotation introduces a new current secret while the old tag stays valid.
func (r *AccountRepository) SetTOTPSecret(ctx context.Context, secret authc.TOTPSecret) error {
	const query = `INSERT INTO totp_secrets (principal, tag, secret) VALUES ($1, $2, $3)
                   ON CONFLICT (principal, tag) DO UPDATE SET secret = EXCLUDED.secret`
	_, err := r.db.ExecContext(ctx, query, string(secret.Principal), secret.Tag, secret.Secret)
	return translateError(err)
}

// DeleteAccount removes the principal and, through cascade, its grants and
// secrets.
func (r *AccountRepository) DeleteAccount(ctx context.Context, principal authc.Principal) error {
	const query = `DELETE FROM accounts WHERE principal = $1`
	res, err := r.db.ExecContext(ctx, query, string(principal))
	if err != nil {
		return translateError(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return authc.ErrAccountNotFound
	}
	return nil
}

func (r *AccountRepository) accountExists(ctx context.Context, principal authc.Principal) (bool, error) {
	const query = `SELECT 1 FROM accounts WHERE principal = $1`
	var one int
	err := r.db.QueryRowContext(ctx, query, string(principal)).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, translateError(err)
	}
	return true, nil
}

func (r *AccountRepository) queryStrings(ctx context.Context, query string, principal authc.Principal) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, string(principal))
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, translateError(err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err)
	}
	return out, nil
}

// translateError maps backend failures onto the authc taxonomy. pq error
// classes 08 (connection), 53 (insufficient resources), 57 (operator
// intervention), and 58 (system error) are transient; anything else from
// the driver passes through. Non-driver errors are connection level and
// count as unavailable.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57", "58":
			return fmt.Errorf("%w: %v", authc.ErrStoreUnavailable, err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", authc.ErrStoreUnavailable, err)
}
