package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema holds the account-store tables: one credential row per principal,
// role and permission grants, and the rotating TOTP secrets keyed by tag.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
    principal  TEXT PRIMARY KEY,
    algorithm  TEXT NOT NULL,
    cost       INTEGER NOT NULL DEFAULT 0,
    salt       BYTEA,
    hash       BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS account_roles (
    principal TEXT NOT NULL REFERENCES accounts(principal) ON DELETE CASCADE,
    role      TEXT NOT NULL,
    PRIMARY KEY (principal, role)
);

CREATE TABLE IF NOT EXISTS account_permissions (
    principal  TEXT NOT NULL REFERENCES accounts(principal) ON DELETE CASCADE,
    permission TEXT NOT NULL,
    PRIMARY KEY (principal, permission)
);

CREATE TABLE IF NOT EXISTS totp_secrets (
    principal TEXT NOT NULL REFERENCES accounts(principal) ON DELETE CASCADE,
    tag       TEXT NOT NULL,
    secret    TEXT NOT NULL,
    PRIMARY KEY (principal, tag)
);
`

// ApplyMigrations executes the provided SQL statements in order within the
// given context.
func ApplyMigrations(ctx context.Context, db *sql.DB, statements ...string) error {
	if db == nil {
		return fmt.Errorf("postgres: db is nil")
	}
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}
