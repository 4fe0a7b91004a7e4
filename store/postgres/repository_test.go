package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"testing"
	"time"

	"gatehouse/authc"
	testpg "gatehouse/internal/testutil/postgrescontainer"
)

var testDB *sql.DB

func TestMain(m *testing.M) {
	if err := testpg.Setup(); err != nil {
		fmt.Println("postgres store tests skipped:", err)
		os.Exit(0)
	}

	db, err := Open(WithDSN(testpg.DSN()))
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to open test database:", err)
		os.Exit(1)
	}
	testDB = db

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := ApplyMigrations(ctx, testDB, Schema); err != nil {
		cancel()
		fmt.Fprintln(os.Stderr, "failed to apply migrations:", err)
		os.Exit(1)
	}
	cancel()

	code := m.Run()

	testDB.Close()
	if err := testpg.Teardown(); err != nil {
		fmt.Fprintln(os.Stderr, "warning: failed to stop postgres test container:", err)
	}

	os.Exit(code)
}

func uniquePrincipal(prefix string) authc.Principal {
	return authc.Principal(fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano()))
}

func seedRecord(principal authc.Principal) authc.CredentialRecord {
	return authc.CredentialRecord{
		Principal: principal,
		Algorithm: authc.AlgorithmArgon2id,
		Cost:      3,
		Salt:      []byte("salt-bytes"),
		Hash:      []byte("$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA"),
		CreatedAt: time.Now().UTC(),
	}
}

func TestAccountRepositoryCredentialRoundTrip(t *testing.T) {
	repo := NewAccountRepository(testDB)
	ctx := context.Background()
	principal := uniquePrincipal("alice")

	record := seedRecord(principal)
	if err := repo.CreateAccount(ctx, record); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	found, err := repo.FindCredential(ctx, principal)
	if err != nil {
		t.Fatalf("FindCredential() error = %v", err)
	}
	if found.Principal != principal {
		t.Fatalf("principal = %q, want %q", found.Principal, principal)
	}
	if found.Algorithm != record.Algorithm || found.Cost != record.Cost {
		t.Fatalf("record = %+v, want algorithm %q cost %d", found, record.Algorithm, record.Cost)
	}
	if string(found.Hash) != string(record.Hash) {
		t.Fatalf("hash = %q, want %q", found.Hash, record.Hash)
	}
	if string(found.Salt) != string(record.Salt) {
		t.Fatalf("salt = %q, want %q", found.Salt, record.Salt)
	}
}

func TestAccountRepositoryUpdateCredential(t *testing.T) {
	repo := NewAccountRepository(testDB)
	ctx := context.Background()
	principal := uniquePrincipal("bob")

	if err := repo.CreateAccount(ctx, seedRecord(principal)); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	updated := authc.CredentialRecord{
		Principal: principal,
		Algorithm: authc.AlgorithmBcrypt,
		Cost:      12,
		Hash:      []byte("$2a$12$fakefakefakefakefakefakefakefakefakefakefakefakefake"),
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.UpdateCredential(ctx, updated); err != nil {
		t.Fatalf("UpdateCredential() error = %v", err)
	}

	found, err := repo.FindCredential(ctx, principal)
	if err != nil {
		t.Fatalf("FindCredential() error = %v", err)
	}
	if found.Algorithm != authc.AlgorithmBcrypt || found.Cost != 12 {
		t.Fatalf("record = %+v, want migrated bcrypt record", found)
	}
}

func TestAccountRepositoryNotFound(t *testing.T) {
	repo := NewAccountRepository(testDB)
	ctx := context.Background()
	principal := uniquePrincipal("ghost")

	if _, err := repo.FindCredential(ctx, principal); !errors.Is(err, authc.ErrAccountNotFound) {
		t.Fatalf("FindCredential() error = %v, want ErrAccountNotFound", err)
	}
	if _, err := repo.FindAuthzInfo(ctx, principal); !errors.Is(err, authc.ErrAccountNotFound) {
		t.Fatalf("FindAuthzInfo() error = %v, want ErrAccountNotFound", err)
	}
	if err := repo.UpdateCredential(ctx, seedRecord(principal)); !errors.Is(err, authc.ErrAccountNotFound) {
		t.Fatalf("UpdateCredential() error = %v, want ErrAccountNotFound", err)
	}
}

func TestAccountRepositoryAuthzInfo(t *testing.T) {
	repo := NewAccountRepository(testDB)
	ctx := context.Background()
	principal := uniquePrincipal("carol")

	if err := repo.CreateAccount(ctx, seedRecord(principal)); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	roles := []string{"admin", "operator"}
	for _, role := range roles {
		if err := repo.GrantRole(ctx, principal, role); err != nil {
			t.Fatalf("GrantRole(%q) error = %v", role, err)
		}
	}
	// Granting twice is a no-op.
	if err := repo.GrantRole(ctx, principal, "admin"); err != nil {
		t.Fatalf("GrantRole() repeat error = %v", err)
	}

	permissions := []string{"printer:print:*", "user:read"}
	for _, permission := range permissions {
		if err := repo.GrantPermission(ctx, principal, permission); err != nil {
			t.Fatalf("GrantPermission(%q) error = %v", permission, err)
		}
	}

	info, err := repo.FindAuthzInfo(ctx, principal)
	if err != nil {
		t.Fatalf("FindAuthzInfo() error = %v", err)
	}

	sort.Strings(info.Roles)
	if len(info.Roles) != 2 || info.Roles[0] != "admin" || info.Roles[1] != "operator" {
		t.Fatalf("roles = %v, want %v", info.Roles, roles)
	}
	sort.Strings(info.Permissions)
	if len(info.Permissions) != 2 {
		t.Fatalf("permissions = %v, want %v", info.Permissions, permissions)
	}

	if !info.Permits("printer:print:lp7200") {
		t.Fatal("Permits() = false for a granted wildcard permission")
	}
}

func TestAccountRepositoryAuthzInfoEmpty(t *testing.T) {
	repo := NewAccountRepository(testDB)
	ctx := context.Background()
	principal := uniquePrincipal("dave")

	if err := repo.CreateAccount(ctx, seedRecord(principal)); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	// An account with no grants resolves, it is just empty.
	info, err := repo.FindAuthzInfo(ctx, principal)
	if err != nil {
		t.Fatalf("FindAuthzInfo() error = %v", err)
	}
	if len(info.Roles) != 0 || len(info.Permissions) != 0 {
		t.Fatalf("info = %+v, want empty", info)
	}
}

func TestAccountRepositoryTOTPSecrets(t *testing.T) {
	repo := NewAccountRepository(testDB)
	ctx := context.Background()
	principal := uniquePrincipal("erin")

	if err := repo.CreateAccount(ctx, seedRecord(principal)); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	secrets := []authc.TOTPSecret{
		{Principal: principal, Tag: "current", Secret: "JBSWY3DPEHPK3PXP"},
		{Principal: principal, Tag: "next", Secret: "GEZDGNBVGY3TQOJQ"},
	}
	for _, secret := range secrets {
		if err := repo.SetTOTPSecret(ctx, secret); err != nil {
			t.Fatalf("SetTOTPSecret(%q) error = %v", secret.Tag, err)
		}
	}

	// Upsert replaces the secret for an existing tag.
	rotated := authc.TOTPSecret{Principal: principal, Tag: "current", Secret: "MFRGGZDFMZTWQ2LK"}
	if err := repo.SetTOTPSecret(ctx, rotated); err != nil {
		t.Fatalf("SetTOTPSecret() rotation error = %v", err)
	}

	found, err := repo.FindTOTPSecrets(ctx, principal)
	if err != nil {
		t.Fatalf("FindTOTPSecrets() error = %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("FindTOTPSecrets() returned %d secrets, want 2", len(found))
	}
	byTag := make(map[string]string, len(found))
	for _, secret := range found {
		byTag[secret.Tag] = secret.Secret
	}
	if byTag["current"] != rotated.Secret {
		t.Fatalf("current secret = %q, want rotated value", byTag["current"])
	}
	if byTag["next"] != "GEZDGNBVGY3TQOJQ" {
		t.Fatalf("next secret = %q, want original value", byTag["next"])
	}
}

func TestAccountRepositoryDeleteCascades(t *testing.T) {
	repo := NewAccountRepository(testDB)
	ctx := context.Background()
	principal := uniquePrincipal("frank")

	if err := repo.CreateAccount(ctx, seedRecord(principal)); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	if err := repo.GrantRole(ctx, principal, "admin"); err != nil {
		t.Fatalf("GrantRole() error = %v", err)
	}
	if err := repo.SetTOTPSecret(ctx, authc.TOTPSecret{Principal: principal, Tag: "current", Secret: "JBSWY3DPEHPK3PXP"}); err != nil {
		t.Fatalf("SetTOTPSecret() error = %v", err)
	}

	if err := repo.DeleteAccount(ctx, principal); err != nil {
		t.Fatalf("DeleteAccount() error = %v", err)
	}

	if _, err := repo.FindCredential(ctx, principal); !errors.Is(err, authc.ErrAccountNotFound) {
		t.Fatalf("FindCredential() after delete error = %v, want ErrAccountNotFound", err)
	}
	secrets, err := repo.FindTOTPSecrets(ctx, principal)
	if err != nil {
		t.Fatalf("FindTOTPSecrets() error = %v", err)
	}
	if len(secrets) != 0 {
		t.Fatalf("secrets survived the account delete: %v", secrets)
	}
}

func TestOpenMissingDSN(t *testing.T) {
	if _, err := Open(); !errors.Is(err, ErrMissingDSN) {
		t.Fatalf("Open() error = %v, want ErrMissingDSN", err)
	}
}
