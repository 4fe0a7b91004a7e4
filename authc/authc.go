// Package authc implements the credential-verification and
// session-lifecycle engine: hash algorithm negotiation and migration,
// account lockout, TOTP second factors, realms over pluggable account
// stores, sessions with idle and absolute timeouts, and the
// SecurityManager facade that ties them together.
package authc

import (
	"context"
	"time"

	"gatehouse/authz"
)

// Principal is an opaque account identifier owned by the account store.
type Principal string

// CredentialRecord is the stored shape of a hashed credential. For bcrypt
// the parameters live inside Hash itself; for argon2id Hash carries a
// PHC-style encoding; for pbkdf2_sha256 Cost is the round count and Salt
// is required.
type CredentialRecord struct {
	Principal Principal
	Algorithm string
	Cost      int
	Salt      []byte
	Hash      []byte
	CreatedAt time.Time
}

// TOTPSecret is one rotating second-factor secret. Exactly one tag is
// current per principal; older tags may stay valid during a rotation
// grace window managed by the operator.
type TOTPSecret struct {
	Principal Principal
	Tag       string
	Secret    string
}

// UsernamePasswordToken carries one login attempt. Password is cleared by
// the security manager once verification completes.
type UsernamePasswordToken struct {
	Principal  Principal
	Password   []byte
	RememberMe bool
}

// AccountStore is the adapter a realm authenticates against. Implementations
// translate backend failures into ErrStoreUnavailable (retryable) or
// ErrAccountNotFound (terminal).
type AccountStore interface {
	FindCredential(ctx context.Context, principal Principal) (CredentialRecord, error)
	FindAuthzInfo(ctx context.Context, principal Principal) (authz.Info, error)
	FindTOTPSecrets(ctx context.Context, principal Principal) ([]TOTPSecret, error)
	UpdateCredential(ctx context.Context, record CredentialRecord) error
}

func contextError(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
