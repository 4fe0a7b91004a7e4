package authc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gatehouse/authz"
	"gatehouse/cache"
)

// Store retry parameters for transient failures.
const (
	DefaultStoreRetryAttempts = 3
	DefaultStoreRetryBase     = 100 * time.Millisecond

	credentialKeyPrefix = "gatehouse:credential:"
	authzKeyPrefix      = "gatehouse:authz:"
)

// Realm binds exactly one account store to the hash registry and the cache
// handler. Authentication consults the credential cache first, verifies
// through the registry, and transparently migrates stored hashes that no
// longer meet the configured policy.
type Realm struct {
	name     string
	store    AccountStore
	registry *Registry
	cache    *cache.Handler
	logger   *slog.Logger

	retryAttempts int
	retryBase     time.Duration
}

// RealmOption configures Realm.
type RealmOption func(*Realm)

// WithRealmCache attaches the TTL-class cache handler.
func WithRealmCache(handler *cache.Handler) RealmOption {
	return func(r *Realm) {
		r.cache = handler
	}
}

// WithRealmLogger attaches a structured logger.
func WithRealmLogger(logger *slog.Logger) RealmOption {
	return func(r *Realm) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithStoreRetry overrides the bounded backoff applied to transient
// account-store failures.
func WithStoreRetry(attempts int, base time.Duration) RealmOption {
	return func(r *Realm) {
		if attempts > 0 {
			r.retryAttempts = attempts
		}
		if base > 0 {
			r.retryBase = base
		}
	}
}

// NewRealm builds a realm over the given store and registry.
func NewRealm(name string, store AccountStore, registry *Registry, opts ...RealmOption) (*Realm, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: realm name must not be empty", ErrConfiguration)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: realm %q requires an account store", ErrConfiguration, name)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: realm %q requires a hash registry", ErrConfiguration, name)
	}

	r := &Realm{
		name:          name,
		store:         store,
		registry:      registry,
		retryAttempts: DefaultStoreRetryAttempts,
		retryBase:     DefaultStoreRetryBase,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Name identifies the realm in the configured chain order.
func (r *Realm) Name() string {
	return r.name
}

// Authenticate resolves the principal's stored credential, verifies the
// submitted one, and performs migration-on-login when the stored hash
// needs upgrading. The plain credential is only ever the one supplied in
// this request; hashes are never reversed.
func (r *Realm) Authenticate(ctx context.Context, token UsernamePasswordToken) (Principal, error) {
	if err := contextError(ctx); err != nil {
		return "", err
	}
	if token.Principal == "" || len(token.Password) == 0 {
		return "", ErrCredentialMismatch
	}

	record, err := r.credential(ctx, token.Principal)
	if err != nil {
		return "", err
	}

	if err := r.registry.Verify(ctx, token.Password, record); err != nil {
		return "", err
	}

	if r.registry.NeedsUpgrade(record) {
		r.upgradeCredential(ctx, token.Principal, token.Password)
	}

	return token.Principal, nil
}

// AuthzInfo returns the principal's roles and permissions, cached under the
// authorization-info TTL class.
func (r *Realm) AuthzInfo(ctx context.Context, principal Principal) (authz.Info, error) {
	compute := func(ctx context.Context) ([]byte, error) {
		var info authz.Info
		err := r.withRetry(ctx, func() error {
			var err error
			info, err = r.store.FindAuthzInfo(ctx, principal)
			return err
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(info)
	}

	var payload []byte
	var err error
	if r.cache != nil {
		payload, err = r.cache.GetOrCompute(ctx, authzKey(principal), cache.ClassAuthzInfo, compute)
	} else {
		payload, err = compute(ctx)
	}
	if err != nil {
		return authz.Info{}, err
	}

	var info authz.Info
	if err := json.Unmarshal(payload, &info); err != nil {
		return authz.Info{}, fmt.Errorf("authc: corrupt cached authz info: %w", err)
	}
	return info, nil
}

// IsPermitted evaluates one wildcard permission for the principal.
func (r *Realm) IsPermitted(ctx context.Context, principal Principal, permission string) (bool, error) {
	info, err := r.AuthzInfo(ctx, principal)
	if err != nil {
		return false, err
	}
	return info.Permits(permission), nil
}

// HasRole reports whether the principal holds the named role.
func (r *Realm) HasRole(ctx context.Context, principal Principal, role string) (bool, error) {
	info, err := r.AuthzInfo(ctx, principal)
	if err != nil {
		return false, err
	}
	return info.HasRole(role), nil
}

// InvalidateAccount drops every cached entry derived from the principal's
// backing records. Call it whenever the credential or role assignments
// change; waiting out the TTL window is not acceptable staleness.
func (r *Realm) InvalidateAccount(ctx context.Context, principal Principal) {
	if r.cache == nil {
		return
	}
	r.cache.Invalidate(ctx, credentialKey(principal))
	r.cache.Invalidate(ctx, authzKey(principal))
}

func (r *Realm) credential(ctx context.Context, principal Principal) (CredentialRecord, error) {
	compute := func(ctx context.Context) ([]byte, error) {
		var record CredentialRecord
		err := r.withRetry(ctx, func() error {
			var err error
			record, err = r.store.FindCredential(ctx, principal)
			return err
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(record)
	}

	var payload []byte
	var err error
	if r.cache != nil {
		payload, err = r.cache.GetOrCompute(ctx, credentialKey(principal), cache.ClassCredentials, compute)
	} else {
		payload, err = compute(ctx)
	}
	if err != nil {
		return CredentialRecord{}, err
	}

	var record CredentialRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return CredentialRecord{}, fmt.Errorf("authc: corrupt cached credential: %w", err)
	}
	return record, nil
}

// upgradeCredential re-hashes under the preferred algorithm and persists
// the new record. Login already succeeded at this point; an upgrade
// failure is logged and the next successful login retries it.
func (r *Realm) upgradeCredential(ctx context.Context, principal Principal, plain []byte) {
	upgraded, err := r.registry.Hash(ctx, principal, plain)
	if err != nil {
		r.warn(ctx, "credential upgrade hash failed", principal, err)
		return
	}
	err = r.withRetry(ctx, func() error {
		return r.store.UpdateCredential(ctx, upgraded)
	})
	if err != nil {
		r.warn(ctx, "credential upgrade persist failed", principal, err)
		return
	}
	r.InvalidateAccount(ctx, principal)
	if r.logger != nil {
		r.logger.LogAttrs(ctx, slog.LevelInfo, "credential migrated to preferred algorithm",
			slog.String("realm", r.name),
			slog.String("principal", string(principal)),
			slog.String("algorithm", upgraded.Algorithm),
		)
	}
}

// withRetry runs fn, retrying transient store failures with doubling delay.
// Terminal errors and context cancellation stop the attempts immediately.
func (r *Realm) withRetry(ctx context.Context, fn func() error) error {
	delay := r.retryBase
	var lastErr error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if err := contextError(ctx); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil || !errors.Is(lastErr, ErrStoreUnavailable) {
			return lastErr
		}
		if attempt == r.retryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return lastErr
}

func (r *Realm) warn(ctx context.Context, msg string, principal Principal, err error) {
	if r.logger == nil {
		return
	}
	r.logger.LogAttrs(ctx, slog.LevelWarn, msg,
		slog.String("realm", r.name),
		slog.String("principal", string(principal)),
		slog.String("error", err.Error()),
	)
}

func credentialKey(principal Principal) string {
	return credentialKeyPrefix + string(principal)
}

func authzKey(principal Principal) string {
	return authzKeyPrefix + string(principal)
}
