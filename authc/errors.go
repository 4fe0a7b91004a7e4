package authc

import "errors"

var (
	// ErrConfiguration is returned at construction time for invalid
	// parameter bounds or missing required settings. It is fatal; none of
	// the constructors return a partially usable component alongside it.
	ErrConfiguration = errors.New("authc: invalid configuration")

	// ErrAuthentication is the only authentication failure callers outside
	// this package should surface to end users. It deliberately carries no
	// detail about which realm, account, or credential check failed.
	ErrAuthentication = errors.New("authc: authentication failed")

	// ErrAccountLocked is reported to audit sinks when a lockout rejects an
	// attempt. Callers must still present ErrAuthentication to the end user.
	ErrAccountLocked = errors.New("authc: account locked")

	// ErrAccountNotFound marks a terminal store miss. It maps to an
	// authentication failure, never to a retry.
	ErrAccountNotFound = errors.New("authc: account not found")

	// ErrStoreUnavailable marks a transient account-store failure. Lookups
	// retry with bounded backoff before giving up.
	ErrStoreUnavailable = errors.New("authc: account store unavailable")

	// ErrUnknownAlgorithm is returned when a stored credential names an
	// algorithm the registry was not configured with.
	ErrUnknownAlgorithm = errors.New("authc: unknown credential algorithm")

	// ErrCredentialMismatch is the internal verification failure. It is
	// folded into ErrAuthentication before leaving the security manager.
	ErrCredentialMismatch = errors.New("authc: credential does not match")

	// ErrInvalidCredentialRecord marks a stored hash the configured
	// algorithm cannot decode.
	ErrInvalidCredentialRecord = errors.New("authc: invalid credential record")

	// ErrChallengeExpired is returned when an MFA code arrives after its
	// challenge window closed.
	ErrChallengeExpired = errors.New("authc: mfa challenge expired")

	// ErrChallengeInvalid is returned for a wrong or replayed MFA code.
	ErrChallengeInvalid = errors.New("authc: mfa code invalid")

	// ErrSessionExpired is terminal for that session. The caller must
	// re-authenticate; an expired session is never resurrected.
	ErrSessionExpired = errors.New("authc: session expired")

	// ErrSessionNotFound covers unknown or already invalidated session ids.
	ErrSessionNotFound = errors.New("authc: session not found")
)
