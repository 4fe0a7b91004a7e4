package authc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Audit event kinds emitted by the security manager.
const (
	AuditLoginSuccess    = "login_success"
	AuditLoginFailure    = "login_failure"
	AuditAccountLocked   = "account_locked"
	AuditMFAChallenge    = "mfa_challenge"
	AuditMFAFailure      = "mfa_failure"
	AuditLogout          = "logout"
	AuditRememberedLogin = "remembered_login"
)

// AuditEvent is the internal record of a security-relevant outcome. Audit
// sinks see specific causes (including lockouts) that end callers never do.
type AuditEvent struct {
	Kind      string
	Principal Principal
	SessionID string
	At        time.Time
	Detail    string
}

// Auditor receives audit events. Implementations must not block the
// calling request path for long; delivery is best effort.
type Auditor interface {
	Notify(ctx context.Context, event AuditEvent)
}

// LoginResult is the outcome of a successful first authentication factor.
// Exactly one of Session and Challenge is set: a challenge means the
// principal is MFA-enrolled and no session exists until CompleteMFA
// verifies a code.
type LoginResult struct {
	Session         *Session
	Challenge       *ChallengeRef
	RememberMeToken string
}

type pendingLogin struct {
	realm      *Realm
	rememberMe bool
	expiresAt  time.Time
}

// SecurityManager is the facade over realms, lockout tracking, MFA,
// sessions, and caching. One instance is shared by all request handlers.
//
// All authentication failures surface to callers as the generic
// ErrAuthentication regardless of cause. The specific cause (bad
// credential, unknown account, locked account, missing second factor)
// reaches the audit sink only.
type SecurityManager struct {
	realms     []*Realm
	lockout    *LockoutTracker
	mfa        *TOTPDispatcher
	sessions   *SessionManager
	rememberMe *RememberMeCodec
	audit      Auditor
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]pendingLogin
}

// ManagerOption configures SecurityManager.
type ManagerOption func(*SecurityManager)

// WithRealms sets the realm chain. Authentication tries realms in this
// order and stops at the first success.
func WithRealms(realms ...*Realm) ManagerOption {
	return func(m *SecurityManager) {
		m.realms = append([]*Realm(nil), realms...)
	}
}

// WithLockout sets the account lockout tracker.
func WithLockout(tracker *LockoutTracker) ManagerOption {
	return func(m *SecurityManager) {
		if tracker != nil {
			m.lockout = tracker
		}
	}
}

// WithMFA enables the second-factor dispatcher. Without it MFA is a no-op
// pass-through.
func WithMFA(dispatcher *TOTPDispatcher) ManagerOption {
	return func(m *SecurityManager) {
		m.mfa = dispatcher
	}
}

// WithSessions sets the session manager.
func WithSessions(sessions *SessionManager) ManagerOption {
	return func(m *SecurityManager) {
		m.sessions = sessions
	}
}

// WithRememberMe enables remember-me token issuance and redemption.
func WithRememberMe(codec *RememberMeCodec) ManagerOption {
	return func(m *SecurityManager) {
		m.rememberMe = codec
	}
}

// WithAuditor attaches the audit sink.
func WithAuditor(auditor Auditor) ManagerOption {
	return func(m *SecurityManager) {
		m.audit = auditor
	}
}

// WithManagerLogger attaches a structured logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *SecurityManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithManagerNow sets a custom time function for testing.
func WithManagerNow(fn func() time.Time) ManagerOption {
	return func(m *SecurityManager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewSecurityManager validates the composition and builds the facade. At
// least one realm and a session manager are required.
func NewSecurityManager(opts ...ManagerOption) (*SecurityManager, error) {
	m := &SecurityManager{
		lockout: NewLockoutTracker(LockoutDisabled()),
		now:     time.Now,
		pending: make(map[string]pendingLogin),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	if len(m.realms) == 0 {
		return nil, fmt.Errorf("%w: security manager requires at least one realm", ErrConfiguration)
	}
	if m.sessions == nil {
		return nil, fmt.Errorf("%w: security manager requires a session manager", ErrConfiguration)
	}
	return m, nil
}

// Login runs the full first-factor sequence: lockout check, realm-chain
// authentication, lockout reset, MFA gate, session issuance, authorization
// cache warming, and optional remember-me issuance.
//
// Side effects that committed before a context cancellation (lockout
// increments, persisted hash upgrades) stay committed; cancellation only
// stops result delivery.
func (m *SecurityManager) Login(ctx context.Context, token UsernamePasswordToken) (*LoginResult, error) {
	if err := contextError(ctx); err != nil {
		return nil, err
	}

	if m.lockout.IsLocked(token.Principal) {
		m.lockout.RecordFailure(token.Principal)
		m.notify(ctx, AuditEvent{Kind: AuditAccountLocked, Principal: token.Principal, At: m.now(), Detail: ErrAccountLocked.Error()})
		return nil, ErrAuthentication
	}

	principal, realm, err := m.authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			// A dead backend is not a failed credential. No lockout
			// bookkeeping, and the caller may retry.
			return nil, err
		}
		nowLocked := m.lockout.RecordFailure(token.Principal)
		m.notify(ctx, AuditEvent{Kind: AuditLoginFailure, Principal: token.Principal, At: m.now(), Detail: err.Error()})
		if nowLocked {
			m.notify(ctx, AuditEvent{Kind: AuditAccountLocked, Principal: token.Principal, At: m.now(), Detail: ErrAccountLocked.Error()})
		}
		return nil, ErrAuthentication
	}

	m.lockout.RecordSuccess(principal)
	clearBytes(token.Password)

	if m.mfa != nil {
		challenge, err := m.mfa.IssueChallenge(ctx, principal)
		if err != nil {
			m.warn(ctx, "mfa challenge issue failed", principal, err)
			return nil, ErrAuthentication
		}
		if challenge != nil {
			m.mu.Lock()
			m.prunePendingLocked(m.now())
			m.pending[challenge.ID] = pendingLogin{
				realm:      realm,
				rememberMe: token.RememberMe,
				expiresAt:  challenge.ExpiresAt,
			}
			m.mu.Unlock()
			m.notify(ctx, AuditEvent{Kind: AuditMFAChallenge, Principal: principal, At: m.now()})
			return &LoginResult{Challenge: challenge}, nil
		}
	}

	return m.establish(ctx, principal, realm, token.RememberMe)
}

// CompleteMFA finishes a two-phase login by verifying the submitted code
// against the pending challenge. Challenge errors surface as their
// taxonomy kinds; the audit sink sees the failures.
func (m *SecurityManager) CompleteMFA(ctx context.Context, challengeID, code string) (*LoginResult, error) {
	if m.mfa == nil {
		return nil, ErrChallengeInvalid
	}

	principal, err := m.mfa.VerifyChallenge(ctx, challengeID, code)
	if err != nil {
		m.notify(ctx, AuditEvent{Kind: AuditMFAFailure, At: m.now(), Detail: err.Error()})
		if !m.mfa.challengePending(challengeID) {
			// The dispatcher consumed or expired the challenge, so the
			// two-phase login can never complete.
			m.mu.Lock()
			delete(m.pending, challengeID)
			m.mu.Unlock()
		}
		return nil, err
	}

	m.mu.Lock()
	pending, ok := m.pending[challengeID]
	delete(m.pending, challengeID)
	m.mu.Unlock()
	if !ok {
		return nil, ErrChallengeInvalid
	}

	return m.establish(ctx, principal, pending.realm, pending.rememberMe)
}

// prunePendingLocked drops pending logins whose challenge window has
// closed. Callers hold m.mu.
func (m *SecurityManager) prunePendingLocked(now time.Time) {
	for id, p := range m.pending {
		if now.After(p.expiresAt) {
			delete(m.pending, id)
		}
	}
}

// Logout invalidates the session. Unknown session ids are a no-op.
func (m *SecurityManager) Logout(ctx context.Context, sessionID string) {
	var principal Principal
	if session, err := m.sessions.Peek(ctx, sessionID); err == nil {
		principal = session.Principal
	}
	m.sessions.Invalidate(ctx, sessionID)
	m.notify(ctx, AuditEvent{Kind: AuditLogout, Principal: principal, SessionID: sessionID, At: m.now()})
}

// IsPermitted validates the session, extends its idle window, and
// evaluates the permission against every realm that knows the principal.
func (m *SecurityManager) IsPermitted(ctx context.Context, sessionID, permission string) (bool, error) {
	session, err := m.sessions.Touch(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return m.eachRealm(ctx, session.Principal, func(r *Realm) (bool, error) {
		return r.IsPermitted(ctx, session.Principal, permission)
	})
}

// HasRole validates the session and checks role membership across realms.
func (m *SecurityManager) HasRole(ctx context.Context, sessionID, role string) (bool, error) {
	session, err := m.sessions.Touch(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return m.eachRealm(ctx, session.Principal, func(r *Realm) (bool, error) {
		return r.HasRole(ctx, session.Principal, role)
	})
}

// Remember issues a remember-me token for the session's principal.
func (m *SecurityManager) Remember(ctx context.Context, sessionID string) (string, error) {
	if m.rememberMe == nil {
		return "", fmt.Errorf("%w: remember-me is not configured", ErrConfiguration)
	}
	session, err := m.sessions.Touch(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return m.rememberMe.Encode(session.Principal)
}

// LoginWithRememberedIdentity redeems a remember-me token for a fresh
// session. Any invalid, tampered, or stale token is treated as absent:
// the result is (nil, nil), never an error that aborts the request.
func (m *SecurityManager) LoginWithRememberedIdentity(ctx context.Context, token string) (*Session, error) {
	if err := contextError(ctx); err != nil {
		return nil, err
	}
	if m.rememberMe == nil || token == "" {
		return nil, nil
	}

	principal := m.rememberMe.Decode(token)
	if principal == "" {
		return nil, nil
	}
	if m.lockout.IsLocked(principal) {
		m.notify(ctx, AuditEvent{Kind: AuditAccountLocked, Principal: principal, At: m.now(), Detail: ErrAccountLocked.Error()})
		return nil, nil
	}

	session, err := m.sessions.Create(ctx, principal)
	if err != nil {
		return nil, err
	}
	m.notify(ctx, AuditEvent{Kind: AuditRememberedLogin, Principal: principal, SessionID: session.ID, At: m.now()})
	return session, nil
}

// SetSecret registers an MFA secret for the principal under the given tag.
func (m *SecurityManager) SetSecret(principal Principal, tag, secret string) {
	if m.mfa != nil {
		m.mfa.SetSecret(principal, tag, secret)
	}
}

// UnlockAccount is the administrative lockout reset.
func (m *SecurityManager) UnlockAccount(principal Principal) {
	m.lockout.Unlock(principal)
}

// authenticate walks the realm chain in configured order and stops at the
// first success. Failures from every realm collapse into one generic
// error so callers cannot tell which realm, if any, knew the account.
func (m *SecurityManager) authenticate(ctx context.Context, token UsernamePasswordToken) (Principal, *Realm, error) {
	var lastErr error
	allUnavailable := true
	for _, realm := range m.realms {
		principal, err := realm.Authenticate(ctx, token)
		if err == nil {
			return principal, realm, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", nil, err
		}
		if !errors.Is(err, ErrStoreUnavailable) {
			allUnavailable = false
		}
		lastErr = err
	}
	if lastErr == nil {
		return "", nil, ErrAuthentication
	}
	if allUnavailable {
		return "", nil, lastErr
	}
	return "", nil, ErrAuthentication
}

// establish issues the session, warms the authorization cache, and mints
// the remember-me token when requested.
func (m *SecurityManager) establish(ctx context.Context, principal Principal, realm *Realm, rememberMe bool) (*LoginResult, error) {
	session, err := m.sessions.Create(ctx, principal)
	if err != nil {
		return nil, err
	}

	if realm != nil {
		if _, err := realm.AuthzInfo(ctx, principal); err != nil {
			m.warn(ctx, "authz cache warm failed", principal, err)
		}
	}

	result := &LoginResult{Session: session}
	if rememberMe && m.rememberMe != nil {
		token, err := m.rememberMe.Encode(principal)
		if err != nil {
			m.warn(ctx, "remember-me issuance failed", principal, err)
		} else {
			result.RememberMeToken = token
		}
	}

	m.notify(ctx, AuditEvent{Kind: AuditLoginSuccess, Principal: principal, SessionID: session.ID, At: m.now()})
	return result, nil
}

func (m *SecurityManager) eachRealm(ctx context.Context, principal Principal, check func(*Realm) (bool, error)) (bool, error) {
	var lastErr error
	resolved := false
	for _, realm := range m.realms {
		ok, err := check(realm)
		if err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				continue
			}
			lastErr = err
			continue
		}
		resolved = true
		if ok {
			return true, nil
		}
	}
	if !resolved && lastErr != nil {
		return false, lastErr
	}
	return false, nil
}

func (m *SecurityManager) notify(ctx context.Context, event AuditEvent) {
	if m.audit != nil {
		m.audit.Notify(ctx, event)
	}
	if m.logger != nil {
		m.logger.LogAttrs(ctx, slog.LevelInfo, "security event",
			slog.String("kind", event.Kind),
			slog.String("principal", string(event.Principal)),
			slog.String("session_id", event.SessionID),
		)
	}
}

func (m *SecurityManager) warn(ctx context.Context, msg string, principal Principal, err error) {
	if m.logger == nil {
		return
	}
	m.logger.LogAttrs(ctx, slog.LevelWarn, msg,
		slog.String("principal", string(principal)),
		slog.String("error", err.Error()),
	)
}
