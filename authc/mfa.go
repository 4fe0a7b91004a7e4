package authc

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTP parameters shared by code generation and validation.
const (
	DefaultTOTPPeriod      = 30
	DefaultTOTPSkew        = 1
	DefaultTOTPDigits      = otp.DigitsSix
	DefaultChallengeTTL    = 5 * time.Minute
	DefaultSecretTag       = "current"
	expiredCodeLookbackMax = 5

	// maxChallengeFailures bounds online guessing of a six-digit code:
	// a challenge is consumed after this many rejected submissions.
	maxChallengeFailures = 5
)

// ChallengeRef is the handle for a pending second-factor check. The login
// that produced it stays incomplete until the code is verified or the
// challenge expires.
type ChallengeRef struct {
	ID        string
	Principal Principal
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// pendingChallenge is the dispatcher-side state of an open challenge: the
// issued handle plus how many code submissions it has rejected.
type pendingChallenge struct {
	ref      ChallengeRef
	failures int
}

// SecretSource resolves the rotating TOTP secrets for a principal.
// AccountStore satisfies it; tests use the dispatcher's in-memory map.
type SecretSource interface {
	FindTOTPSecrets(ctx context.Context, principal Principal) ([]TOTPSecret, error)
}

// TOTPDispatcher issues and verifies time-based one-time codes. Secret
// lookup is tag-scoped: the default tag is resolved unless a specific tag
// is requested, which lets operators rotate secrets without invalidating
// codes mid-window. A nil *TOTPDispatcher is a no-op pass-through.
type TOTPDispatcher struct {
	mu         sync.Mutex
	secrets    map[Principal]map[string]string
	challenges map[string]*pendingChallenge

	source       SecretSource
	defaultTag   string
	challengeTTL time.Duration
	period       uint
	skew         uint
	digits       otp.Digits
	now          func() time.Time
}

// TOTPOption configures TOTPDispatcher.
type TOTPOption func(*TOTPDispatcher)

// WithSecretSource resolves secrets through an account store instead of
// the in-memory map.
func WithSecretSource(src SecretSource) TOTPOption {
	return func(d *TOTPDispatcher) {
		d.source = src
	}
}

// WithDefaultTag sets the tag resolved when callers do not name one.
func WithDefaultTag(tag string) TOTPOption {
	return func(d *TOTPDispatcher) {
		if tag != "" {
			d.defaultTag = tag
		}
	}
}

// WithChallengeTTL bounds how long an issued challenge accepts codes.
func WithChallengeTTL(ttl time.Duration) TOTPOption {
	return func(d *TOTPDispatcher) {
		if ttl > 0 {
			d.challengeTTL = ttl
		}
	}
}

// WithTOTPPeriod overrides the time-step length in seconds.
func WithTOTPPeriod(seconds uint) TOTPOption {
	return func(d *TOTPDispatcher) {
		if seconds > 0 {
			d.period = seconds
		}
	}
}

// WithTOTPNow sets a custom time function for testing.
func WithTOTPNow(fn func() time.Time) TOTPOption {
	return func(d *TOTPDispatcher) {
		if fn != nil {
			d.now = fn
		}
	}
}

// NewTOTPDispatcher builds a dispatcher with ±1 step clock-skew tolerance.
func NewTOTPDispatcher(opts ...TOTPOption) *TOTPDispatcher {
	d := &TOTPDispatcher{
		secrets:      make(map[Principal]map[string]string),
		challenges:   make(map[string]*pendingChallenge),
		defaultTag:   DefaultSecretTag,
		challengeTTL: DefaultChallengeTTL,
		period:       DefaultTOTPPeriod,
		skew:         DefaultTOTPSkew,
		digits:       DefaultTOTPDigits,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// SetSecret registers a secret under the given tag, replacing any previous
// secret for that tag. An empty tag targets the default tag.
func (d *TOTPDispatcher) SetSecret(principal Principal, tag, secret string) {
	if d == nil {
		return
	}
	if tag == "" {
		tag = d.defaultTag
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	tags := d.secrets[principal]
	if tags == nil {
		tags = make(map[string]string)
		d.secrets[principal] = tags
	}
	tags[tag] = secret
}

// Enrolled reports whether the principal has any secret and therefore must
// pass the second factor at login.
func (d *TOTPDispatcher) Enrolled(ctx context.Context, principal Principal) (bool, error) {
	if d == nil {
		return false, nil
	}
	secret, err := d.resolveSecret(ctx, principal, "")
	if err != nil {
		return false, err
	}
	return secret != "", nil
}

// IssueChallenge opens a verification window for the principal. It returns
// (nil, nil) when the principal is not enrolled, which callers treat as
// MFA pass-through.
func (d *TOTPDispatcher) IssueChallenge(ctx context.Context, principal Principal) (*ChallengeRef, error) {
	if d == nil {
		return nil, nil
	}
	if err := contextError(ctx); err != nil {
		return nil, err
	}
	enrolled, err := d.Enrolled(ctx, principal)
	if err != nil {
		return nil, err
	}
	if !enrolled {
		return nil, nil
	}

	now := d.now()
	ref := ChallengeRef{
		ID:        uuid.NewString(),
		Principal: principal,
		IssuedAt:  now,
		ExpiresAt: now.Add(d.challengeTTL),
	}

	d.mu.Lock()
	d.pruneLocked(now)
	d.challenges[ref.ID] = &pendingChallenge{ref: ref}
	d.mu.Unlock()

	out := ref
	return &out, nil
}

// VerifyChallenge resolves a pending challenge by id and checks the code.
// Challenges are single use: success consumes them, expiry removes them,
// and so does reaching the failed-submission limit.
func (d *TOTPDispatcher) VerifyChallenge(ctx context.Context, challengeID, code string) (Principal, error) {
	if d == nil {
		return "", ErrChallengeInvalid
	}
	if err := contextError(ctx); err != nil {
		return "", err
	}

	now := d.now()

	d.mu.Lock()
	pending := d.challenges[challengeID]
	if pending != nil && now.After(pending.ref.ExpiresAt) {
		delete(d.challenges, challengeID)
		d.mu.Unlock()
		return "", ErrChallengeExpired
	}
	d.mu.Unlock()

	if pending == nil {
		return "", ErrChallengeInvalid
	}

	if err := d.VerifyCode(ctx, pending.ref.Principal, "", code, now); err != nil {
		if errors.Is(err, ErrChallengeInvalid) || errors.Is(err, ErrChallengeExpired) {
			d.mu.Lock()
			pending.failures++
			if pending.failures >= maxChallengeFailures {
				delete(d.challenges, challengeID)
			}
			d.mu.Unlock()
		}
		return "", err
	}

	d.mu.Lock()
	delete(d.challenges, challengeID)
	d.mu.Unlock()

	return pending.ref.Principal, nil
}

// challengePending reports whether the challenge id is still open. The
// security manager uses it to retire pending logins whose challenge the
// dispatcher has already consumed or expired.
func (d *TOTPDispatcher) challengePending(id string) bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.challenges[id] != nil
}

// VerifyCode checks a submitted code against the principal's secret for
// the given tag (the default tag when empty). A code matching the current
// step or the immediately adjacent steps passes; a code that was valid in
// an earlier step fails with ErrChallengeExpired; anything else fails with
// ErrChallengeInvalid. Comparison is constant time.
func (d *TOTPDispatcher) VerifyCode(ctx context.Context, principal Principal, tag, code string, at time.Time) error {
	if d == nil {
		return ErrChallengeInvalid
	}
	if err := contextError(ctx); err != nil {
		return err
	}

	secret, err := d.resolveSecret(ctx, principal, tag)
	if err != nil {
		return err
	}
	if secret == "" {
		return ErrChallengeInvalid
	}

	opts := totp.ValidateOpts{
		Period:    d.period,
		Skew:      d.skew,
		Digits:    d.digits,
		Algorithm: otp.AlgorithmSHA1,
	}
	ok, err := totp.ValidateCustom(code, secret, at, opts)
	if err != nil {
		return fmt.Errorf("authc: totp validation failed: %w", err)
	}
	if ok {
		return nil
	}

	// Distinguish a stale-but-once-valid code from garbage so callers can
	// report the expiry case distinctly to audit.
	step := time.Duration(d.period) * time.Second
	for back := int(d.skew) + 1; back <= expiredCodeLookbackMax; back++ {
		past, err := totp.GenerateCodeCustom(secret, at.Add(-time.Duration(back)*step), opts)
		if err != nil {
			break
		}
		if subtle.ConstantTimeCompare([]byte(past), []byte(code)) == 1 {
			return ErrChallengeExpired
		}
	}
	return ErrChallengeInvalid
}

// GenerateCode produces the current code for the principal's tagged
// secret. Intended for tests and enrollment verification flows.
func (d *TOTPDispatcher) GenerateCode(ctx context.Context, principal Principal, tag string, at time.Time) (string, error) {
	if d == nil {
		return "", ErrChallengeInvalid
	}
	secret, err := d.resolveSecret(ctx, principal, tag)
	if err != nil {
		return "", err
	}
	if secret == "" {
		return "", ErrChallengeInvalid
	}
	return totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    d.period,
		Skew:      d.skew,
		Digits:    d.digits,
		Algorithm: otp.AlgorithmSHA1,
	})
}

func (d *TOTPDispatcher) resolveSecret(ctx context.Context, principal Principal, tag string) (string, error) {
	if tag == "" {
		tag = d.defaultTag
	}

	if d.source != nil {
		secrets, err := d.source.FindTOTPSecrets(ctx, principal)
		if err != nil {
			return "", err
		}
		for _, s := range secrets {
			if s.Tag == tag {
				return s.Secret, nil
			}
		}
		return "", nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.secrets[principal][tag], nil
}

// pruneLocked drops expired challenges. Callers hold d.mu.
func (d *TOTPDispatcher) pruneLocked(now time.Time) {
	for id, pending := range d.challenges {
		if now.After(pending.ref.ExpiresAt) {
			delete(d.challenges, id)
		}
	}
}
