package authc

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

// Credential algorithm identifiers.
const (
	AlgorithmBcrypt       = "bcrypt"
	AlgorithmArgon2id     = "argon2id"
	AlgorithmPBKDF2SHA256 = "pbkdf2_sha256"
)

// Default hashing parameters.
const (
	DefaultBcryptCost    = 12
	DefaultArgon2Time    = 3
	DefaultArgon2Memory  = 64 * 1024
	DefaultArgon2Threads = 4
	DefaultArgon2KeyLen  = 32
	DefaultPBKDF2Rounds  = 600_000
	DefaultPBKDF2KeyLen  = 32
	DefaultSaltLength    = 16
)

// Bounds constrains a tunable work-factor parameter. Min <= Default <= Max
// is enforced when the registry is built.
type Bounds struct {
	Min     int
	Default int
	Max     int
}

func (b Bounds) validate(name string) error {
	if b.Min <= 0 {
		return fmt.Errorf("%w: %s min must be positive, got %d", ErrConfiguration, name, b.Min)
	}
	if b.Min > b.Default || b.Default > b.Max {
		return fmt.Errorf("%w: %s bounds must satisfy min <= default <= max, got %d/%d/%d",
			ErrConfiguration, name, b.Min, b.Default, b.Max)
	}
	return nil
}

// BcryptSpec bounds the bcrypt cost factor.
type BcryptSpec struct {
	Cost Bounds
}

// Argon2Spec bounds the argon2id time parameter and fixes the remaining
// dimensions.
type Argon2Spec struct {
	Time       Bounds
	Memory     uint32
	Threads    uint8
	KeyLen     uint32
	SaltLength int
}

// PBKDF2Spec bounds the pbkdf2_sha256 round count.
type PBKDF2Spec struct {
	Rounds     Bounds
	SaltLength int
	KeyLen     int
}

// Registry holds the configured hash algorithms, verifies stored
// credentials, hashes new ones under the preferred algorithm, and decides
// when a stored record needs upgrading. Hashing and verification are
// CPU/memory bound; callers must treat them as blocking work and keep them
// off latency-sensitive dispatch paths.
type Registry struct {
	preferred string
	bcrypt    BcryptSpec
	argon2    Argon2Spec
	pbkdf2    PBKDF2Spec
	pepper    []byte
	now       func() time.Time
}

// RegistryOption configures Registry.
type RegistryOption func(*Registry)

// WithPreferredAlgorithm selects the algorithm new hashes are produced
// under and migrations target.
func WithPreferredAlgorithm(id string) RegistryOption {
	return func(r *Registry) {
		if id != "" {
			r.preferred = id
		}
	}
}

// WithBcryptSpec overrides the bcrypt cost bounds.
func WithBcryptSpec(spec BcryptSpec) RegistryOption {
	return func(r *Registry) {
		r.bcrypt = spec
	}
}

// WithArgon2Spec overrides the argon2id parameters.
func WithArgon2Spec(spec Argon2Spec) RegistryOption {
	return func(r *Registry) {
		r.argon2 = spec
	}
}

// WithPBKDF2Spec overrides the pbkdf2_sha256 parameters.
func WithPBKDF2Spec(spec PBKDF2Spec) RegistryOption {
	return func(r *Registry) {
		r.pbkdf2 = spec
	}
}

// WithPepper sets a server-side secret combined with every credential
// before hashing.
func WithPepper(pepper []byte) RegistryOption {
	return func(r *Registry) {
		r.pepper = append([]byte(nil), pepper...)
	}
}

// WithRegistryNow sets a custom time function for testing.
func WithRegistryNow(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry builds a registry and validates every configured bound. It
// fails fast with ErrConfiguration rather than producing a registry that
// would reject credentials at verification time.
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		preferred: AlgorithmArgon2id,
		bcrypt: BcryptSpec{
			Cost: Bounds{Min: bcrypt.MinCost, Default: DefaultBcryptCost, Max: bcrypt.MaxCost},
		},
		argon2: Argon2Spec{
			Time:       Bounds{Min: 1, Default: DefaultArgon2Time, Max: 10},
			Memory:     DefaultArgon2Memory,
			Threads:    DefaultArgon2Threads,
			KeyLen:     DefaultArgon2KeyLen,
			SaltLength: DefaultSaltLength,
		},
		pbkdf2: PBKDF2Spec{
			Rounds:     Bounds{Min: 100_000, Default: DefaultPBKDF2Rounds, Max: 5_000_000},
			SaltLength: DefaultSaltLength,
			KeyLen:     DefaultPBKDF2KeyLen,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	switch r.preferred {
	case AlgorithmBcrypt, AlgorithmArgon2id, AlgorithmPBKDF2SHA256:
	default:
		return nil, fmt.Errorf("%w: unknown preferred algorithm %q", ErrConfiguration, r.preferred)
	}
	if err := r.bcrypt.Cost.validate("bcrypt cost"); err != nil {
		return nil, err
	}
	if r.bcrypt.Cost.Min < bcrypt.MinCost || r.bcrypt.Cost.Max > bcrypt.MaxCost {
		return nil, fmt.Errorf("%w: bcrypt cost bounds outside %d..%d", ErrConfiguration, bcrypt.MinCost, bcrypt.MaxCost)
	}
	if err := r.argon2.Time.validate("argon2 time"); err != nil {
		return nil, err
	}
	if r.argon2.Memory == 0 || r.argon2.Threads == 0 || r.argon2.KeyLen == 0 || r.argon2.SaltLength <= 0 {
		return nil, fmt.Errorf("%w: argon2 memory, threads, key length, and salt length must be positive", ErrConfiguration)
	}
	if err := r.pbkdf2.Rounds.validate("pbkdf2 rounds"); err != nil {
		return nil, err
	}
	if r.pbkdf2.SaltLength <= 0 || r.pbkdf2.KeyLen <= 0 {
		return nil, fmt.Errorf("%w: pbkdf2 salt length and key length must be positive", ErrConfiguration)
	}

	return r, nil
}

// Preferred returns the algorithm id new hashes are produced under.
func (r *Registry) Preferred() string {
	return r.preferred
}

// Verify checks plain against a stored record, dispatching by the record's
// algorithm id. A mismatch returns ErrCredentialMismatch; an algorithm the
// registry does not know returns ErrUnknownAlgorithm. Both map to an
// authentication failure for the caller, never a crash.
func (r *Registry) Verify(ctx context.Context, plain []byte, record CredentialRecord) error {
	if err := contextError(ctx); err != nil {
		return err
	}
	if len(record.Hash) == 0 {
		return ErrInvalidCredentialRecord
	}

	combined := r.combineWithPepper(plain)
	defer clearBytes(combined)

	switch record.Algorithm {
	case AlgorithmBcrypt:
		if err := bcrypt.CompareHashAndPassword(record.Hash, combined); err != nil {
			if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
				return ErrCredentialMismatch
			}
			return fmt.Errorf("%w: %v", ErrInvalidCredentialRecord, err)
		}
		return nil
	case AlgorithmArgon2id:
		params, salt, digest, err := decodeArgon2Hash(record.Hash)
		if err != nil {
			return err
		}
		computed := argon2.IDKey(combined, salt, params.time, params.memory, params.threads, uint32(len(digest)))
		if subtle.ConstantTimeCompare(computed, digest) != 1 {
			return ErrCredentialMismatch
		}
		return nil
	case AlgorithmPBKDF2SHA256:
		if record.Cost <= 0 || len(record.Salt) == 0 {
			return ErrInvalidCredentialRecord
		}
		computed := pbkdf2.Key(combined, record.Salt, record.Cost, len(record.Hash), sha256.New)
		if subtle.ConstantTimeCompare(computed, record.Hash) != 1 {
			return ErrCredentialMismatch
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, record.Algorithm)
	}
}

// Hash produces a record for plain under the preferred algorithm with its
// configured default parameters.
func (r *Registry) Hash(ctx context.Context, principal Principal, plain []byte) (CredentialRecord, error) {
	return r.HashWith(ctx, principal, plain, r.preferred)
}

// HashWith produces a record under an explicitly chosen algorithm.
func (r *Registry) HashWith(ctx context.Context, principal Principal, plain []byte, algorithm string) (CredentialRecord, error) {
	if err := contextError(ctx); err != nil {
		return CredentialRecord{}, err
	}

	combined := r.combineWithPepper(plain)
	defer clearBytes(combined)

	switch algorithm {
	case AlgorithmBcrypt:
		cost := r.bcrypt.Cost.Default
		hashed, err := bcrypt.GenerateFromPassword(combined, cost)
		if err != nil {
			return CredentialRecord{}, fmt.Errorf("authc: bcrypt hash failed: %w", err)
		}
		return CredentialRecord{
			Principal: principal,
			Algorithm: AlgorithmBcrypt,
			Cost:      cost,
			Hash:      hashed,
			CreatedAt: r.now(),
		}, nil
	case AlgorithmArgon2id:
		salt, err := randomSalt(r.argon2.SaltLength)
		if err != nil {
			return CredentialRecord{}, err
		}
		t := uint32(r.argon2.Time.Default)
		digest := argon2.IDKey(combined, salt, t, r.argon2.Memory, r.argon2.Threads, r.argon2.KeyLen)
		return CredentialRecord{
			Principal: principal,
			Algorithm: AlgorithmArgon2id,
			Cost:      r.argon2.Time.Default,
			Salt:      salt,
			Hash:      encodeArgon2Hash(t, r.argon2.Memory, r.argon2.Threads, salt, digest),
			CreatedAt: r.now(),
		}, nil
	case AlgorithmPBKDF2SHA256:
		salt, err := randomSalt(r.pbkdf2.SaltLength)
		if err != nil {
			return CredentialRecord{}, err
		}
		rounds := r.pbkdf2.Rounds.Default
		digest := pbkdf2.Key(combined, salt, rounds, r.pbkdf2.KeyLen, sha256.New)
		return CredentialRecord{
			Principal: principal,
			Algorithm: AlgorithmPBKDF2SHA256,
			Cost:      rounds,
			Salt:      salt,
			Hash:      digest,
			CreatedAt: r.now(),
		}, nil
	default:
		return CredentialRecord{}, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
}

// NeedsUpgrade reports whether a successful login should transparently
// re-hash the credential: the stored algorithm differs from the preferred
// one, or the stored parameters fall below the configured minimums.
func (r *Registry) NeedsUpgrade(record CredentialRecord) bool {
	if record.Algorithm != r.preferred {
		return true
	}
	switch record.Algorithm {
	case AlgorithmBcrypt:
		cost, err := bcrypt.Cost(record.Hash)
		return err != nil || cost < r.bcrypt.Cost.Min
	case AlgorithmArgon2id:
		params, _, _, err := decodeArgon2Hash(record.Hash)
		if err != nil {
			return true
		}
		return params.time < uint32(r.argon2.Time.Min) || params.memory < r.argon2.Memory
	case AlgorithmPBKDF2SHA256:
		return record.Cost < r.pbkdf2.Rounds.Min
	default:
		return true
	}
}

func (r *Registry) combineWithPepper(plain []byte) []byte {
	if len(r.pepper) == 0 {
		return append([]byte(nil), plain...)
	}
	combined := make([]byte, len(plain)+len(r.pepper))
	copy(combined, plain)
	copy(combined[len(plain):], r.pepper)
	return combined
}

func randomSalt(length int) ([]byte, error) {
	salt := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("authc: failed to generate salt: %w", err)
	}
	return salt, nil
}

type argon2Params struct {
	time    uint32
	memory  uint32
	threads uint8
}

// encodeArgon2Hash uses the PHC string format:
// $argon2id$v=19$m=MEMORY,t=TIME,p=THREADS$SALT$HASH
func encodeArgon2Hash(t, memory uint32, threads uint8, salt, digest []byte) []byte {
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Digest := base64.RawStdEncoding.EncodeToString(digest)
	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, memory, t, threads, b64Salt, b64Digest)
	return []byte(encoded)
}

func decodeArgon2Hash(encoded []byte) (argon2Params, []byte, []byte, error) {
	parts := strings.Split(string(encoded), "$")
	if len(parts) != 6 {
		return argon2Params{}, nil, nil, ErrInvalidCredentialRecord
	}
	if parts[1] != "argon2id" {
		return argon2Params{}, nil, nil, ErrInvalidCredentialRecord
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return argon2Params{}, nil, nil, ErrInvalidCredentialRecord
	}

	var params argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.memory, &params.time, &params.threads); err != nil {
		return argon2Params{}, nil, nil, ErrInvalidCredentialRecord
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return argon2Params{}, nil, nil, ErrInvalidCredentialRecord
	}
	digest, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return argon2Params{}, nil, nil, ErrInvalidCredentialRecord
	}

	return params, salt, digest, nil
}
