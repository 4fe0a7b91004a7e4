package authc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// RememberMeKeyLength is the required AES-256 key size in bytes.
const RememberMeKeyLength = 32

// DefaultRememberMeMaxAge bounds how long a remembered identity stays
// redeemable.
const DefaultRememberMeMaxAge = 30 * 24 * time.Hour

type rememberMePayload struct {
	Principal Principal `json:"principal"`
	IssuedAt  time.Time `json:"issued_at"`
}

// RememberMeCodec seals and opens remember-me tokens with AES-256-GCM.
// A token is base64url(keyIDLen || keyID || nonce || ciphertext); the key
// id travels in cleartext so rotated deployments can reject tokens sealed
// under retired keys without attempting decryption.
type RememberMeCodec struct {
	keyID  string
	aead   cipher.AEAD
	maxAge time.Duration
	now    func() time.Time
}

// RememberMeOption configures RememberMeCodec.
type RememberMeOption func(*RememberMeCodec)

// WithRememberMeMaxAge bounds token age at decode time.
func WithRememberMeMaxAge(d time.Duration) RememberMeOption {
	return func(c *RememberMeCodec) {
		if d > 0 {
			c.maxAge = d
		}
	}
}

// WithRememberMeNow sets a custom time function for testing.
func WithRememberMeNow(fn func() time.Time) RememberMeOption {
	return func(c *RememberMeCodec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewRememberMeCodec builds a codec over the configured symmetric key.
func NewRememberMeCodec(keyID string, key []byte, opts ...RememberMeOption) (*RememberMeCodec, error) {
	if keyID == "" || len(keyID) > 255 {
		return nil, fmt.Errorf("%w: remember-me key id must be 1..255 bytes", ErrConfiguration)
	}
	if len(key) != RememberMeKeyLength {
		return nil, fmt.Errorf("%w: remember-me key must be %d bytes, got %d",
			ErrConfiguration, RememberMeKeyLength, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	c := &RememberMeCodec{
		keyID:  keyID,
		aead:   aead,
		maxAge: DefaultRememberMeMaxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Encode seals the principal into an opaque token.
func (c *RememberMeCodec) Encode(principal Principal) (string, error) {
	payload, err := json.Marshal(rememberMePayload{Principal: principal, IssuedAt: c.now()})
	if err != nil {
		return "", fmt.Errorf("authc: remember-me encode failed: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("authc: remember-me nonce generation failed: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, payload, []byte(c.keyID))

	token := make([]byte, 0, 1+len(c.keyID)+len(nonce)+len(sealed))
	token = append(token, byte(len(c.keyID)))
	token = append(token, c.keyID...)
	token = append(token, nonce...)
	token = append(token, sealed...)
	return base64.RawURLEncoding.EncodeToString(token), nil
}

// Decode opens a token and returns the remembered principal. Malformed,
// tampered, foreign-key, or stale tokens all decode to the empty principal;
// a bad token is treated as absent, never as an error that aborts the
// surrounding request.
func (c *RememberMeCodec) Decode(token string) Principal {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < 1 {
		return ""
	}

	idLen := int(raw[0])
	rest := raw[1:]
	if len(rest) < idLen+c.aead.NonceSize() {
		return ""
	}
	keyID := string(rest[:idLen])
	if keyID != c.keyID {
		return ""
	}
	rest = rest[idLen:]
	nonce := rest[:c.aead.NonceSize()]
	sealed := rest[c.aead.NonceSize():]

	payload, err := c.aead.Open(nil, nonce, sealed, []byte(keyID))
	if err != nil {
		return ""
	}

	var decoded rememberMePayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return ""
	}
	if decoded.Principal == "" {
		return ""
	}
	if c.maxAge > 0 && c.now().Sub(decoded.IssuedAt) > c.maxAge {
		return ""
	}
	return decoded.Principal
}
