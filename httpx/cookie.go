package httpx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gatehouse/authc"
)

// DefaultSessionCookie is the cookie carrying the signed session id.
const DefaultSessionCookie = "gatehouse_session"

// CookieCodec signs and verifies the opaque session id carried by the
// transport cookie. The cookie value is "<id>.<base64url hmac-sha256(id)>";
// the session id itself stays opaque and the engine never sees transport
// mechanics beyond it.
type CookieCodec struct {
	name    string
	signKey []byte
	secure  bool
}

// NewCookieCodec builds a codec over the configured signing key.
func NewCookieCodec(name string, signKey []byte, secure bool) (*CookieCodec, error) {
	if name == "" {
		name = DefaultSessionCookie
	}
	if len(signKey) == 0 {
		return nil, fmt.Errorf("%w: cookie signing key is required", authc.ErrConfiguration)
	}
	return &CookieCodec{
		name:    name,
		signKey: append([]byte(nil), signKey...),
		secure:  secure,
	}, nil
}

// Issue returns a Set-Cookie value binding the session id until expiry.
func (c *CookieCodec) Issue(sessionID string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     c.name,
		Value:    sessionID + "." + c.sign(sessionID),
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Clear returns an expired cookie that removes the session binding.
func (c *CookieCodec) Clear() *http.Cookie {
	return &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Extract pulls the session id out of the request cookie and verifies the
// signature. A missing, malformed, or tampered cookie yields an empty id.
func (c *CookieCodec) Extract(r *http.Request) string {
	cookie, err := r.Cookie(c.name)
	if err != nil || cookie.Value == "" {
		return ""
	}
	id, sig, ok := strings.Cut(cookie.Value, ".")
	if !ok || id == "" {
		return ""
	}
	if !hmac.Equal([]byte(sig), []byte(c.sign(id))) {
		return ""
	}
	return id
}

func (c *CookieCodec) sign(id string) string {
	mac := hmac.New(sha256.New, c.signKey)
	mac.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
