package httpx

// sessionIDKey is where the session middleware stores the verified id.
const sessionIDKey = "gatehouse.session_id"

// SessionMiddleware extracts and verifies the signed session cookie and
// stores the session id on the request context. Requests without a valid
// cookie are rejected with the generic unauthorized body; no distinction
// is made between a missing cookie and a tampered one.
func SessionMiddleware(codec *CookieCodec) MiddlewareFunc {
	return func(next HandlerFunc) HandlerFunc {
		return func(c Context) error {
			id := codec.Extract(c.Request())
			if id == "" {
				return unauthorized()
			}
			c.Set(sessionIDKey, id)
			return next(c)
		}
	}
}

// SessionID returns the verified session id set by SessionMiddleware.
func SessionID(c Context) string {
	id, _ := c.Get(sessionIDKey).(string)
	return id
}

// unauthorized is the single 401 shape for every authentication failure,
// so responses never reveal whether an account exists, is locked, or has
// a pending second factor.
func unauthorized() error {
	return HTTPError(StatusUnauthorized, "authentication failed")
}
