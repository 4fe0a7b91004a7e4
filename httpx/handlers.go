package httpx

import (
	"errors"
	"log/slog"
	"time"

	"gatehouse/authc"
)

// Handlers exposes the security manager over HTTP. Every authentication
// failure maps to the same generic 401 regardless of cause; a dead
// account store maps to 503 so clients know a retry may succeed.
type Handlers struct {
	manager *authc.SecurityManager
	cookies *CookieCodec
	logger  *slog.Logger
}

// NewHandlers builds the HTTP handler set.
func NewHandlers(manager *authc.SecurityManager, cookies *CookieCodec, logger *slog.Logger) *Handlers {
	return &Handlers{manager: manager, cookies: cookies, logger: logger}
}

// Register attaches the auth routes. Login, MFA completion, and
// remembered login are reachable without a session; logout and authorize
// require the signed session cookie.
func (h *Handlers) Register(e *Echo) {
	e.POST("/login", h.Login)
	e.POST("/login/remembered", h.LoginRemembered)
	e.POST("/mfa", h.CompleteMFA)

	authed := e.Group("", SessionMiddleware(h.cookies))
	authed.POST("/logout", h.Logout)
	authed.GET("/authorize", h.Authorize)
	authed.POST("/remember", h.Remember)
}

type loginRequest struct {
	Principal  string `json:"principal"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

type mfaRequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
}

type rememberedLoginRequest struct {
	Token string `json:"token"`
}

type sessionResponse struct {
	SessionID       string    `json:"session_id"`
	ExpiresAt       time.Time `json:"expires_at"`
	RememberMeToken string    `json:"remember_me_token,omitempty"`
}

type challengeResponse struct {
	ChallengeID string    `json:"challenge_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Login runs the first authentication factor. An MFA-enrolled principal
// receives a challenge instead of a session.
func (h *Handlers) Login(c Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return HTTPError(StatusBadRequest, "malformed request")
	}
	if req.Principal == "" || req.Password == "" {
		return unauthorized()
	}

	result, err := h.manager.Login(c.Request().Context(), authc.UsernamePasswordToken{
		Principal:  authc.Principal(req.Principal),
		Password:   []byte(req.Password),
		RememberMe: req.RememberMe,
	})
	if err != nil {
		return h.loginError(c, err)
	}

	if result.Challenge != nil {
		return c.JSON(StatusOK, challengeResponse{
			ChallengeID: result.Challenge.ID,
			ExpiresAt:   result.Challenge.ExpiresAt,
		})
	}
	return h.sessionResponse(c, result)
}

// CompleteMFA finishes a two-phase login.
func (h *Handlers) CompleteMFA(c Context) error {
	var req mfaRequest
	if err := c.Bind(&req); err != nil {
		return HTTPError(StatusBadRequest, "malformed request")
	}
	if req.ChallengeID == "" || req.Code == "" {
		return unauthorized()
	}

	result, err := h.manager.CompleteMFA(c.Request().Context(), req.ChallengeID, req.Code)
	if err != nil {
		return h.loginError(c, err)
	}
	return h.sessionResponse(c, result)
}

// LoginRemembered redeems a remember-me token for a session. An invalid
// token is indistinguishable from a wrong password at this surface.
func (h *Handlers) LoginRemembered(c Context) error {
	var req rememberedLoginRequest
	if err := c.Bind(&req); err != nil {
		return HTTPError(StatusBadRequest, "malformed request")
	}

	session, err := h.manager.LoginWithRememberedIdentity(c.Request().Context(), req.Token)
	if err != nil {
		return h.loginError(c, err)
	}
	if session == nil {
		return unauthorized()
	}
	return h.sessionResponse(c, &authc.LoginResult{Session: session})
}

// Logout invalidates the session and clears the cookie.
func (h *Handlers) Logout(c Context) error {
	h.manager.Logout(c.Request().Context(), SessionID(c))
	c.SetCookie(h.cookies.Clear())
	return c.NoContent(StatusNoContent)
}

// Authorize evaluates one permission or role for the session's principal.
// The access itself extends the session's idle window.
func (h *Handlers) Authorize(c Context) error {
	permission := c.QueryParam("permission")
	role := c.QueryParam("role")
	if permission == "" && role == "" {
		return HTTPError(StatusBadRequest, "permission or role query parameter is required")
	}

	ctx := c.Request().Context()
	var permitted bool
	var err error
	if permission != "" {
		permitted, err = h.manager.IsPermitted(ctx, SessionID(c), permission)
	} else {
		permitted, err = h.manager.HasRole(ctx, SessionID(c), role)
	}
	if err != nil {
		return h.sessionError(c, err)
	}
	return c.JSON(StatusOK, map[string]bool{"permitted": permitted})
}

// Remember issues a remember-me token for the current session.
func (h *Handlers) Remember(c Context) error {
	token, err := h.manager.Remember(c.Request().Context(), SessionID(c))
	if err != nil {
		if errors.Is(err, authc.ErrConfiguration) {
			return HTTPError(StatusNotFound, "remember-me is not enabled")
		}
		return h.sessionError(c, err)
	}
	return c.JSON(StatusOK, map[string]string{"token": token})
}

func (h *Handlers) sessionResponse(c Context, result *authc.LoginResult) error {
	session := result.Session
	c.SetCookie(h.cookies.Issue(session.ID, session.AbsoluteExpiry))
	return c.JSON(StatusOK, sessionResponse{
		SessionID:       session.ID,
		ExpiresAt:       session.AbsoluteExpiry,
		RememberMeToken: result.RememberMeToken,
	})
}

func (h *Handlers) loginError(c Context, err error) error {
	if errors.Is(err, authc.ErrStoreUnavailable) {
		return HTTPError(StatusServiceUnavailable, "account store unavailable")
	}
	h.debug(c, "login rejected", err)
	return unauthorized()
}

func (h *Handlers) sessionError(c Context, err error) error {
	switch {
	case errors.Is(err, authc.ErrSessionExpired), errors.Is(err, authc.ErrSessionNotFound):
		c.SetCookie(h.cookies.Clear())
		return unauthorized()
	case errors.Is(err, authc.ErrStoreUnavailable):
		return HTTPError(StatusServiceUnavailable, "account store unavailable")
	default:
		h.debug(c, "authorization check failed", err)
		return HTTPError(StatusInternalError, "internal error")
	}
}

func (h *Handlers) debug(c Context, msg string, err error) {
	if h.logger == nil {
		return
	}
	h.logger.LogAttrs(c.Request().Context(), slog.LevelDebug, msg,
		slog.String("error", err.Error()),
	)
}
