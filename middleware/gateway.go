package middleware

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pilab-dev/shadow-aaa/services"
	"github.com/rs/zerolog/log"
)

// DefaultSessionCookie is the cookie that carries the session id.
const DefaultSessionCookie = "SESSION"

const claimsContextKey = "aaa.claims"

// ClaimsProjector resolves a session id to gateway claims. A nil result
// means the request is anonymous.
type ClaimsProjector interface {
	ProjectClaims(ctx context.Context, sessionID string) (*services.Claims, error)
}

// SessionID returns the session id of the request, or "".
func SessionID(r *http.Request, cookieName string) string {
	if cookieName == "" {
		cookieName = DefaultSessionCookie
	}
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// GatewayHeaders removes client-supplied X-Auth headers and, when the
// request carries a live session, sets them from the projected claims.
// Anonymous requests pass through without identity headers.
func GatewayHeaders(projector ClaimsProjector, cookieName string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			for _, h := range services.GatewayHeaders {
				req.Header.Del(h)
			}

			sid := SessionID(req, cookieName)
			if sid == "" {
				return next(c)
			}
			claims, err := projector.ProjectClaims(req.Context(), sid)
			if err != nil {
				log.Error().Err(err).Msg("Failed to project session claims")
				return next(c)
			}
			if claims == nil {
				return next(c)
			}

			for name, values := range claims.Headers() {
				req.Header[name] = values
			}
			c.Set(claimsContextKey, claims)
			return next(c)
		}
	}
}

// ClaimsFrom returns the claims set by GatewayHeaders, or nil.
func ClaimsFrom(c echo.Context) *services.Claims {
	claims, _ := c.Get(claimsContextKey).(*services.Claims)
	return claims
}

// RequireSession rejects anonymous requests with 401.
func RequireSession() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if ClaimsFrom(c) == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "session required")
			}
			return next(c)
		}
	}
}

// SecurityHeaders adds common security headers to responses.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}
