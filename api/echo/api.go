// Package aaaecho exposes the account services over HTTP with echo.
package aaaecho

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/middleware"
	"github.com/pilab-dev/shadow-aaa/services"
)

// OAuth2Provider is the part of federation.OAuth2Client the handlers use.
type OAuth2Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*domain.ExternalIdentity, error)
	ValidateToken(ctx context.Context, accessToken string) (*domain.ExternalIdentity, error)
}

type Config struct {
	SessionCookie string
	SecureCookies bool
	// LoginRedirect and ErrorRedirect are where the OAuth2 callback sends
	// the browser after a successful or failed login.
	LoginRedirect string
	ErrorRedirect string
}

// Deps are the services behind the API.
type Deps struct {
	Registry     *services.IdentityRegistry
	Registration *services.RegistrationService
	Recovery     *services.CredentialRecoveryService
	Auth         *services.AuthService
	Resolver     *services.ConflictResolver
	Projector    *services.SessionProjector
	OAuth2       map[domain.Provider]OAuth2Provider
}

type API struct {
	Deps
	cfg Config
}

func New(deps Deps, cfg Config) *API {
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = middleware.DefaultSessionCookie
	}
	if cfg.LoginRedirect == "" {
		cfg.LoginRedirect = "/"
	}
	if cfg.ErrorRedirect == "" {
		cfg.ErrorRedirect = cfg.LoginRedirect
	}
	if deps.OAuth2 == nil {
		deps.OAuth2 = map[domain.Provider]OAuth2Provider{}
	}
	return &API{Deps: deps, cfg: cfg}
}

// RegisterRoutes mounts every route on e and installs the error handler.
func (a *API) RegisterRoutes(e *echo.Echo) {
	e.HTTPErrorHandler = HTTPErrorHandler
	e.Use(middleware.SecurityHeaders(), middleware.GatewayHeaders(a.Projector, a.cfg.SessionCookie))

	e.GET("/internal/auth", a.InternalAuth)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	auth := e.Group("/api/v1/auth")
	auth.POST("/register", a.Register)
	auth.POST("/register/resend", a.ResendConfirmation)
	auth.POST("/confirm", a.Confirm)
	auth.POST("/password/reset", a.RequestPasswordReset)
	auth.POST("/password/new", a.SetNewPassword)
	auth.POST("/email/confirm", a.ConfirmEmailChange)
	auth.POST("/login", a.Login)
	auth.POST("/logout", a.Logout)
	auth.GET("/oauth2/:provider", a.OAuth2Start)
	auth.GET("/oauth2/:provider/callback", a.OAuth2Callback)
	auth.POST("/oauth2/:provider/token", a.OAuth2Token)

	users := e.Group("/api/v1/users")
	users.GET("", a.SearchUsers)
	users.GET("/around/:id", a.UsersAround)
	users.GET("/online", a.OnlineUsers)

	me := users.Group("/me", middleware.RequireSession())
	me.GET("", a.Me)
	me.PUT("/profile", a.UpdateProfile)
	me.POST("/email", a.RequestEmailChange)
	me.DELETE("/identities/:provider", a.Unbind)

	admin := users.Group("/:id", middleware.RequireSession(), a.requireRole(domain.RoleAdmin))
	admin.PUT("/lock", a.SetLocked)
	admin.PUT("/roles", a.SetRoles)
}

// viewer loads the account of the session, or nil for anonymous requests.
func (a *API) viewer(c echo.Context) (*domain.UserAccount, error) {
	claims := middleware.ClaimsFrom(c)
	if claims == nil {
		return nil, nil
	}
	return a.Registry.FindByID(c.Request().Context(), claims.UserID)
}

func (a *API) requireRole(role domain.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims := middleware.ClaimsFrom(c)
			for _, r := range claims.Roles {
				if r == role {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
		}
	}
}

func (a *API) setSessionCookie(c echo.Context, session domain.Session) {
	c.SetCookie(&http.Cookie{
		Name:     a.cfg.SessionCookie,
		Value:    session.ID,
		Path:     "/",
		Expires:  session.ExpiresAt,
		MaxAge:   int(time.Until(session.ExpiresAt).Seconds()),
		Secure:   a.cfg.SecureCookies,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearCookie(c echo.Context, name string) {
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   a.cfg.SecureCookies,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

type statusResponse struct {
	Status string `json:"status"`
}

var okResponse = statusResponse{Status: "ok"}
