package aaaecho

import (
	"crypto/subtle"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/errors"
	"github.com/pilab-dev/shadow-aaa/middleware"
	"github.com/pilab-dev/shadow-aaa/services"
	"github.com/rs/zerolog/log"
)

const (
	oauthStateCookie = "aaa_oauth_state"
	stateMaxAge      = 300
)

type accessTokenRequest struct {
	AccessToken string `json:"accessToken"`
}

func (a *API) oauthProvider(c echo.Context) (domain.Provider, OAuth2Provider, error) {
	provider, known := domain.ParseProvider(c.Param("provider"))
	if !known {
		return "", nil, errors.NewNotFound("provider")
	}
	client, configured := a.OAuth2[provider]
	if !configured {
		return "", nil, errors.NewNotFound("provider")
	}
	return provider, client, nil
}

// currentUser returns the id behind the session cookie, or 0. A session
// turns a provider login into "attach to my account".
func (a *API) currentUser(c echo.Context) int64 {
	if claims := middleware.ClaimsFrom(c); claims != nil {
		return claims.UserID
	}
	return 0
}

// OAuth2Start redirects to the provider consent page and remembers the
// state in a short-lived cookie.
func (a *API) OAuth2Start(c echo.Context) error {
	provider, client, err := a.oauthProvider(c)
	if err != nil {
		return err
	}
	state := uuid.NewString()
	c.SetCookie(&http.Cookie{
		Name:     oauthStateCookie,
		Value:    string(provider) + ":" + state,
		Path:     "/",
		MaxAge:   stateMaxAge,
		Secure:   a.cfg.SecureCookies,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return c.Redirect(http.StatusFound, client.AuthCodeURL(state))
}

func (a *API) OAuth2Callback(c echo.Context) error {
	provider, client, err := a.oauthProvider(c)
	if err != nil {
		return err
	}

	cookie, err := c.Cookie(oauthStateCookie)
	a.clearCookie(c, oauthStateCookie)
	if err != nil {
		log.Warn().Str("provider", string(provider)).Msg("State cookie missing on OAuth2 callback")
		return a.failCallback(c, "state")
	}
	want := string(provider) + ":" + c.QueryParam("state")
	if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(want)) != 1 {
		log.Warn().Str("provider", string(provider)).Msg("OAuth2 state mismatch")
		return a.failCallback(c, "state")
	}
	if oauthErr := c.QueryParam("error"); oauthErr != "" {
		log.Info().Str("provider", string(provider)).Str("error", oauthErr).Msg("Provider denied authorization")
		return a.failCallback(c, "denied")
	}

	ctx := c.Request().Context()
	ident, err := client.Exchange(ctx, c.QueryParam("code"))
	if err != nil {
		log.Error().Err(err).Str("provider", string(provider)).Msg("OAuth2 code exchange failed")
		return a.failCallback(c, "exchange")
	}
	res, err := a.Auth.LoginExternal(ctx, *ident, a.currentUser(c))
	if err != nil {
		if !errors.IsDomain(err) {
			return err
		}
		return a.failCallback(c, string(errors.KindOf(err)))
	}
	a.setSessionCookie(c, res.Session)
	return c.Redirect(http.StatusFound, a.cfg.LoginRedirect)
}

func (a *API) failCallback(c echo.Context, reason string) error {
	target, err := url.Parse(a.cfg.ErrorRedirect)
	if err != nil {
		return err
	}
	q := target.Query()
	q.Set("error", reason)
	target.RawQuery = q.Encode()
	return c.Redirect(http.StatusFound, target.String())
}

// OAuth2Token logs in with an access token obtained by a native client.
func (a *API) OAuth2Token(c echo.Context) error {
	_, client, err := a.oauthProvider(c)
	if err != nil {
		return err
	}
	var req accessTokenRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	ident, err := client.ValidateToken(ctx, req.AccessToken)
	if err != nil {
		log.Info().Err(err).Str("provider", c.Param("provider")).Msg("Access token rejected")
		return errors.NewUnauthorized("authentication failed")
	}
	res, err := a.Auth.LoginExternal(ctx, *ident, a.currentUser(c))
	if err != nil {
		return err
	}
	return a.respondLogin(c, res)
}

func (a *API) Unbind(c echo.Context) error {
	provider, known := domain.ParseProvider(c.Param("provider"))
	if !known {
		return errors.NewNotFound("provider")
	}
	acc, err := a.Resolver.Unbind(c.Request().Context(), middleware.ClaimsFrom(c).UserID, provider)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, services.ProjectAccount(acc, *acc, true))
}
