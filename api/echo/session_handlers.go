package aaaecho

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pilab-dev/shadow-aaa/middleware"
	"github.com/pilab-dev/shadow-aaa/services"
)

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type loginResponse struct {
	Account   services.AccountView `json:"account"`
	ExpiresAt time.Time            `json:"expiresAt"`
}

func (a *API) respondLogin(c echo.Context, res *services.LoginResult) error {
	a.setSessionCookie(c, res.Session)
	return c.JSON(http.StatusOK, loginResponse{
		Account:   services.ProjectAccount(&res.Account, res.Account, true),
		ExpiresAt: res.Session.ExpiresAt,
	})
}

func (a *API) Login(c echo.Context) error {
	var req loginRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := a.Auth.Login(c.Request().Context(), req.Login, req.Password)
	if err != nil {
		return err
	}
	return a.respondLogin(c, res)
}

func (a *API) Logout(c echo.Context) error {
	if sid := middleware.SessionID(c.Request(), a.cfg.SessionCookie); sid != "" {
		if err := a.Auth.Logout(c.Request().Context(), sid); err != nil {
			return err
		}
	}
	a.clearCookie(c, a.cfg.SessionCookie)
	return c.NoContent(http.StatusNoContent)
}

// InternalAuth serves gateway subrequests: 200 with identity headers for a
// live session, 401 otherwise.
func (a *API) InternalAuth(c echo.Context) error {
	claims := middleware.ClaimsFrom(c)
	if claims == nil {
		return c.NoContent(http.StatusUnauthorized)
	}
	for name, values := range claims.Headers() {
		c.Response().Header()[name] = values
	}
	return c.NoContent(http.StatusOK)
}
