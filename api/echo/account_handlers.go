package aaaecho

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pilab-dev/shadow-aaa/errors"
	"github.com/pilab-dev/shadow-aaa/middleware"
	"github.com/pilab-dev/shadow-aaa/services"
)

type registerRequest struct {
	Login    string `json:"login"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type newPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type confirmResponse struct {
	Result services.ConfirmResult `json:"result"`
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return errors.NewValidation("body", "malformed request body")
	}
	return nil
}

// Register answers 200 even when the email is already taken.
func (a *API) Register(c echo.Context) error {
	var req registerRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := a.Registration.Register(c.Request().Context(), req.Login, req.Email, req.Password); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, okResponse)
}

func (a *API) ResendConfirmation(c echo.Context) error {
	var req emailRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := a.Registration.ResendConfirmation(c.Request().Context(), req.Email); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, okResponse)
}

func (a *API) Confirm(c echo.Context) error {
	var req tokenRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	result, err := a.Registration.Confirm(c.Request().Context(), req.Token)
	if err != nil {
		return err
	}
	code := http.StatusOK
	if result != services.Confirmed {
		code = http.StatusForbidden
	}
	return c.JSON(code, confirmResponse{Result: result})
}

func (a *API) RequestPasswordReset(c echo.Context) error {
	var req emailRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := a.Recovery.RequestPasswordReset(c.Request().Context(), req.Email); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, okResponse)
}

func (a *API) SetNewPassword(c echo.Context) error {
	var req newPasswordRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := a.Recovery.SetNewPassword(c.Request().Context(), req.Token, req.Password); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, okResponse)
}

func (a *API) RequestEmailChange(c echo.Context) error {
	var req emailRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	claims := middleware.ClaimsFrom(c)
	if err := a.Recovery.RequestEmailChange(c.Request().Context(), claims.UserID, req.Email); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, okResponse)
}

func (a *API) ConfirmEmailChange(c echo.Context) error {
	var req tokenRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	acc, err := a.Recovery.ConfirmEmailChange(c.Request().Context(), req.Token)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, services.ProjectAccount(acc, *acc, false))
}
