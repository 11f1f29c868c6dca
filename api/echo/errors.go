package aaaecho

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pilab-dev/shadow-aaa/errors"
	"github.com/rs/zerolog/log"
)

var kindStatus = map[errors.Kind]int{
	errors.KindValidation:    http.StatusBadRequest,
	errors.KindConflict:      http.StatusConflict,
	errors.KindTokenNotFound: http.StatusForbidden,
	errors.KindForbidden:     http.StatusForbidden,
	errors.KindNotFound:      http.StatusNotFound,
	errors.KindUnauthorized:  http.StatusUnauthorized,
}

// StatusOf returns the HTTP status for a domain error kind.
func StatusOf(kind errors.Kind) int {
	if code, ok := kindStatus[kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// HTTPErrorHandler renders domain errors as {error, field, message} with the
// status of their kind. Anything unclassified is a 500 without details.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var (
		code int
		body errorBody
	)
	var domainErr *errors.Error
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &domainErr):
		code = StatusOf(domainErr.Kind)
		body = errorBody{Error: string(domainErr.Kind), Field: domainErr.Field, Message: domainErr.Message}
	case errors.As(err, &httpErr):
		code = httpErr.Code
		body = errorBody{Error: http.StatusText(code)}
		if msg, ok := httpErr.Message.(string); ok {
			body.Message = msg
		}
	default:
		code = http.StatusInternalServerError
		body = errorBody{Error: "internal", Message: "internal server error"}
		log.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(code)
	} else {
		writeErr = c.JSON(code, body)
	}
	if writeErr != nil {
		log.Error().Err(writeErr).Msg("Failed to write error response")
	}
}
