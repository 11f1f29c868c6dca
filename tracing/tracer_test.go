package tracing

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestMiddleware_StartsServerSpan(t *testing.T) {
	var buf bytes.Buffer
	tp, err := InitTracerProvider("aaa-test", Options{Writer: &buf})
	require.NoError(t, err)

	var seen trace.SpanContext
	e := echo.New()
	e.Use(Middleware())
	e.GET("/users/:id", func(c echo.Context) error {
		seen = trace.SpanContextFromContext(c.Request().Context())
		return echo.NewHTTPError(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/users/7", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.True(t, seen.IsValid())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", seen.TraceID().String())

	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "GET /users/:id")
}
