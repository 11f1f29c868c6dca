package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pilab-dev/shadow-aaa/config"
	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/internal/metrics"
	"github.com/pilab-dev/shadow-aaa/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig(t *testing.T) *config.ServerConfig {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.BcryptCost = 4
	return cfg
}

func TestBuild_MemoryBackends(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Google.ClientID = "id"
	cfg.Google.ClientSecret = "secret"
	cfg.LDAP.URL = "ldap://ldap.example:389"
	cfg.LDAP.BaseDN = "dc=example,dc=org"

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	assert.Contains(t, app.OAuth2, domain.ProviderGoogle)
	assert.NotContains(t, app.OAuth2, domain.ProviderFacebook)
	assert.Contains(t, app.Directories, domain.ProviderLDAP)
	assert.NotContains(t, app.Directories, domain.ProviderKeycloak)
	assert.NoError(t, app.Ready(context.Background()))
	assert.NoError(t, app.Scheduler.RunOnce(context.Background(), JobOnlineSweep))
	assert.Error(t, app.Scheduler.RunOnce(context.Background(), JobSyncKeycloak))
}

func TestBuild_MisconfiguredProvider(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Keycloak.ClientID = "aaa"
	cfg.Keycloak.ClientSecret = "secret"

	_, err := Build(context.Background(), cfg)
	assert.ErrorContains(t, err, "keycloak")
}

func TestHTTPServer_Endpoints(t *testing.T) {
	app, err := Build(context.Background(), memoryConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	reg := prometheus.NewRegistry()
	metrics.InitCustomMetrics(reg)
	metrics.LoginsTotal.WithLabelValues("password", "success").Inc()

	readyErr := error(nil)
	srv := NewHTTPServer("0", log.Setup("error", false), app.API(), reg, func(context.Context) error { return readyErr })

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/health").Code)
	assert.Equal(t, http.StatusOK, get("/ready").Code)

	rec := get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "aaa_logins_total")

	assert.Equal(t, http.StatusUnauthorized, get("/internal/auth").Code)

	readyErr = errors.New("mongo down")
	assert.Equal(t, http.StatusServiceUnavailable, get("/ready").Code)
}
