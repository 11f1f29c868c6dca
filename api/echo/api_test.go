package aaaecho_test

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	aaaecho "github.com/pilab-dev/shadow-aaa/api/echo"
	"github.com/pilab-dev/shadow-aaa/cache"
	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/errors"
	"github.com/pilab-dev/shadow-aaa/internal/memstore"
	"github.com/pilab-dev/shadow-aaa/middleware"
	"github.com/pilab-dev/shadow-aaa/services"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) { return "hashed:" + password, nil }

func (plainHasher) Verify(hashed, password string) error {
	if hashed != "hashed:"+password {
		return stderrors.New("password mismatch")
	}
	return nil
}

type outbox struct {
	mu    sync.Mutex
	links map[string]string
}

func (o *outbox) Send(_ context.Context, _ domain.MailKind, to string, vars domain.MailVars) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.links[to] = vars.Link
}

func (o *outbox) token(t *testing.T, to string) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	u, err := url.Parse(o.links[to])
	require.NoError(t, err)
	token := u.Query().Get("token")
	require.NotEmpty(t, token, "no mail to %s", to)
	return token
}

type fakeProvider struct {
	ident domain.ExternalIdentity
}

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://provider.example/auth?state=" + state
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (*domain.ExternalIdentity, error) {
	if code != "good" {
		return nil, stderrors.New("bad code")
	}
	ident := p.ident
	return &ident, nil
}

func (p *fakeProvider) ValidateToken(_ context.Context, token string) (*domain.ExternalIdentity, error) {
	return p.Exchange(context.Background(), token)
}

type fixture struct {
	e        *echo.Echo
	registry *services.IdentityRegistry
	mail     *outbox
	google   *fakeProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log.Logger = zerolog.Nop()

	repo := memstore.NewAccountRepository()
	sessions := cache.NewMemorySessionStore()
	tokens := cache.NewMemoryTokenStore(time.Hour)
	t.Cleanup(func() {
		_ = sessions.Close()
		_ = tokens.Close()
	})

	mail := &outbox{links: map[string]string{}}
	flows := services.DefaultFlowConfig()
	flows.ConfirmURL = "https://app.example/confirm"
	flows.ResetURL = "https://app.example/reset"
	flows.ChangeEmailURL = "https://app.example/email"

	registry := services.NewIdentityRegistry(repo, services.DefaultLoginPolicy())
	resolver := services.NewConflictResolver(registry, services.ResolverConfig{
		Strategy:    services.MergeToPasswordAccountByEmail,
		AllowUnbind: true,
	})
	google := &fakeProvider{ident: domain.ExternalIdentity{
		Provider: domain.ProviderGoogle, ExternalID: "g-1", CandidateLogin: "Gina", Email: "gina@x.com",
	}}

	api := aaaecho.New(aaaecho.Deps{
		Registry:     registry,
		Registration: services.NewRegistrationService(registry, plainHasher{}, tokens, mail, flows),
		Recovery:     services.NewCredentialRecoveryService(registry, plainHasher{}, tokens, mail, flows),
		Auth:         services.NewAuthService(registry, resolver, sessions, plainHasher{}, nil, time.Hour),
		Resolver:     resolver,
		Projector:    services.NewSessionProjector(sessions, repo, sessions),
		OAuth2:       map[domain.Provider]aaaecho.OAuth2Provider{domain.ProviderGoogle: google},
	}, aaaecho.Config{LoginRedirect: "https://app.example/", ErrorRedirect: "https://app.example/login"})

	e := echo.New()
	api.RegisterRoutes(e)
	return &fixture{e: e, registry: registry, mail: mail, google: google}
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

type call struct {
	method, path string
	body         any
	cookies      []*http.Cookie
}

func (f *fixture) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body *strings.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(t, err)
		body = strings.NewReader(string(raw))
	} else {
		body = strings.NewReader("")
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func cookie(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name && c.Value != "" {
			return c
		}
	}
	t.Fatalf("response sets no %s cookie", name)
	return nil
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func (f *fixture) login(t *testing.T, login, password string) *http.Cookie {
	t.Helper()
	rec := f.do(t, call{method: http.MethodPost, path: "/api/v1/auth/login", body: map[string]string{"login": login, "password": password}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return cookie(t, rec, middleware.DefaultSessionCookie)
}

func (f *fixture) seed(t *testing.T, login string, roles ...domain.Role) *domain.UserAccount {
	t.Helper()
	acc, err := f.registry.Create(context.Background(), services.AccountDraft{
		Login: login, Email: login + "@x.com", PasswordHash: "hashed:secret1", Enabled: true, Roles: roles,
	})
	require.NoError(t, err)
	return acc
}

func TestAPI_RegistrationToGatewayHeaders(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, call{method: http.MethodPost, path: "/api/v1/auth/register",
		body: map[string]string{"login": "alicia", "email": "alicia@x.com", "password": "secret1"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/auth/login", body: map[string]string{"login": "alicia", "password": "secret1"}})
	assert.Equal(t, http.StatusForbidden, rec.Code, "unconfirmed accounts cannot log in")

	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/auth/confirm", body: map[string]string{"token": f.mail.token(t, "alicia@x.com")}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":"CONFIRMED"}`, rec.Body.String())

	session := f.login(t, "alicia", "secret1")
	assert.True(t, session.HttpOnly)

	rec = f.do(t, call{method: http.MethodGet, path: "/internal/auth", cookies: []*http.Cookie{session}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alicia", rec.Header().Get(services.HeaderUsername))
	assert.Equal(t, "ROLE_USER", rec.Header().Get(services.HeaderRole))
	assert.Equal(t, session.Value, rec.Header().Get(services.HeaderSessionID))

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/users/me", cookies: []*http.Cookie{session}})
	require.Equal(t, http.StatusOK, rec.Code)
	var me services.AccountView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, "alicia@x.com", me.Email)
	assert.True(t, me.Online)

	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/auth/logout", cookies: []*http.Cookie{session}})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/internal/auth", cookies: []*http.Cookie{session}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Header().Get(services.HeaderUsername))
}

func TestAPI_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "bobbie")

	rec := f.do(t, call{method: http.MethodPost, path: "/api/v1/auth/register",
		body: map[string]string{"login": "b", "email": "b@x.com", "password": "secret1"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "validation", body["error"])
	assert.Equal(t, "login", body["field"])

	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/auth/register",
		body: map[string]string{"login": "BOBBIE", "email": "new@x.com", "password": "secret1"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decodeError(t, rec)["error"])

	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/auth/login", body: map[string]string{"login": "bobbie", "password": "wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "authentication failed", decodeError(t, rec)["message"])

	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/auth/password/new", body: map[string]string{"token": "nope", "password": "secret2"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "token_not_found", decodeError(t, rec)["error"])

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/users/me"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_PasswordResetIsEnumerationSafe(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "caroline")

	for _, email := range []string{"caroline@x.com", "nobody@x.com"} {
		rec := f.do(t, call{method: http.MethodPost, path: "/api/v1/auth/password/reset", body: map[string]string{"email": email}})
		assert.Equal(t, http.StatusOK, rec.Code, email)
	}

	token := f.mail.token(t, "caroline@x.com")
	rec := f.do(t, call{method: http.MethodPost, path: "/api/v1/auth/password/new", body: map[string]string{"token": token, "password": "brand-new"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	f.login(t, "caroline", "brand-new")
}

func TestAPI_OAuth2Flow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, call{method: http.MethodGet, path: "/api/v1/auth/oauth2/google"})
	require.Equal(t, http.StatusFound, rec.Code)
	state := cookie(t, rec, "aaa_oauth_state")
	location, err := url.Parse(rec.Header().Get(echo.HeaderLocation))
	require.NoError(t, err)
	stateParam := location.Query().Get("state")
	assert.Equal(t, "google:"+stateParam, state.Value)

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/auth/oauth2/google/callback?code=good&state=forged", cookies: []*http.Cookie{state}})
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://app.example/login?error=state", rec.Header().Get(echo.HeaderLocation))

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/auth/oauth2/google/callback?code=good&state=" + stateParam, cookies: []*http.Cookie{state}})
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://app.example/", rec.Header().Get(echo.HeaderLocation))
	session := cookie(t, rec, middleware.DefaultSessionCookie)

	acc, err := f.registry.FindByExternalID(context.Background(), domain.ProviderGoogle, "g-1")
	require.NoError(t, err)
	assert.Equal(t, "Gina", acc.Login)
	assert.Equal(t, domain.CreationGoogle, acc.CreationType)

	rec = f.do(t, call{method: http.MethodGet, path: "/internal/auth", cookies: []*http.Cookie{session}})
	assert.Equal(t, "Gina", rec.Header().Get(services.HeaderUsername))

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/auth/oauth2/github"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_OAuth2TokenAttachesAndUnbinds(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "davide")
	session := f.login(t, "davide", "secret1")
	f.google.ident = domain.ExternalIdentity{Provider: domain.ProviderGoogle, ExternalID: "g-davide", CandidateLogin: "Dave G"}

	rec := f.do(t, call{method: http.MethodPost, path: "/api/v1/auth/oauth2/google/token",
		body: map[string]string{"accessToken": "good"}, cookies: []*http.Cookie{session}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	acc, err := f.registry.FindByLogin(context.Background(), "davide")
	require.NoError(t, err)
	assert.Equal(t, "g-davide", acc.GoogleID)

	rec = f.do(t, call{method: http.MethodDelete, path: "/api/v1/users/me/identities/google", cookies: []*http.Cookie{session}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	acc, err = f.registry.FindByLogin(context.Background(), "davide")
	require.NoError(t, err)
	assert.Empty(t, acc.GoogleID)

	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/auth/oauth2/google/token", body: map[string]string{"accessToken": "stolen"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_AdminOperations(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "rootadm", domain.RoleAdmin)
	user := f.seed(t, "erinne")
	adminSession := f.login(t, "rootadm", "secret1")
	userSession := f.login(t, "erinne", "secret1")
	lockPath := "/api/v1/users/" + itoa(user.ID) + "/lock"

	rec := f.do(t, call{method: http.MethodPut, path: lockPath, body: map[string]bool{"locked": true}, cookies: []*http.Cookie{userSession}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, call{method: http.MethodPut, path: lockPath, body: map[string]bool{"locked": true}, cookies: []*http.Cookie{adminSession}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view services.AccountView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, view.Locked)
	assert.Equal(t, "erinne@x.com", view.Email)

	rec = f.do(t, call{method: http.MethodGet, path: "/internal/auth", cookies: []*http.Cookie{userSession}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "a locked account loses its session on the next request")

	rec = f.do(t, call{method: http.MethodPut, path: "/api/v1/users/" + itoa(user.ID) + "/roles",
		body: map[string][]string{"roles": {"ROLE_MODERATOR"}}, cookies: []*http.Cookie{adminSession}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.ElementsMatch(t, []domain.Role{domain.RoleModerator, domain.RoleUser}, view.Roles)

	rec = f.do(t, call{method: http.MethodPut, path: "/api/v1/users/" + itoa(user.ID) + "/roles",
		body: map[string][]string{"roles": {"ROLE_GOD"}}, cookies: []*http.Cookie{adminSession}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_SearchHidesEmailFromStrangers(t *testing.T) {
	f := newFixture(t)
	for _, login := range []string{"fayette", "gustav", "halley"} {
		f.seed(t, login)
	}

	rec := f.do(t, call{method: http.MethodGet, path: "/api/v1/users?limit=2"})
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Users      []services.AccountView `json:"users"`
		HasMore    bool                   `json:"hasMore"`
		NextCursor int64                  `json:"nextCursor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Users, 2)
	assert.True(t, page.HasMore)
	assert.Empty(t, page.Users[0].Email)

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/users?limit=2&after=" + itoa(page.NextCursor)})
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Users, 1)
	assert.Equal(t, "halley", page.Users[0].Login)
	assert.False(t, page.HasMore)

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/users?after=x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusOf(t *testing.T) {
	cases := map[errors.Kind]int{
		errors.KindValidation:    http.StatusBadRequest,
		errors.KindConflict:      http.StatusConflict,
		errors.KindTokenNotFound: http.StatusForbidden,
		errors.KindForbidden:     http.StatusForbidden,
		errors.KindNotFound:      http.StatusNotFound,
		errors.KindUnauthorized:  http.StatusUnauthorized,
		"":                       http.StatusInternalServerError,
	}
	for kind, code := range cases {
		assert.Equal(t, code, aaaecho.StatusOf(kind), kind)
	}
}
