package federation_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/internal/federation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenOwners maps the access tokens known to providerServer onto the
// client they were issued to.
var tokenOwners = map[string]string{"at-1": "client", "native-at": "ios-app", "foreign-at": "other-app"}

// providerServer fakes the token, userinfo and token inspection endpoints.
func providerServer(t *testing.T, userinfo string, extra map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		values := url.Values{"access_token": {"at-1"}, "token_type": {"bearer"}}
		for k, v := range extra {
			values.Set(k, v)
		}
		w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
		_, _ = w.Write([]byte(values.Encode()))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if q := r.URL.Query().Get("access_token"); q != "" {
			token = q
		}
		if _, ok := tokenOwners[token]; !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(userinfo))
	})
	// One handler answers in the shape of every provider; each client reads
	// only its own fields.
	mux.HandleFunc("/tokeninfo", func(w http.ResponseWriter, r *http.Request) {
		token := r.FormValue("input_token")
		if token == "" {
			token = r.FormValue("token")
		}
		if token == "" {
			token = r.FormValue("access_token")
		}
		owner, ok := tokenOwners[token]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_token"}`))
			return
		}
		body := map[string]any{
			"aud":    owner,
			"azp":    owner,
			"active": true,
			"data":   map[string]any{"app_id": owner, "is_valid": true},
		}
		if owner == "other-app" {
			body["error"] = map[string]any{"error_code": 15, "error_msg": "Access denied"}
		} else {
			body["response"] = map[string]any{"success": 1}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func clientFor(t *testing.T, provider domain.Provider, server *httptest.Server) *federation.OAuth2Client {
	t.Helper()
	c, err := federation.NewOAuth2Client(provider, federation.ProviderConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://app.example/callback/" + string(provider),
		TokenURL:     server.URL + "/token",
		UserInfoURL:  server.URL + "/userinfo",
		TokenInfoURL: server.URL + "/tokeninfo",
		BaseURL:      server.URL,
		Realm:        "corp",
		Audiences:    []string{"ios-app"},
	})
	require.NoError(t, err)
	return c
}

func TestOAuth2Client_ExchangeGoogle(t *testing.T) {
	server := providerServer(t, `{"sub":"g-42","name":"Test User","email":"test@example.com","picture":"https://img.example/a.jpg"}`, nil)
	c := clientFor(t, domain.ProviderGoogle, server)

	ident, err := c.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderGoogle, ident.Provider)
	assert.Equal(t, "g-42", ident.ExternalID)
	assert.Equal(t, "Test User", ident.CandidateLogin)
	assert.Equal(t, "https://img.example/a.jpg", ident.AvatarURL)
}

func TestOAuth2Client_ExchangeRejectedCode(t *testing.T) {
	server := providerServer(t, `{}`, nil)
	c := clientFor(t, domain.ProviderGoogle, server)

	_, err := c.Exchange(context.Background(), "bad-code")
	assert.ErrorIs(t, err, federation.ErrExchangeCodeFailed)

	_, err = c.Exchange(context.Background(), "")
	assert.ErrorIs(t, err, federation.ErrExchangeCodeFailed)
}

func TestOAuth2Client_VkontakteEmailFromToken(t *testing.T) {
	server := providerServer(t, `{"response":[{"id":99,"first_name":"Pavel","last_name":"D"}]}`, map[string]string{"email": "pavel@vk.example"})
	c := clientFor(t, domain.ProviderVkontakte, server)

	ident, err := c.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "99", ident.ExternalID)
	assert.Equal(t, "pavel@vk.example", ident.Email)
}

func TestOAuth2Client_ValidateToken(t *testing.T) {
	server := providerServer(t, `{"id":"fb-1","name":"Mobile User"}`, nil)
	c := clientFor(t, domain.ProviderFacebook, server)

	ident, err := c.ValidateToken(context.Background(), "at-1")
	require.NoError(t, err)
	assert.Equal(t, "fb-1", ident.ExternalID)

	_, err = c.ValidateToken(context.Background(), "stolen")
	assert.ErrorIs(t, err, federation.ErrTokenRejected)

	_, err = c.ValidateToken(context.Background(), "")
	assert.ErrorIs(t, err, federation.ErrTokenRejected)
}

func TestOAuth2Client_ValidateTokenChecksAudience(t *testing.T) {
	payloads := map[domain.Provider]string{
		domain.ProviderFacebook:  `{"id":"fb-1","name":"Mobile User"}`,
		domain.ProviderGoogle:    `{"sub":"g-1","name":"Mobile User"}`,
		domain.ProviderVkontakte: `{"response":[{"id":7,"first_name":"Mobile"}]}`,
		domain.ProviderKeycloak:  `{"sub":"kc-1","preferred_username":"mobile"}`,
	}
	for provider, payload := range payloads {
		t.Run(string(provider), func(t *testing.T) {
			server := providerServer(t, payload, nil)
			c := clientFor(t, provider, server)

			ident, err := c.ValidateToken(context.Background(), "at-1")
			require.NoError(t, err)
			assert.NotEmpty(t, ident.ExternalID)

			_, err = c.ValidateToken(context.Background(), "native-at")
			require.NoError(t, err, "tokens of configured audiences are accepted")

			_, err = c.ValidateToken(context.Background(), "foreign-at")
			assert.ErrorIs(t, err, federation.ErrTokenRejected)
		})
	}
}

func TestOAuth2Client_AuthCodeURL(t *testing.T) {
	c, err := federation.NewOAuth2Client(domain.ProviderKeycloak, federation.ProviderConfig{
		ClientID:     "aaa",
		ClientSecret: "secret",
		RedirectURL:  "https://app.example/cb",
		BaseURL:      "https://sso.example/",
		Realm:        "corp",
	})
	require.NoError(t, err)

	u, err := url.Parse(c.AuthCodeURL("state-1"))
	require.NoError(t, err)
	assert.Equal(t, "sso.example", u.Host)
	assert.Equal(t, "/realms/corp/protocol/openid-connect/auth", u.Path)
	assert.Equal(t, "state-1", u.Query().Get("state"))
	assert.Equal(t, "aaa", u.Query().Get("client_id"))
	assert.Equal(t, "https://app.example/cb", u.Query().Get("redirect_uri"))
}

func TestNewOAuth2Client_Misconfigured(t *testing.T) {
	_, err := federation.NewOAuth2Client(domain.ProviderGoogle, federation.ProviderConfig{ClientID: "x"})
	assert.ErrorIs(t, err, federation.ErrProviderMisconfigured)

	_, err = federation.NewOAuth2Client(domain.ProviderKeycloak, federation.ProviderConfig{ClientID: "x", ClientSecret: "y"})
	assert.ErrorIs(t, err, federation.ErrProviderMisconfigured)

	_, err = federation.NewOAuth2Client(domain.ProviderLDAP, federation.ProviderConfig{ClientID: "x", ClientSecret: "y"})
	assert.ErrorIs(t, err, federation.ErrProviderNotConfigured)
}
