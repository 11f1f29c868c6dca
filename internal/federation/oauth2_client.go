package federation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pilab-dev/shadow-aaa/domain"
	"golang.org/x/oauth2"
	facebookOAuth2 "golang.org/x/oauth2/facebook"
	googleOAuth2 "golang.org/x/oauth2/google"
	vkOAuth2 "golang.org/x/oauth2/vk"
)

// Userinfo endpoints used when ProviderConfig.UserInfoURL is empty.
var (
	FacebookUserInfoEndpoint  = "https://graph.facebook.com/me?fields=id,name,email,picture.type(large)"
	GoogleUserInfoEndpoint    = "https://www.googleapis.com/oauth2/v3/userinfo"
	VkontakteUserInfoEndpoint = "https://api.vk.com/method/users.get?fields=photo_200,photo_100,screen_name&v=5.131"
)

const maxUserInfoBytes = 1 << 20

// ProviderConfig holds the client registration of one OAuth2 provider.
type ProviderConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`
	// BaseURL and Realm locate a Keycloak server.
	BaseURL string `mapstructure:"base_url"`
	Realm   string `mapstructure:"realm"`
	// AuthURL, TokenURL, UserInfoURL and TokenInfoURL override the
	// provider defaults.
	AuthURL      string `mapstructure:"auth_url"`
	TokenURL     string `mapstructure:"token_url"`
	UserInfoURL  string `mapstructure:"userinfo_url"`
	TokenInfoURL string `mapstructure:"tokeninfo_url"`
	// Audiences are the client ids whose access tokens ValidateToken
	// accepts, for example those of native apps. ClientID is always accepted.
	Audiences []string      `mapstructure:"audiences"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether the provider has a client registration.
func (c ProviderConfig) Enabled() bool {
	return c.ClientID != ""
}

// KeycloakRealmURL returns the openid-connect base of a realm.
func KeycloakRealmURL(baseURL, realm string) string {
	return strings.TrimRight(baseURL, "/") + "/realms/" + url.PathEscape(realm) + "/protocol/openid-connect"
}

// OAuth2Client runs the authorization code flow against one provider and
// normalizes the resulting userinfo.
type OAuth2Client struct {
	provider     domain.Provider
	oauth        *oauth2.Config
	userInfoURL  string
	tokenInfoURL string
	audiences    []string
	httpClient   *http.Client
}

func NewOAuth2Client(provider domain.Provider, cfg ProviderConfig) (*OAuth2Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: %s client id and secret are required", ErrProviderMisconfigured, provider)
	}

	var (
		endpoint  oauth2.Endpoint
		userInfo  string
		tokenInfo string
		scopes    []string
	)
	switch provider {
	case domain.ProviderFacebook:
		endpoint, userInfo, scopes = facebookOAuth2.Endpoint, FacebookUserInfoEndpoint, []string{"email", "public_profile"}
		tokenInfo = FacebookDebugTokenEndpoint
	case domain.ProviderGoogle:
		endpoint, userInfo, scopes = googleOAuth2.Endpoint, GoogleUserInfoEndpoint, []string{"openid", "profile", "email"}
		tokenInfo = GoogleTokenInfoEndpoint
	case domain.ProviderVkontakte:
		endpoint, userInfo, scopes = vkOAuth2.Endpoint, VkontakteUserInfoEndpoint, []string{"email"}
		tokenInfo = VkontakteCheckTokenEndpoint
	case domain.ProviderKeycloak:
		if cfg.BaseURL == "" || cfg.Realm == "" {
			return nil, fmt.Errorf("%w: keycloak base url and realm are required", ErrProviderMisconfigured)
		}
		realm := KeycloakRealmURL(cfg.BaseURL, cfg.Realm)
		endpoint = oauth2.Endpoint{AuthURL: realm + "/auth", TokenURL: realm + "/token"}
		userInfo, scopes = realm+"/userinfo", []string{"openid", "profile", "email"}
		tokenInfo = realm + "/token/introspect"
	default:
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, provider)
	}

	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	if cfg.UserInfoURL != "" {
		userInfo = cfg.UserInfoURL
	}
	if cfg.TokenInfoURL != "" {
		tokenInfo = cfg.TokenInfoURL
	}
	if len(cfg.Scopes) > 0 {
		scopes = cfg.Scopes
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &OAuth2Client{
		provider: provider,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		userInfoURL:  userInfo,
		tokenInfoURL: tokenInfo,
		audiences:    append([]string{cfg.ClientID}, cfg.Audiences...),
		httpClient:   &http.Client{Timeout: timeout},
	}, nil
}

func (c *OAuth2Client) Provider() domain.Provider { return c.provider }

// AuthCodeURL returns the provider consent page URL carrying state.
func (c *OAuth2Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades an authorization code for a token and returns the
// identity behind it.
func (c *OAuth2Client) Exchange(ctx context.Context, code string) (*domain.ExternalIdentity, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: empty code", ErrExchangeCodeFailed)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrExchangeCodeFailed, c.provider, err)
	}
	return c.identity(ctx, token)
}

// ValidateToken resolves an access token obtained elsewhere, for example
// by a mobile client, into an identity. The token must have been issued to
// one of the configured audiences.
func (c *OAuth2Client) ValidateToken(ctx context.Context, accessToken string) (*domain.ExternalIdentity, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrTokenRejected)
	}
	if err := c.issuedToUs(ctx, accessToken); err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return c.identity(ctx, &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
}

func (c *OAuth2Client) identity(ctx context.Context, token *oauth2.Token) (*domain.ExternalIdentity, error) {
	raw, err := c.fetchUserInfo(ctx, token)
	if err != nil {
		return nil, err
	}
	ident, err := Normalize(c.provider, raw)
	if err != nil {
		return nil, err
	}
	// VK hands out the email with the token, not in users.get.
	if c.provider == domain.ProviderVkontakte && ident.Email == "" {
		if email, ok := token.Extra("email").(string); ok {
			ident.Email = email
		}
	}
	return ident, nil
}

func (c *OAuth2Client) fetchUserInfo(ctx context.Context, token *oauth2.Token) ([]byte, error) {
	endpoint := c.userInfoURL
	if c.provider == domain.ProviderVkontakte {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProviderMisconfigured, err)
		}
		q := u.Query()
		q.Set("access_token", token.AccessToken)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchUserInfoFailed, err)
	}
	resp, err := c.oauth.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchUserInfoFailed, c.provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s userinfo: %v", ErrFetchUserInfoFailed, c.provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s userinfo returned status %d", ErrFetchUserInfoFailed, c.provider, resp.StatusCode)
	}
	return body, nil
}
