package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/pilab-dev/shadow-aaa/domain"
)

// Token inspection endpoints used when ProviderConfig.TokenInfoURL is empty.
// Keycloak introspects at the realm token endpoint.
var (
	GoogleTokenInfoEndpoint     = "https://oauth2.googleapis.com/tokeninfo"
	FacebookDebugTokenEndpoint  = "https://graph.facebook.com/debug_token"
	VkontakteCheckTokenEndpoint = "https://api.vk.com/method/secure.checkToken?v=5.131"
)

// audience is a JSON string or array of strings.
type audience []string

func (a *audience) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*a = audience{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*a = many
	return nil
}

// issuedToUs asks the provider who the access token was issued to and
// rejects tokens of other clients.
func (c *OAuth2Client) issuedToUs(ctx context.Context, accessToken string) error {
	switch c.provider {
	case domain.ProviderGoogle:
		var info struct {
			Aud audience `json:"aud"`
			Azp string   `json:"azp"`
		}
		if err := c.inspect(ctx, http.MethodGet, url.Values{"access_token": {accessToken}}, &info); err != nil {
			return err
		}
		return c.matchAudience(append(info.Aud, info.Azp)...)

	case domain.ProviderFacebook:
		var info struct {
			Data struct {
				AppID   string `json:"app_id"`
				IsValid bool   `json:"is_valid"`
			} `json:"data"`
		}
		q := url.Values{
			"input_token":  {accessToken},
			"access_token": {c.oauth.ClientID + "|" + c.oauth.ClientSecret},
		}
		if err := c.inspect(ctx, http.MethodGet, q, &info); err != nil {
			return err
		}
		if !info.Data.IsValid {
			return fmt.Errorf("%w: facebook token is not valid", ErrTokenRejected)
		}
		return c.matchAudience(info.Data.AppID)

	case domain.ProviderVkontakte:
		// secure.checkToken only succeeds for tokens of the calling app.
		var info struct {
			Response *struct {
				Success int `json:"success"`
			} `json:"response"`
		}
		q := url.Values{
			"token":         {accessToken},
			"client_id":     {c.oauth.ClientID},
			"client_secret": {c.oauth.ClientSecret},
		}
		if err := c.inspect(ctx, http.MethodGet, q, &info); err != nil {
			return err
		}
		if info.Response == nil || info.Response.Success != 1 {
			return fmt.Errorf("%w: vkontakte token check failed", ErrTokenRejected)
		}
		return nil

	case domain.ProviderKeycloak:
		var info struct {
			Active bool     `json:"active"`
			Aud    audience `json:"aud"`
			Azp    string   `json:"azp"`
		}
		if err := c.inspect(ctx, http.MethodPost, url.Values{"token": {accessToken}}, &info); err != nil {
			return err
		}
		if !info.Active {
			return fmt.Errorf("%w: keycloak token is not active", ErrTokenRejected)
		}
		return c.matchAudience(append(info.Aud, info.Azp)...)
	}
	return fmt.Errorf("%w: %s", ErrProviderNotConfigured, c.provider)
}

func (c *OAuth2Client) matchAudience(got ...string) error {
	for _, aud := range got {
		if aud != "" && slices.Contains(c.audiences, aud) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s token was issued to another client", ErrTokenRejected, c.provider)
}

// inspect calls the token inspection endpoint. POST requests send the form
// with the client credentials as basic auth, as token introspection expects.
func (c *OAuth2Client) inspect(ctx context.Context, method string, params url.Values, v any) error {
	u, err := url.Parse(c.tokenInfoURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderMisconfigured, err)
	}

	var req *http.Request
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.SetBasicAuth(url.QueryEscape(c.oauth.ClientID), url.QueryEscape(c.oauth.ClientSecret))
		}
	} else {
		q := u.Query()
		for k, vals := range params {
			q[k] = vals
		}
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenRejected, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s token check: %v", ErrTokenRejected, c.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s token check returned status %d", ErrTokenRejected, c.provider, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUserInfoBytes)).Decode(v); err != nil {
		return fmt.Errorf("%w: %s token check: %v", ErrMalformedPayload, c.provider, err)
	}
	return nil
}
