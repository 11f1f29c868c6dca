package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// KeycloakDirectory lists realm users through the admin REST API using the
// client credentials grant. The cursor is the offset of the next user.
type KeycloakDirectory struct {
	adminURL   string
	adminGroup string
	creds      *clientcredentials.Config
	httpClient *http.Client
}

func NewKeycloakDirectory(cfg ProviderConfig, adminGroup string) (*KeycloakDirectory, error) {
	if cfg.BaseURL == "" || cfg.Realm == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("%w: keycloak base url, realm and client id are required", ErrProviderMisconfigured)
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = KeycloakRealmURL(cfg.BaseURL, cfg.Realm) + "/token"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KeycloakDirectory{
		adminURL:   strings.TrimRight(cfg.BaseURL, "/") + "/admin/realms/" + url.PathEscape(cfg.Realm),
		adminGroup: adminGroup,
		creds: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
		},
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (d *KeycloakDirectory) Provider() domain.Provider { return domain.ProviderKeycloak }

type keycloakGroup struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func (d *KeycloakDirectory) Page(ctx context.Context, cursor string, batchSize int) (domain.DirectoryPage, error) {
	first := 0
	if cursor != "" {
		var err error
		if first, err = strconv.Atoi(cursor); err != nil || first < 0 {
			return domain.DirectoryPage{}, fmt.Errorf("invalid keycloak cursor %q", cursor)
		}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.httpClient)
	client := d.creds.Client(ctx)

	q := url.Values{}
	q.Set("first", strconv.Itoa(first))
	q.Set("max", strconv.Itoa(batchSize))
	q.Set("briefRepresentation", "false")

	var users []json.RawMessage
	if err := d.getJSON(ctx, client, d.adminURL+"/users?"+q.Encode(), &users); err != nil {
		return domain.DirectoryPage{}, err
	}

	page := domain.DirectoryPage{
		Entries: make([]domain.ExternalIdentity, 0, len(users)),
		Next:    strconv.Itoa(first + len(users)),
		Done:    len(users) < batchSize,
	}
	for _, raw := range users {
		ident, err := NormalizeKeycloak(raw)
		if err != nil {
			return domain.DirectoryPage{}, err
		}
		if ident.ExternalID == "" {
			log.Warn().Str("provider", string(domain.ProviderKeycloak)).Msg("Skipping directory user without id")
			continue
		}
		if d.adminGroup != "" && !ident.IsAdminHint {
			admin, err := d.inAdminGroup(ctx, client, ident.ExternalID)
			if err != nil {
				return domain.DirectoryPage{}, err
			}
			ident.IsAdminHint = admin
		}
		page.Entries = append(page.Entries, *ident)
	}
	return page, nil
}

func (d *KeycloakDirectory) inAdminGroup(ctx context.Context, client *http.Client, userID string) (bool, error) {
	var groups []keycloakGroup
	if err := d.getJSON(ctx, client, d.adminURL+"/users/"+url.PathEscape(userID)+"/groups", &groups); err != nil {
		return false, err
	}
	want := strings.TrimPrefix(d.adminGroup, "/")
	for _, g := range groups {
		if strings.EqualFold(g.Name, want) || strings.EqualFold(strings.TrimPrefix(g.Path, "/"), want) {
			return true, nil
		}
	}
	return false, nil
}

func (d *KeycloakDirectory) getJSON(ctx context.Context, client *http.Client, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build keycloak request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("keycloak admin request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("keycloak admin request %s returned status %d", req.URL.Path, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16*maxUserInfoBytes)).Decode(v); err != nil {
		return fmt.Errorf("%w: keycloak admin response: %v", ErrMalformedPayload, err)
	}
	return nil
}

var _ domain.DirectorySource = (*KeycloakDirectory)(nil)
