package federation

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/rs/zerolog/log"
)

// LDAPConfig describes the directory used for password fallback and sync.
type LDAPConfig struct {
	URL           string `mapstructure:"url"`
	StartTLS      bool   `mapstructure:"start_tls"`
	SkipTLSVerify bool   `mapstructure:"skip_tls_verify"`
	BindDN        string `mapstructure:"bind_dn"`
	BindPassword  string `mapstructure:"bind_password"`
	BaseDN        string `mapstructure:"base_dn"`
	// UserFilter locates one user; %s is replaced by the escaped login.
	UserFilter string `mapstructure:"user_filter"`
	// SyncFilter selects every user listed during a sync pass.
	SyncFilter string               `mapstructure:"sync_filter"`
	Attributes LDAPAttributeMapping `mapstructure:"attributes"`
	AdminGroup string               `mapstructure:"admin_group"`
	Timeout    time.Duration        `mapstructure:"timeout"`
}

//go:generate go run go.uber.org/mock/mockgen -source=$GOFILE -destination=mock/mock_ldap_client.go -package=mock_$GOPACKAGE LDAPClient
type LDAPClient interface {
	Connect(url string, startTLS, skipTLSVerify bool, timeout time.Duration) error
	Bind(username, password string) error
	SearchUser(baseDN, filter string, attributes []string) (*ldap.Entry, error)
	// SearchPaged returns one page of a simple paged search and the cookie of
	// the next one. An empty cookie ends the listing.
	SearchPaged(baseDN, filter string, attributes []string, pageSize uint32, cookie []byte) ([]*ldap.Entry, []byte, error)
	Close()
}

// LDAPDirectory authenticates users by bind and lists the directory for
// the sync engine.
type LDAPDirectory struct {
	cfg       LDAPConfig
	newClient func() LDAPClient

	mu sync.Mutex
	// listing holds the connection of the running paged search. Paging
	// cookies are only valid on the connection that produced them.
	listing *ldapListing
}

type ldapListing struct {
	client LDAPClient
	cursor string
}

// NewLDAPDirectory creates an LDAPDirectory. newClient may be nil to use
// the network client.
func NewLDAPDirectory(cfg LDAPConfig, newClient func() LDAPClient) (*LDAPDirectory, error) {
	if cfg.URL == "" || cfg.BaseDN == "" {
		return nil, ErrProviderMisconfigured
	}
	if cfg.Attributes == (LDAPAttributeMapping{}) {
		cfg.Attributes = DefaultLDAPAttributes()
	}
	if cfg.UserFilter == "" {
		cfg.UserFilter = "(" + firstNonEmpty(cfg.Attributes.Login, "uid") + "=%s)"
	}
	if cfg.SyncFilter == "" {
		cfg.SyncFilter = "(objectClass=person)"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if newClient == nil {
		newClient = NewRealLDAPClient
	}
	return &LDAPDirectory{cfg: cfg, newClient: newClient}, nil
}

func (d *LDAPDirectory) Provider() domain.Provider { return domain.ProviderLDAP }

func (d *LDAPDirectory) connect() (LDAPClient, error) {
	client := d.newClient()
	if err := client.Connect(d.cfg.URL, d.cfg.StartTLS, d.cfg.SkipTLSVerify, d.cfg.Timeout); err != nil {
		return nil, fmt.Errorf("ldap connection failed: %w", err)
	}
	return client, nil
}

// Authenticate binds as the user and returns the normalized entry.
func (d *LDAPDirectory) Authenticate(ctx context.Context, username, password string) (*domain.ExternalIdentity, error) {
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := d.connect()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	attributes := d.cfg.Attributes.attributes()
	filter := fmt.Sprintf(d.cfg.UserFilter, ldap.EscapeFilter(username))
	var entry *ldap.Entry

	switch {
	case d.cfg.BindDN != "":
		if err := client.Bind(d.cfg.BindDN, d.cfg.BindPassword); err != nil {
			return nil, fmt.Errorf("ldap service bind failed: %w", err)
		}
		if entry, err = d.searchUser(client, filter, attributes); err != nil {
			return nil, err
		}
		if err := client.Bind(entry.DN, password); err != nil {
			return nil, bindError(err, entry.DN)
		}
	default:
		directErr := client.Bind(username, password)
		if directErr == nil {
			if entry, err = d.searchUser(client, filter, attributes); err != nil {
				return nil, err
			}
			break
		}
		if err := client.Bind("", ""); err != nil {
			return nil, bindError(directErr, username)
		}
		if entry, err = d.searchUser(client, filter, attributes); err != nil {
			return nil, err
		}
		if err := client.Bind(entry.DN, password); err != nil {
			return nil, bindError(err, entry.DN)
		}
	}

	ident := NormalizeLDAPEntry(entry, d.cfg.Attributes, d.cfg.AdminGroup)
	if ident.ExternalID == "" {
		return nil, fmt.Errorf("%w: ldap entry %s has no id attribute", ErrMalformedPayload, entry.DN)
	}
	if ident.CandidateLogin == "" {
		ident.CandidateLogin = username
	}
	return &ident, nil
}

func (d *LDAPDirectory) searchUser(client LDAPClient, filter string, attributes []string) (*ldap.Entry, error) {
	entry, err := client.SearchUser(d.cfg.BaseDN, filter, attributes)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("ldap user search failed: %w", err)
	}
	return entry, nil
}

func bindError(err error, who string) error {
	if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
		return ErrInvalidCredentials
	}
	return fmt.Errorf("ldap bind for [%s] failed: %w", who, err)
}

// Page returns the next batch of the sync listing. The cursor is the
// base64 paging cookie. A cursor that does not belong to the open listing,
// for example after a restart, starts the listing over.
func (d *LDAPDirectory) Page(ctx context.Context, cursor string, batchSize int) (domain.DirectoryPage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return domain.DirectoryPage{}, err
	}

	var cookie []byte
	if cursor == "" || d.listing == nil || d.listing.cursor != cursor {
		if cursor != "" {
			log.Warn().Msg("LDAP paging cookie is not resumable on a new connection, restarting listing")
		}
		if err := d.openListing(); err != nil {
			return domain.DirectoryPage{}, err
		}
	} else {
		var err error
		if cookie, err = base64.RawURLEncoding.DecodeString(cursor); err != nil {
			d.closeListing()
			return domain.DirectoryPage{}, fmt.Errorf("decode ldap cursor: %w", err)
		}
	}

	entries, next, err := d.listing.client.SearchPaged(d.cfg.BaseDN, d.cfg.SyncFilter, d.cfg.Attributes.attributes(), uint32(batchSize), cookie)
	if err != nil {
		d.closeListing()
		return domain.DirectoryPage{}, fmt.Errorf("ldap paged search failed: %w", err)
	}

	page := domain.DirectoryPage{Entries: make([]domain.ExternalIdentity, 0, len(entries))}
	for _, entry := range entries {
		ident := NormalizeLDAPEntry(entry, d.cfg.Attributes, d.cfg.AdminGroup)
		if ident.ExternalID == "" {
			log.Warn().Str("dn", entry.DN).Msg("Skipping LDAP entry without id attribute")
			continue
		}
		page.Entries = append(page.Entries, ident)
	}

	if len(next) == 0 {
		page.Done = true
		d.closeListing()
		return page, nil
	}
	page.Next = base64.RawURLEncoding.EncodeToString(next)
	d.listing.cursor = page.Next
	return page, nil
}

func (d *LDAPDirectory) openListing() error {
	d.closeListing()
	client, err := d.connect()
	if err != nil {
		return err
	}
	if err := client.Bind(d.cfg.BindDN, d.cfg.BindPassword); err != nil {
		client.Close()
		return fmt.Errorf("ldap service bind failed: %w", err)
	}
	d.listing = &ldapListing{client: client}
	return nil
}

func (d *LDAPDirectory) closeListing() {
	if d.listing != nil {
		d.listing.client.Close()
		d.listing = nil
	}
}

// Close releases the connection of an unfinished listing.
func (d *LDAPDirectory) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeListing()
}

type RealLDAPClient struct {
	conn *ldap.Conn
}

func NewRealLDAPClient() LDAPClient {
	return &RealLDAPClient{}
}

func (r *RealLDAPClient) Connect(url string, startTLS, skipTLSVerify bool, timeout time.Duration) error {
	conn, err := ldap.DialURL(url,
		ldap.DialWithDialer(&net.Dialer{Timeout: timeout}),
		ldap.DialWithTLSConfig(&tls.Config{InsecureSkipVerify: skipTLSVerify}),
	)
	if err != nil {
		return fmt.Errorf("ldap connection to %s failed: %w", url, err)
	}
	conn.SetTimeout(timeout)

	if startTLS {
		if err := conn.StartTLS(&tls.Config{InsecureSkipVerify: skipTLSVerify}); err != nil {
			conn.Close()
			return fmt.Errorf("ldap starttls for %s failed: %w", url, err)
		}
	}
	r.conn = conn
	return nil
}

func (r *RealLDAPClient) Bind(username, password string) error {
	if r.conn == nil {
		return errors.New("ldap connection not established for bind")
	}
	if username == "" && password == "" {
		return r.conn.UnauthenticatedBind("")
	}
	return r.conn.Bind(username, password)
}

func (r *RealLDAPClient) SearchUser(baseDN, filter string, attributes []string) (*ldap.Entry, error) {
	if r.conn == nil {
		return nil, errors.New("ldap connection not established for search")
	}

	req := ldap.NewSearchRequest(baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false, filter, attributes, nil)
	sr, err := r.conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("ldap search failed (filter: %s): %w", filter, err)
	}

	switch len(sr.Entries) {
	case 0:
		return nil, ErrUserNotFound
	case 1:
		return sr.Entries[0], nil
	default:
		return nil, fmt.Errorf("ldap search returned %d entries for filter '%s', expected 1", len(sr.Entries), filter)
	}
}

func (r *RealLDAPClient) SearchPaged(baseDN, filter string, attributes []string, pageSize uint32, cookie []byte) ([]*ldap.Entry, []byte, error) {
	if r.conn == nil {
		return nil, nil, errors.New("ldap connection not established for search")
	}

	paging := ldap.NewControlPaging(pageSize)
	paging.SetCookie(cookie)
	req := ldap.NewSearchRequest(baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false, filter, attributes, []ldap.Control{paging})

	sr, err := r.conn.Search(req)
	if err != nil {
		return nil, nil, fmt.Errorf("ldap paged search failed (filter: %s): %w", filter, err)
	}

	var next []byte
	if ctrl, ok := ldap.FindControl(sr.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging); ok {
		next = ctrl.Cookie
	}
	return sr.Entries, next, nil
}

func (r *RealLDAPClient) Close() {
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}

var (
	_ LDAPClient             = (*RealLDAPClient)(nil)
	_ domain.DirectorySource = (*LDAPDirectory)(nil)
)
