package domain

import (
	"slices"
	"strings"
	"time"
)

// Provider identifies an external identity source.
type Provider string

const (
	ProviderFacebook  Provider = "facebook"
	ProviderVkontakte Provider = "vkontakte"
	ProviderGoogle    Provider = "google"
	ProviderKeycloak  Provider = "keycloak"
	ProviderLDAP      Provider = "ldap"
)

// Providers lists every supported external provider.
var Providers = []Provider{ProviderFacebook, ProviderVkontakte, ProviderGoogle, ProviderKeycloak, ProviderLDAP}

// ParseProvider returns the provider for s and whether it is known.
func ParseProvider(s string) (Provider, bool) {
	p := Provider(strings.ToLower(s))
	return p, slices.Contains(Providers, p)
}

// CreationType records which flow created an account.
type CreationType string

const (
	CreationRegistration CreationType = "REGISTRATION"
	CreationFacebook     CreationType = "FACEBOOK"
	CreationVkontakte    CreationType = "VKONTAKTE"
	CreationGoogle       CreationType = "GOOGLE"
	CreationKeycloak     CreationType = "KEYCLOAK"
	CreationLDAP         CreationType = "LDAP"
)

// CreationTypeFor maps a provider to the creation type of accounts it creates.
func CreationTypeFor(p Provider) CreationType {
	return CreationType(strings.ToUpper(string(p)))
}

// UserAccount is the canonical identity record. Values are treated as
// immutable: the With* methods return modified copies which are persisted
// through a version-checked update.
type UserAccount struct {
	ID           int64        `bson:"_id"`
	Version      int64        `bson:"version"`
	Login        string       `bson:"login"`
	PasswordHash string       `bson:"password_hash,omitempty"`
	Email        string       `bson:"email,omitempty"`
	Avatar       string       `bson:"avatar,omitempty"`
	Roles        []Role       `bson:"roles"`
	Expired      bool         `bson:"expired"`
	Locked       bool         `bson:"locked"`
	Enabled      bool         `bson:"enabled"`
	CreationType CreationType `bson:"creation_type"`

	FacebookID  string `bson:"facebook_id,omitempty"`
	VkontakteID string `bson:"vkontakte_id,omitempty"`
	GoogleID    string `bson:"google_id,omitempty"`
	KeycloakID  string `bson:"keycloak_id,omitempty"`
	LdapID      string `bson:"ldap_id,omitempty"`

	CreatedAt        time.Time  `bson:"created_at"`
	LastSeenTime     *time.Time `bson:"last_seen_time,omitempty"`
	SyncLdapTime     *time.Time `bson:"sync_ldap_time,omitempty"`
	SyncKeycloakTime *time.Time `bson:"sync_keycloak_time,omitempty"`
}

// ExternalID returns the id bound for provider p, or "".
func (a UserAccount) ExternalID(p Provider) string {
	switch p {
	case ProviderFacebook:
		return a.FacebookID
	case ProviderVkontakte:
		return a.VkontakteID
	case ProviderGoogle:
		return a.GoogleID
	case ProviderKeycloak:
		return a.KeycloakID
	case ProviderLDAP:
		return a.LdapID
	}
	return ""
}

// WithExternalID binds id for provider p. An empty id unbinds.
func (a UserAccount) WithExternalID(p Provider, id string) UserAccount {
	a.Roles = slices.Clone(a.Roles)
	switch p {
	case ProviderFacebook:
		a.FacebookID = id
	case ProviderVkontakte:
		a.VkontakteID = id
	case ProviderGoogle:
		a.GoogleID = id
	case ProviderKeycloak:
		a.KeycloakID = id
	case ProviderLDAP:
		a.LdapID = id
	}
	return a
}

func (a UserAccount) WithoutExternalID(p Provider) UserAccount {
	return a.WithExternalID(p, "")
}

// CredentialCount is the number of independent ways the account can authenticate.
func (a UserAccount) CredentialCount() int {
	n := 0
	if a.PasswordHash != "" {
		n++
	}
	for _, p := range Providers {
		if a.ExternalID(p) != "" {
			n++
		}
	}
	return n
}

func (a UserAccount) HasRole(r Role) bool {
	return slices.Contains(a.Roles, r)
}

// IsActive reports whether the account may start or keep a session.
func (a UserAccount) IsActive() bool {
	return a.Enabled && !a.Locked && !a.Expired
}

// PendingRegistration reports whether the account is a self-registration
// whose email has not been confirmed. Nothing about it is proven yet, so it
// must not absorb an external identity.
func (a UserAccount) PendingRegistration() bool {
	return !a.Enabled && a.CreationType == CreationRegistration
}

// WithRoles replaces the role set. ROLE_USER is always kept.
func (a UserAccount) WithRoles(roles ...Role) UserAccount {
	a.Roles = NormalizeRoles(roles)
	return a
}

func (a UserAccount) WithRole(r Role) UserAccount {
	return a.WithRoles(append(slices.Clone(a.Roles), r)...)
}

func (a UserAccount) WithoutRole(r Role) UserAccount {
	out := make([]Role, 0, len(a.Roles))
	for _, existing := range a.Roles {
		if existing != r {
			out = append(out, existing)
		}
	}
	return a.WithRoles(out...)
}

func (a UserAccount) WithPasswordHash(hash string) UserAccount {
	a.Roles = slices.Clone(a.Roles)
	a.PasswordHash = hash
	return a
}

func (a UserAccount) WithEmail(email string) UserAccount {
	a.Roles = slices.Clone(a.Roles)
	a.Email = email
	return a
}

func (a UserAccount) WithLogin(login string) UserAccount {
	a.Roles = slices.Clone(a.Roles)
	a.Login = login
	return a
}

// WithAvatar sets the avatar URL; "" removes it.
func (a UserAccount) WithAvatar(url string) UserAccount {
	a.Roles = slices.Clone(a.Roles)
	a.Avatar = url
	return a
}

func (a UserAccount) WithLocked(locked bool) UserAccount {
	a.Roles = slices.Clone(a.Roles)
	a.Locked = locked
	return a
}

func (a UserAccount) WithEnabled(enabled bool) UserAccount {
	a.Roles = slices.Clone(a.Roles)
	a.Enabled = enabled
	return a
}

func (a UserAccount) WithLastSeen(t time.Time) UserAccount {
	a.Roles = slices.Clone(a.Roles)
	a.LastSeenTime = &t
	return a
}

// WithSyncTime stamps the directory sync time for LDAP or Keycloak. Other
// providers are not synced and leave the account untouched.
func (a UserAccount) WithSyncTime(p Provider, t time.Time) UserAccount {
	a.Roles = slices.Clone(a.Roles)
	switch p {
	case ProviderLDAP:
		a.SyncLdapTime = &t
	case ProviderKeycloak:
		a.SyncKeycloakTime = &t
	}
	return a
}

// SyncTime returns the last directory sync time for p.
func (a UserAccount) SyncTime(p Provider) *time.Time {
	switch p {
	case ProviderLDAP:
		return a.SyncLdapTime
	case ProviderKeycloak:
		return a.SyncKeycloakTime
	}
	return nil
}

// NormalizeRoles de-duplicates roles, keeps ROLE_USER and orders the result.
func NormalizeRoles(roles []Role) []Role {
	out := []Role{RoleUser}
	for _, r := range roles {
		if r != "" && !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return out
}
