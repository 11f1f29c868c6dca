package federation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/pilab-dev/shadow-aaa/domain"
)

// Normalize maps a raw userinfo payload of provider onto an ExternalIdentity.
// Missing avatar or email never fails; a missing id does.
func Normalize(provider domain.Provider, raw []byte) (*domain.ExternalIdentity, error) {
	var (
		ident *domain.ExternalIdentity
		err   error
	)
	switch provider {
	case domain.ProviderFacebook:
		ident, err = NormalizeFacebook(raw)
	case domain.ProviderVkontakte:
		ident, err = NormalizeVkontakte(raw)
	case domain.ProviderGoogle:
		ident, err = NormalizeGoogle(raw)
	case domain.ProviderKeycloak:
		ident, err = NormalizeKeycloak(raw)
	default:
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, provider)
	}
	if err != nil {
		return nil, err
	}
	if ident.ExternalID == "" {
		return nil, fmt.Errorf("%w: %s payload carries no id", ErrMalformedPayload, provider)
	}
	return ident, nil
}

func decode(provider domain.Provider, raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, provider, err)
	}
	return nil
}

func NormalizeFacebook(raw []byte) (*domain.ExternalIdentity, error) {
	var p struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Email   string `json:"email"`
		Picture struct {
			Data struct {
				URL          string `json:"url"`
				IsSilhouette bool   `json:"is_silhouette"`
			} `json:"data"`
		} `json:"picture"`
	}
	if err := decode(domain.ProviderFacebook, raw, &p); err != nil {
		return nil, err
	}
	ident := &domain.ExternalIdentity{
		Provider:       domain.ProviderFacebook,
		ExternalID:     p.ID,
		CandidateLogin: p.Name,
		Email:          p.Email,
	}
	if !p.Picture.Data.IsSilhouette {
		ident.AvatarURL = p.Picture.Data.URL
	}
	return ident, nil
}

type vkUser struct {
	ID         int64  `json:"id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	ScreenName string `json:"screen_name"`
	Photo200   string `json:"photo_200"`
	Photo100   string `json:"photo_100"`
	Photo50    string `json:"photo_50"`
}

// NormalizeVkontakte accepts a bare user object or the users.get envelope
// {"response":[{...}]}. VK does not return the email here; it comes with
// the access token.
func NormalizeVkontakte(raw []byte) (*domain.ExternalIdentity, error) {
	var envelope struct {
		Response []vkUser `json:"response"`
	}
	var u vkUser
	if err := decode(domain.ProviderVkontakte, raw, &envelope); err == nil && len(envelope.Response) > 0 {
		u = envelope.Response[0]
	} else if err := decode(domain.ProviderVkontakte, raw, &u); err != nil {
		return nil, err
	}

	ident := &domain.ExternalIdentity{
		Provider:       domain.ProviderVkontakte,
		CandidateLogin: strings.TrimSpace(u.FirstName + " " + u.LastName),
	}
	if u.ID != 0 {
		ident.ExternalID = strconv.FormatInt(u.ID, 10)
	}
	if ident.CandidateLogin == "" {
		ident.CandidateLogin = u.ScreenName
	}
	for _, photo := range []string{u.Photo200, u.Photo100, u.Photo50} {
		if photo != "" {
			ident.AvatarURL = photo
			break
		}
	}
	return ident, nil
}

// NormalizeGoogle drops an email Google has not verified.
func NormalizeGoogle(raw []byte) (*domain.ExternalIdentity, error) {
	var p struct {
		Sub           string `json:"sub"`
		Name          string `json:"name"`
		Email         string `json:"email"`
		EmailVerified *bool  `json:"email_verified"`
		Picture       string `json:"picture"`
	}
	if err := decode(domain.ProviderGoogle, raw, &p); err != nil {
		return nil, err
	}
	login := p.Name
	if login == "" {
		login, _, _ = strings.Cut(p.Email, "@")
	}
	email := p.Email
	if p.EmailVerified != nil && !*p.EmailVerified {
		email = ""
	}
	return &domain.ExternalIdentity{
		Provider:       domain.ProviderGoogle,
		ExternalID:     p.Sub,
		CandidateLogin: login,
		Email:          email,
		AvatarURL:      p.Picture,
	}, nil
}

// NormalizeKeycloak accepts both the userinfo and the admin API user shape.
// An email explicitly marked unverified is dropped.
func NormalizeKeycloak(raw []byte) (*domain.ExternalIdentity, error) {
	var p struct {
		ID                string `json:"id"`
		Sub               string `json:"sub"`
		Username          string `json:"username"`
		PreferredUsername string `json:"preferred_username"`
		Email             string `json:"email"`
		EmailVerified     *bool  `json:"emailVerified"`
		EmailVerifiedOIDC *bool  `json:"email_verified"`
		Admin             bool   `json:"admin"`
		Picture           string `json:"picture"`
	}
	if err := decode(domain.ProviderKeycloak, raw, &p); err != nil {
		return nil, err
	}
	ident := &domain.ExternalIdentity{
		Provider:       domain.ProviderKeycloak,
		ExternalID:     firstNonEmpty(p.ID, p.Sub),
		CandidateLogin: firstNonEmpty(p.Username, p.PreferredUsername),
		Email:          p.Email,
		AvatarURL:      p.Picture,
		IsAdminHint:    p.Admin,
	}
	for _, verified := range []*bool{p.EmailVerified, p.EmailVerifiedOIDC} {
		if verified != nil && !*verified {
			ident.Email = ""
		}
	}
	return ident, nil
}

// LDAPAttributeMapping names the entry attributes read into an identity.
// An empty or "dn" ID uses the entry DN.
type LDAPAttributeMapping struct {
	ID     string `mapstructure:"id"`
	Login  string `mapstructure:"login"`
	Email  string `mapstructure:"email"`
	Avatar string `mapstructure:"avatar"`
	Groups string `mapstructure:"groups"`
}

// DefaultLDAPAttributes matches a typical inetOrgPerson directory.
func DefaultLDAPAttributes() LDAPAttributeMapping {
	return LDAPAttributeMapping{ID: "dn", Login: "uid", Email: "mail", Avatar: "labeledURI", Groups: "memberOf"}
}

func (m LDAPAttributeMapping) attributes() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range []string{m.ID, m.Login, m.Email, m.Avatar, m.Groups} {
		if a == "" || strings.EqualFold(a, "dn") {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// NormalizeLDAPEntry maps a directory entry. Membership in adminGroup, given
// as a full DN or a bare cn, sets the admin hint.
func NormalizeLDAPEntry(entry *ldap.Entry, m LDAPAttributeMapping, adminGroup string) domain.ExternalIdentity {
	ident := domain.ExternalIdentity{
		Provider:   domain.ProviderLDAP,
		ExternalID: entry.DN,
	}
	if m.ID != "" && !strings.EqualFold(m.ID, "dn") {
		ident.ExternalID = entry.GetAttributeValue(m.ID)
	}
	if m.Login != "" {
		ident.CandidateLogin = entry.GetAttributeValue(m.Login)
	}
	if m.Email != "" {
		ident.Email = entry.GetAttributeValue(m.Email)
	}
	if m.Avatar != "" {
		ident.AvatarURL = entry.GetAttributeValue(m.Avatar)
	}
	if adminGroup != "" && m.Groups != "" {
		for _, group := range entry.GetAttributeValues(m.Groups) {
			if groupMatches(group, adminGroup) {
				ident.IsAdminHint = true
				break
			}
		}
	}
	return ident
}

func groupMatches(groupDN, want string) bool {
	if strings.EqualFold(groupDN, want) {
		return true
	}
	dn, err := ldap.ParseDN(groupDN)
	if err != nil || len(dn.RDNs) == 0 {
		return false
	}
	for _, attr := range dn.RDNs[0].Attributes {
		if strings.EqualFold(attr.Type, "cn") && strings.EqualFold(attr.Value, want) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
