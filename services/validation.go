package services

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pilab-dev/shadow-aaa/errors"
)

const (
	passwordMinLength = 6
	passwordMaxLength = 100
)

var reservedLogins = []string{"deleted", "all", "here"}

// Accounts created from an external identity on a login collision get one
// of these prefixes, so local registrations may not start with them.
var reservedLoginPrefixes = []string{"deleted_", "facebook_", "vkontakte_", "google_", "keycloak_", "ldap_"}

// LoginPolicy validates and derives logins.
type LoginPolicy struct {
	// ExtraChars are allowed in addition to unicode letters and digits.
	ExtraChars string
	// MinLength applies to registrations, RelaxedMinLength to logins
	// derived from external identities.
	MinLength        int
	RelaxedMinLength int
	MaxLength        int
}

// DefaultLoginPolicy allows letters, digits and "-_." with 6 to 100
// characters, or 3 to 100 under relaxed validation.
func DefaultLoginPolicy() LoginPolicy {
	return LoginPolicy{ExtraChars: "-_.", MinLength: 6, RelaxedMinLength: 3, MaxLength: 100}
}

func (p LoginPolicy) allowed(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(p.ExtraChars, r)
}

// IsReserved reports whether login is a reserved word or carries a reserved prefix.
func IsReserved(login string) bool {
	lower := strings.ToLower(login)
	for _, w := range reservedLogins {
		if lower == w {
			return true
		}
	}
	for _, prefix := range reservedLoginPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// Validate checks login. Relaxed validation, used for accounts created from
// external identities, skips the alphabet and prefix rules.
func (p LoginPolicy) Validate(login string, relaxed bool) error {
	minLength := p.MinLength
	if relaxed {
		minLength = p.RelaxedMinLength
	}
	n := utf8.RuneCountInString(login)
	if n < minLength || n > p.MaxLength {
		return errors.NewValidation("login", fmt.Sprintf("login must be %d to %d characters", minLength, p.MaxLength))
	}
	for _, w := range reservedLogins {
		if strings.EqualFold(login, w) {
			return errors.NewValidation("login", "login is reserved")
		}
	}
	if relaxed {
		return nil
	}
	for _, r := range login {
		if !p.allowed(r) {
			return errors.NewValidation("login", fmt.Sprintf("login may only contain letters, digits and %q", p.ExtraChars))
		}
	}
	if IsReserved(login) {
		return errors.NewValidation("login", "login is reserved")
	}
	return nil
}

// Sanitize maps a display name onto the login alphabet: whitespace becomes
// "_", other disallowed characters are dropped and the result is cut to the
// maximum length.
func (p LoginPolicy) Sanitize(candidate string) string {
	var b strings.Builder
	n := 0
	lastUnderscore := false
	for _, r := range strings.TrimSpace(candidate) {
		if n >= p.MaxLength {
			break
		}
		switch {
		case unicode.IsSpace(r):
			if lastUnderscore || !strings.ContainsRune(p.ExtraChars, '_') {
				continue
			}
			b.WriteRune('_')
			lastUnderscore = true
		case p.allowed(r):
			b.WriteRune(r)
			lastUnderscore = r == '_'
		default:
			continue
		}
		n++
	}
	return strings.Trim(b.String(), "_")
}

// ValidatePassword enforces the password length policy.
func ValidatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < passwordMinLength || n > passwordMaxLength {
		return errors.NewValidation("password", fmt.Sprintf("password must be %d to %d characters", passwordMinLength, passwordMaxLength))
	}
	return nil
}

// ValidateEmail accepts a bare address only.
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email, "@") {
		return errors.NewValidation("email", "invalid email address")
	}
	return nil
}
