package services

import (
	"context"

	"github.com/pilab-dev/shadow-aaa/domain"
)

// PasswordHasher defines an interface for hashing and verifying passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hashedPassword, password string) error
}

// DirectoryAuthenticator checks a login/password pair against an external
// directory and returns the normalized identity on success.
type DirectoryAuthenticator interface {
	Authenticate(ctx context.Context, login, password string) (*domain.ExternalIdentity, error)
}
