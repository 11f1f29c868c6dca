package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pilab-dev/shadow-aaa/cache"
	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/errors"
	"github.com/pilab-dev/shadow-aaa/internal/audit"
	"github.com/pilab-dev/shadow-aaa/internal/metrics"
	"github.com/rs/zerolog/log"
)

const defaultSessionTTL = 7 * 24 * time.Hour

// AuthService signs users in with a local password, an LDAP bind or an
// OAuth2 identity and manages the resulting sessions.
type AuthService struct {
	registry   *IdentityRegistry
	resolver   *ConflictResolver
	sessions   domain.SessionStore
	hasher     PasswordHasher
	directory  DirectoryAuthenticator
	sessionTTL time.Duration
	now        func() time.Time

	// dummyHash is verified against when no stored hash exists so that an
	// unknown login costs as much as a wrong password.
	dummyHash func() string
}

const dummyPassword = "shadow-aaa-dummy-password"

// NewAuthService creates an AuthService. directory may be nil when no LDAP
// fallback is configured.
func NewAuthService(
	registry *IdentityRegistry,
	resolver *ConflictResolver,
	sessions domain.SessionStore,
	hasher PasswordHasher,
	directory DirectoryAuthenticator,
	sessionTTL time.Duration,
) *AuthService {
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	return &AuthService{
		registry:   registry,
		resolver:   resolver,
		sessions:   sessions,
		hasher:     hasher,
		directory:  directory,
		sessionTTL: sessionTTL,
		now:        time.Now,
		dummyHash: sync.OnceValue(func() string {
			hash, err := hasher.Hash(dummyPassword)
			if err != nil {
				log.Error().Err(err).Msg("Failed to hash the dummy password")
			}
			return hash
		}),
	}
}

// LoginResult is a started session and the account it belongs to.
type LoginResult struct {
	Session domain.Session
	Account domain.UserAccount
}

func checkUsable(acc *domain.UserAccount) error {
	switch {
	case acc.Locked:
		return errors.NewForbidden("account is locked")
	case acc.Expired:
		return errors.NewForbidden("account is expired")
	case !acc.Enabled:
		return errors.NewForbidden("account is not confirmed")
	}
	return nil
}

// Login checks a login/password pair. Accounts without a matching local
// password fall back to the directory when one is configured.
func (s *AuthService) Login(ctx context.Context, login, password string) (*LoginResult, error) {
	log.Debug().Str("login", login).Msg("Login attempt")

	acc, err := s.registry.FindByLogin(ctx, login)
	if err != nil && !errors.IsKind(err, errors.KindNotFound) {
		return nil, err
	}
	if err != nil || acc.PasswordHash == "" {
		_ = s.hasher.Verify(s.dummyHash(), password)
	} else if s.hasher.Verify(acc.PasswordHash, password) == nil {
		if err := checkUsable(acc); err != nil {
			log.Warn().Int64("user_id", acc.ID).Str("reason", err.Error()).Msg("Login refused")
			s.recordLogin("password", acc.ID, err)
			return nil, err
		}
		return s.startSession(ctx, "password", acc)
	}

	if s.directory != nil {
		res, dirErr := s.loginDirectory(ctx, login, password)
		if dirErr == nil || !errors.IsKind(dirErr, errors.KindUnauthorized) {
			return res, dirErr
		}
	}

	var userID int64
	if acc != nil {
		userID = acc.ID
	}
	authErr := errors.NewUnauthorized(authFailedMessage)
	s.recordLogin("password", userID, authErr)
	return nil, authErr
}

func (s *AuthService) loginDirectory(ctx context.Context, login, password string) (*LoginResult, error) {
	ident, err := s.directory.Authenticate(ctx, login, password)
	if err != nil {
		log.Debug().Err(err).Str("login", login).Msg("Directory bind failed")
		return nil, errors.NewUnauthorized(authFailedMessage)
	}
	return s.LoginExternal(ctx, *ident, 0)
}

// LoginExternal resolves an identity from an OAuth2 provider or directory.
// With a non-zero currentUserID the identity is attached to that account.
func (s *AuthService) LoginExternal(ctx context.Context, ident domain.ExternalIdentity, currentUserID int64) (*LoginResult, error) {
	method := string(ident.Provider)
	res, err := s.resolver.Resolve(ctx, ident, currentUserID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s identity: %w", ident.Provider, err)
	}
	if res.Err != nil {
		s.recordLogin(method, currentUserID, res.Err)
		return nil, res.Err
	}
	if res.Account.Locked || res.Account.Expired || res.Account.PendingRegistration() {
		err := checkUsable(res.Account)
		s.recordLogin(method, res.Account.ID, err)
		return nil, err
	}
	if !res.Account.Enabled {
		// A completed bind enables an account the provider created.
		acc, err := s.registry.SetEnabled(ctx, res.Account.ID, true)
		if err != nil {
			return nil, err
		}
		res.Account = acc
	}
	return s.startSession(ctx, method, res.Account)
}

func (s *AuthService) startSession(ctx context.Context, method string, acc *domain.UserAccount) (*LoginResult, error) {
	now := s.now().UTC()
	session := domain.Session{
		ID:        uuid.NewString(),
		UserID:    acc.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := s.registry.TouchLastSeen(ctx, acc.ID); err != nil {
		log.Warn().Err(err).Int64("user_id", acc.ID).Msg("Failed to update last seen time")
	}
	s.recordLogin(method, acc.ID, nil)
	log.Info().Int64("user_id", acc.ID).Str("method", method).Str("session_hash", cache.HashToken(session.ID)).Msg("Session started")
	return &LoginResult{Session: session, Account: *acc}, nil
}

func (s *AuthService) recordLogin(method string, userID int64, err error) {
	result := "success"
	if err != nil {
		result = string(errors.KindOf(err))
	}
	metrics.LoginsTotal.WithLabelValues(method, result).Inc()
	audit.Record(audit.ActionLogin, userID, method, err)
}

// Logout ends the session. Unknown sessions are ignored.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	session, err := s.sessions.Get(ctx, sessionID)
	if errors.IsKind(err, errors.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	audit.Record(audit.ActionLogout, session.UserID, "", nil)
	return nil
}

// SessionUser returns the account id behind a live session, or 0.
func (s *AuthService) SessionUser(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, nil
	}
	session, err := s.sessions.Get(ctx, sessionID)
	if errors.IsKind(err, errors.KindNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return session.UserID, nil
}
