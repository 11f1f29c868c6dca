package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/errors"
	"github.com/pilab-dev/shadow-aaa/internal/audit"
	"github.com/rs/zerolog/log"
)

// CredentialRecoveryService handles password reset and email change. The
// request side never reveals whether an email belongs to an account.
type CredentialRecoveryService struct {
	registry *IdentityRegistry
	hasher   PasswordHasher
	mailer   domain.Mailer
	tokens   *tokenIssuer
}

func NewCredentialRecoveryService(registry *IdentityRegistry, hasher PasswordHasher, tokens domain.TokenStore, mailer domain.Mailer, cfg FlowConfig) *CredentialRecoveryService {
	return &CredentialRecoveryService{
		registry: registry,
		hasher:   hasher,
		mailer:   mailer,
		tokens:   &tokenIssuer{store: tokens, cfg: cfg, now: time.Now},
	}
}

// RequestPasswordReset mails a reset link when email is known and succeeds either way.
func (s *CredentialRecoveryService) RequestPasswordReset(ctx context.Context, email string) error {
	acc, err := s.registry.FindByEmail(ctx, email)
	if err != nil {
		if !errors.IsKind(err, errors.KindNotFound) {
			log.Error().Err(err).Msg("Password reset lookup failed")
		}
		return nil
	}

	token, err := s.tokens.issue(ctx, domain.TokenPasswordReset, acc.ID, "")
	if err != nil {
		log.Error().Err(err).Int64("user_id", acc.ID).Msg("Failed to issue password reset token")
		return nil
	}
	s.mailer.Send(ctx, domain.MailPasswordReset, acc.Email, domain.MailVars{
		Link:  link(s.tokens.cfg.ResetURL, token.ID),
		Login: acc.Login,
	})
	return nil
}

// SetNewPassword redeems a reset token. The password policy is checked
// before the token is touched.
func (s *CredentialRecoveryService) SetNewPassword(ctx context.Context, tokenID, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	var userID int64
	err = s.tokens.consume(ctx, domain.TokenPasswordReset, tokenID, func(t domain.Token) error {
		userID = t.SubjectUserID
		_, err := s.registry.UpdatePassword(ctx, t.SubjectUserID, hash)
		return err
	})
	if errors.IsKind(err, errors.KindNotFound) {
		// The account vanished after the token was issued.
		err = errors.NewTokenNotFound()
	}
	audit.Record(audit.ActionPasswordReset, userID, "", err)
	return err
}

// RequestEmailChange mails a confirmation link to newEmail. When another
// account already owns newEmail nothing is sent and the call still succeeds.
func (s *CredentialRecoveryService) RequestEmailChange(ctx context.Context, userID int64, newEmail string) error {
	if err := ValidateEmail(newEmail); err != nil {
		return err
	}
	acc, err := s.registry.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if strings.EqualFold(acc.Email, newEmail) {
		return nil
	}
	if owner, err := s.registry.FindByEmail(ctx, newEmail); err == nil {
		log.Info().Int64("user_id", userID).Int64("owner_id", owner.ID).Msg("Email change to an owned address ignored")
		return nil
	} else if !errors.IsKind(err, errors.KindNotFound) {
		return err
	}

	token, err := s.tokens.issue(ctx, domain.TokenChangeEmail, acc.ID, newEmail)
	if err != nil {
		return err
	}
	s.mailer.Send(ctx, domain.MailChangeEmail, newEmail, domain.MailVars{
		Link:  link(s.tokens.cfg.ChangeEmailURL, token.ID),
		Login: acc.Login,
	})
	return nil
}

// ConfirmEmailChange redeems a change-email token. Ownership of the new
// address is checked again since it may have been taken meanwhile.
func (s *CredentialRecoveryService) ConfirmEmailChange(ctx context.Context, tokenID string) (*domain.UserAccount, error) {
	var updated *domain.UserAccount
	err := s.tokens.consume(ctx, domain.TokenChangeEmail, tokenID, func(t domain.Token) error {
		owner, err := s.registry.FindByEmail(ctx, t.Payload)
		switch {
		case err == nil && owner.ID != t.SubjectUserID:
			return errors.NewConflict("email", "email is already taken")
		case err != nil && !errors.IsKind(err, errors.KindNotFound):
			return err
		}
		updated, err = s.registry.UpdateEmail(ctx, t.SubjectUserID, t.Payload)
		return err
	})
	var userID int64
	if updated != nil {
		userID = updated.ID
	}
	audit.Record(audit.ActionEmailChange, userID, "", err)
	if err != nil {
		return nil, err
	}
	return updated, nil
}
