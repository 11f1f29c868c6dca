package services

import (
	"context"
	"fmt"
	"time"

	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/errors"
	"github.com/pilab-dev/shadow-aaa/internal/audit"
	"github.com/pilab-dev/shadow-aaa/internal/metrics"
	"github.com/rs/zerolog/log"
)

// ConfirmResult is the outcome of redeeming a confirmation token.
type ConfirmResult string

const (
	Confirmed          ConfirmResult = "CONFIRMED"
	ConfirmTokenAbsent ConfirmResult = "TOKEN_NOT_FOUND"
	ConfirmUserAbsent  ConfirmResult = "USER_NOT_FOUND"
)

// RegistrationService runs local sign-up: an account is created disabled
// and enabled once the mailed confirmation token is redeemed.
type RegistrationService struct {
	registry *IdentityRegistry
	hasher   PasswordHasher
	mailer   domain.Mailer
	tokens   *tokenIssuer
}

func NewRegistrationService(registry *IdentityRegistry, hasher PasswordHasher, tokens domain.TokenStore, mailer domain.Mailer, cfg FlowConfig) *RegistrationService {
	return &RegistrationService{
		registry: registry,
		hasher:   hasher,
		mailer:   mailer,
		tokens:   &tokenIssuer{store: tokens, cfg: cfg, now: time.Now},
	}
}

// Register creates a pending account and mails the confirmation link. A
// taken login is reported; a taken email is not, and no mail is sent.
func (s *RegistrationService) Register(ctx context.Context, login, email, password string) error {
	if err := s.registry.Policy().Validate(login, false); err != nil {
		return err
	}
	if err := ValidateEmail(email); err != nil {
		return err
	}
	if _, err := s.registry.FindByLogin(ctx, login); err == nil {
		return errors.NewConflict("login", "login is already taken")
	} else if !errors.IsKind(err, errors.KindNotFound) {
		return err
	}
	if _, err := s.registry.FindByEmail(ctx, email); err == nil {
		log.Info().Str("login", login).Msg("Registration with a taken email ignored")
		return nil
	} else if !errors.IsKind(err, errors.KindNotFound) {
		return err
	}
	if err := ValidatePassword(password); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	acc, err := s.registry.Create(ctx, AccountDraft{
		Login:        login,
		Email:        email,
		PasswordHash: hash,
		CreationType: domain.CreationRegistration,
	})
	if errors.Is(err, errors.NewConflict("email", "")) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.AccountsCreatedTotal.WithLabelValues(string(acc.CreationType)).Inc()
	audit.Record(audit.ActionRegister, acc.ID, acc.Login, nil)

	return s.sendConfirmation(ctx, acc)
}

func (s *RegistrationService) sendConfirmation(ctx context.Context, acc *domain.UserAccount) error {
	token, err := s.tokens.issue(ctx, domain.TokenConfirmation, acc.ID, "")
	if err != nil {
		return err
	}
	s.mailer.Send(ctx, domain.MailConfirmRegistration, acc.Email, domain.MailVars{
		Link:  link(s.tokens.cfg.ConfirmURL, token.ID),
		Login: acc.Login,
	})
	return nil
}

// ResendConfirmation mails a fresh token to a pending account. It reports
// success whether or not the email is known.
func (s *RegistrationService) ResendConfirmation(ctx context.Context, email string) error {
	acc, err := s.registry.FindByEmail(ctx, email)
	if err != nil {
		if !errors.IsKind(err, errors.KindNotFound) {
			log.Error().Err(err).Msg("Resend confirmation lookup failed")
		}
		return nil
	}
	if acc.Enabled {
		return nil
	}
	if err := s.sendConfirmation(ctx, acc); err != nil {
		log.Error().Err(err).Int64("user_id", acc.ID).Msg("Failed to resend confirmation")
	}
	return nil
}

// Confirm redeems a confirmation token and enables the account.
func (s *RegistrationService) Confirm(ctx context.Context, tokenID string) (ConfirmResult, error) {
	var userID int64
	err := s.tokens.consume(ctx, domain.TokenConfirmation, tokenID, func(t domain.Token) error {
		userID = t.SubjectUserID
		_, err := s.registry.SetEnabled(ctx, t.SubjectUserID, true)
		return err
	})
	switch {
	case err == nil:
		audit.Record(audit.ActionConfirm, userID, "", nil)
		return Confirmed, nil
	case errors.IsKind(err, errors.KindTokenNotFound):
		return ConfirmTokenAbsent, nil
	case errors.IsKind(err, errors.KindNotFound):
		return ConfirmUserAbsent, nil
	}
	return "", err
}
