package services

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/pilab-dev/shadow-aaa/cache"
	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/errors"
	"github.com/pilab-dev/shadow-aaa/internal/metrics"
	"github.com/rs/zerolog/log"
)

// FlowConfig holds the token lifetimes and the frontend pages the mailed
// links point to.
type FlowConfig struct {
	ConfirmationTTL  time.Duration
	PasswordResetTTL time.Duration
	ChangeEmailTTL   time.Duration

	ConfirmURL     string
	ResetURL       string
	ChangeEmailURL string
}

// DefaultFlowConfig returns the lifetimes used when none are configured.
func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		ConfirmationTTL:  24 * time.Hour,
		PasswordResetTTL: time.Hour,
		ChangeEmailTTL:   time.Hour,
	}
}

func (c FlowConfig) ttl(kind domain.TokenKind) time.Duration {
	switch kind {
	case domain.TokenConfirmation:
		return c.ConfirmationTTL
	case domain.TokenPasswordReset:
		return c.PasswordResetTTL
	case domain.TokenChangeEmail:
		return c.ChangeEmailTTL
	}
	return time.Hour
}

// link appends the token id as the token query parameter of base.
func link(base, tokenID string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + "?token=" + url.QueryEscape(tokenID)
	}
	q := u.Query()
	q.Set("token", tokenID)
	u.RawQuery = q.Encode()
	return u.String()
}

// tokenIssuer issues and redeems single-use tokens.
type tokenIssuer struct {
	store domain.TokenStore
	cfg   FlowConfig
	now   func() time.Time
}

func (t *tokenIssuer) issue(ctx context.Context, kind domain.TokenKind, userID int64, payload string) (*domain.Token, error) {
	ttl := t.cfg.ttl(kind)
	token := domain.Token{
		ID:            uuid.NewString(),
		Kind:          kind,
		SubjectUserID: userID,
		Payload:       payload,
		TTL:           ttl,
		ExpiresAt:     t.now().Add(ttl),
	}
	if err := t.store.Save(ctx, token); err != nil {
		return nil, fmt.Errorf("save %s token: %w", kind, err)
	}
	metrics.TokensIssuedTotal.WithLabelValues(string(kind)).Inc()
	return &token, nil
}

// consume takes the token and runs apply. When apply fails with an
// infrastructure error the token is put back for its remaining lifetime so
// the user can retry; domain errors leave it consumed.
func (t *tokenIssuer) consume(ctx context.Context, kind domain.TokenKind, id string, apply func(domain.Token) error) error {
	token, err := t.store.Take(ctx, kind, id)
	if err != nil {
		if errors.IsKind(err, errors.KindTokenNotFound) {
			metrics.TokensConsumedTotal.WithLabelValues(string(kind), "not_found").Inc()
		}
		return err
	}

	applyErr := apply(*token)
	if applyErr == nil {
		metrics.TokensConsumedTotal.WithLabelValues(string(kind), "ok").Inc()
		return nil
	}
	if errors.IsDomain(applyErr) {
		metrics.TokensConsumedTotal.WithLabelValues(string(kind), "rejected").Inc()
		return applyErr
	}

	if token.Remaining(t.now()) > 0 {
		if err := t.store.Save(context.WithoutCancel(ctx), *token); err != nil {
			log.Error().Err(err).Str("token_hash", cache.HashToken(id)).Str("kind", string(kind)).Msg("Failed to restore token after a failed redemption")
		}
	}
	metrics.TokensConsumedTotal.WithLabelValues(string(kind), "restored").Inc()
	return applyErr
}
