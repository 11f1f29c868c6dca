package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/errors"
	"github.com/pilab-dev/shadow-aaa/internal/audit"
	"github.com/pilab-dev/shadow-aaa/internal/metrics"
	"github.com/rs/zerolog/log"
)

// ResolutionState is the outcome of resolving an external identity.
type ResolutionState string

const (
	StateNew           ResolutionState = "NEW"
	StateLinkExisting  ResolutionState = "LINK_EXISTING"
	StateMergeConflict ResolutionState = "MERGE_CONFLICT"
	StateRejected      ResolutionState = "REJECTED"
)

// ConflictStrategy decides what happens when an external identity collides
// with an existing account on login or email.
type ConflictStrategy string

const (
	MergeToPasswordAccountByEmail ConflictStrategy = "MERGE_TO_PASSWORD_ACCOUNT_BY_EMAIL"
	CreateSeparateOnConflict      ConflictStrategy = "CREATE_SEPARATE_ON_CONFLICT"
	RejectOnConflict              ConflictStrategy = "REJECT_ON_CONFLICT"
)

// ParseConflictStrategy accepts the strategy name in any case.
func ParseConflictStrategy(s string) (ConflictStrategy, error) {
	switch st := ConflictStrategy(strings.ToUpper(strings.TrimSpace(s))); st {
	case MergeToPasswordAccountByEmail, CreateSeparateOnConflict, RejectOnConflict:
		return st, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// authFailedMessage is shown for every failed sign-in, including
// unauthenticated merge conflicts.
const authFailedMessage = "authentication failed"

const (
	resolveAttempts  = 3
	loginSuffixLimit = 100
)

type ResolverConfig struct {
	Strategy    ConflictStrategy
	AllowUnbind bool
	// AdminRole is granted to new accounts whose identity carries the admin hint.
	AdminRole domain.Role
}

// Resolution is the decision for one external identity. Account is set for
// NEW and LINK_EXISTING, Err for MERGE_CONFLICT and REJECTED.
type Resolution struct {
	State   ResolutionState
	Account *domain.UserAccount
	Err     error
}

// ConflictResolver maps an external identity onto a local account.
type ConflictResolver struct {
	registry *IdentityRegistry
	cfg      ResolverConfig
}

func NewConflictResolver(registry *IdentityRegistry, cfg ResolverConfig) *ConflictResolver {
	if cfg.Strategy == "" {
		cfg.Strategy = MergeToPasswordAccountByEmail
	}
	if cfg.AdminRole == "" {
		cfg.AdminRole = domain.RoleAdmin
	}
	return &ConflictResolver{registry: registry, cfg: cfg}
}

func (r *ConflictResolver) Config() ResolverConfig { return r.cfg }

// Resolve decides and applies the outcome for ident. currentUserID is the
// signed-in user attaching the identity, or 0. The returned error is only
// set for infrastructure failures; domain outcomes are carried in the
// Resolution.
func (r *ConflictResolver) Resolve(ctx context.Context, ident domain.ExternalIdentity, currentUserID int64) (*Resolution, error) {
	var res *Resolution
	var err error
	for attempt := 1; attempt <= resolveAttempts; attempt++ {
		res, err = r.decide(ctx, ident, currentUserID)
		if err == nil || !errors.IsKind(err, errors.KindConflict) {
			break
		}
		log.Debug().Err(err).Str("provider", string(ident.Provider)).Int("attempt", attempt).Msg("Concurrent account write, re-running resolution")
	}
	if err != nil {
		if !errors.IsDomain(err) {
			return nil, err
		}
		res = &Resolution{State: StateMergeConflict, Err: err}
		if !errors.IsKind(err, errors.KindConflict) {
			res.State = StateRejected
		}
	}

	if res.State == StateMergeConflict && currentUserID == 0 {
		log.Warn().Err(res.Err).Str("provider", string(ident.Provider)).Msg("External identity conflicts with an existing account")
		audit.Record(audit.ActionResolverConflict, 0, string(ident.Provider), res.Err)
		res.Err = errors.NewUnauthorized(authFailedMessage)
	}
	metrics.ResolverDecisionsTotal.WithLabelValues(string(ident.Provider), string(res.State)).Inc()
	return res, nil
}

func conflict(field, message string) *Resolution {
	return &Resolution{State: StateMergeConflict, Err: errors.NewConflict(field, message)}
}

func (r *ConflictResolver) decide(ctx context.Context, ident domain.ExternalIdentity, currentUserID int64) (*Resolution, error) {
	if ident.ExternalID == "" {
		return &Resolution{State: StateRejected, Err: errors.NewValidation("external_id", "external id is empty")}, nil
	}
	field := string(ident.Provider) + "_id"

	bound, err := r.registry.FindByExternalID(ctx, ident.Provider, ident.ExternalID)
	if err != nil && !errors.IsKind(err, errors.KindNotFound) {
		return nil, err
	}
	if err == nil {
		if currentUserID != 0 && bound.ID != currentUserID {
			return conflict(field, "this "+string(ident.Provider)+" identity is already bound to another account"), nil
		}
		if bound.Locked || bound.Expired {
			return &Resolution{State: StateRejected, Err: errors.NewForbidden("account is locked or expired")}, nil
		}
		acc, err := r.refresh(ctx, bound, ident)
		if err != nil {
			return nil, err
		}
		return &Resolution{State: StateLinkExisting, Account: acc}, nil
	}

	if currentUserID != 0 {
		acc, err := r.registry.LinkExternalIdentity(ctx, currentUserID, ident.Provider, ident.ExternalID)
		if errors.IsKind(err, errors.KindConflict) {
			return conflict(field, "your account is already bound to a different "+string(ident.Provider)+" identity"), nil
		}
		if err != nil {
			return nil, err
		}
		audit.Record(audit.ActionLink, acc.ID, string(ident.Provider), nil)
		return &Resolution{State: StateLinkExisting, Account: acc}, nil
	}

	byEmail, err := r.lookup(ctx, r.registry.FindByEmail, ident.Email)
	if err != nil {
		return nil, err
	}
	byLogin, err := r.lookup(ctx, r.registry.FindByLogin, ident.CandidateLogin)
	if err != nil {
		return nil, err
	}
	if byEmail == nil && byLogin == nil {
		return r.create(ctx, ident, true)
	}

	switch r.cfg.Strategy {
	case RejectOnConflict:
		return conflict("login", "an account with this login or email already exists"), nil

	case CreateSeparateOnConflict:
		return r.create(ctx, ident, byEmail == nil)

	default:
		if byEmail != nil && byEmail.PendingRegistration() {
			// Whoever registered the email never confirmed owning it.
			log.Info().Int64("user_id", byEmail.ID).Str("provider", string(ident.Provider)).
				Msg("Email belongs to an unconfirmed registration, creating a separate account")
			return r.create(ctx, ident, false)
		}
		if byEmail != nil {
			if byEmail.ExternalID(ident.Provider) != "" {
				return conflict("email", "the account with this email is bound to a different "+string(ident.Provider)+" identity"), nil
			}
			acc, err := r.registry.LinkExternalIdentity(ctx, byEmail.ID, ident.Provider, ident.ExternalID)
			if err != nil {
				return nil, err
			}
			audit.Record(audit.ActionLink, acc.ID, string(ident.Provider), nil)
			acc, err = r.refresh(ctx, acc, ident)
			if err != nil {
				return nil, err
			}
			return &Resolution{State: StateLinkExisting, Account: acc}, nil
		}
		return r.create(ctx, ident, true)
	}
}

func (r *ConflictResolver) lookup(ctx context.Context, find func(context.Context, string) (*domain.UserAccount, error), key string) (*domain.UserAccount, error) {
	if key == "" {
		return nil, nil
	}
	acc, err := find(ctx, key)
	if errors.IsKind(err, errors.KindNotFound) {
		return nil, nil
	}
	return acc, err
}

// refresh copies the provider avatar and fills a missing email when no other
// account owns it.
func (r *ConflictResolver) refresh(ctx context.Context, acc *domain.UserAccount, ident domain.ExternalIdentity) (*domain.UserAccount, error) {
	fillEmail := false
	if acc.Email == "" && ident.Email != "" {
		owner, err := r.lookup(ctx, r.registry.FindByEmail, ident.Email)
		if err != nil {
			return nil, err
		}
		fillEmail = owner == nil && ValidateEmail(ident.Email) == nil
	}
	if (ident.AvatarURL == "" || ident.AvatarURL == acc.Avatar) && !fillEmail {
		return acc, nil
	}
	return r.registry.Mutate(ctx, acc.ID, func(a domain.UserAccount) (domain.UserAccount, error) {
		if ident.AvatarURL != "" {
			a = a.WithAvatar(ident.AvatarURL)
		}
		if fillEmail && a.Email == "" {
			a = a.WithEmail(ident.Email)
		}
		return a, nil
	})
}

func (r *ConflictResolver) create(ctx context.Context, ident domain.ExternalIdentity, withEmail bool) (*Resolution, error) {
	login, err := r.freeLogin(ctx, ident)
	if err != nil {
		return nil, err
	}
	draft := AccountDraft{
		Login:        login,
		Avatar:       ident.AvatarURL,
		Enabled:      true,
		CreationType: domain.CreationTypeFor(ident.Provider),
		Provider:     ident.Provider,
		ExternalID:   ident.ExternalID,
	}
	if withEmail && ident.Email != "" && ValidateEmail(ident.Email) == nil {
		draft.Email = ident.Email
	}
	if ident.IsAdminHint {
		draft.Roles = []domain.Role{r.cfg.AdminRole}
	}

	acc, err := r.registry.Create(ctx, draft)
	if err != nil {
		return nil, err
	}
	metrics.AccountsCreatedTotal.WithLabelValues(string(acc.CreationType)).Inc()
	audit.Record(audit.ActionRegister, acc.ID, string(ident.Provider), nil)
	return &Resolution{State: StateNew, Account: acc}, nil
}

// freeLogin derives a login from the candidate and suffixes it until no
// account holds it.
func (r *ConflictResolver) freeLogin(ctx context.Context, ident domain.ExternalIdentity) (string, error) {
	policy := r.registry.Policy()
	base := policy.Sanitize(ident.CandidateLogin)
	switch {
	case base == "":
		base = string(ident.Provider) + "_" + ident.ExternalID
	case policy.Validate(base, true) != nil || IsReserved(base):
		base = string(ident.Provider) + "_" + base
	}
	if n := len([]rune(base)); n > policy.MaxLength-4 {
		base = string([]rune(base)[:policy.MaxLength-4])
	}

	candidate := base
	for i := 2; i <= loginSuffixLimit; i++ {
		existing, err := r.lookup(ctx, r.registry.FindByLogin, candidate)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s_%d", base, i)
	}
	return "", errors.NewConflict("login", "no free login derived from "+base)
}

// Unbind detaches provider from the account when unbinding is enabled.
func (r *ConflictResolver) Unbind(ctx context.Context, userID int64, provider domain.Provider) (*domain.UserAccount, error) {
	if !r.cfg.AllowUnbind {
		return nil, errors.NewForbidden("unbinding external identities is disabled")
	}
	acc, err := r.registry.UnlinkExternalIdentity(ctx, userID, provider)
	audit.Record(audit.ActionUnlink, userID, string(provider), err)
	return acc, err
}
