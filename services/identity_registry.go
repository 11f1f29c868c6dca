package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/errors"
	"github.com/pilab-dev/shadow-aaa/internal/translit"
	"github.com/rs/zerolog/log"
)

const (
	mutateAttempts  = 5
	defaultPageSize = 20
	maxPageSize     = 100
)

// errUnchanged lets a mutation short-circuit without a write.
var errUnchanged = stderrors.New("account unchanged")

// AccountDraft is the input of IdentityRegistry.Create.
type AccountDraft struct {
	Login        string
	PasswordHash string
	Email        string
	Avatar       string
	Roles        []domain.Role
	Enabled      bool
	CreationType domain.CreationType
	Provider     domain.Provider
	ExternalID   string
}

// AvatarAction selects how UpdateProfileFields treats the avatar.
type AvatarAction int

const (
	AvatarKeep AvatarAction = iota
	AvatarSet
	AvatarRemove
)

type AvatarPatch struct {
	Action AvatarAction
	URL    string
}

// ProfilePatch changes profile fields. A nil Login keeps the current one.
type ProfilePatch struct {
	Login  *string
	Avatar AvatarPatch
}

// SearchQuery selects one page of the account list.
type SearchQuery struct {
	AfterID int64
	Reverse bool
	Limit   int
	Search  string
	IDs     []int64
}

type SearchResult struct {
	Accounts   []domain.UserAccount
	HasMore    bool
	NextCursor int64
}

type AroundResult struct {
	Accounts    []domain.UserAccount
	AnchorFound bool
}

// IdentityRegistry owns the account records. Every mutation reads the
// current version, applies an immutable transform and writes it back with a
// version check, retrying on a stale read.
type IdentityRegistry struct {
	repo   domain.AccountRepository
	policy LoginPolicy
	now    func() time.Time
}

func NewIdentityRegistry(repo domain.AccountRepository, policy LoginPolicy) *IdentityRegistry {
	return &IdentityRegistry{repo: repo, policy: policy, now: time.Now}
}

func (r *IdentityRegistry) Policy() LoginPolicy { return r.policy }

func (r *IdentityRegistry) FindByID(ctx context.Context, id int64) (*domain.UserAccount, error) {
	return r.repo.FindByID(ctx, id)
}

func (r *IdentityRegistry) FindByLogin(ctx context.Context, login string) (*domain.UserAccount, error) {
	return r.repo.FindByLogin(ctx, login)
}

func (r *IdentityRegistry) FindByEmail(ctx context.Context, email string) (*domain.UserAccount, error) {
	return r.repo.FindByEmail(ctx, email)
}

func (r *IdentityRegistry) FindByExternalID(ctx context.Context, provider domain.Provider, externalID string) (*domain.UserAccount, error) {
	return r.repo.FindByExternalID(ctx, provider, externalID)
}

// Create validates the draft and stores it.
func (r *IdentityRegistry) Create(ctx context.Context, draft AccountDraft) (*domain.UserAccount, error) {
	relaxed := draft.CreationType != "" && draft.CreationType != domain.CreationRegistration
	if err := r.policy.Validate(draft.Login, relaxed); err != nil {
		return nil, err
	}
	if draft.Email != "" {
		if err := ValidateEmail(draft.Email); err != nil {
			return nil, err
		}
	}

	account := domain.UserAccount{
		Login:        draft.Login,
		PasswordHash: draft.PasswordHash,
		Email:        draft.Email,
		Avatar:       draft.Avatar,
		Roles:        domain.NormalizeRoles(draft.Roles),
		Enabled:      draft.Enabled,
		CreationType: draft.CreationType,
		CreatedAt:    r.now().UTC(),
	}
	if account.CreationType == "" {
		account.CreationType = domain.CreationRegistration
	}
	if draft.Provider != "" {
		account = account.WithExternalID(draft.Provider, draft.ExternalID)
	}
	if account.CredentialCount() == 0 {
		return nil, errors.NewValidation("credentials", "account needs a password or an external identity")
	}

	created, err := r.repo.Create(ctx, account)
	if err != nil {
		return nil, err
	}
	log.Info().Int64("user_id", created.ID).Str("creation_type", string(created.CreationType)).Msg("Account created")
	return created, nil
}

// Mutate applies fn to the current account and persists the result with a
// version check. fn may return errUnchanged to skip the write.
func (r *IdentityRegistry) Mutate(ctx context.Context, userID int64, fn func(domain.UserAccount) (domain.UserAccount, error)) (*domain.UserAccount, error) {
	for attempt := 1; ; attempt++ {
		current, err := r.repo.FindByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		next, err := fn(*current)
		if stderrors.Is(err, errUnchanged) {
			return current, nil
		}
		if err != nil {
			return nil, err
		}
		next.ID = current.ID
		next.Version = current.Version

		updated, err := r.repo.Update(ctx, next)
		if err == nil {
			return updated, nil
		}
		if !stderrors.Is(err, domain.ErrStaleVersion) {
			return nil, err
		}
		if attempt >= mutateAttempts {
			return nil, fmt.Errorf("account %d: %w after %d attempts", userID, err, attempt)
		}
		log.Debug().Int64("user_id", userID).Int("attempt", attempt).Msg("Stale account version, retrying")
	}
}

// LinkExternalIdentity binds externalID of provider to the account.
func (r *IdentityRegistry) LinkExternalIdentity(ctx context.Context, userID int64, provider domain.Provider, externalID string) (*domain.UserAccount, error) {
	if externalID == "" {
		return nil, errors.NewValidation("external_id", "external id is empty")
	}
	owner, err := r.repo.FindByExternalID(ctx, provider, externalID)
	switch {
	case err == nil && owner.ID != userID:
		return nil, errors.NewConflict(string(provider)+"_id", "external identity is bound to another account")
	case err != nil && !errors.IsKind(err, errors.KindNotFound):
		return nil, err
	}

	return r.Mutate(ctx, userID, func(a domain.UserAccount) (domain.UserAccount, error) {
		switch a.ExternalID(provider) {
		case externalID:
			return a, errUnchanged
		case "":
			return a.WithExternalID(provider, externalID), nil
		default:
			return a, errors.NewConflict(string(provider)+"_id", "account is bound to a different "+string(provider)+" identity")
		}
	})
}

// UnlinkExternalIdentity removes the provider binding unless it is the last credential.
func (r *IdentityRegistry) UnlinkExternalIdentity(ctx context.Context, userID int64, provider domain.Provider) (*domain.UserAccount, error) {
	return r.Mutate(ctx, userID, func(a domain.UserAccount) (domain.UserAccount, error) {
		if a.ExternalID(provider) == "" {
			return a, errUnchanged
		}
		if a.CredentialCount() <= 1 {
			return a, errors.NewValidation("last_credential", "cannot remove the last credential")
		}
		return a.WithoutExternalID(provider), nil
	})
}

func (r *IdentityRegistry) UpdatePassword(ctx context.Context, userID int64, hash string) (*domain.UserAccount, error) {
	return r.Mutate(ctx, userID, func(a domain.UserAccount) (domain.UserAccount, error) {
		return a.WithPasswordHash(hash), nil
	})
}

func (r *IdentityRegistry) UpdateEmail(ctx context.Context, userID int64, email string) (*domain.UserAccount, error) {
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	return r.Mutate(ctx, userID, func(a domain.UserAccount) (domain.UserAccount, error) {
		if a.Email == email {
			return a, errUnchanged
		}
		return a.WithEmail(email), nil
	})
}

func (r *IdentityRegistry) UpdateProfileFields(ctx context.Context, userID int64, patch ProfilePatch) (*domain.UserAccount, error) {
	return r.Mutate(ctx, userID, func(a domain.UserAccount) (domain.UserAccount, error) {
		if patch.Login != nil && *patch.Login != a.Login {
			if err := r.policy.Validate(*patch.Login, a.CreationType != domain.CreationRegistration); err != nil {
				return a, err
			}
			a = a.WithLogin(*patch.Login)
		}
		switch patch.Avatar.Action {
		case AvatarSet:
			a = a.WithAvatar(patch.Avatar.URL)
		case AvatarRemove:
			a = a.WithAvatar("")
		}
		return a, nil
	})
}

func (r *IdentityRegistry) SetLocked(ctx context.Context, userID int64, locked bool) (*domain.UserAccount, error) {
	return r.Mutate(ctx, userID, func(a domain.UserAccount) (domain.UserAccount, error) {
		if a.Locked == locked {
			return a, errUnchanged
		}
		return a.WithLocked(locked), nil
	})
}

func (r *IdentityRegistry) SetEnabled(ctx context.Context, userID int64, enabled bool) (*domain.UserAccount, error) {
	return r.Mutate(ctx, userID, func(a domain.UserAccount) (domain.UserAccount, error) {
		if a.Enabled == enabled {
			return a, errUnchanged
		}
		return a.WithEnabled(enabled), nil
	})
}

func (r *IdentityRegistry) SetRoles(ctx context.Context, userID int64, roles []domain.Role) (*domain.UserAccount, error) {
	return r.Mutate(ctx, userID, func(a domain.UserAccount) (domain.UserAccount, error) {
		return a.WithRoles(roles...), nil
	})
}

func (r *IdentityRegistry) TouchLastSeen(ctx context.Context, userID int64) error {
	_, err := r.Mutate(ctx, userID, func(a domain.UserAccount) (domain.UserAccount, error) {
		return a.WithLastSeen(r.now().UTC()), nil
	})
	return err
}

// MarkSynced stamps the directory sync time of provider.
func (r *IdentityRegistry) MarkSynced(ctx context.Context, userID int64, provider domain.Provider) (*domain.UserAccount, error) {
	return r.Mutate(ctx, userID, func(a domain.UserAccount) (domain.UserAccount, error) {
		return a.WithSyncTime(provider, r.now().UTC()), nil
	})
}

func clampPageSize(size int) int {
	switch {
	case size <= 0:
		return defaultPageSize
	case size > maxPageSize:
		return maxPageSize
	}
	return size
}

func searchTerms(search string) []string {
	if search == "" {
		return nil
	}
	return translit.Variants(search)
}

// SearchPage returns one keyset page ordered by id.
func (r *IdentityRegistry) SearchPage(ctx context.Context, q SearchQuery) (*SearchResult, error) {
	limit := clampPageSize(q.Limit)
	rows, err := r.repo.Find(ctx, domain.AccountQuery{
		Cursor:  q.AfterID,
		Reverse: q.Reverse,
		Limit:   limit + 1,
		Search:  searchTerms(q.Search),
		IDs:     q.IDs,
	})
	if err != nil {
		return nil, fmt.Errorf("search accounts: %w", err)
	}

	res := &SearchResult{Accounts: rows}
	if len(rows) > limit {
		res.Accounts = rows[:limit]
		res.HasMore = true
	}
	if n := len(res.Accounts); n > 0 {
		res.NextCursor = res.Accounts[n-1].ID
	}
	return res, nil
}

// SearchAround returns a window of size rows centred on anchorID, in
// ascending id order. When the anchor is gone or filtered out, the head of
// the list is returned instead.
func (r *IdentityRegistry) SearchAround(ctx context.Context, anchorID int64, size int, search string) (*AroundResult, error) {
	size = clampPageSize(size)
	terms := searchTerms(search)

	anchor, err := r.repo.Find(ctx, domain.AccountQuery{IDs: []int64{anchorID}, Search: terms, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("search around %d: %w", anchorID, err)
	}
	if len(anchor) == 0 {
		head, err := r.repo.Find(ctx, domain.AccountQuery{Search: terms, Limit: size})
		if err != nil {
			return nil, fmt.Errorf("search around %d: %w", anchorID, err)
		}
		return &AroundResult{Accounts: head}, nil
	}

	before, err := r.repo.Find(ctx, domain.AccountQuery{Cursor: anchorID, Reverse: true, Search: terms, Limit: size / 2})
	if err != nil {
		return nil, fmt.Errorf("search around %d: %w", anchorID, err)
	}
	var after []domain.UserAccount
	if rest := size - len(before) - 1; rest > 0 {
		after, err = r.repo.Find(ctx, domain.AccountQuery{Cursor: anchorID, Search: terms, Limit: rest})
		if err != nil {
			return nil, fmt.Errorf("search around %d: %w", anchorID, err)
		}
	}

	out := make([]domain.UserAccount, 0, len(before)+1+len(after))
	for i := len(before) - 1; i >= 0; i-- {
		out = append(out, before[i])
	}
	out = append(out, anchor[0])
	out = append(out, after...)
	return &AroundResult{Accounts: out, AnchorFound: true}, nil
}
