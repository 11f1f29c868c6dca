// Package memstore holds in-process implementations of the account and
// checkpoint stores, used for development setups and service tests.
package memstore

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/errors"
)

// AccountRepository is a mutex-guarded account table with the same unique
// index semantics as the Mongo store.
type AccountRepository struct {
	mu       sync.RWMutex
	nextID   int64
	accounts map[int64]domain.UserAccount
}

func NewAccountRepository() *AccountRepository {
	return &AccountRepository{accounts: make(map[int64]domain.UserAccount)}
}

func fold(s string) string { return strings.ToLower(s) }

func clone(a domain.UserAccount) *domain.UserAccount {
	a.Roles = slices.Clone(a.Roles)
	return &a
}

func (r *AccountRepository) FindByID(_ context.Context, id int64) (*domain.UserAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.accounts[id]; ok {
		return clone(a), nil
	}
	return nil, errors.NewNotFound("account")
}

func (r *AccountRepository) findBy(match func(domain.UserAccount) bool) (*domain.UserAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.accounts {
		if match(a) {
			return clone(a), nil
		}
	}
	return nil, errors.NewNotFound("account")
}

func (r *AccountRepository) FindByLogin(_ context.Context, login string) (*domain.UserAccount, error) {
	return r.findBy(func(a domain.UserAccount) bool { return fold(a.Login) == fold(login) })
}

func (r *AccountRepository) FindByEmail(_ context.Context, email string) (*domain.UserAccount, error) {
	if email == "" {
		return nil, errors.NewNotFound("account")
	}
	return r.findBy(func(a domain.UserAccount) bool { return a.Email != "" && fold(a.Email) == fold(email) })
}

func (r *AccountRepository) FindByExternalID(_ context.Context, provider domain.Provider, externalID string) (*domain.UserAccount, error) {
	if externalID == "" {
		return nil, errors.NewNotFound("account")
	}
	return r.findBy(func(a domain.UserAccount) bool { return a.ExternalID(provider) == externalID })
}

// checkUnique must be called with the write lock held.
func (r *AccountRepository) checkUnique(candidate domain.UserAccount) error {
	for id, a := range r.accounts {
		if id == candidate.ID {
			continue
		}
		if fold(a.Login) == fold(candidate.Login) {
			return errors.NewConflict("login", "login is already taken")
		}
		if candidate.Email != "" && fold(a.Email) == fold(candidate.Email) {
			return errors.NewConflict("email", "email is already taken")
		}
		for _, p := range domain.Providers {
			if ext := candidate.ExternalID(p); ext != "" && a.ExternalID(p) == ext {
				return errors.NewConflict(string(p)+"_id", "external identity is bound to another account")
			}
		}
	}
	return nil
}

func (r *AccountRepository) Create(_ context.Context, account domain.UserAccount) (*domain.UserAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	account.ID = r.nextID + 1
	if err := r.checkUnique(account); err != nil {
		return nil, err
	}
	r.nextID++
	account.Version = 1
	account.Roles = domain.NormalizeRoles(account.Roles)
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	r.accounts[account.ID] = account
	return clone(account), nil
}

func (r *AccountRepository) Update(_ context.Context, account domain.UserAccount) (*domain.UserAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.accounts[account.ID]
	if !ok {
		return nil, errors.NewNotFound("account")
	}
	if stored.Version != account.Version {
		return nil, domain.ErrStaleVersion
	}
	if err := r.checkUnique(account); err != nil {
		return nil, err
	}
	account.Version++
	account.Roles = domain.NormalizeRoles(account.Roles)
	r.accounts[account.ID] = account
	return clone(account), nil
}

func (r *AccountRepository) Find(_ context.Context, q domain.AccountQuery) ([]domain.UserAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.accounts))
	for id := range r.accounts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	if q.Reverse {
		slices.Reverse(ids)
	}

	out := make([]domain.UserAccount, 0, q.Limit)
	for _, id := range ids {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		if q.Cursor != 0 && ((!q.Reverse && id <= q.Cursor) || (q.Reverse && id >= q.Cursor)) {
			continue
		}
		a := r.accounts[id]
		if matches(a, q) {
			out = append(out, *clone(a))
		}
	}
	return out, nil
}

func matches(a domain.UserAccount, q domain.AccountQuery) bool {
	if len(q.IDs) > 0 && !slices.Contains(q.IDs, a.ID) {
		return false
	}
	if q.BoundTo != "" {
		if a.ExternalID(q.BoundTo) == "" {
			return false
		}
		if !q.SyncedBefore.IsZero() {
			if t := a.SyncTime(q.BoundTo); t != nil && !t.Before(q.SyncedBefore) {
				return false
			}
		}
	}
	if len(q.Search) == 0 {
		return true
	}
	login, email := fold(a.Login), fold(a.Email)
	for _, term := range q.Search {
		term = fold(term)
		if term == "" || strings.Contains(login, term) || strings.Contains(email, term) {
			return true
		}
	}
	return false
}

var _ domain.AccountRepository = (*AccountRepository)(nil)
