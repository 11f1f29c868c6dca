package services

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pilab-dev/shadow-aaa/cache"
	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- Mock Implementations ---

type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) { return "hashed:" + password, nil }

func (plainHasher) Verify(hashedPassword, password string) error {
	if hashedPassword != "hashed:"+password {
		return stderrors.New("password mismatch")
	}
	return nil
}

type MockMailer struct {
	mock.Mock
	mu   sync.Mutex
	sent []sentMail
}

type sentMail struct {
	Kind domain.MailKind
	To   string
	Vars domain.MailVars
}

func (m *MockMailer) Send(ctx context.Context, kind domain.MailKind, to string, vars domain.MailVars) {
	m.Called(ctx, kind, to, vars)
	m.mu.Lock()
	m.sent = append(m.sent, sentMail{Kind: kind, To: to, Vars: vars})
	m.mu.Unlock()
}

func (m *MockMailer) Sent() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

func newMockMailer() *MockMailer {
	m := &MockMailer{}
	m.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()
	return m
}

// tokenFromLink extracts the token query parameter of a mailed link.
func tokenFromLink(t *testing.T, link string) string {
	t.Helper()
	_, after, ok := strings.Cut(link, "token=")
	require.True(t, ok, "link %q carries no token", link)
	return after
}

func newTestTokenStore(t *testing.T) *cache.MemoryTokenStore {
	t.Helper()
	store := cache.NewMemoryTokenStore(time.Hour)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// flakyRepository fails the next Update calls with an infrastructure error.
type flakyRepository struct {
	domain.AccountRepository
	mu       sync.Mutex
	failures int
}

func (r *flakyRepository) failNext(n int) {
	r.mu.Lock()
	r.failures = n
	r.mu.Unlock()
}

func (r *flakyRepository) Update(ctx context.Context, account domain.UserAccount) (*domain.UserAccount, error) {
	r.mu.Lock()
	fail := r.failures > 0
	if fail {
		r.failures--
	}
	r.mu.Unlock()
	if fail {
		return nil, stderrors.New("connection reset by peer")
	}
	return r.AccountRepository.Update(ctx, account)
}
