package domain

import (
	"context"
	"errors"
	"time"
)

// ErrStaleVersion is returned by AccountRepository.Update when the stored
// version no longer matches the version the caller read.
var ErrStaleVersion = errors.New("account version is stale")

// AccountQuery selects a keyset page of accounts ordered by id.
type AccountQuery struct {
	// Cursor is the last id seen; 0 starts from the head (or the tail when Reverse).
	Cursor  int64
	Reverse bool
	Limit   int
	// Search terms match login or email case-insensitively; any term may match.
	Search []string
	IDs    []int64
	// BoundTo restricts the page to accounts holding an id of this provider.
	BoundTo Provider
	// SyncedBefore, with BoundTo, keeps accounts whose sync time for BoundTo
	// is unset or older than this instant.
	SyncedBefore time.Time
}

// AccountRepository is the durable account store. All lookups on login and
// email are case-insensitive. Uniqueness of login, email and every external
// id is enforced by the store and reported as a conflict error.
type AccountRepository interface {
	FindByID(ctx context.Context, id int64) (*UserAccount, error)
	FindByLogin(ctx context.Context, login string) (*UserAccount, error)
	FindByEmail(ctx context.Context, email string) (*UserAccount, error)
	FindByExternalID(ctx context.Context, provider Provider, externalID string) (*UserAccount, error)
	// Create assigns the id, version and creation time.
	Create(ctx context.Context, account UserAccount) (*UserAccount, error)
	// Update replaces the account if the stored version equals account.Version
	// and returns the new version.
	Update(ctx context.Context, account UserAccount) (*UserAccount, error)
	Find(ctx context.Context, query AccountQuery) ([]UserAccount, error)
}

// TokenStore keeps single-use tokens with per-key expiry.
type TokenStore interface {
	Save(ctx context.Context, token Token) error
	// Take atomically removes and returns the token. A missing or expired
	// token yields a token-not-found error.
	Take(ctx context.Context, kind TokenKind, id string) (*Token, error)
	Count(ctx context.Context, kind TokenKind) (int, error)
}

// SessionStore keeps login sessions with expiry.
type SessionStore interface {
	Create(ctx context.Context, session Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
}

// Presence reports which users currently hold a live session.
type Presence interface {
	Online(ctx context.Context, userIDs []int64) ([]int64, error)
}

// MailKind selects the email template.
type MailKind string

const (
	MailConfirmRegistration MailKind = "CONFIRM_REGISTRATION"
	MailPasswordReset       MailKind = "PASSWORD_RESET"
	MailChangeEmail         MailKind = "CHANGE_EMAIL"
)

// MailVars are the template variables of every mail.
type MailVars struct {
	Link  string
	Login string
}

// Mailer delivers mail. Delivery failures are handled by the implementation.
type Mailer interface {
	Send(ctx context.Context, kind MailKind, to string, vars MailVars)
}

// DirectoryPage is one batch of a directory listing.
type DirectoryPage struct {
	Entries []ExternalIdentity
	Next    string
	Done    bool
}

// DirectorySource is a pull-based external directory.
type DirectorySource interface {
	Provider() Provider
	Page(ctx context.Context, cursor string, batchSize int) (DirectoryPage, error)
}

// SyncCheckpoint is the persisted high-water mark of a directory sync pass.
type SyncCheckpoint struct {
	Provider      Provider  `bson:"_id" json:"provider"`
	Cursor        string    `bson:"cursor" json:"cursor"`
	PassStartedAt time.Time `bson:"pass_started_at" json:"pass_started_at"`
	UpdatedAt     time.Time `bson:"updated_at" json:"updated_at"`
}

type SyncCheckpointStore interface {
	// Load returns the zero checkpoint when none was saved.
	Load(ctx context.Context, provider Provider) (SyncCheckpoint, error)
	Save(ctx context.Context, checkpoint SyncCheckpoint) error
}
