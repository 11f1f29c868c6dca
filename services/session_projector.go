package services

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/errors"
	"github.com/rs/zerolog/log"
)

// Gateway header names.
const (
	HeaderUsername  = "X-Auth-Username"
	HeaderUserID    = "X-Auth-UserId"
	HeaderRole      = "X-Auth-Role"
	HeaderExpiresIn = "X-Auth-ExpiresIn"
	HeaderSessionID = "X-Auth-SessionId"
)

// GatewayHeaders lists every header the projector may set, so a gateway can
// strip client-supplied copies.
var GatewayHeaders = []string{HeaderUsername, HeaderUserID, HeaderRole, HeaderExpiresIn, HeaderSessionID}

// Claims is the identity the gateway forwards to upstream services.
type Claims struct {
	Username         string
	UserID           int64
	Roles            []domain.Role
	SessionExpiresAt time.Time
	SessionID        string
}

// Headers renders the claims as gateway headers.
func (c Claims) Headers() http.Header {
	roles := make([]string, len(c.Roles))
	for i, r := range c.Roles {
		roles[i] = string(r)
	}
	h := make(http.Header, len(GatewayHeaders))
	h.Set(HeaderUsername, c.Username)
	h.Set(HeaderUserID, strconv.FormatInt(c.UserID, 10))
	h.Set(HeaderRole, strings.Join(roles, ","))
	h.Set(HeaderExpiresIn, strconv.FormatInt(c.SessionExpiresAt.UnixMilli(), 10))
	h.Set(HeaderSessionID, c.SessionID)
	return h
}

// AccountView is the outward representation of an account as seen by a viewer.
type AccountView struct {
	ID                int64         `json:"id"`
	Login             string        `json:"login"`
	Email             string        `json:"email,omitempty"`
	Avatar            string        `json:"avatar,omitempty"`
	Roles             []domain.Role `json:"roles"`
	Locked            bool          `json:"locked"`
	Online            bool          `json:"online"`
	LastSeenTime      *time.Time    `json:"lastSeenTime,omitempty"`
	CanLock           bool          `json:"canLock"`
	CanDelete         bool          `json:"canDelete"`
	CanChangeRole     bool          `json:"canChangeRole"`
	CanRemoveSessions bool          `json:"canRemoveSessions"`
}

// SessionProjector derives gateway claims and account views from sessions.
type SessionProjector struct {
	sessions domain.SessionStore
	accounts domain.AccountRepository
	presence domain.Presence
}

func NewSessionProjector(sessions domain.SessionStore, accounts domain.AccountRepository, presence domain.Presence) *SessionProjector {
	return &SessionProjector{sessions: sessions, accounts: accounts, presence: presence}
}

// ProjectClaims returns nil claims when the session is unknown or the account
// is gone or unusable. Claims are read from the current account so role and
// lock changes take effect on the next request.
func (p *SessionProjector) ProjectClaims(ctx context.Context, sessionID string) (*Claims, error) {
	if sessionID == "" {
		return nil, nil
	}
	session, err := p.sessions.Get(ctx, sessionID)
	if errors.IsKind(err, errors.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	acc, err := p.accounts.FindByID(ctx, session.UserID)
	if errors.IsKind(err, errors.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !acc.IsActive() {
		log.Debug().Int64("user_id", acc.ID).Msg("Session of an inactive account ignored")
		return nil, nil
	}
	return &Claims{
		Username:         acc.Login,
		UserID:           acc.ID,
		Roles:            acc.Roles,
		SessionExpiresAt: session.ExpiresAt,
		SessionID:        session.ID,
	}, nil
}

// ProjectAccount builds the view of acc for viewer. viewer may be nil for
// anonymous requests.
func ProjectAccount(viewer *domain.UserAccount, acc domain.UserAccount, online bool) AccountView {
	v := AccountView{
		ID:           acc.ID,
		Login:        acc.Login,
		Avatar:       acc.Avatar,
		Roles:        acc.Roles,
		Locked:       acc.Locked,
		Online:       online,
		LastSeenTime: acc.LastSeenTime,
	}
	if viewer == nil {
		return v
	}
	self := viewer.ID == acc.ID
	admin := viewer.HasRole(domain.RoleAdmin)
	if self || admin {
		v.Email = acc.Email
	}
	v.CanLock = admin && !self
	v.CanDelete = self || admin
	v.CanChangeRole = admin && !self
	v.CanRemoveSessions = self || admin
	return v
}

// ListOnline returns the subset of userIDs holding a live session.
func (p *SessionProjector) ListOnline(ctx context.Context, userIDs []int64) ([]int64, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	return p.presence.Online(ctx, userIDs)
}
