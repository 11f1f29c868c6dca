package domain

import "time"

// TokenKind distinguishes the single-use token flavors.
type TokenKind string

const (
	TokenConfirmation  TokenKind = "confirmation"
	TokenPasswordReset TokenKind = "password_reset"
	TokenChangeEmail   TokenKind = "change_email"
)

// Token is a time-limited, single-use token. Payload carries flow data such
// as the pending email of a change-email request.
type Token struct {
	ID            string        `json:"id"`
	Kind          TokenKind     `json:"kind"`
	SubjectUserID int64         `json:"subject_user_id"`
	Payload       string        `json:"payload,omitempty"`
	TTL           time.Duration `json:"ttl"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// Remaining is the lifetime left at now, never negative.
func (t Token) Remaining(now time.Time) time.Duration {
	if d := t.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
