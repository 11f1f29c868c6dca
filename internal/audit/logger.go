package audit

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Event represents an audit log event.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	UserID    int64     `json:"user_id,omitempty"`
	Target    string    `json:"target,omitempty"`
	Details   string    `json:"details,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// Audit actions
const (
	ActionRegister         = "account.register"
	ActionConfirm          = "account.confirm"
	ActionPasswordReset    = "account.password_reset"
	ActionEmailChange      = "account.email_change"
	ActionLink             = "identity.link"
	ActionUnlink           = "identity.unlink"
	ActionLogin            = "session.login"
	ActionLogout           = "session.logout"
	ActionLock             = "account.lock"
	ActionRoleChange       = "account.roles"
	ActionDirectoryRemoval = "directory.removed"
	ActionResolverConflict = "identity.merge_conflict"
)

var auditLogger = zerolog.New(os.Stdout).With().Str("stream", "audit").Logger()

// SetOutput replaces the audit logger. Used by tests and by cmd/ to route
// audit records.
func SetOutput(l zerolog.Logger) {
	auditLogger = l
}

// Log records an audit event. Secrets must never be passed in details.
func Log(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	ev := auditLogger.Log().
		Time("timestamp", e.Timestamp).
		Str("action", e.Action).
		Bool("success", e.Success)
	if e.UserID != 0 {
		ev = ev.Str("user_id", strconv.FormatInt(e.UserID, 10))
	}
	if e.Target != "" {
		ev = ev.Str("target", e.Target)
	}
	if e.Details != "" {
		ev = ev.Str("details", e.Details)
	}
	if e.Error != "" {
		ev = ev.Str("error", e.Error)
	}
	ev.Msg("audit")
}

// Record is a shortcut for Log with an optional error.
func Record(action string, userID int64, target string, err error) {
	e := Event{Action: action, UserID: userID, Target: target, Success: err == nil}
	if err != nil {
		e.Error = err.Error()
	}
	Log(e)
}
