package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/pilab-dev/shadow-aaa/config"
	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/internal/server"
	"github.com/pilab-dev/shadow-aaa/services"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs aaactl against fresh in-memory stores seeded by seed.
func execute(t *testing.T, seed func(*server.App), args ...string) (string, error) {
	t.Helper()
	opts := &options{
		build: func(cmd *cobra.Command, cfg *config.ServerConfig) (*server.App, error) {
			cfg.BcryptCost = 4
			app, err := server.Build(cmd.Context(), cfg)
			if err == nil && seed != nil {
				seed(app)
			}
			return app, err
		},
	}
	root := newRootCmd(opts)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func seedAccounts(t *testing.T) func(*server.App) {
	return func(app *server.App) {
		for _, login := range []string{"alicia", "bobbie"} {
			_, err := app.Registry.Create(context.Background(), services.AccountDraft{
				Login: login, Email: login + "@x.com", PasswordHash: "x", Enabled: true,
			})
			require.NoError(t, err)
		}
	}
}

func TestUserGet(t *testing.T) {
	out, err := execute(t, seedAccounts(t), "user", "get", "bobbie")
	require.NoError(t, err)

	var view services.AccountView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "bobbie", view.Login)
	assert.Equal(t, "bobbie@x.com", view.Email)

	out, err = execute(t, seedAccounts(t), "user", "get", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `"login": "alicia"`)

	_, err = execute(t, seedAccounts(t), "user", "get", "nobody")
	assert.Error(t, err)
}

func TestUserList(t *testing.T) {
	out, err := execute(t, seedAccounts(t), "user", "list", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "alicia")
	assert.NotContains(t, out, "bobbie")
	assert.Contains(t, out, "more: --after 1")
}

func TestUserLockAndRoles(t *testing.T) {
	out, err := execute(t, seedAccounts(t), "user", "lock", "alicia")
	require.NoError(t, err)
	assert.Equal(t, "alicia locked=true\n", out)

	out, err = execute(t, seedAccounts(t), "user", "roles", "bobbie", string(domain.RoleModerator))
	require.NoError(t, err)
	assert.Contains(t, out, "ROLE_MODERATOR")
	assert.Contains(t, out, "ROLE_USER")

	_, err = execute(t, seedAccounts(t), "user", "roles", "bobbie", "ROLE_ROOT")
	assert.ErrorContains(t, err, "unknown role")
}

func TestSyncRequiresConfiguredDirectory(t *testing.T) {
	_, err := execute(t, nil, "sync", "ldap")
	assert.ErrorContains(t, err, "not configured")

	_, err = execute(t, nil, "sync", "github")
	assert.ErrorContains(t, err, "unknown provider")
}

func TestSweep(t *testing.T) {
	out, err := execute(t, seedAccounts(t), "sweep")
	require.NoError(t, err)
	assert.Empty(t, out)
}
