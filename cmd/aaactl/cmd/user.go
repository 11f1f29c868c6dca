package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/internal/audit"
	"github.com/pilab-dev/shadow-aaa/services"
	"github.com/spf13/cobra"
)

// operator is the actor recorded in the audit log for aaactl changes.
const operator = 0

// operatorView is the view of an account as seen by an administrator.
var operatorView = &domain.UserAccount{Roles: []domain.Role{domain.RoleAdmin}}

func newUserCmd(opts *options) *cobra.Command {
	userCmd := &cobra.Command{
		Use:     "user",
		Short:   "Inspect and manage accounts",
		Aliases: []string{"users"},
	}

	getCmd := &cobra.Command{
		Use:   "get <id|login>",
		Short: "Show one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acc, err := lookup(cmd.Context(), opts.app.Registry, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), services.ProjectAccount(operatorView, *acc, false))
		},
	}

	var search string
	var limit int
	var after int64
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts ordered by id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			page, err := opts.app.Registry.SearchPage(cmd.Context(), services.SearchQuery{
				AfterID: after,
				Limit:   limit,
				Search:  search,
			})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLOGIN\tEMAIL\tROLES\tLOCKED\tENABLED")
			for _, acc := range page.Accounts {
				fmt.Fprintf(w, "%d\t%s\t%s\t%v\t%t\t%t\n", acc.ID, acc.Login, acc.Email, acc.Roles, acc.Locked, acc.Enabled)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if page.HasMore {
				fmt.Fprintf(cmd.OutOrStdout(), "more: --after %d\n", page.NextCursor)
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&search, "search", "", "filter by login or email")
	listCmd.Flags().IntVar(&limit, "limit", 20, "page size")
	listCmd.Flags().Int64Var(&after, "after", 0, "list accounts after this id")

	var unlock bool
	lockCmd := &cobra.Command{
		Use:   "lock <id|login>",
		Short: "Lock an account, or unlock it with --unlock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acc, err := lookup(cmd.Context(), opts.app.Registry, args[0])
			if err != nil {
				return err
			}
			acc, err = opts.app.Registry.SetLocked(cmd.Context(), acc.ID, !unlock)
			audit.Record(audit.ActionLock, operator, args[0], err)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s locked=%t\n", acc.Login, acc.Locked)
			return nil
		},
	}
	lockCmd.Flags().BoolVar(&unlock, "unlock", false, "unlock instead of lock")

	rolesCmd := &cobra.Command{
		Use:   "roles <id|login> ROLE...",
		Short: "Replace the roles of an account; ROLE_USER is always kept",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roles := make([]domain.Role, 0, len(args)-1)
			for _, r := range args[1:] {
				role, known := domain.ParseRole(r)
				if !known {
					return fmt.Errorf("unknown role %q", r)
				}
				roles = append(roles, role)
			}
			acc, err := lookup(cmd.Context(), opts.app.Registry, args[0])
			if err != nil {
				return err
			}
			acc, err = opts.app.Registry.SetRoles(cmd.Context(), acc.ID, roles)
			audit.Record(audit.ActionRoleChange, operator, args[0], err)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s roles=%v\n", acc.Login, acc.Roles)
			return nil
		},
	}

	userCmd.AddCommand(getCmd, listCmd, lockCmd, rolesCmd)
	return userCmd
}

// lookup resolves a numeric id or a login.
func lookup(ctx context.Context, registry *services.IdentityRegistry, ref string) (*domain.UserAccount, error) {
	if ref == "" {
		return nil, errors.New("account reference is empty")
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		acc, err := registry.FindByID(ctx, id)
		if err == nil {
			return acc, nil
		}
	}
	return registry.FindByLogin(ctx, ref)
}
