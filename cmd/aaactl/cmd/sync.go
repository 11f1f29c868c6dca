package cmd

import (
	"fmt"

	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/spf13/cobra"
)

func newSyncCmd(opts *options) *cobra.Command {
	var batchOnly bool
	syncCmd := &cobra.Command{
		Use:       "sync <ldap|keycloak>",
		Short:     "Run a directory sync pass now",
		Long:      "Runs a full pass from the saved checkpoint to the end of the directory, or one batch with --batch.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(domain.ProviderLDAP), string(domain.ProviderKeycloak)},
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, known := domain.ParseProvider(args[0])
			if !known {
				return fmt.Errorf("unknown provider %q", args[0])
			}
			source, ok := opts.app.Directories[provider]
			if !ok {
				return fmt.Errorf("%s directory is not configured", provider)
			}

			run := opts.app.Sync.RunPass
			if batchOnly {
				run = opts.app.Sync.SyncBatch
			}
			res, err := run(cmd.Context(), source)
			fmt.Fprintf(cmd.OutOrStdout(), "processed=%d created=%d linked=%d conflicts=%d rejected=%d removed=%d complete=%t\n",
				res.Processed, res.Created, res.Linked, res.Conflicts, res.Rejected, res.Removed, res.Complete)
			return err
		},
	}
	syncCmd.Flags().BoolVar(&batchOnly, "batch", false, "process a single batch")
	return syncCmd
}

func newSweepCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one online presence sweep and print the transitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			changes, err := opts.app.Sweep.Run(cmd.Context())
			if err != nil {
				return err
			}
			for _, c := range changes {
				fmt.Fprintf(cmd.OutOrStdout(), "%d online=%t\n", c.UserID, c.Online)
			}
			return nil
		},
	}
}
