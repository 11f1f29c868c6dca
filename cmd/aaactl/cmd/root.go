// Package cmd implements aaactl, the operator tool. Commands work directly
// on the configured account and session stores.
package cmd

import (
	"encoding/json"
	"io"

	"github.com/pilab-dev/shadow-aaa/config"
	"github.com/pilab-dev/shadow-aaa/internal/server"
	"github.com/pilab-dev/shadow-aaa/log"
	"github.com/spf13/cobra"
)

const AppName = "aaactl"

type options struct {
	configFile string
	verbose    bool
	app        *server.App
	// build is replaced in tests.
	build func(cmd *cobra.Command, cfg *config.ServerConfig) (*server.App, error)
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&options{
		build: func(cmd *cobra.Command, cfg *config.ServerConfig) (*server.App, error) {
			return server.Build(cmd.Context(), cfg)
		},
	})
}

func newRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:           AppName,
		Short:         "aaactl manages shadow-aaa accounts and directory sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(opts.configFile)
			if err != nil {
				return err
			}
			level := "warn"
			if opts.verbose {
				level = "debug"
			}
			log.Setup(level, true)
			opts.app, err = opts.build(cmd, cfg)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if opts.app != nil {
				opts.app.Close(cmd.Context())
			}
		},
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default is $HOME/.shadow-aaa/config.yaml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output")

	root.AddCommand(newUserCmd(opts), newSyncCmd(opts), newSweepCmd(opts))
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
