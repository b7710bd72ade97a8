package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the harness CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harness",
		Short: "Harness - a plugin lifecycle host",
		Long: `Harness loads configured plugins, resolves their dependencies and
drives every instance through init, start, stop and deinit.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/harness/config.yaml)")

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewPluginsCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewStopCmd())

	return cmd
}
