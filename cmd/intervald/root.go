package main

import (
	"github.com/spf13/cobra"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "./intervald.yaml"

var cfgPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "intervald",
		Short:         "Run named recurring timers from a config file",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "path to config file (yaml or json)")

	root.AddCommand(newRunCmd(), newCheckCmd(), newVersionCmd())
	return root
}

// Execute runs the root command against os.Args.
func Execute() error {
	return newRootCmd().Execute()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("intervald version %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
