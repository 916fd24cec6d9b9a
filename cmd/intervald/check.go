package main

import (
	"github.com/spf13/cobra"

	"intervalpool/internal/config"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(cfgPath).Parse()
			if err != nil {
				return err
			}
			paused := 0
			for _, t := range cfg.Timers {
				if t.Paused {
					paused++
				}
			}
			facility := cfg.Facility
			if facility == "" {
				facility = "ticker"
			}
			cmd.Printf("%s: ok (%d timers, %d paused, facility %s)\n", cfgPath, len(cfg.Timers), paused, facility)
			return nil
		},
	}
}
