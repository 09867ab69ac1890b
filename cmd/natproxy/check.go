package main

import (
	"github.com/spf13/cobra"

	"github.com/pshima/natproxy/internal/config"
)

func newCheckConfigCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a configuration file and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, config.CLIOptions{})
			if err != nil {
				return err
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to YAML configuration file")
	return cmd
}
