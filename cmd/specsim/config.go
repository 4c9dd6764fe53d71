package main

import (
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/sarchlab/specsim/timing/sim"
)

func newConfigCmd() *cobra.Command {
	var cores int

	configCmd := &cobra.Command{
		Use:   "config [path]",
		Short: "Write the default configuration (YAML to stdout if no path)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config := sim.DefaultConfig()
			if cores > 0 {
				config.Cores = cores
			}
			if err := config.Validate(); err != nil {
				return err
			}

			if len(args) == 1 {
				return config.SaveConfig(args[0])
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(config); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	configCmd.Flags().IntVar(&cores, "cores", 0, "Number of cores")
	return configCmd
}
