package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fidde/cardinality_sketch/internal/config"
)

func configCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective sketchd configuration as YAML",
		Long: `Print the effective sketchd configuration: defaults, overlaid with the
config file and SKETCHD_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(path)
			if err != nil {
				return err
			}
			out, err := config.Render(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "config", "c", "", "path to sketchd.yaml")
	return cmd
}
