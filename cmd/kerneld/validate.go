package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"goa.design/goa-ai/runtime/kernel/config"
)

func newValidateCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse and build a deployment file without starting any kernel",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := config.Load(configPath)
			if err != nil {
				return err
			}
			specs, bridges, err := doc.Build()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d kernel(s), %d bridge(s)\n", configPath, len(specs), len(bridges))
			for _, spec := range specs {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s (namespace=%s, tenant=%s)\n", spec.KernelID, spec.Namespace, spec.TenantID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the deployment YAML file (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}
