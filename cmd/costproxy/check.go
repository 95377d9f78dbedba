package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/llm-costproxy/internal/app"
)

func newCheckCmd(flags *documentFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and print the route table and prices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if err := app.Check(cfg, cmd.OutOrStdout()); err != nil {
				return fmt.Errorf("check: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		},
	}
}
