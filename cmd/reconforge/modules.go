package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reconforge/reconforge/pkg/modules"
)

func newModulesCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "Inspect the builtin collector modules",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := modules.Builtin()
			for _, name := range reg.Names() {
				info, err := reg.Describe(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-14s %s\n", info.Name, info.Summary)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "describe <name>",
		Short: "Show a module's event types and options",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := modules.Builtin().Describe(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s: %s\n", info.Name, info.Summary)
			fmt.Fprintf(w, "watches:  %v\n", info.Watched)
			fmt.Fprintf(w, "produces: %v\n", info.Produced)
			for _, opt := range info.Options {
				def := opt.Default
				if def == "" {
					def = "-"
				}
				req := ""
				if opt.Required {
					req = " (required)"
				}
				fmt.Fprintf(w, "option:   %s (%s, default %s)%s  %s\n", opt.Name, opt.Type, def, req, opt.Description)
			}
			return nil
		},
	})

	return cmd
}
