package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reconforge/reconforge/pkg/event"
	"github.com/reconforge/reconforge/pkg/logging"
	"github.com/reconforge/reconforge/pkg/workspace"
)

func newWorkspaceCmd(st *cliState) *cobra.Command {
	var (
		name       string
		targetType string
		selection  []string
		parallel   int
		savePath   string
	)

	run := &cobra.Command{
		Use:   "run <target>...",
		Short: "Scan a set of targets and correlate the results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets := make([]event.Target, len(args))
			for i, v := range args {
				targets[i] = event.Target{Value: v, Type: event.Type(targetType)}
			}
			ws, err := workspace.New(name, targets)
			if err != nil {
				return err
			}

			eng, err := st.openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			orch := workspace.NewOrchestrator(eng, parallel, logging.New("reconforge", st.cfg.Log.Level))
			statuses, err := orch.Run(cmd.Context(), ws, selection)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for i, status := range statuses {
				fmt.Fprintf(w, "%-20s %-12s %d events\n", ws.Targets[i].Value, status.StateString(), status.TotalEvents)
			}

			findings, err := orch.Correlate(cmd.Context(), ws)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%d correlation findings\n", len(findings))

			if savePath != "" {
				if err := ws.Save(savePath); err != nil {
					return err
				}
				fmt.Fprintln(w, "workspace saved to", savePath)
			}
			return nil
		},
	}

	run.Flags().StringVar(&name, "name", "default", "Workspace name")
	run.Flags().StringVar(&targetType, "type", string(event.TypeDomainName), "Target event type")
	run.Flags().StringSliceVar(&selection, "module", nil, "Restrict to the named modules")
	run.Flags().IntVar(&parallel, "parallel", 2, "Concurrent scans")
	run.Flags().StringVar(&savePath, "save", "", "Write the workspace document to this path")

	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Multi-target scanning",
	}
	cmd.AddCommand(run)
	return cmd
}
