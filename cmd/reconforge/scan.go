package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reconforge/reconforge/pkg/event"
	"github.com/reconforge/reconforge/pkg/store"
)

func newScanCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run and inspect scans",
	}
	cmd.AddCommand(newScanRunCmd(st))
	cmd.AddCommand(newScanStatusCmd(st))
	cmd.AddCommand(newScanEventsCmd(st))
	cmd.AddCommand(newScanListCmd(st))
	cmd.AddCommand(newScanFPCmd(st))
	return cmd
}

func newScanRunCmd(st *cliState) *cobra.Command {
	var (
		targetType string
		selection  []string
		optionKVs  []string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "run <target>",
		Short: "Scan a target and wait for completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := st.openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			opts, err := parseModuleOptions(optionKVs)
			if err != nil {
				return err
			}

			target := event.Target{Value: args[0], Type: event.Type(targetType)}
			id, err := eng.CreateScan(target, selection, opts)
			if err != nil {
				return err
			}

			// Ctrl-C aborts the scan cooperatively instead of killing
			// the process mid-write.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := eng.StartScan(ctx, id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "scan", id, "started")

			status, err := eng.WaitScan(ctx, id)
			if err != nil {
				return err
			}
			return printStatus(cmd, status, asJSON)
		},
	}

	cmd.Flags().StringVar(&targetType, "type", string(event.TypeDomainName), "Target event type")
	cmd.Flags().StringSliceVar(&selection, "module", nil, "Restrict to the named modules")
	cmd.Flags().StringArrayVar(&optionKVs, "option", nil, "Module option as module.key=value (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the final status as JSON")
	return cmd
}

func newScanStatusCmd(st *cliState) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <scan-id>",
		Short: "Show a scan's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := st.openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			status, err := eng.ScanStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printStatus(cmd, status, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the status as JSON")
	return cmd
}

func newScanEventsCmd(st *cliState) *cobra.Command {
	var (
		types     []string
		mods      []string
		minRisk   int
		includeFP bool
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "events <scan-id>",
		Short: "List a scan's events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := st.openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			f := store.Filter{
				Modules:               mods,
				MinRisk:               minRisk,
				IncludeFalsePositives: includeFP,
			}
			for _, t := range types {
				f.Types = append(f.Types, event.Type(t))
			}

			evs, err := eng.Events(cmd.Context(), args[0], f)
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(evs)
			}
			for _, ev := range evs {
				origin := ev.Module
				if origin == "" {
					origin = "(root)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%4d  %-24s %-14s %s\n", ev.ID, ev.Type, origin, ev.Data)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&types, "type", nil, "Restrict to the given event types")
	cmd.Flags().StringSliceVar(&mods, "module", nil, "Restrict to events from the given modules")
	cmd.Flags().IntVar(&minRisk, "min-risk", 0, "Drop events below this risk")
	cmd.Flags().BoolVar(&includeFP, "include-fp", false, "Include events moderated as false positives")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit events as JSON")
	return cmd
}

func newScanListCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scans in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := st.openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			ids, err := eng.ScanIDs(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				status, err := eng.ScanStatus(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s %-12s %d events\n",
					id, status.Target.Value, status.StateString(), status.TotalEvents)
			}
			return nil
		},
	}
}

func newScanFPCmd(st *cliState) *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "fp <scan-id> <event-id>",
		Short: "Mark an event as a false positive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("event id %q is not a number", args[1])
			}

			eng, err := st.openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			return eng.MarkFalsePositive(cmd.Context(), args[0], eventID, !clear)
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "Clear the flag instead of setting it")
	return cmd
}

func printStatus(cmd *cobra.Command, st store.Status, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(st)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "scan:     %s\n", st.ID)
	fmt.Fprintf(w, "target:   %s (%s)\n", st.Target.Value, st.Target.Type)
	fmt.Fprintf(w, "state:    %s\n", st.StateString())
	fmt.Fprintf(w, "events:   %d\n", st.TotalEvents)
	fmt.Fprintf(w, "modules:  %s\n", strings.Join(st.Modules, ", "))
	if len(st.Degraded) > 0 {
		fmt.Fprintf(w, "degraded: %s\n", strings.Join(st.Degraded, ", "))
	}
	for _, warning := range st.Warnings {
		fmt.Fprintf(w, "warning:  %s\n", warning)
	}
	return nil
}

// parseModuleOptions turns repeated module.key=value flags into the
// per-module option maps the engine expects.
func parseModuleOptions(kvs []string) (map[string]map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]map[string]string)
	for _, kv := range kvs {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			return nil, fmt.Errorf("option %q: want module.key=value", kv)
		}
		dot := strings.IndexByte(kv[:eq], '.')
		if dot <= 0 {
			return nil, fmt.Errorf("option %q: want module.key=value", kv)
		}
		mod, key, val := kv[:dot], kv[dot+1:eq], kv[eq+1:]
		if out[mod] == nil {
			out[mod] = make(map[string]string)
		}
		out[mod][key] = val
	}
	return out, nil
}
