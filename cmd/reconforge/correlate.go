package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newCorrelateCmd(st *cliState) *cobra.Command {
	var (
		asJSON  bool
		ruleIDs []string
	)

	cmd := &cobra.Command{
		Use:   "correlate [scan-id...]",
		Short: "Run correlation rules over stored scans",
		Long: `Run the builtin correlation rules, plus any rules from the configured
rule directory, over the named scans. With no arguments every scan in
the store is correlated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := st.openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			findings, err := eng.Correlate(cmd.Context(), args, ruleIDs)
			if err != nil {
				return err
			}

			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(findings)
			}
			w := cmd.OutOrStdout()
			if len(findings) == 0 {
				fmt.Fprintln(w, "no findings")
				return nil
			}
			for _, f := range findings {
				fmt.Fprintf(w, "[%s] %s: %s\n", strings.ToUpper(string(f.Risk)), f.RuleID, f.Name)
				if len(f.GroupKey) > 0 {
					fmt.Fprintf(w, "        value: %s\n", strings.Join(f.GroupKey, " / "))
				}
				fmt.Fprintf(w, "        scans: %s\n", strings.Join(f.ScanIDs, ", "))
				fmt.Fprintf(w, "        events: %d, confidence: %d\n", len(f.Events), f.Confidence)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit findings as JSON")
	cmd.Flags().StringSliceVar(&ruleIDs, "rule", nil, "Run only the named rules")
	return cmd
}
