package main

import (
	"github.com/spf13/cobra"

	"github.com/reconforge/reconforge/pkg/config"
	"github.com/reconforge/reconforge/pkg/engine"
	"github.com/reconforge/reconforge/pkg/logging"
	"github.com/reconforge/reconforge/pkg/modules"
)

// cliState carries what every subcommand needs after root setup.
type cliState struct {
	cfgPath  string
	logLevel string
	cfg      config.Config
}

func newRootCmd() *cobra.Command {
	st := &cliState{}

	root := &cobra.Command{
		Use:           "reconforge",
		Short:         "Event-driven reconnaissance scanner with cross-scan correlation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if st.cfgPath != "" {
				cfg, err := config.Load(st.cfgPath)
				if err != nil {
					return err
				}
				st.cfg = cfg
			} else {
				st.cfg = config.Default()
			}
			if st.logLevel != "" {
				st.cfg.Log.Level = st.logLevel
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&st.cfgPath, "config", "", "Path to a YAML configuration file")
	root.PersistentFlags().StringVar(&st.logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(newScanCmd(st))
	root.AddCommand(newModulesCmd(st))
	root.AddCommand(newCorrelateCmd(st))
	root.AddCommand(newWorkspaceCmd(st))
	return root
}

// openEngine builds an engine from the resolved config with the
// builtin module set.
func (st *cliState) openEngine() (*engine.Engine, error) {
	return engine.New(st.cfg, engine.Options{
		Registry: modules.Builtin(),
		Logger:   logging.New("reconforge", st.cfg.Log.Level),
	})
}
