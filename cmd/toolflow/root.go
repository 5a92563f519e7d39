package main

import "github.com/spf13/cobra"

// cli carries state shared by every subcommand once flags are parsed.
type cli struct {
	configFile string
	cfg        Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	v := newViper()

	root := &cobra.Command{
		Use:   "toolflow",
		Short: "Run DAGs of tool calls on cron, webhook and manual triggers",
		Long: `toolflow stores workflow definitions (tool invocations wired as a DAG),
runs them when a cron schedule fires, a signed webhook arrives or an
operator asks, and keeps a full execution record of every run.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, c.configFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (default ~/.toolflow/settings.yaml)")
	flags.String("db-path", "", "database path, or :memory: for the in-memory store")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	_ = v.BindPFlag("db_path", flags.Lookup("db-path"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))

	root.AddCommand(
		newServeCmd(c, v),
		newMCPCmd(c),
		newWorkflowCmd(c),
		newExecutionsCmd(c),
		newCronCmd(c),
		newVersionCmd(),
	)
	return root
}
