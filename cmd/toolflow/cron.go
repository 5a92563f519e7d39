package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newCronCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect and drive cron schedules",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "Run every due cron job once and print the outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.cfg, os.Stderr, false)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.scanner.Scan(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	})
	return cmd
}
