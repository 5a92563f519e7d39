package main

import (
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/pkg/schema"
)

func newExecutionsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "executions",
		Aliases: []string{"exec"},
		Short:   "Inspect execution records",
	}
	cmd.AddCommand(newExecutionsListCmd(c), newExecutionsShowCmd(c))
	return cmd
}

func newExecutionsListCmd(c *cli) *cobra.Command {
	var (
		workflowID string
		status     string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.cfg, os.Stderr, false)
			if err != nil {
				return err
			}
			defer a.close()

			filter := store.ExecutionFilter{WorkflowID: workflowID, Limit: limit}
			if status != "" {
				s := schema.ExecutionStatus(status)
				filter.Status = &s
			}
			execs, err := a.store.ListExecutions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			renderExecutions(cmd.OutOrStdout(), execs)
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "only executions of this workflow")
	cmd.Flags().StringVar(&status, "status", "", "pending, running, completed or failed")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func renderExecutions(w io.Writer, execs []*store.ExecutionRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Workflow", "Trigger", "Status", "Started", "Duration", "Error"})
	for _, rec := range execs {
		duration := ""
		if rec.CompletedAt != nil {
			duration = rec.CompletedAt.Sub(rec.StartedAt).String()
		}
		errMsg := ""
		if rec.Error != nil {
			errMsg = rec.Error.Message
		}
		t.AppendRow(table.Row{
			rec.ID, rec.WorkflowID, rec.TriggeredBy, rec.Status,
			rec.StartedAt.Format("2006-01-02 15:04:05"), duration, errMsg,
		})
	}
	t.Render()
}

func newExecutionsShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Print an execution record with its node results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), c.cfg, os.Stderr, false)
			if err != nil {
				return err
			}
			defer a.close()

			rec, err := a.store.GetExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}
