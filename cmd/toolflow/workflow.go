package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/rendis/toolflow/internal/diagram"
	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/pkg/schema"
)

func newWorkflowCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Manage workflow definitions",
	}
	cmd.AddCommand(
		newWorkflowImportCmd(c),
		newWorkflowListCmd(c),
		newWorkflowShowCmd(c),
		newWorkflowRunCmd(c),
		newWorkflowGraphCmd(c),
	)
	return cmd
}

// workflowFile is the on-disk shape accepted by "workflow import".
type workflowFile struct {
	schema.WorkflowDefinition
	Enabled *bool `json:"enabled,omitempty"`
}

// parseWorkflowFile decodes a YAML or JSON workflow document. JSON is valid
// YAML, so both go through the same conversion.
func parseWorkflowFile(data []byte) (*workflowFile, error) {
	raw, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	var wf workflowFile
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	return &wf, nil
}

func newWorkflowImportCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Create or replace a workflow from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			file, err := parseWorkflowFile(data)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), c.cfg, os.Stderr, false)
			if err != nil {
				return err
			}
			defer a.close()

			def := file.WorkflowDefinition
			if err := a.validator.ValidateDefinition(&def); err != nil {
				return err
			}

			ctx := cmd.Context()
			_, err = a.store.GetWorkflow(ctx, def.ID)
			switch {
			case err == nil:
				if err := a.store.UpdateWorkflow(ctx, def.ID, store.WorkflowUpdate{Definition: &def, Enabled: file.Enabled}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "updated %s\n", def.ID)
			case schema.ErrorCode(err) == schema.ErrCodeNotFound:
				wf := &store.Workflow{WorkflowDefinition: def, Enabled: file.Enabled == nil || *file.Enabled}
				if err := a.store.CreateWorkflow(ctx, wf); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", def.ID)
			default:
				return err
			}
			return nil
		},
	}
}

func newWorkflowListCmd(c *cli) *cobra.Command {
	var (
		owner string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), c.cfg, os.Stderr, false)
			if err != nil {
				return err
			}
			defer a.close()

			workflows, err := a.store.ListWorkflows(cmd.Context(), store.WorkflowFilter{OwnerID: owner, Limit: limit})
			if err != nil {
				return err
			}
			renderWorkflows(cmd.OutOrStdout(), workflows)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only workflows of this owner")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func renderWorkflows(w io.Writer, workflows []*store.Workflow) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Name", "Owner", "Nodes", "Enabled", "Updated"})
	for _, wf := range workflows {
		t.AppendRow(table.Row{wf.ID, wf.Name, wf.OwnerID, len(wf.Nodes), wf.Enabled, wf.UpdatedAt.Format("2006-01-02 15:04")})
	}
	t.Render()
}

func newWorkflowShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Print a workflow as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), c.cfg, os.Stderr, false)
			if err != nil {
				return err
			}
			defer a.close()

			wf, err := a.store.GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), wf)
		},
	}
}

func newWorkflowRunCmd(c *cli) *cobra.Command {
	var (
		vars        []string
		requestedBy string
	)
	cmd := &cobra.Command{
		Use:   "run ID",
		Short: "Run a workflow now and print the execution record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseVars(vars)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), c.cfg, os.Stderr, false)
			if err != nil {
				return err
			}
			defer a.close()

			rec, err := a.dispatcher.RunManual(cmd.Context(), args[0], parsed, requestedBy)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), rec); err != nil {
				return err
			}
			if rec.Status != schema.ExecutionStatusCompleted {
				return fmt.Errorf("execution %s %s", rec.ID, rec.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "variable as key=value; JSON values are decoded")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "cli", "recorded as the run requester")
	return cmd
}

// parseVars turns key=value pairs into run variables. A value that parses as
// JSON keeps its type; anything else is a string.
func parseVars(pairs []string) (map[string]schema.Value, error) {
	out := make(map[string]schema.Value, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q: want key=value", pair)
		}
		if v, err := schema.ParseJSON([]byte(raw)); err == nil {
			out[key] = v
			continue
		}
		out[key] = schema.String(raw)
	}
	return out, nil
}

func newWorkflowGraphCmd(c *cli) *cobra.Command {
	var (
		format      string
		executionID string
		outFile     string
	)
	cmd := &cobra.Command{
		Use:   "graph ID",
		Short: "Render a workflow as mermaid, ascii, png or svg",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), c.cfg, os.Stderr, false)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			wf, err := a.store.GetWorkflow(ctx, args[0])
			if err != nil {
				return err
			}
			var rec *store.ExecutionRecord
			if executionID != "" {
				if rec, err = a.store.GetExecution(ctx, executionID); err != nil {
					return err
				}
			}

			out, err := renderDiagram(&wf.WorkflowDefinition, rec, format)
			if err != nil {
				return err
			}
			if outFile != "" {
				return os.WriteFile(outFile, out, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "mermaid", "mermaid, ascii, png or svg")
	cmd.Flags().StringVar(&executionID, "execution", "", "overlay node statuses from this execution")
	cmd.Flags().StringVarP(&outFile, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func renderDiagram(def *schema.WorkflowDefinition, rec *store.ExecutionRecord, format string) ([]byte, error) {
	model, err := diagram.Build(def, rec)
	if err != nil {
		return nil, err
	}
	switch format {
	case "mermaid":
		return []byte(diagram.RenderMermaid(model)), nil
	case "ascii":
		return []byte(diagram.RenderASCII(model)), nil
	case "png":
		return diagram.RenderImage(model)
	case "svg":
		return diagram.RenderSVG(model)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
