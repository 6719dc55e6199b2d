package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/clusterlens/decider/pkg/audittemplate"
	"github.com/clusterlens/decider/pkg/catalog"
	"github.com/clusterlens/decider/pkg/stores"
)

func newTemplateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "template",
		Aliases: []string{"audittemplate"},
		Short:   "Manage audit templates",
		Long: `Manage audit templates.

A template names a goal, optionally a strategy, and a scope document that
limits the part of the cluster an audit looks at. Templates are addressed by
uuid, numeric id or name.`,
	}

	cmd.AddCommand(newTemplateCreateCommand())
	cmd.AddCommand(newTemplateListCommand())
	cmd.AddCommand(newTemplateShowCommand())
	cmd.AddCommand(newTemplatePatchCommand())
	cmd.AddCommand(newTemplateDeleteCommand())
	cmd.AddCommand(newTemplateCatalogCommand())

	return cmd
}

// readDocument returns raw JSON given inline or, with a leading @, from a file.
func readDocument(arg string) (json.RawMessage, error) {
	if arg == "" {
		return nil, nil
	}
	data := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		var err error
		if data, err = os.ReadFile(arg[1:]); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", arg[1:], err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("document is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func newTemplateCreateCommand() *cobra.Command {
	var (
		in        audittemplate.CreateInput
		scopeFlag string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an audit template",
		Args:  cobra.ExactArgs(1),
		Example: `  # Consolidate the hosts of one aggregate
  decider template create consolidate-agg1 --goal server_consolidation \
    --scope '[{"compute":[{"host_aggregates":[{"name":"agg1"}]}]}]'

  # Read the scope from a file and pin the strategy
  decider template create nightly --goal server_consolidation \
    --strategy basic_consolidation --scope @scope.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Name = args[0]
			scopeDoc, err := readDocument(scopeFlag)
			if err != nil {
				return err
			}
			in.Scope = scopeDoc

			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *workspace) error {
				v, err := ws.templates().Create(ctx, &in)
				if err != nil {
					return err
				}
				return printTemplate(v)
			})
		},
	}

	cmd.Flags().StringVar(&in.Goal, "goal", "", "goal name or uuid")
	cmd.Flags().StringVar(&in.Strategy, "strategy", "", "strategy name or uuid (defaults to the goal's first strategy)")
	cmd.Flags().StringVar(&in.Description, "description", "", "free-form description")
	cmd.Flags().StringVar(&scopeFlag, "scope", "", "scope document as JSON, or @file")
	_ = cmd.MarkFlagRequired("goal")

	return cmd
}

func newTemplateListCommand() *cobra.Command {
	var (
		in      audittemplate.ListInput
		sortDir string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit templates",
		Example: `  # Templates of one goal, newest first
  decider template list --goal server_consolidation --sort-key created_at --sort-dir desc`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in.SortDir = stores.SortDir(sortDir)
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *workspace) error {
				views, err := ws.templates().List(ctx, in)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(views)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "UUID", "Name", "Goal", "Strategy", "Deleted"})
				for _, v := range views {
					strategy := ""
					if v.Strategy != nil {
						strategy = v.Strategy.Name
					}
					tw.AppendRow(table.Row{v.ID, v.UUID, v.Name, v.Goal.Name, strategy, v.DeletedAt != nil})
				}
				tw.Render()
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&in.Goal, "goal", "", "filter by goal name or uuid")
	cmd.Flags().StringVar(&in.Strategy, "strategy", "", "filter by strategy name or uuid")
	cmd.Flags().StringVar(&in.SortKey, "sort-key", "", "sort column (default id)")
	cmd.Flags().StringVar(&sortDir, "sort-dir", "", "sort direction: asc or desc")
	cmd.Flags().IntVar(&in.Limit, "limit", 0, "maximum rows")
	cmd.Flags().IntVar(&in.Offset, "offset", 0, "rows to skip")
	cmd.Flags().BoolVar(&in.IncludeDeleted, "deleted", false, "include deleted templates")

	return cmd
}

func newTemplateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <template>",
		Short: "Show an audit template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *workspace) error {
				v, err := ws.templates().Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printTemplate(v)
			})
		},
	}
}

func newTemplatePatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch <template> <json-patch>",
		Short: "Apply a JSON-Patch to an audit template",
		Long: `Apply JSON-Patch operations to an audit template.

Supported paths are /name, /description, /goal, /strategy and /scope with the
add, replace and remove operations. The goal cannot be removed.`,
		Args: cobra.ExactArgs(2),
		Example: `  # Switch strategy and narrow the scope
  decider template patch nightly '[
    {"op":"replace","path":"/strategy","value":"basic_consolidation"},
    {"op":"replace","path":"/scope","value":[{"compute":[{"host_aggregates":[{"name":"agg2"}]}]}]}
  ]'

  # Patch from a file
  decider template patch nightly @patch.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[1])
			if err != nil {
				return err
			}
			var ops []audittemplate.PatchOp
			if err := json.Unmarshal(doc, &ops); err != nil {
				return fmt.Errorf("patch must be a JSON array of operations: %w", err)
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *workspace) error {
				v, err := ws.templates().Patch(ctx, args[0], ops)
				if err != nil {
					return err
				}
				return printTemplate(v)
			})
		},
	}
	return cmd
}

func newTemplateDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <template>",
		Short: "Delete an audit template",
		Long: `Soft-delete an audit template. Audits created from it keep their
reference; the template is hidden from default listings.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *workspace) error {
				if err := ws.templates().SoftDelete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Audit template %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func printTemplate(v *audittemplate.View) error {
	if jsonOutput {
		return printJSON(v)
	}
	strategy := "(goal default)"
	if v.Strategy != nil {
		strategy = v.Strategy.Name
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"ID", v.ID},
		{"UUID", v.UUID},
		{"Name", v.Name},
		{"Description", v.Description},
		{"Goal", v.Goal.Name},
		{"Strategy", strategy},
		{"Scope", string(v.Scope)},
		{"Created", v.CreatedAt.Format("2006-01-02 15:04:05")},
	})
	tw.Render()
	return nil
}

func newTemplateCatalogCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the goals and strategies templates can reference",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *workspace) error {
				snap := ws.catalog.Snapshot()
				if jsonOutput {
					return printJSON(map[string]interface{}{"goals": snap.Goals(), "strategies": snap.Strategies()})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Goal", "Strategy", "Strategy UUID"})
				tw.AppendRows(catalogRows(snap))
				tw.Render()
				return nil
			})
		},
	}
}

// catalogRows renders the goals and strategies a template may reference.
func catalogRows(snap *catalog.Snapshot) []table.Row {
	var rows []table.Row
	for _, g := range snap.Goals() {
		for _, s := range snap.StrategiesFor(g) {
			rows = append(rows, table.Row{g.Name, s.Name, s.UUID})
		}
		if len(snap.StrategiesFor(g)) == 0 {
			rows = append(rows, table.Row{g.Name, "", ""})
		}
	}
	return rows
}
