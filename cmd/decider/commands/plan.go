package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/clusterlens/decider/pkg/engine"
	"github.com/clusterlens/decider/pkg/stores"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "plan",
		Aliases: []string{"actionplan"},
		Short:   "Inspect action plans",
		Long: `Inspect the action plans produced by audits.

A new plan starts RECOMMENDED. When a later audit of the same strategy
produces a plan, older recommended plans become SUPERSEDED.`,
	}

	cmd.AddCommand(newPlanListCommand())
	cmd.AddCommand(newPlanShowCommand())
	cmd.AddCommand(newPlanDeleteCommand())

	return cmd
}

func newPlanListCommand() *cobra.Command {
	var (
		audit string
		state string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List action plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *workspace) error {
				filter := stores.PlanFilter{
					State:       engine.ActionPlanState(state),
					ListOptions: stores.ListOptions{Limit: limit, SortDir: stores.SortDesc},
				}
				if filter.State != "" {
					if err := filter.State.Validate(); err != nil {
						return err
					}
				}
				if audit != "" {
					ident, err := engine.ParseRecordIdentifier(audit)
					if err != nil {
						return err
					}
					a, err := ws.store.GetAudit(ctx, ident, stores.GetOptions{})
					if err != nil {
						return err
					}
					filter.AuditID = &a.ID
				}

				plans, err := ws.lifecycle().ListPlans(ctx, filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(plans)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "UUID", "Audit", "Strategy", "State", "Created"})
				for _, p := range plans {
					tw.AppendRow(table.Row{p.ID, p.UUID, p.AuditID, p.StrategyID, p.State, p.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&audit, "audit", "", "filter by audit uuid or id")
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	return cmd
}

func newPlanShowCommand() *cobra.Command {
	var (
		dotFile        string
		includeDeleted bool
	)

	cmd := &cobra.Command{
		Use:   "show <plan>",
		Short: "Show an action plan and its actions",
		Args:  cobra.ExactArgs(1),
		Example: `  # Show a plan and render its dependency graph
  decider plan show 42 --dot plan.dot && dot -Tsvg plan.dot -o plan.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *workspace) error {
				manager := ws.lifecycle()
				plan, err := manager.GetPlan(ctx, args[0], stores.GetOptions{Eager: true, IncludeDeleted: includeDeleted})
				if err != nil {
					return err
				}
				graph, err := manager.Graph(ctx, plan)
				if err != nil {
					return err
				}
				if dotFile != "" {
					if err := os.WriteFile(dotFile, []byte(graph.ToDOT()), 0o644); err != nil {
						return fmt.Errorf("failed to write %s: %w", dotFile, err)
					}
				}

				planID := plan.ID
				actions, err := manager.ListActions(ctx, stores.ActionFilter{
					ActionPlanID: &planID,
					ListOptions:  stores.ListOptions{IncludeDeleted: includeDeleted},
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]interface{}{"action_plan": plan.ActionPlan, "actions": actions, "levels": graph.Levels()})
				}

				fmt.Printf("Action plan %s (%s)\n", plan.UUID, plan.State)
				if plan.Audit != nil {
					fmt.Printf("Audit %s (%s)\n", plan.Audit.UUID, plan.Audit.State)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "UUID", "Type", "State", "Resource", "Parents"})
				for i, a := range actions {
					tw.AppendRow(table.Row{i + 1, a.UUID, a.ActionType, a.State, a.InputParameters["resource_id"], len(a.Parents)})
				}
				tw.Render()
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write the action graph in DOT format to this file")
	cmd.Flags().BoolVar(&includeDeleted, "deleted", false, "include a soft-deleted plan and its actions")

	return cmd
}

func newPlanDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <plan>",
		Short: "Soft-delete an action plan and its actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *workspace) error {
				manager := ws.lifecycle()
				plan, err := manager.GetPlan(ctx, args[0], stores.GetOptions{})
				if err != nil {
					return err
				}
				if err := manager.SoftDeletePlan(ctx, plan); err != nil {
					return err
				}
				fmt.Printf("Action plan %s deleted\n", plan.UUID)
				return nil
			})
		},
	}
}
