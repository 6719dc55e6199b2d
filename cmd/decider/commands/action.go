package commands

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/clusterlens/decider/pkg/engine"
	"github.com/clusterlens/decider/pkg/stores"
)

func newActionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Inspect actions",
	}

	cmd.AddCommand(newActionListCommand())
	cmd.AddCommand(newActionShowCommand())

	return cmd
}

func newActionListCommand() *cobra.Command {
	var (
		plan       string
		actionType string
		state      string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		Example: `  # Pending migrations of one plan
  decider action list --plan 42 --type migrate --state PENDING`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *workspace) error {
				manager := ws.lifecycle()
				filter := stores.ActionFilter{
					ActionType:  actionType,
					State:       engine.ActionState(state),
					ListOptions: stores.ListOptions{Limit: limit},
				}
				if filter.State != "" {
					if err := filter.State.Validate(); err != nil {
						return err
					}
				}
				if plan != "" {
					p, err := manager.GetPlan(ctx, plan, stores.GetOptions{})
					if err != nil {
						return err
					}
					filter.ActionPlanID = &p.ID
				}

				actions, err := manager.ListActions(ctx, filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(actions)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "UUID", "Plan", "Type", "State", "Resource"})
				for _, a := range actions {
					tw.AppendRow(table.Row{a.ID, a.UUID, a.ActionPlanID, a.ActionType, a.State, a.InputParameters["resource_id"]})
				}
				tw.Render()
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&plan, "plan", "", "filter by action plan uuid or id")
	cmd.Flags().StringVar(&actionType, "type", "", "filter by action type")
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")

	return cmd
}

func newActionShowCommand() *cobra.Command {
	var includeDeleted bool

	cmd := &cobra.Command{
		Use:   "show <action>",
		Short: "Show an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *workspace) error {
				a, err := ws.lifecycle().GetAction(ctx, args[0], stores.GetOptions{Eager: true, IncludeDeleted: includeDeleted})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(a.Action)
				}
				params, err := json.MarshalIndent(a.InputParameters, "", "  ")
				if err != nil {
					return err
				}
				plan := ""
				if a.ActionPlan != nil {
					plan = a.ActionPlan.UUID
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"ID", a.ID},
					{"UUID", a.UUID},
					{"Plan", plan},
					{"Type", a.ActionType},
					{"State", a.State},
					{"Parents", strings.Join(a.Parents, "\n")},
					{"Parameters", string(params)},
				})
				tw.Render()
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&includeDeleted, "deleted", false, "include soft-deleted actions")
	return cmd
}
