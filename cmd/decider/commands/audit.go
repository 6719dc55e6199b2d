package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/clusterlens/decider/pkg/decision"
	"github.com/clusterlens/decider/pkg/engine"
	"github.com/clusterlens/decider/pkg/messaging"
	"github.com/clusterlens/decider/pkg/stores"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Run and inspect audits",
		Long: `Run and inspect audits.

run, cancel, status and watch talk to a running engine over its control
socket. list reads the database directly.`,
	}

	cmd.AddCommand(newAuditRunCommand())
	cmd.AddCommand(newAuditCancelCommand())
	cmd.AddCommand(newAuditStatusCommand())
	cmd.AddCommand(newAuditWatchCommand())
	cmd.AddCommand(newAuditListCommand())

	return cmd
}

func newAuditRunCommand() *cobra.Command {
	var (
		timeout time.Duration
		follow  bool
	)

	cmd := &cobra.Command{
		Use:   "run <template>",
		Short: "Run an audit of a template",
		Long: `Ask the engine to audit a template and wait for the outcome.

The request waits for a free worker. When none frees up within the engine's
admission timeout, or --timeout if shorter, the audit fails as OVERLOADED.`,
		Args: cobra.ExactArgs(1),
		Example: `  # Run and wait for the plan
  decider audit run consolidate-agg1

  # Give up after ten seconds in the queue and print events as they happen
  decider audit run consolidate-agg1 --timeout 10s --follow`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if follow {
				sctx, stop := context.WithCancel(ctx)
				defer stop()
				go func() {
					_ = client.Subscribe(sctx, "", printEvent)
				}()
			}

			var result decision.RunResult
			err = client.Call(ctx, messaging.MethodTriggerAudit, decision.RunRequest{AuditTemplate: args[0], Timeout: timeout}, &result)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(result)
			}
			tw := newTable()
			tw.AppendRows([]table.Row{
				{"Audit", result.AuditUUID},
				{"Goal", result.Goal},
				{"Strategy", result.Strategy},
				{"State", result.State},
				{"Outcome", result.Outcome},
				{"Action plan", result.ActionPlanUUID},
				{"Actions", result.ActionCount},
				{"Superseded", result.Superseded},
			})
			tw.Render()
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "maximum wait for a worker slot")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print status events while waiting")

	return cmd
}

func newAuditCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <audit>",
		Short: "Cancel a queued or running audit",
		Long: `Cancel an audit. A queued audit is removed before it starts. A running
audit is asked to stop; strategies check the request between steps and any
plan it would have produced is discarded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient()
			if err != nil {
				return err
			}
			var res decision.CancelResult
			if err := client.Call(cmd.Context(), messaging.MethodCancelAudit, decision.AuditRef{AuditUUID: args[0]}, &res); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(res)
			}
			switch {
			case res.Dequeued:
				fmt.Printf("Audit %s removed from the queue\n", res.AuditUUID)
			case res.Flagged:
				fmt.Printf("Audit %s is running; cancellation requested\n", res.AuditUUID)
			}
			return nil
		},
	}
}

func newAuditStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <audit>",
		Short: "Show an audit's state and event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient()
			if err != nil {
				return err
			}
			var st decision.AuditStatus
			if err := client.Call(cmd.Context(), messaging.MethodAuditStatus, decision.AuditRef{AuditUUID: args[0]}, &st); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(st)
			}

			fmt.Printf("Audit %s: %s\n", st.Audit.UUID, st.Audit.State)
			if st.QueuePosition > 0 {
				fmt.Printf("Queue position: %d\n", st.QueuePosition)
			}
			for _, p := range st.ActionPlans {
				fmt.Printf("Action plan: %s\n", p)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Time", "Event", "Publisher", "Plan", "Reason"})
			for _, ev := range st.Events {
				tw.AppendRow(table.Row{ev.Timestamp.Format(time.RFC3339), ev.Type, ev.PublisherID, deref(ev.ActionPlanUUID), deref(ev.Reason)})
			}
			tw.Render()
			return nil
		},
	}
}

func newAuditWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [audit]",
		Short: "Stream status events",
		Long:  `Stream status events from the engine, for one audit or for all of them, until interrupted.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient()
			if err != nil {
				return err
			}
			audit := ""
			if len(args) == 1 {
				audit = args[0]
			}
			err = client.Subscribe(cmd.Context(), audit, printEvent)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func printEvent(ev engine.StatusEvent) {
	if jsonOutput {
		_ = printJSON(ev)
		return
	}
	line := fmt.Sprintf("%s  %-9s audit=%s", ev.Timestamp.Format(time.RFC3339), ev.Type, ev.AuditUUID)
	if ev.ActionPlanUUID != "" {
		line += fmt.Sprintf(" plan=%s actions=%d", ev.ActionPlanUUID, ev.ActionCount)
	}
	if ev.Reason != "" {
		line += " reason=" + ev.Reason
	}
	fmt.Println(line)
}

func newAuditListCommand() *cobra.Command {
	var (
		state    string
		template string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *workspace) error {
				filter := stores.AuditFilter{
					State:       engine.AuditState(state),
					ListOptions: stores.ListOptions{Limit: limit, SortDir: stores.SortDesc},
				}
				if template != "" {
					v, err := ws.templates().Get(ctx, template)
					if err != nil {
						return err
					}
					filter.AuditTemplateID = &v.ID
				}
				if filter.State != "" {
					if err := filter.State.Validate(); err != nil {
						return err
					}
				}
				audits, err := ws.store.ListAudits(ctx, filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(audits)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "UUID", "Template", "Strategy", "State", "Created"})
				for _, a := range audits {
					tw.AppendRow(table.Row{a.ID, a.UUID, a.AuditTemplateID, formatID(a.StrategyID), a.State, a.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "filter by state (PENDING, ONGOING, SUCCEEDED, FAILED, CANCELLED)")
	cmd.Flags().StringVar(&template, "template", "", "filter by template uuid, id or name")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	return cmd
}
