package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/xase-labs/xase-core/pkg/intervention"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

func (c *cli) interventionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "intervention",
		Aliases: []string{"hitl"},
		Short:   "Record and inspect human oversight of decisions",
	}
	cmd.AddCommand(
		c.interventionRecordCmd(),
		c.interventionListCmd(),
		c.interventionStatsCmd(),
	)
	return cmd
}

func (c *cli) interventionRecordCmd() *cobra.Command {
	var (
		req                 intervention.Request
		action              string
		newOutcome, metaArg string
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a human action on a decision",
		Example: `  xase intervention record --tenant acme --transaction-id txn_... --action APPROVED --actor-id u-7
  xase intervention record --tenant acme --transaction-id txn_... --action OVERRIDE \
      --reason "income verified" --new-outcome '{"approved":true}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			act, err := intervention.ParseAction(action)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeInvalidInput, "cli.intervention", err)
			}
			req.Action = act
			out, err := readJSONArg(newOutcome)
			if err != nil {
				return err
			}
			if out != nil {
				req.NewOutcome = out
			}
			meta, err := readJSONArg(metaArg)
			if err != nil {
				return err
			}
			if meta != nil {
				req.Metadata = meta
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				iv, err := a.hitlSvc.Record(ctx, req)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return c.printJSON(iv)
				}
				_, _ = fmt.Fprintf(c.stdout, "recorded %s %s on %s (seq %d)\n  interventionHash %s\n  final decision %s\n",
					iv.InterventionID, iv.Action, iv.TransactionID, iv.RecordSequence, iv.InterventionHash, iv.Action.FinalDecisionSource())
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.TenantID, "tenant", "", "tenant id")
	f.StringVar(&req.TransactionID, "transaction-id", "", "decision the action applies to")
	f.StringVar(&action, "action", "", "REVIEW_REQUESTED, APPROVED, REJECTED, OVERRIDE or ESCALATED")
	f.StringVar(&req.Reason, "reason", "", "justification (required for REJECTED and OVERRIDE)")
	f.StringVar(&req.Notes, "notes", "", "")
	f.StringVar(&newOutcome, "new-outcome", "", "replacement outcome JSON, @file or - (OVERRIDE)")
	f.StringVar(&metaArg, "metadata", "", "extra JSON, @file or -")
	f.StringVar(&req.Actor.UserID, "actor-id", "", "")
	f.StringVar(&req.Actor.Name, "actor-name", "", "")
	f.StringVar(&req.Actor.Email, "actor-email", "", "")
	f.StringVar(&req.Actor.Role, "actor-role", "", "")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("transaction-id")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func (c *cli) interventionListCmd() *cobra.Command {
	var tenant, txnID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the interventions on a decision, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				ivs, err := a.hitlSvc.History(ctx, tenant, txnID)
				if err != nil {
					return err
				}
				final := intervention.FinalDecisionSource(ivs)
				if c.jsonOut {
					return c.printJSON(map[string]any{"interventions": ivs, "finalDecisionSource": final})
				}
				t := table.NewWriter()
				t.SetOutputMirror(c.stdout)
				t.AppendHeader(table.Row{"INTERVENTION", "ACTION", "ACTOR", "REASON", "TIMESTAMP", "HASH OK"})
				for _, iv := range ivs {
					t.AppendRow(table.Row{iv.InterventionID, iv.Action, iv.Actor.UserID, iv.Reason, iv.Timestamp.Format(time.RFC3339), iv.HashOK()})
				}
				t.Render()
				_, _ = fmt.Fprintf(c.stdout, "final decision: %s\n", final)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&txnID, "transaction-id", "", "")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("transaction-id")
	return cmd
}

func (c *cli) interventionStatsCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count a tenant's interventions by action",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.interventions.Stats(ctx, tenant)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return c.printJSON(st)
				}
				t := table.NewWriter()
				t.SetOutputMirror(c.stdout)
				t.AppendHeader(table.Row{"ACTION", "COUNT"})
				for _, action := range intervention.Actions {
					t.AppendRow(table.Row{action, st.ByAction[action]})
				}
				t.AppendFooter(table.Row{"TOTAL", st.Total})
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
