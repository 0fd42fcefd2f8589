package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/xase-labs/xase-core/pkg/checkpoint"
)

func (c *cli) checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "checkpoint", Short: "Anchor chain tails in signed checkpoints"}
	cmd.AddCommand(
		c.checkpointCreateCmd(),
		c.checkpointSweepCmd(),
		c.checkpointListCmd(),
		c.checkpointVerifyCmd(),
	)
	return cmd
}

func (c *cli) checkpointCreateCmd() *cobra.Command {
	var tenant, typ string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a checkpoint over a tenant's current chain tail",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := checkpoint.ParseType(typ)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				cp, err := a.cpSvc.Create(ctx, tenant, t)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return c.printJSON(cp)
				}
				_, _ = fmt.Fprintf(c.stdout, "checkpoint %s #%d over %d records\n  hash %s\n  signed %t\n",
					cp.CheckpointID, cp.Number, cp.RecordCount, cp.CheckpointHash, cp.Signed())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&typ, "type", string(checkpoint.TypeManual), "PERIODIC, MANUAL or EMERGENCY")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func (c *cli) checkpointSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Checkpoint every tenant whose chain grew since its last checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.cpSvc.Sweep(ctx)
				if err != nil {
					return err
				}
				if c.jsonOut {
					if err := c.printJSON(res); err != nil {
						return err
					}
				} else {
					c.printSweep(res)
				}
				if len(res.Failed) > 0 {
					return fmt.Errorf("checkpoint sweep: %d tenant(s) failed", len(res.Failed))
				}
				return nil
			})
		},
	}
}

func (c *cli) printSweep(res *checkpoint.SweepResult) {
	if res.LockHeld {
		_, _ = fmt.Fprintln(c.stdout, "another instance holds the sweep lock; nothing done")
		return
	}
	for _, cp := range res.Created {
		_, _ = fmt.Fprintf(c.stdout, "created %s for %s (#%d, %d records)\n", cp.CheckpointID, cp.TenantID, cp.Number, cp.RecordCount)
	}
	tenants := make([]string, 0, len(res.Failed))
	for t := range res.Failed {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	for _, t := range tenants {
		_, _ = fmt.Fprintf(c.stdout, "failed %s: %s\n", t, res.Failed[t])
	}
	_, _ = fmt.Fprintf(c.stdout, "%d created, %d unchanged, %d failed\n", len(res.Created), res.Unchanged, len(res.Failed))
}

func (c *cli) checkpointListCmd() *cobra.Command {
	var (
		tenant string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's checkpoints, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				cps, err := a.cpSvc.List(ctx, tenant, limit)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return c.printJSON(cps)
				}
				t := table.NewWriter()
				t.SetOutputMirror(c.stdout)
				t.AppendHeader(table.Row{"#", "CHECKPOINT", "TYPE", "RECORDS", "TIMESTAMP", "SIGNED"})
				for _, cp := range cps {
					t.AppendRow(table.Row{cp.Number, cp.CheckpointID, cp.Type, cp.RecordCount, cp.Timestamp.Format(time.RFC3339), cp.Signed()})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().IntVar(&limit, "limit", 20, "")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func (c *cli) checkpointVerifyCmd() *cobra.Command {
	var tenant, publicKeyFile string
	cmd := &cobra.Command{
		Use:   "verify CHECKPOINT_ID",
		Short: "Recompute a checkpoint's hash and check its signature and link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				var pem string
				if publicKeyFile != "" {
					b, err := os.ReadFile(publicKeyFile)
					if err != nil {
						return fmt.Errorf("read public key: %w", err)
					}
					pem = string(b)
				} else {
					k, err := a.signer.PublicKeyPEM(ctx)
					if err != nil {
						return err
					}
					pem = k
				}
				cp, v, err := a.cpSvc.VerifyByID(ctx, tenant, args[0], pem)
				if err != nil {
					return err
				}
				if c.jsonOut {
					if err := c.printJSON(map[string]any{"checkpoint": cp, "verification": v}); err != nil {
						return err
					}
				} else {
					verdict := "VERIFIED"
					if !v.Valid() {
						verdict = "TAMPERED"
					}
					_, _ = fmt.Fprintf(c.stdout, "checkpoint %s #%d: %s\n", cp.CheckpointID, cp.Number, verdict)
					_, _ = fmt.Fprintf(c.stdout, "  hash %t, chain %t, signed %t, signature %t\n", v.HashOK, v.ChainOK, v.Signed, v.SignatureOK)
					if v.Error != "" {
						_, _ = fmt.Fprintln(c.stdout, "  error:", v.Error)
					}
				}
				if !v.Valid() {
					return &codeError{code: exitTampered}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&publicKeyFile, "public-key", "", "PEM public key (default: the configured signer's)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
