package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xase-labs/xase-core/pkg/queue"
	"github.com/xase-labs/xase-core/pkg/worker"
)

func (c *cli) workerCmd() *cobra.Command {
	var (
		id   string
		once bool
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the background job worker",
		Long: `Run the job worker: claims GENERATE_BUNDLE jobs, builds and uploads the
bundles, and reaps expired leases. When checkpoint.interval is set the worker
also sweeps periodic checkpoints. Requires database.driver=postgres.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.requireQueue(); err != nil {
					return err
				}
				w := c.newWorker(a, id)
				if once {
					processed, err := w.RunOnce(ctx)
					if err != nil {
						return err
					}
					if !processed {
						_, _ = fmt.Fprintln(c.stdout, "no runnable job")
					}
					return nil
				}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return w.Run(gctx) })
				if interval := a.cfg.Checkpoint.Interval; interval > 0 {
					g.Go(func() error { return c.sweepLoop(gctx, a, interval) })
				}
				err := g.Wait()
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "worker id (default worker.id or hostname-based)")
	cmd.Flags().BoolVar(&once, "once", false, "process at most one job and exit")
	cmd.AddCommand(c.workerStatusCmd())
	return cmd
}

func (c *cli) newWorker(a *app, id string) *worker.Worker {
	cfg := worker.Config{
		ID:           a.cfg.Worker.ID,
		PollInterval: a.cfg.Worker.PollInterval,
		LeaseTimeout: a.cfg.Worker.LeaseTimeout,
		ReapInterval: a.cfg.Worker.ReapInterval,
	}
	if id != "" {
		cfg.ID = id
	}
	w := worker.New(a.queue, cfg,
		worker.WithObservability(a.obs),
		worker.WithLogger(c.logger))
	w.Register(queue.TypeGenerateBundle, worker.NewGenerateBundleHandler(a.bundles, a.builder, a.auditLog))
	return w
}

// sweepLoop creates periodic checkpoints until ctx is done. Sweep failures
// are logged; the next tick retries.
func (c *cli) sweepLoop(ctx context.Context, a *app, interval time.Duration) error {
	logger := c.logger.With("component", "checkpoint.sweeper")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := a.cpSvc.Sweep(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "checkpoint.sweep_error", "error", err)
				continue
			}
			for tenant, reason := range res.Failed {
				logger.WarnContext(ctx, "checkpoint.sweep_tenant_failed", "tenant_id", tenant, "error", reason)
			}
		}
	}
}

func (c *cli) workerStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job queue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.requireQueue(); err != nil {
					return err
				}
				st, err := a.queue.Stats(ctx)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return c.printJSON(st)
				}
				t := table.NewWriter()
				t.SetOutputMirror(c.stdout)
				t.AppendHeader(table.Row{"PENDING", "RUNNING", "DONE", "DEAD LETTERED"})
				t.AppendRow(table.Row{st.Pending, st.Running, st.Done, st.DeadLettered})
				t.Render()
				return nil
			})
		},
	}
}
