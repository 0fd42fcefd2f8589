package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/xase-labs/xase-core/pkg/bundle"
)

func (c *cli) bundleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "bundle", Short: "Request and fetch evidence bundles"}
	cmd.AddCommand(
		c.bundleRequestCmd(),
		c.bundleGetCmd(),
		c.bundleListCmd(),
		c.bundleDownloadCmd(),
		c.bundleReprocessCmd(),
	)
	return cmd
}

func (c *cli) bundleRequestCmd() *cobra.Command {
	var (
		in       bundle.RequestInput
		from, to string
		out      string
	)
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request an evidence bundle for a tenant and date range",
		Long: `Request an evidence bundle. With a postgres database the build is queued
for the worker unless --sync is set. Without object storage the build always
runs inline and --out receives the archive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if in.DateFrom, err = parseTimeFlag(from); err != nil {
				return err
			}
			if in.DateTo, err = parseTimeFlag(to); err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				// the archive would be lost between worker and requester
				if a.objects == nil {
					in.Sync = true
				}
				res, err := a.bundleSvc.Request(ctx, in)
				if err != nil {
					return err
				}
				if res.Result != nil && out != "" {
					if err := os.WriteFile(out, res.Result.Archive.Bytes, 0o644); err != nil {
						return fmt.Errorf("write archive: %w", err)
					}
				}
				if c.jsonOut {
					return c.printJSON(res.Bundle)
				}
				switch {
				case res.Existing:
					_, _ = fmt.Fprintf(c.stdout, "reusing %s (%s)\n", res.Bundle.BundleID, res.Bundle.Status)
				case res.Result != nil:
					_, _ = fmt.Fprintf(c.stdout, "built %s: %d records, manifest %s\n",
						res.Bundle.BundleID, res.Bundle.RecordCount, res.Result.Manifest.ManifestHash)
					if out != "" {
						_, _ = fmt.Fprintf(c.stdout, "archive written to %s (%d bytes)\n", out, res.Result.Archive.Size())
					}
				default:
					_, _ = fmt.Fprintf(c.stdout, "queued %s: %d records\n", res.Bundle.BundleID, res.Bundle.RecordCount)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.TenantID, "tenant", "", "tenant id")
	f.StringVar(&in.Purpose, "purpose", "", "why the bundle is exported, e.g. AUDIT")
	f.StringVar(&in.Description, "description", "", "")
	f.StringVar(&in.CreatedBy, "created-by", "", "requesting user")
	f.StringVar(&from, "from", "", "RFC 3339 or YYYY-MM-DD lower bound")
	f.StringVar(&to, "to", "", "RFC 3339 or YYYY-MM-DD upper bound")
	f.BoolVar(&in.Sync, "sync", false, "build inline instead of queueing")
	f.StringVar(&out, "out", "", "write the archive here after an inline build")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("purpose")
	return cmd
}

func (c *cli) bundleGetCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "get BUNDLE_ID",
		Short: "Show a bundle's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				b, err := a.bundleSvc.Get(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				if c.jsonOut {
					return c.printJSON(b)
				}
				c.bundleTable([]*bundle.Bundle{b})
				if b.LastError != "" {
					_, _ = fmt.Fprintln(c.stdout, "last error:", b.LastError)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func (c *cli) bundleListCmd() *cobra.Command {
	var (
		tenant string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's bundles, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				bs, err := a.bundleSvc.List(ctx, tenant, limit)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return c.printJSON(bs)
				}
				c.bundleTable(bs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().IntVar(&limit, "limit", 20, "")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func (c *cli) bundleTable(bs []*bundle.Bundle) {
	t := table.NewWriter()
	t.SetOutputMirror(c.stdout)
	t.AppendHeader(table.Row{"BUNDLE", "STATUS", "PURPOSE", "RECORDS", "CREATED", "MANIFEST"})
	for _, b := range bs {
		t.AppendRow(table.Row{b.BundleID, b.Status, b.Purpose, b.RecordCount, b.CreatedAt.Format(time.RFC3339), short(b.ManifestHash)})
	}
	t.Render()
}

func (c *cli) bundleDownloadCmd() *cobra.Command {
	var (
		tenant string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "download BUNDLE_ID",
		Short: "Print a time-limited download URL for a READY bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if ttl <= 0 {
					ttl = a.cfg.Storage.PresignTTL
				}
				d, err := a.bundleSvc.Download(ctx, tenant, args[0], ttl)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return c.printJSON(map[string]any{
						"bundleId":   d.Bundle.BundleID,
						"url":        d.URL,
						"expiresAt":  d.ExpiresAt,
						"bundleHash": d.Bundle.BundleHash,
					})
				}
				_, _ = fmt.Fprintln(c.stdout, d.URL)
				_, _ = fmt.Fprintf(c.stdout, "expires %s, sha256 %s\n", d.ExpiresAt.Format(time.RFC3339), d.Bundle.BundleHash)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "URL lifetime (default storage.presign_ttl)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func (c *cli) bundleReprocessCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "reprocess BUNDLE_ID",
		Short: "Run a FAILED or stuck bundle again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.bundleSvc.Reprocess(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				if c.jsonOut {
					return c.printJSON(res.Bundle)
				}
				_, _ = fmt.Fprintf(c.stdout, "%s is %s\n", res.Bundle.BundleID, res.Bundle.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
