package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/xase-labs/xase-core/pkg/ledger"
	"github.com/xase-labs/xase-core/pkg/verifier"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

// readJSONArg accepts inline JSON, @path, or "-" for stdin.
func readJSONArg(v string) (json.RawMessage, error) {
	var data []byte
	switch {
	case v == "":
		return nil, nil
	case v == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		data = b
	case strings.HasPrefix(v, "@"):
		b, err := os.ReadFile(v[1:])
		if err != nil {
			return nil, err
		}
		data = b
	default:
		data = []byte(v)
	}
	if !json.Valid(data) {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "cli.json", "not valid JSON: %.40q", data)
	}
	return json.RawMessage(data), nil
}

func (c *cli) appendCmd() *cobra.Command {
	var (
		tenant, input, output, ctxArg string
		idemKey, txnID                string
		storePayload                  bool
		meta                          ledger.Metadata
		confidence                    float64
		processingMs                  int64
	)
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append a decision record to a tenant's chain",
		Example: `  xase append --tenant acme --input '{"amount":100}' --output '{"approved":true}'
  xase append --tenant acme --input @in.json --output @out.json --idempotency-key req-42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := readJSONArg(input)
			if err != nil {
				return err
			}
			out, err := readJSONArg(output)
			if err != nil {
				return err
			}
			dctx, err := readJSONArg(ctxArg)
			if err != nil {
				return err
			}
			if in == nil || out == nil {
				return xerrors.New(xerrors.CodeInvalidInput, "cli.append", "--input and --output are required")
			}
			if cmd.Flags().Changed("confidence") {
				meta.Confidence = &confidence
			}
			if cmd.Flags().Changed("processing-ms") {
				meta.ProcessingTimeMs = &processingMs
			}
			req := ledger.AppendRequest{
				TenantID:       tenant,
				Input:          in,
				Output:         out,
				IdempotencyKey: idemKey,
				TransactionID:  txnID,
				StorePayload:   storePayload,
				Metadata:       meta,
			}
			if dctx != nil {
				req.Context = dctx
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.ledger.Append(ctx, req)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return c.printJSON(res)
				}
				status := "appended"
				if res.Replayed {
					status = "replayed"
				}
				_, _ = fmt.Fprintf(c.stdout, "%s %s seq=%d %s\n  recordHash %s\n",
					status, res.TransactionID, res.Sequence, res.ChainPosition, res.RecordHash)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&tenant, "tenant", "", "tenant id")
	f.StringVar(&input, "input", "", "input JSON, @file or - for stdin")
	f.StringVar(&output, "output", "", "output JSON, @file or - for stdin")
	f.StringVar(&ctxArg, "context", "", "optional context JSON, @file or -")
	f.StringVar(&idemKey, "idempotency-key", "", "replay-safe request key")
	f.StringVar(&txnID, "transaction-id", "", "transaction id (generated when empty)")
	f.BoolVar(&storePayload, "store-payload", false, "keep the JSON payloads next to their hashes")
	f.StringVar(&meta.PolicyID, "policy-id", "", "")
	f.StringVar(&meta.PolicyVersion, "policy-version", "", "")
	f.StringVar(&meta.DecisionType, "decision-type", "", "")
	f.StringVar(&meta.ModelID, "model-id", "", "")
	f.StringVar(&meta.ModelVersion, "model-version", "", "")
	f.StringVar(&meta.ModelHash, "model-hash", "", "")
	f.StringVar(&meta.FeatureSchemaHash, "feature-schema-hash", "", "")
	f.Float64Var(&confidence, "confidence", 0, "model confidence in [0,1]")
	f.Int64Var(&processingMs, "processing-ms", 0, "decision latency in milliseconds")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func (c *cli) recordsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "records", Short: "Read and check a tenant's chain"}
	cmd.AddCommand(c.recordsListCmd(), c.recordsGetCmd(), c.recordsVerifyCmd())
	return cmd
}

func (c *cli) recordsListCmd() *cobra.Command {
	var (
		tenant   string
		limit    int
		after    int64
		desc     bool
		from, to string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records in sequence order",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := ledger.Filter{AfterSequence: after, Limit: limit, Descending: desc}
			var err error
			if f.From, err = parseTimeFlag(from); err != nil {
				return err
			}
			if f.To, err = parseTimeFlag(to); err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				recs, err := a.records.List(ctx, tenant, f)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return c.printJSON(recs)
				}
				t := table.NewWriter()
				t.SetOutputMirror(c.stdout)
				t.AppendHeader(table.Row{"SEQ", "TRANSACTION", "TIMESTAMP", "RECORD HASH", "POLICY"})
				for _, r := range recs {
					t.AppendRow(table.Row{r.Sequence, r.TransactionID, r.Timestamp.Format(time.RFC3339), short(r.RecordHash), r.PolicyID})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records (0 for all)")
	cmd.Flags().Int64Var(&after, "after", 0, "only records after this sequence")
	cmd.Flags().BoolVar(&desc, "desc", false, "newest first")
	cmd.Flags().StringVar(&from, "from", "", "RFC 3339 lower bound")
	cmd.Flags().StringVar(&to, "to", "", "RFC 3339 upper bound")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func (c *cli) recordsGetCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "get TRANSACTION_ID",
		Short: "Show one record and check its own hashes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				rec, err := a.records.GetByTransactionID(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				rv := verifier.VerifyRecord(rec)
				if c.jsonOut {
					return c.printJSON(map[string]any{"record": rec, "verification": rv})
				}
				_, _ = fmt.Fprintf(c.stdout, "%s seq=%d %s\n", rec.TransactionID, rec.Sequence, rec.Position())
				_, _ = fmt.Fprintf(c.stdout, "  inputHash   %s\n  outputHash  %s\n", rec.InputHash, rec.OutputHash)
				if rec.ContextHash != nil {
					_, _ = fmt.Fprintf(c.stdout, "  contextHash %s\n", *rec.ContextHash)
				}
				if rec.PreviousHash != nil {
					_, _ = fmt.Fprintf(c.stdout, "  previous    %s\n", *rec.PreviousHash)
				}
				_, _ = fmt.Fprintf(c.stdout, "  recordHash  %s\n", rec.RecordHash)
				if !rv.Valid() {
					return &codeError{code: exitTampered, err: xerrors.New(xerrors.CodeTampered, "cli.records",
						"record %s does not match its hashes", rec.TransactionID)}
				}
				_, _ = fmt.Fprintln(c.stdout, "  hashes verified")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func (c *cli) recordsVerifyCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute every hash and link of a tenant's chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				recs, err := a.records.List(ctx, tenant, ledger.Filter{})
				if err != nil {
					return err
				}
				chain := verifier.VerifyChain(recs)
				if c.jsonOut {
					if err := c.printJSON(chain); err != nil {
						return err
					}
				} else {
					for _, le := range chain.LinkErrors {
						_, _ = fmt.Fprintf(c.stdout, "  link %d: %s\n", le.Sequence, le.Reason)
					}
					for _, seq := range chain.Broken() {
						_, _ = fmt.Fprintf(c.stdout, "  record %d: hash mismatch\n", seq)
					}
				}
				if !chain.Valid() {
					if !c.jsonOut {
						_, _ = fmt.Fprintf(c.stdout, "chain %s: TAMPERED (%d records)\n", tenant, len(recs))
					}
					return &codeError{code: exitTampered}
				}
				if !c.jsonOut {
					_, _ = fmt.Fprintf(c.stdout, "chain %s: VERIFIED (%d records)\n", tenant, len(recs))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func parseTimeFlag(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		if d, derr := time.Parse(time.DateOnly, v); derr == nil {
			t = d
		} else {
			return nil, xerrors.New(xerrors.CodeInvalidInput, "cli.time", "%q is not RFC 3339 or YYYY-MM-DD", v)
		}
	}
	t = t.UTC()
	return &t, nil
}

func short(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16] + "…"
}
