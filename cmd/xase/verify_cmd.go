package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xase-labs/xase-core/pkg/verifier"
)

// verifyCmd checks an archive offline. It needs no database, so it skips
// the app wiring entirely.
//
// Exit codes:
//
//	0 = VERIFIED
//	1 = TAMPERED
//	2 = unreadable input
func (c *cli) verifyCmd() *cobra.Command {
	var (
		publicKeyFile string
		jsonOutFile   string
	)
	cmd := &cobra.Command{
		Use:   "verify ARCHIVE",
		Short: "Verify an evidence bundle offline",
		Long: `Verify an evidence bundle archive without any network or database access.
The signature is checked against --public-key when given, otherwise against
the key embedded in the bundle.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var pem string
			if publicKeyFile != "" {
				b, err := os.ReadFile(publicKeyFile)
				if err != nil {
					return fmt.Errorf("read public key: %w", err)
				}
				pem = string(b)
			}

			report, err := verifier.VerifyArchive(data, pem)
			if err != nil {
				return err
			}

			if jsonOutFile != "" {
				out, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(jsonOutFile, out, 0o644); err != nil {
					return fmt.Errorf("cannot write audit report: %w", err)
				}
				_, _ = fmt.Fprintf(c.stdout, "Audit report written to %s\n", jsonOutFile)
			}

			if c.jsonOut {
				if err := c.printJSON(report); err != nil {
					return err
				}
			} else {
				c.printReport(args[0], report)
			}
			if !report.Verified {
				return &codeError{code: exitTampered}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&publicKeyFile, "public-key", "", "PEM public key to verify the signature with")
	cmd.Flags().StringVar(&jsonOutFile, "json-out", "", "write the structured report to this file")
	return cmd
}

func (c *cli) printReport(file string, r *verifier.Report) {
	if r.Verified {
		_, _ = fmt.Fprintf(c.stdout, "✅ Evidence bundle VERIFIED\n")
	} else {
		_, _ = fmt.Fprintf(c.stdout, "❌ Evidence bundle TAMPERED\n")
	}
	_, _ = fmt.Fprintf(c.stdout, "Archive: %s (sha256 %s)\n", file, r.ArchiveHash)
	if r.BundleID != "" {
		_, _ = fmt.Fprintf(c.stdout, "Bundle:  %s tenant %s, %d records\n", r.BundleID, r.TenantID, r.RecordsFound)
	}
	if r.Interventions > 0 {
		_, _ = fmt.Fprintf(c.stdout, "Oversight: %d human intervention(s)\n", r.Interventions)
	}
	if r.Bundle != nil {
		switch {
		case r.Bundle.Signed:
			_, _ = fmt.Fprintf(c.stdout, "Signer:  %s key %s (%s key)\n", r.SignedBy, r.KeyID, r.Bundle.KeySource)
		case r.Bundle.SignatureOK:
			_, _ = fmt.Fprintf(c.stdout, "Signer:  none (hash-only)\n")
		}
	}
	_, _ = fmt.Fprintf(c.stdout, "Checks:  %s\n", r.Summary)
	for _, ch := range r.Failed() {
		_, _ = fmt.Fprintf(c.stdout, "  - %s: %s\n", ch.Name, ch.Reason)
	}
}
