package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func (c *cli) keysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Inspect the signing key"}
	cmd.AddCommand(c.keysShowCmd(), c.keysExportCmd())
	return cmd
}

func (c *cli) keysShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the configured key id, algorithm and public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				pem, err := a.signer.PublicKeyPEM(ctx)
				if err != nil {
					return err
				}
				p := a.signer.Provider()
				if c.jsonOut {
					return c.printJSON(map[string]any{
						"provider":     a.cfg.KMS.Type,
						"keyId":        p.KeyID(),
						"algorithm":    p.Algorithm(),
						"publicKeyPem": pem,
					})
				}
				_, _ = fmt.Fprintf(c.stdout, "provider  %s\nkey id    %s\nalgorithm %s\n\n%s", a.cfg.KMS.Type, p.KeyID(), p.Algorithm(), pem)
				return nil
			})
		},
	}
}

func (c *cli) keysExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the public key PEM for offline verifiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				pem, err := a.signer.PublicKeyPEM(ctx)
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					_, err = fmt.Fprint(c.stdout, pem)
					return err
				}
				if err := os.WriteFile(out, []byte(pem), 0o644); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(c.stdout, "public key written to %s\n", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "destination file (default stdout)")
	return cmd
}
