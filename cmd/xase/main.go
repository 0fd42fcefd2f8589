package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xase-labs/xase-core/pkg/config"
)

// Exit codes:
//
//	0 = success
//	1 = verification failed (TAMPERED)
//	2 = runtime or usage error
const (
	exitOK       = 0
	exitTampered = 1
	exitError    = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// codeError carries a specific exit code out of a command.
type codeError struct {
	code int
	err  error
}

func (e *codeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *codeError) Unwrap() error { return e.err }

// Run is the entrypoint for testing.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := &cli{stdout: stdout, stderr: stderr}
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		var ce *codeError
		if errors.As(err, &ce) {
			if ce.err != nil {
				_, _ = fmt.Fprintln(stderr, "Error:", ce.err)
			}
			return ce.code
		}
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		return exitError
	}
	return exitOK
}

// cli holds what every command shares: output streams, flags and the
// loaded configuration.
type cli struct {
	stdout     io.Writer
	stderr     io.Writer
	configPath string
	jsonOut    bool
	cfg        *config.Config
	logger     *slog.Logger
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "xase",
		Short: "Tamper-evident evidence ledger for AI decisions",
		Long: `xase records AI decisions in a per-tenant hash chain, exports signed
evidence bundles and verifies them offline.

Configuration is read from --config (YAML) and XASE_* environment variables,
e.g. XASE_DATABASE_URL or XASE_KMS_TYPE.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = newLogger(cfg.Log, c.stderr)
			slog.SetDefault(c.logger)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "output JSON")

	root.AddCommand(
		c.appendCmd(),
		c.recordsCmd(),
		c.bundleCmd(),
		c.verifyCmd(),
		c.checkpointCmd(),
		c.interventionCmd(),
		c.keysCmd(),
		c.workerCmd(),
		c.migrateCmd(),
		c.configCmd(),
	)
	return root
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (c *cli) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.stdout, string(data))
	return err
}

func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			c.logger.WarnContext(ctx, "app.close_failed", "error", cerr)
		}
	}()
	return fn(ctx, a)
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.jsonOut {
				return c.printJSON(c.cfg.Redacted())
			}
			out, err := c.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = c.stdout.Write(out)
			return err
		},
	})
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, driver, err := openDB(ctx, c.cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			applied, err := migrateDB(ctx, db, driver)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(map[string]any{"applied": applied})
			}
			if len(applied) == 0 {
				_, _ = fmt.Fprintln(c.stdout, "schema up to date")
				return nil
			}
			for _, name := range applied {
				_, _ = fmt.Fprintln(c.stdout, "applied", name)
			}
			return nil
		},
	}
}
