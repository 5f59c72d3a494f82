// Package cli wires the luckypool command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"luckypool/cmd/internal/app"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// deps are the seams the commands reach through; tests swap them.
type deps struct {
	loadConfig func() (app.Config, error)
	logger     func(w io.Writer, cfg app.Config) app.Logger
	newCore    func(ctx context.Context, cfg app.Config, log app.Logger) (*app.Core, error)
	serve      func(cfg app.Config) error
	now        func() time.Time
}

func defaultDeps() deps {
	return deps{
		loadConfig: app.LoadConfig,
		logger:     app.NewLoggerTo,
		newCore:    app.NewCore,
		serve: func(cfg app.Config) error {
			return app.Serve(cfg, app.NewLogger(cfg))
		},
		now: time.Now,
	}
}

// Execute runs the root command.
func Execute(version string) error {
	if err := newRootCmd(version, defaultDeps()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func newRootCmd(version string, d deps) *cobra.Command {
	var envFile string

	serve := serveCmd(d)
	root := &cobra.Command{
		Use:   "luckypool",
		Short: "Pooled-stake lottery bot with CryptoBot payments",
		Long: `luckypool runs timed prize pools over Telegram.

Players pay the entry fee through a Crypto Pay invoice, and when a pool closes
one participant is drawn and paid the pool minus the house cut.

Without a subcommand it runs the server (same as "luckypool serve").`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnvFile(envFile)
		},
		RunE: serve.RunE,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading LUCKYPOOL_* variables")

	root.AddCommand(serve)
	root.AddCommand(migrateCmd(d))
	root.AddCommand(settleCmd(d))
	root.AddCommand(tiersCmd(d))
	return root
}

// loadEnvFile applies a dotenv file without overriding variables already set.
// A missing file is fine; a malformed one is not.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func serveCmd(d deps) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, scheduler, reconciliation worker and HTTP surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := d.loadConfig()
			if err != nil {
				return err
			}
			return d.serve(cfg)
		},
	}
}
