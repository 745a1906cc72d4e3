package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsheet-sync/cmd"
	"github.com/dhcgn/mailsheet-sync/config"
	"github.com/dhcgn/mailsheet-sync/progress"
	"github.com/dhcgn/mailsheet-sync/runner"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mailsheet-sync",
		Short:         "Reconcile spreadsheet attachments from a mailbox against a reference and deliver the changes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c, config.ModeRun)
			if err != nil {
				return err
			}

			logger, cleanup, err := cmd.SetupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting mailsheet-sync", "reference", cfg.Reference, "mbox", cfg.MboxPath, "imapHost", cfg.IMAPHost, "folder", cfg.Folder, "dryRun", cfg.DryRun)

			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	cmd.Register(rootCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	r, err := runner.New(cfg, logger, runner.WithProgress(progress.New(cfg.LogLevel)))
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	_, err = r.Run(ctx)
	return err
}
