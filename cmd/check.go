package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsheet-sync/config"
	"github.com/dhcgn/mailsheet-sync/mailbox"
	"github.com/dhcgn/mailsheet-sync/runner"
)

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Load the reference spreadsheet and test the mailbox connection without processing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd, config.ModeCheck)
			if err != nil {
				return err
			}

			logger, cleanup, err := SetupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			ds, err := runner.LoadReference(ctx, cfg, nil, logger)
			if err != nil {
				return fmt.Errorf("reference: %w", err)
			}
			fmt.Fprintf(out, "reference  ok  %s (%d rows)\n", ds.Source, ds.Len())

			source, err := runner.NewSource(cfg, logger)
			if err != nil {
				return err
			}
			policy, err := runner.Policy(cfg)
			if err != nil {
				return err
			}

			scanner := mailbox.NewScanner(source, logger)
			if err := scanner.Open(ctx); err != nil {
				return fmt.Errorf("mailbox: %w", err)
			}
			defer scanner.Close()

			n, err := scanner.Count(ctx, policy)
			if err != nil {
				return fmt.Errorf("mailbox: %w", err)
			}
			fmt.Fprintf(out, "mailbox    ok  %d candidate messages\n", n)
			return nil
		},
	}
}
