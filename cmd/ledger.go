package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsheet-sync/config"
	"github.com/dhcgn/mailsheet-sync/model"
	"github.com/dhcgn/mailsheet-sync/state"
)

func newLedgerCommand() *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the run ledger",
	}

	var output string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print every processed attachment recorded in the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd, config.ModeLedger)
			if err != nil {
				return err
			}

			ledger, err := state.Open(cfg.StateDir, cfg.LedgerName, false, nil)
			if err != nil {
				return err
			}
			defer ledger.Close()

			return writeMarkers(cmd.OutOrStdout(), ledger.Entries(), output)
		},
	}
	listCmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or csv")

	ledgerCmd.AddCommand(listCmd)
	return ledgerCmd
}

func writeMarkers(w io.Writer, markers []model.Marker, format string) error {
	switch format {
	case "csv":
		writer := csv.NewWriter(w)
		if err := writer.Write([]string{"processed_at", "message_id", "attachment_name", "content_hash"}); err != nil {
			return err
		}
		for _, m := range markers {
			record := []string{m.ProcessedAt.UTC().Format(time.RFC3339), m.MessageID, m.AttachmentName, m.ContentHash}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
		writer.Flush()
		return writer.Error()
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PROCESSED\tMESSAGE\tATTACHMENT\tHASH")
		for _, m := range markers {
			hash := m.ContentHash
			if len(hash) > 12 {
				hash = hash[:12]
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ProcessedAt.Local().Format("2006-01-02 15:04:05"), m.MessageID, m.AttachmentName, hash)
		}
		fmt.Fprintf(tw, "\n%d entries\n", len(markers))
		return tw.Flush()
	default:
		return fmt.Errorf("unknown --output %q: want table or csv", format)
	}
}
