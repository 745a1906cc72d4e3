package stats

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mailsheet_sync"

// WriteTextfile exports the run summary in the node_exporter textfile
// collector format. The file is replaced atomically.
func WriteTextfile(path string, s Summary, success bool, duration time.Duration) error {
	reg := prometheus.NewRegistry()

	gauge := func(name, help string, value float64) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
		g.Set(value)
		reg.MustRegister(g)
	}

	succeeded := 0.0
	if success {
		succeeded = 1
	}
	gauge("last_run_success", "Whether the last run completed without a fatal or delivery error.", succeeded)
	gauge("last_run_timestamp_seconds", "Unix time the last run finished.", float64(time.Now().Unix()))
	gauge("last_run_duration_seconds", "Wall time of the last run.", duration.Seconds())
	gauge("messages_scanned", "Messages scanned in the last run.", float64(s.MessagesScanned))
	gauge("messages_filtered", "Messages rejected by the header filter in the last run.", float64(s.MessagesFiltered))
	gauge("messages_marked_seen", "Messages flagged as seen in the last run.", float64(s.MessagesMarkedSeen))
	gauge("attachments_found", "Spreadsheet attachments found in the last run.", float64(s.AttachmentsFound))
	gauge("attachments_parsed", "Attachments parsed successfully in the last run.", float64(s.AttachmentsParsed))
	gauge("attachments_duplicate", "Attachments skipped because the ledger already holds them.", float64(s.Duplicates))
	gauge("rows_parsed", "Rows parsed in the last run.", float64(s.RowsParsed))
	gauge("replace_rules_applied", "Replace rule matches summed over attachments in the last run.", float64(s.RulesApplied))
	gauge("rows_dropped", "Rows dropped for lack of a natural key.", float64(s.RowsDropped))
	gauge("delta_entries", "New or changed records in the last delta.", float64(s.DeltaEntries))
	gauge("delivery_attempts", "HTTP attempts spent delivering the last delta.", float64(s.DeliveryAttempts))
	gauge("ledger_markers_written", "Ledger markers written in the last run.", float64(s.Markers))

	skipped := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "skipped",
		Help:      "Attachments or messages skipped in the last run by reason.",
	}, []string{"reason"})
	for reason, n := range s.Skipped {
		skipped.WithLabelValues(reason).Set(float64(n))
	}
	reg.MustRegister(skipped)

	rows := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rows_reconciled",
		Help:      "Rows reconciled in the last run by classification.",
	}, []string{"kind"})
	rows.WithLabelValues("new").Set(float64(s.RowsNew))
	rows.WithLabelValues("changed").Set(float64(s.RowsChanged))
	rows.WithLabelValues("unchanged").Set(float64(s.RowsUnchanged))
	reg.MustRegister(rows)

	delivery := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "delivery_outcome",
		Help:      "Outcome of the last delivery (1 for the active outcome).",
	}, []string{"outcome"})
	delivery.WithLabelValues(s.Delivery).Set(1)
	reg.MustRegister(delivery)

	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
