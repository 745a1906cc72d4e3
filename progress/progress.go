package progress

import (
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mailsheet-sync/stats"
)

// Bar renders a terminal progress bar over the scanned messages of a run.
// A disabled Bar accepts every call and prints nothing.
type Bar struct {
	mu      sync.Mutex
	enabled bool
	pb      *pterm.ProgressbarPrinter
	total   int
}

// New creates a bar. It is enabled only when logLevel is "info"; debug
// output would tear the bar and warn/error levels ask for silence.
func New(logLevel string) *Bar {
	return &Bar{enabled: logLevel == "info"}
}

// Enabled reports whether the bar renders anything.
func (b *Bar) Enabled() bool {
	return b.enabled
}

// Start begins rendering once the number of candidate messages is known.
func (b *Bar) Start(total int) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.total = total
	pterm.Info.Printf("Candidate messages: %d\n", total)
	if total == 0 {
		return
	}
	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("Scanning mailbox").
		Start()
	if err != nil {
		return
	}
	b.pb = pb
}

// Update advances the bar for scanned messages and surfaces skips and
// errors above it.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		if b.pb == nil {
			return
		}
		b.pb.Increment()
		if evt.MessageID != "" {
			b.pb.UpdateTitle("Processing: " + shorten(evt.MessageID, 40))
		}
	case stats.EventTypeSkipped:
		name := evt.Detail
		if name == "" {
			name = evt.MessageID
		}
		pterm.Warning.Printf("Skipped %s (%s)\n", name, evt.Reason)
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Finish stops the bar and prints the run summary.
func (b *Bar) Finish(summary stats.Summary, duration time.Duration, runErr error) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb != nil {
		if b.pb.Current < b.total {
			b.pb.Current = b.total
		}
		_, _ = b.pb.Stop()
		b.pb = nil
	}

	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	pterm.Info.Printf("Messages scanned: %d\n", summary.MessagesScanned)
	pterm.Info.Printf("Attachments parsed: %d\n", summary.AttachmentsParsed)
	pterm.Info.Printf("Duplicates: %d\n", summary.Duplicates)
	pterm.Info.Printf("Skipped: %d\n", summary.SkippedTotal())
	pterm.Info.Printf("Delta entries: %d\n", summary.DeltaEntries)
	pterm.Info.Printf("Delivery: %s (%d attempts)\n", summary.Delivery, summary.DeliveryAttempts)

	if runErr != nil {
		pterm.Error.Printf("Run failed: %v\n", runErr)
		return
	}
	pterm.Success.Println("Run complete!")
}

func shorten(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
