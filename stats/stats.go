package stats

import (
	"maps"
	"slices"
	"sync"
)

type Stage string

const (
	StageMailbox   Stage = "mailbox"
	StageExtract   Stage = "extract"
	StageParse     Stage = "parse"
	StageReconcile Stage = "reconcile"
	StageDelivery  Stage = "delivery"
	StageLedger    Stage = "ledger"
)

type EventType string

const (
	EventTypeScanned    EventType = "scanned"
	EventTypeFiltered   EventType = "filtered"
	EventTypeFound      EventType = "found"
	EventTypeDuplicate  EventType = "duplicate"
	EventTypeSkipped    EventType = "skipped"
	EventTypeParsed     EventType = "parsed"
	EventTypeReconciled EventType = "reconciled"
	EventTypeDelivery   EventType = "delivery"
	EventTypeMarked     EventType = "marked"
	EventTypeMarkedSeen EventType = "marked_seen"
	EventTypeError      EventType = "error"
)

// Skip reasons reported with EventTypeSkipped.
const (
	ReasonSizeLimit     = "size_limit"
	ReasonUnsupported   = "unsupported_format"
	ReasonMalformedMIME = "malformed_mime"
	ReasonParse         = "parse_error"
	ReasonSchema        = "schema_validation"
)

// Delivery outcomes reported with EventTypeDelivery.
const (
	DeliveryNone      = "not_attempted"
	DeliveryEmpty     = "skipped_empty"
	DeliveryDryRun    = "dry_run"
	DeliveryDelivered = "delivered"
	DeliveryRejected  = "rejected"
	DeliveryExhausted = "exhausted"
	DeliveryFailed    = "failed"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Reason    string
	Count     int
	Err       error
	Detail    string

	New, Changed, Unchanged, Dropped, Coerced int

	// Rules counts replace rules that matched in a parsed attachment.
	Rules int
}

type Summary struct {
	MessagesScanned    int
	MessagesFiltered   int
	MessagesMarkedSeen int
	AttachmentsFound   int
	AttachmentsParsed  int
	Duplicates         int
	Skipped            map[string]int
	RowsParsed         int
	RowsCoerced        int
	RulesApplied       int
	RowsNew            int
	RowsChanged        int
	RowsUnchanged      int
	RowsDropped        int
	DeltaEntries       int
	Delivery           string
	DeliveryAttempts   int
	Markers            int
	Errors             int
	LastError          error
}

// SkippedTotal sums skipped attachments and messages over all reasons.
func (s Summary) SkippedTotal() int {
	total := 0
	for _, n := range s.Skipped {
		total += n
	}
	return total
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"messagesScanned", s.MessagesScanned,
		"messagesFiltered", s.MessagesFiltered,
		"attachmentsFound", s.AttachmentsFound,
		"attachmentsParsed", s.AttachmentsParsed,
		"duplicates", s.Duplicates,
		"skipped", s.SkippedTotal(),
	}
	for _, reason := range slices.Sorted(maps.Keys(s.Skipped)) {
		attrs = append(attrs, "skipped."+reason, s.Skipped[reason])
	}
	attrs = append(attrs,
		"rowsParsed", s.RowsParsed,
		"rowsCoerced", s.RowsCoerced,
		"rulesApplied", s.RulesApplied,
		"rowsNew", s.RowsNew,
		"rowsChanged", s.RowsChanged,
		"rowsUnchanged", s.RowsUnchanged,
		"rowsDropped", s.RowsDropped,
		"delta", s.DeltaEntries,
		"delivery", s.Delivery,
		"deliveryAttempts", s.DeliveryAttempts,
		"markers", s.Markers,
		"markedSeen", s.MessagesMarkedSeen,
		"errors", s.Errors,
	)
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{summary: Summary{Skipped: make(map[string]int), Delivery: DeliveryNone}}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	summary.Skipped = maps.Clone(c.summary.Skipped)
	c.mu.Unlock()
	return summary
}

func (c *Collector) Record(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.MessagesScanned += atLeastOne(evt.Count)
	case EventTypeFiltered:
		c.summary.MessagesFiltered += atLeastOne(evt.Count)
	case EventTypeFound:
		c.summary.AttachmentsFound++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeSkipped:
		c.summary.Skipped[evt.Reason]++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeParsed:
		c.summary.AttachmentsParsed++
		c.summary.RowsParsed += evt.Count
		c.summary.RowsCoerced += evt.Coerced
		c.summary.RulesApplied += evt.Rules
	case EventTypeReconciled:
		c.summary.RowsNew += evt.New
		c.summary.RowsChanged += evt.Changed
		c.summary.RowsUnchanged += evt.Unchanged
		c.summary.RowsDropped += evt.Dropped
	case EventTypeDelivery:
		c.summary.Delivery = evt.Reason
		c.summary.DeliveryAttempts = evt.Count
		c.summary.DeltaEntries = evt.New + evt.Changed
		if evt.Err != nil {
			c.summary.Errors++
			c.summary.LastError = evt.Err
		}
	case EventTypeMarked:
		c.summary.Markers += evt.Count
	case EventTypeMarkedSeen:
		c.summary.MessagesMarkedSeen += evt.Count
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
