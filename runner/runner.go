package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dhcgn/mailsheet-sync/config"
	"github.com/dhcgn/mailsheet-sync/delivery"
	"github.com/dhcgn/mailsheet-sync/extract"
	"github.com/dhcgn/mailsheet-sync/filter"
	"github.com/dhcgn/mailsheet-sync/mailbox"
	"github.com/dhcgn/mailsheet-sync/model"
	"github.com/dhcgn/mailsheet-sync/reconcile"
	"github.com/dhcgn/mailsheet-sync/reference"
	"github.com/dhcgn/mailsheet-sync/sheet"
	"github.com/dhcgn/mailsheet-sync/state"
	"github.com/dhcgn/mailsheet-sync/stats"
)

// Deliverer sends a delta downstream. *delivery.Client satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, delta model.Delta) (delivery.Result, error)
}

// Option overrides a collaborator, mainly for tests.
type Option func(*Runner)

func WithSource(src mailbox.Source) Option {
	return func(r *Runner) { r.source = src }
}

func WithLedger(l state.Ledger) Option {
	return func(r *Runner) { r.ledger = l }
}

func WithDeliverer(d Deliverer) Option {
	return func(r *Runner) { r.deliverer = d }
}

func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) { r.httpClient = c }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// Progress observes a run as it happens. *progress.Bar satisfies it.
type Progress interface {
	// Enabled reports whether anything is rendered. The candidate count
	// costs an extra mailbox search and is skipped when it is false.
	Enabled() bool
	Start(total int)
	Update(evt stats.Event)
	Finish(summary stats.Summary, duration time.Duration, err error)
}

func WithProgress(p Progress) Option {
	return func(r *Runner) { r.progress = p }
}

// Runner performs one reconciliation pass.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	source     mailbox.Source
	ledger     state.Ledger
	deliverer  Deliverer
	httpClient *http.Client
	now        func() time.Time
	progress   Progress

	collector *stats.Collector
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		collector: stats.NewCollector(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.httpClient == nil {
		r.httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if r.source == nil {
		src, err := NewSource(cfg, logger)
		if err != nil {
			return nil, err
		}
		r.source = src
	}
	if r.deliverer == nil && !cfg.DryRun {
		client, err := delivery.NewClient(delivery.Options{
			URL:         cfg.DeliveryURL,
			Token:       cfg.DeliveryToken,
			MaxAttempts: cfg.MaxAttempts,
			Timeout:     cfg.HTTPTimeout,
		}, r.httpClient, logger)
		if err != nil {
			return nil, fmt.Errorf("delivery client: %w", err)
		}
		r.deliverer = client
	}
	return r, nil
}

// NewSource builds the mailbox source selected by the config.
func NewSource(cfg config.Config, logger *slog.Logger) (mailbox.Source, error) {
	if cfg.MboxPath != "" {
		return mailbox.NewMboxSource(cfg.MboxPath, logger)
	}
	return mailbox.NewIMAPSource(mailbox.IMAPOptions{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Folder:             cfg.Folder,
	}, logger)
}

// Policy builds the mailbox selection policy from the config.
func Policy(cfg config.Config) (mailbox.Policy, error) {
	f, err := filter.New(filter.Options{IncludeHeader: cfg.IncludeHeader, ExcludeHeader: cfg.ExcludeHeader})
	if err != nil {
		return mailbox.Policy{}, err
	}
	return mailbox.Policy{
		UnseenOnly:  cfg.UnseenOnly,
		Since:       cfg.Since,
		Before:      cfg.Before,
		Filter:      f,
		MaxMessages: cfg.MaxMessages,
	}, nil
}

// LoadReference parses the configured reference spreadsheet.
func LoadReference(ctx context.Context, cfg config.Config, client *http.Client, logger *slog.Logger) (*reference.Dataset, error) {
	parser, err := sheet.NewParser(cfg.Schema, cfg.SheetName, logger)
	if err != nil {
		return nil, err
	}
	var hc reference.HTTPClient
	if client != nil {
		hc = client
	}
	return reference.NewLoader(parser, hc, logger).Load(ctx, cfg.Reference)
}

// pass carries the per-run working set.
type pass struct {
	ledger    state.Ledger
	parser    *sheet.Parser
	extractor *extract.Extractor
	engine    *reconcile.Engine

	pending  []model.ItemKey
	seenUIDs []uint32
	order    int
}

// Run executes one pass and returns its summary. A non-nil error means the
// run failed and nothing was recorded in the ledger.
func (r *Runner) Run(ctx context.Context) (stats.Summary, error) {
	started := r.now()
	err := r.run(ctx)

	summary := r.collector.Snapshot()
	duration := r.now().Sub(started)
	if err != nil {
		r.emit(stats.Event{Type: stats.EventTypeError, Err: err})
		summary = r.collector.Snapshot()
		r.logger.Error("run failed", append([]any{"duration", duration, "err", err}, summary.LogAttrs()...)...)
	} else {
		r.logger.Info("run completed", append([]any{"duration", duration, "dryRun", r.cfg.DryRun}, summary.LogAttrs()...)...)
	}

	if r.progress != nil {
		r.progress.Finish(summary, duration, err)
	}

	if r.cfg.MetricsFile != "" {
		if mErr := stats.WriteTextfile(r.cfg.MetricsFile, summary, err == nil, duration); mErr != nil {
			r.logger.Warn("metrics export failed", "path", r.cfg.MetricsFile, "err", mErr)
		}
	}
	return summary, err
}

func (r *Runner) emit(evt stats.Event) {
	r.collector.Record(evt)
	if r.progress != nil {
		r.progress.Update(evt)
	}
}

func (r *Runner) run(ctx context.Context) error {
	if !r.cfg.DryRun {
		lock, err := state.AcquireLock(r.cfg.StateDir)
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				r.logger.Warn("release run lock", "err", err)
			}
		}()
	}

	ledger := r.ledger
	if ledger == nil {
		opened, err := state.Open(r.cfg.StateDir, r.cfg.LedgerName, !r.cfg.DryRun, r.logger)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		ledger = opened
		defer func() {
			if err := ledger.Close(); err != nil {
				r.logger.Warn("close ledger", "err", err)
			}
		}()
	}

	baseline, err := LoadReference(ctx, r.cfg, r.httpClient, r.logger)
	if err != nil {
		return err
	}
	r.logger.Debug("ledger loaded", "entries", ledger.Snapshot().Processed)

	parser, err := sheet.NewParser(r.cfg.Schema, r.cfg.SheetName, r.logger)
	if err != nil {
		return err
	}
	policy, err := Policy(r.cfg)
	if err != nil {
		return err
	}

	p := &pass{
		ledger:    ledger,
		parser:    parser,
		extractor: extract.New(extract.Options{MaxSize: r.cfg.MaxAttachmentBytes()}, r.logger),
		engine:    reconcile.New(baseline, r.logger),
	}

	scanner := mailbox.NewScanner(r.source, r.logger)
	if err := scanner.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := scanner.Close(); err != nil {
			r.logger.Warn("close mailbox", "err", err)
		}
	}()

	if r.progress != nil && r.progress.Enabled() {
		total, err := scanner.Count(ctx, policy)
		if err != nil {
			return err
		}
		r.progress.Start(total)
	}

	scan, err := scanner.Scan(ctx, policy, func(msg model.Message) error {
		r.emit(stats.Event{Stage: stats.StageMailbox, Type: stats.EventTypeScanned, MessageID: msg.ID})
		r.processMessage(p, msg)
		return nil
	})
	if scan.Filtered > 0 {
		r.emit(stats.Event{Stage: stats.StageMailbox, Type: stats.EventTypeFiltered, Count: scan.Filtered})
	}
	if err != nil {
		return err
	}

	delta := p.engine.Delta()
	if r.cfg.DryRun {
		r.logDelta(delta)
		r.emit(stats.Event{Stage: stats.StageDelivery, Type: stats.EventTypeDelivery, Reason: stats.DeliveryDryRun, New: countKind(delta, model.ChangeNew), Changed: countKind(delta, model.ChangeChanged)})
		return nil
	}

	if err := r.deliver(ctx, delta); err != nil {
		return err
	}

	if err := r.record(p.ledger, p.pending); err != nil {
		return err
	}

	if r.cfg.MarkSeen && len(p.seenUIDs) > 0 {
		if err := scanner.MarkSeen(ctx, p.seenUIDs); err != nil {
			// ledger already holds the items; the next run skips them as duplicates
			r.logger.Warn("mark seen failed", "messages", len(p.seenUIDs), "err", err)
			r.emit(stats.Event{Stage: stats.StageMailbox, Type: stats.EventTypeError, Err: err})
		} else {
			r.emit(stats.Event{Stage: stats.StageMailbox, Type: stats.EventTypeMarkedSeen, Count: len(p.seenUIDs)})
		}
	}
	return nil
}

// processMessage extracts, parses and reconciles every attachment of msg.
// Failures here are per message or per attachment and never abort the run.
func (r *Runner) processMessage(p *pass, msg model.Message) {
	res, err := p.extractor.Extract(msg)
	if err != nil {
		r.logger.Warn("skipping message", "messageID", msg.ID, "subject", msg.Subject, "err", err)
		r.emit(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeSkipped, MessageID: msg.ID, Reason: stats.ReasonMalformedMIME, Err: err})
		p.seenUIDs = append(p.seenUIDs, msg.UID)
		return
	}

	for _, skipped := range res.Skipped {
		reason := stats.ReasonSizeLimit
		if errors.Is(skipped.Reason, extract.ErrUnsupportedFormat) {
			reason = stats.ReasonUnsupported
		}
		r.emit(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeSkipped, MessageID: msg.ID, Reason: reason, Err: skipped.Reason, Detail: skipped.Name})
	}
	if len(res.Attachments) == 0 && len(res.Skipped) == 0 {
		r.logger.Debug("no spreadsheet attachments", "messageID", msg.ID, "subject", msg.Subject)
		return
	}

	for _, att := range res.Attachments {
		r.processAttachment(p, att)
	}
	p.seenUIDs = append(p.seenUIDs, msg.UID)
}

func (r *Runner) processAttachment(p *pass, att model.Attachment) {
	key := att.Key()
	r.emit(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeFound, MessageID: att.MessageID, Detail: att.Name})

	if p.ledger.HasProcessed(key) {
		r.logger.Debug("attachment already processed", "messageID", att.MessageID, "attachment", att.Name)
		r.emit(stats.Event{Stage: stats.StageLedger, Type: stats.EventTypeDuplicate, MessageID: att.MessageID, Detail: att.Name})
		return
	}

	parsed, err := p.parser.Parse(att.Name, att.Data)
	if err != nil {
		reason := stats.ReasonParse
		if errors.Is(err, sheet.ErrSchemaValidation) {
			reason = stats.ReasonSchema
		}
		r.logger.Warn("skipping attachment", "messageID", att.MessageID, "attachment", att.Name, "reason", reason, "err", err)
		r.emit(stats.Event{Stage: stats.StageParse, Type: stats.EventTypeSkipped, MessageID: att.MessageID, Reason: reason, Err: err, Detail: att.Name})
		return
	}
	r.emit(stats.Event{Stage: stats.StageParse, Type: stats.EventTypeParsed, MessageID: att.MessageID, Count: len(parsed.Rows), Coerced: parsed.Coerced, Rules: parsed.RulesApplied})

	p.order++
	for i := range parsed.Rows {
		parsed.Rows[i].Source = key
		parsed.Rows[i].Order = p.order
	}

	out := p.engine.Apply(parsed.Rows)
	r.emit(stats.Event{
		Stage:     stats.StageReconcile,
		Type:      stats.EventTypeReconciled,
		MessageID: att.MessageID,
		New:       out.New,
		Changed:   out.Changed,
		Unchanged: out.Unchanged,
		Dropped:   out.Dropped,
	})
	r.logger.Debug("attachment reconciled", "messageID", att.MessageID, "attachment", att.Name, "rows", len(parsed.Rows), "new", out.New, "changed", out.Changed, "unchanged", out.Unchanged, "dropped", out.Dropped)

	p.pending = append(p.pending, key)
}

func (r *Runner) deliver(ctx context.Context, delta model.Delta) error {
	evt := stats.Event{
		Stage:   stats.StageDelivery,
		Type:    stats.EventTypeDelivery,
		New:     countKind(delta, model.ChangeNew),
		Changed: countKind(delta, model.ChangeChanged),
	}

	res, err := r.deliverer.Deliver(ctx, delta)
	evt.Count = res.Attempts
	switch {
	case err == nil && res.Skipped:
		evt.Reason = stats.DeliveryEmpty
		r.logger.Info("delta empty, nothing to deliver")
	case err == nil:
		evt.Reason = stats.DeliveryDelivered
		evt.Detail = res.RunID
	case errors.Is(err, delivery.ErrRejected):
		evt.Reason = stats.DeliveryRejected
	case errors.Is(err, delivery.ErrExhausted):
		evt.Reason = stats.DeliveryExhausted
	default:
		evt.Reason = stats.DeliveryFailed
	}
	r.emit(evt)
	if err != nil {
		return fmt.Errorf("deliver delta: %w", err)
	}
	return nil
}

func (r *Runner) record(ledger state.Ledger, keys []model.ItemKey) error {
	now := r.now()
	written := 0
	for _, key := range keys {
		if ledger.HasProcessed(key) {
			continue
		}
		if err := ledger.MarkProcessed(key, now); err != nil {
			return fmt.Errorf("record %s: %w", key, err)
		}
		written++
	}
	if err := ledger.Flush(); err != nil {
		return fmt.Errorf("flush ledger: %w", err)
	}
	r.emit(stats.Event{Stage: stats.StageLedger, Type: stats.EventTypeMarked, Count: written})
	return nil
}

func (r *Runner) logDelta(delta model.Delta) {
	for _, e := range delta {
		attrs := []any{"kind", e.Kind, "key", e.Row.Key}
		for _, src := range e.Sources {
			attrs = append(attrs, "source", src.String())
		}
		r.logger.Info("dry-run delta entry", attrs...)
	}
}

func countKind(delta model.Delta, kind model.ChangeKind) int {
	n := 0
	for _, e := range delta {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
