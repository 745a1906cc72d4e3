package runner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dhcgn/mailsheet-sync/config"
	"github.com/dhcgn/mailsheet-sync/delivery"
	"github.com/dhcgn/mailsheet-sync/mailbox"
	"github.com/dhcgn/mailsheet-sync/model"
	"github.com/dhcgn/mailsheet-sync/reference"
	"github.com/dhcgn/mailsheet-sync/sheet"
	"github.com/dhcgn/mailsheet-sync/state"
	"github.com/dhcgn/mailsheet-sync/stats"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type attachment struct {
	name string
	body string
}

func rawMessage(id string, at time.Time, atts ...attachment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: ops@supplier.example\n")
	fmt.Fprintf(&b, "Subject: report %s\n", id)
	fmt.Fprintf(&b, "Message-ID: <%s>\n", id)
	fmt.Fprintf(&b, "Date: %s\n", at.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\n")
	b.WriteString("Content-Type: multipart/mixed; boundary=BOUNDARY\n\n")
	b.WriteString("--BOUNDARY\nContent-Type: text/plain\n\nsee attached\n")
	for _, a := range atts {
		b.WriteString("--BOUNDARY\n")
		fmt.Fprintf(&b, "Content-Type: application/octet-stream\n")
		fmt.Fprintf(&b, "Content-Disposition: attachment; filename=%q\n", a.name)
		b.WriteString("Content-Transfer-Encoding: base64\n\n")
		b.WriteString(base64.StdEncoding.EncodeToString([]byte(a.body)))
		b.WriteString("\n")
	}
	b.WriteString("--BOUNDARY--\n")
	return b.String()
}

type memSource struct {
	mu    sync.Mutex
	msgs  []model.Message
	seen  []uint32
	lists int
}

func newMemSource(raws ...string) *memSource {
	src := &memSource{}
	for i, raw := range raws {
		src.add(uint32(i+1), time.Date(2025, 3, 1, 8, i, 0, 0, time.UTC), raw)
	}
	return src
}

func (m *memSource) add(uid uint32, at time.Time, raw string) {
	id := ""
	for _, line := range strings.Split(raw, "\n") {
		if v, ok := strings.CutPrefix(line, "Message-ID: "); ok {
			id = strings.Trim(v, "<>")
		}
	}
	m.msgs = append(m.msgs, model.Message{ID: id, UID: uid, ReceivedAt: at, Raw: []byte(raw)})
}

func (m *memSource) Open(context.Context) (mailbox.Session, error) { return &memSession{src: m}, nil }

func (m *memSource) listCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lists
}

func (m *memSource) seenUIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.seen...)
}

type memSession struct{ src *memSource }

func (s *memSession) List(context.Context, mailbox.Policy) ([]mailbox.Ref, error) {
	s.src.mu.Lock()
	s.src.lists++
	s.src.mu.Unlock()
	refs := make([]mailbox.Ref, 0, len(s.src.msgs))
	for _, msg := range s.src.msgs {
		refs = append(refs, mailbox.Ref{UID: msg.UID, ReceivedAt: msg.ReceivedAt})
	}
	return refs, nil
}

func (s *memSession) Fetch(_ context.Context, ref mailbox.Ref) (model.Message, error) {
	for _, msg := range s.src.msgs {
		if msg.UID == ref.UID {
			return msg, nil
		}
	}
	return model.Message{}, fmt.Errorf("uid %d not found", ref.UID)
}

func (s *memSession) MarkSeen(_ context.Context, uids []uint32) error {
	s.src.mu.Lock()
	s.src.seen = append(s.src.seen, uids...)
	s.src.mu.Unlock()
	return nil
}

func (s *memSession) Close() error { return nil }

type endpoint struct {
	mu       sync.Mutex
	payloads []map[string]any
	status   int
}

func newEndpoint(t *testing.T) (*endpoint, *httptest.Server) {
	t.Helper()
	ep := &endpoint{status: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		ep.mu.Lock()
		ep.payloads = append(ep.payloads, body)
		status := ep.status
		ep.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return ep, srv
}

func (e *endpoint) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.payloads)
}

// entries maps delivered keys to their quantity and kind.
func (e *endpoint) entries(call int) map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string)
	for _, raw := range e.payloads[call]["entries"].([]any) {
		entry := raw.(map[string]any)
		fields := entry["fields"].(map[string]any)
		out[entry["key"].(string)] = fmt.Sprintf("%s:%v", entry["kind"], fields["quantity"])
	}
	return out
}

func testConfig(t *testing.T, referenceCSV, deliveryURL string) config.Config {
	t.Helper()
	dir := t.TempDir()
	ref := filepath.Join(dir, "master.csv")
	if err := os.WriteFile(ref, []byte(referenceCSV), 0o600); err != nil {
		t.Fatalf("write reference: %v", err)
	}
	return config.Config{
		Reference:       ref,
		DeliveryURL:     deliveryURL,
		MaxAttempts:     1,
		HTTPTimeout:     5 * time.Second,
		MaxAttachmentMB: 10,
		Schema:          sheet.DefaultSchema(),
		StateDir:        filepath.Join(dir, "state"),
		LedgerName:      state.DefaultLedgerName,
		MarkSeen:        true,
		UnseenOnly:      true,
		LogLevel:        "info",
	}
}

func run(t *testing.T, cfg config.Config, opts ...Option) (stats.Summary, error) {
	t.Helper()
	r, err := New(cfg, quietLogger, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r.Run(context.Background())
}

func TestRun_ChangedAgainstReferenceAndIdempotent(t *testing.T) {
	ep, srv := newEndpoint(t)
	cfg := testConfig(t, "id,qty\nINV-100,5\nINV-200,1\n", srv.URL)

	mboxPath := filepath.Join(t.TempDir(), "inbox.mbox")
	msg := rawMessage("m1@example", time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		attachment{name: "report.csv", body: "id,qty\nINV-100,8\nINV-200,1\nINV-300,2\n"})
	if err := os.WriteFile(mboxPath, []byte("From ops@supplier.example Sat Mar  1 09:00:00 2025\n"+msg+"\n"), 0o600); err != nil {
		t.Fatalf("write mbox: %v", err)
	}
	cfg.MboxPath = mboxPath

	summary, err := run(t, cfg)
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if ep.calls() != 1 {
		t.Fatalf("expected one delivery, got %d", ep.calls())
	}
	got := ep.entries(0)
	if len(got) != 2 || got["INV-100"] != "changed:8" || got["INV-300"] != "new:2" {
		t.Fatalf("unexpected delta: %v", got)
	}
	if summary.Delivery != stats.DeliveryDelivered || summary.Markers != 1 || summary.RowsUnchanged != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	summary, err = run(t, cfg)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if ep.calls() != 1 {
		t.Fatalf("second run delivered again: %d calls", ep.calls())
	}
	if summary.Duplicates != 1 || summary.Delivery != stats.DeliveryEmpty || summary.Markers != 0 {
		t.Errorf("unexpected second summary: %+v", summary)
	}
}

type failingDeliverer struct {
	err   error
	calls int
}

func (f *failingDeliverer) Deliver(context.Context, model.Delta) (delivery.Result, error) {
	f.calls++
	return delivery.Result{Attempts: 5}, f.err
}

func TestRun_ExhaustedDeliveryRecordsNothing(t *testing.T) {
	ep, srv := newEndpoint(t)
	cfg := testConfig(t, "id,qty\nINV-100,5\n", srv.URL)
	src := newMemSource(rawMessage("m1@example", time.Now(), attachment{name: "a.csv", body: "id,qty\nINV-100,9\n"}))

	failing := &failingDeliverer{err: fmt.Errorf("%w after 5 attempts: boom", delivery.ErrExhausted)}
	summary, err := run(t, cfg, WithSource(src), WithDeliverer(failing))
	if !errors.Is(err, delivery.ErrExhausted) {
		t.Fatalf("Run() error = %v, want ErrExhausted", err)
	}
	if summary.Delivery != stats.DeliveryExhausted || summary.DeliveryAttempts != 5 || summary.Markers != 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if seen := src.seenUIDs(); len(seen) != 0 {
		t.Errorf("messages marked seen after failed delivery: %v", seen)
	}

	ledger, err := state.Open(cfg.StateDir, cfg.LedgerName, false, nil)
	if err != nil {
		t.Fatalf("state.Open() error = %v", err)
	}
	if n := ledger.Snapshot().Processed; n != 0 {
		t.Fatalf("ledger holds %d markers after failed delivery", n)
	}
	_ = ledger.Close()

	if _, err := run(t, cfg, WithSource(src)); err != nil {
		t.Fatalf("retry Run() error = %v", err)
	}
	if ep.calls() != 1 || ep.entries(0)["INV-100"] != "changed:9" {
		t.Fatalf("retry did not redeliver the delta")
	}
	if seen := src.seenUIDs(); len(seen) != 1 || seen[0] != 1 {
		t.Errorf("seen = %v, want [1]", seen)
	}
}

func TestRun_RejectedDelivery(t *testing.T) {
	ep, srv := newEndpoint(t)
	ep.status = http.StatusUnprocessableEntity
	cfg := testConfig(t, "id,qty\n", srv.URL)
	cfg.MaxAttempts = 3
	src := newMemSource(rawMessage("m1@example", time.Now(), attachment{name: "a.csv", body: "id,qty\nK,1\n"}))

	summary, err := run(t, cfg, WithSource(src))
	if !errors.Is(err, delivery.ErrRejected) {
		t.Fatalf("Run() error = %v, want ErrRejected", err)
	}
	if ep.calls() != 1 || summary.Delivery != stats.DeliveryRejected {
		t.Errorf("calls = %d summary = %+v", ep.calls(), summary)
	}
}

func TestRun_CorruptAttachmentIsIsolated(t *testing.T) {
	ep, srv := newEndpoint(t)
	cfg := testConfig(t, "id,qty\n", srv.URL)

	src := newMemSource(rawMessage("m1@example", time.Now(),
		attachment{name: "a.csv", body: "id,qty\nA,1\n"},
		attachment{name: "b.csv", body: "id,qty\nB,1\n"},
		attachment{name: "broken.xlsx", body: "PK\x03\x04 definitely not a workbook"},
		attachment{name: "c.csv", body: "id,qty\nC,1\n"},
		attachment{name: "d.csv", body: "id,qty\nD,1\n"},
	))

	summary, err := run(t, cfg, WithSource(src))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.AttachmentsFound != 5 || summary.AttachmentsParsed != 4 || summary.Skipped[stats.ReasonParse] != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	got := ep.entries(0)
	if len(got) != 4 {
		t.Fatalf("expected rows from the 4 valid attachments, got %v", got)
	}
	if summary.Markers != 4 {
		t.Errorf("Markers = %d, want 4", summary.Markers)
	}
	if seen := src.seenUIDs(); len(seen) != 1 {
		t.Errorf("seen = %v, want the message marked", seen)
	}
}

func TestRun_SchemaFailureIsSkipped(t *testing.T) {
	_, srv := newEndpoint(t)
	cfg := testConfig(t, "id,qty\n", srv.URL)
	src := newMemSource(rawMessage("m1@example", time.Now(),
		attachment{name: "a.csv", body: "id,status\nA,open\n"},
	))

	summary, err := run(t, cfg, WithSource(src))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Skipped[stats.ReasonSchema] != 1 || summary.Delivery != stats.DeliveryEmpty {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestRun_LastWriteWinsAcrossMessages(t *testing.T) {
	ep, srv := newEndpoint(t)
	cfg := testConfig(t, "id,qty\nK,1\n", srv.URL)

	src := &memSource{}
	// listed newest first; arrival time decides
	src.add(7, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), rawMessage("newer@example", time.Now(), attachment{name: "x.csv", body: "id,qty\nK,3\n"}))
	src.add(3, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), rawMessage("older@example", time.Now(), attachment{name: "x.csv", body: "id,qty\nK,2\n"}))

	if _, err := run(t, cfg, WithSource(src)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := ep.entries(0); got["K"] != "changed:3" {
		t.Fatalf("K = %q, want newer value 3", got["K"])
	}
}

func TestRun_DuplicateKeyWithinAttachment(t *testing.T) {
	ep, srv := newEndpoint(t)
	cfg := testConfig(t, "id,qty\n", srv.URL)
	src := newMemSource(rawMessage("m1@example", time.Now(),
		attachment{name: "a.csv", body: "id,qty\nINV-200,3\nX,1\nINV-200,9\n"},
	))

	if _, err := run(t, cfg, WithSource(src)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := ep.entries(0); got["INV-200"] != "new:9" || len(got) != 2 {
		t.Fatalf("unexpected delta: %v", got)
	}
}

func TestRun_LockHeld(t *testing.T) {
	ep, srv := newEndpoint(t)
	cfg := testConfig(t, "id,qty\n", srv.URL)
	src := newMemSource(rawMessage("m1@example", time.Now(), attachment{name: "a.csv", body: "id,qty\nK,1\n"}))

	lock, err := state.AcquireLock(cfg.StateDir)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	defer lock.Release()

	_, err = run(t, cfg, WithSource(src))
	if !errors.Is(err, state.ErrLocked) {
		t.Fatalf("Run() error = %v, want ErrLocked", err)
	}
	if ep.calls() != 0 {
		t.Error("delivery attempted while locked")
	}
}

func TestRun_ReferenceFailureIsFatal(t *testing.T) {
	ep, srv := newEndpoint(t)
	cfg := testConfig(t, "id,qty\nA,1\nA,2\n", srv.URL)
	src := newMemSource(rawMessage("m1@example", time.Now(), attachment{name: "a.csv", body: "id,qty\nK,1\n"}))

	_, err := run(t, cfg, WithSource(src))
	if !errors.Is(err, reference.ErrDataIntegrity) {
		t.Fatalf("Run() error = %v, want ErrDataIntegrity", err)
	}

	cfg.Reference = filepath.Join(t.TempDir(), "missing.xlsx")
	_, err = run(t, cfg, WithSource(src))
	if !errors.Is(err, reference.ErrLoad) {
		t.Fatalf("Run() error = %v, want ErrLoad", err)
	}
	if ep.calls() != 0 || len(src.seenUIDs()) != 0 {
		t.Error("mailbox or endpoint touched after reference failure")
	}
}

func TestRun_DryRun(t *testing.T) {
	cfg := testConfig(t, "id,qty\n", "")
	cfg.DryRun = true
	src := newMemSource(rawMessage("m1@example", time.Now(), attachment{name: "a.csv", body: "id,qty\nK,1\n"}))

	summary, err := run(t, cfg, WithSource(src))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Delivery != stats.DeliveryDryRun || summary.DeltaEntries != 1 || summary.Markers != 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if len(src.seenUIDs()) != 0 {
		t.Error("dry-run marked messages seen")
	}
	if _, err := os.Stat(filepath.Join(cfg.StateDir, state.DefaultLedgerName)); err == nil {
		t.Error("dry-run created the ledger file")
	}
}

func TestRun_MessagesWithoutSpreadsheetsStayUnseen(t *testing.T) {
	_, srv := newEndpoint(t)
	cfg := testConfig(t, "id,qty\n", srv.URL)
	src := newMemSource(
		rawMessage("plain@example", time.Now()),
		rawMessage("m1@example", time.Now(), attachment{name: "a.csv", body: "id,qty\nK,1\n"}),
	)

	if _, err := run(t, cfg, WithSource(src)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if seen := src.seenUIDs(); len(seen) != 1 || seen[0] != 2 {
		t.Errorf("seen = %v, want [2]", seen)
	}
}

func TestRun_MetricsFile(t *testing.T) {
	_, srv := newEndpoint(t)
	cfg := testConfig(t, "id,qty\n", srv.URL)
	cfg.MetricsFile = filepath.Join(t.TempDir(), "mailsheet.prom")
	src := newMemSource(rawMessage("m1@example", time.Now(), attachment{name: "a.csv", body: "id,qty\nK,1\n"}))

	if _, err := run(t, cfg, WithSource(src)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	data, err := os.ReadFile(cfg.MetricsFile)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(data), "mailsheet_sync_last_run_success 1") {
		t.Errorf("metrics missing success gauge:\n%s", data)
	}
}

type recordingProgress struct {
	disabled bool
	started  bool
	total    int
	scanned  int
	finished bool
	err      error
}

func (p *recordingProgress) Enabled() bool { return !p.disabled }

func (p *recordingProgress) Start(total int) {
	p.started = true
	p.total = total
}

func (p *recordingProgress) Update(evt stats.Event) {
	if evt.Type == stats.EventTypeScanned {
		p.scanned++
	}
}

func (p *recordingProgress) Finish(_ stats.Summary, _ time.Duration, err error) {
	p.finished = true
	p.err = err
}

func TestRun_ReportsProgress(t *testing.T) {
	_, srv := newEndpoint(t)
	cfg := testConfig(t, "id,qty\n", srv.URL)
	src := newMemSource(
		rawMessage("m1@example", time.Now(), attachment{name: "a.csv", body: "id,qty\nK,1\n"}),
		rawMessage("m2@example", time.Now()),
	)
	p := &recordingProgress{}

	if _, err := run(t, cfg, WithSource(src), WithProgress(p)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if p.total != 2 || p.scanned != 2 {
		t.Errorf("progress total=%d scanned=%d, want 2/2", p.total, p.scanned)
	}
	if !p.finished || p.err != nil {
		t.Errorf("progress finished=%v err=%v", p.finished, p.err)
	}
	if src.listCalls() != 2 {
		t.Errorf("mailbox searched %d times, want count plus scan", src.listCalls())
	}
}

func TestRun_DisabledProgressSkipsCount(t *testing.T) {
	_, srv := newEndpoint(t)
	cfg := testConfig(t, "id,qty\n", srv.URL)
	src := newMemSource(rawMessage("m1@example", time.Now(), attachment{name: "a.csv", body: "id,qty\nK,1\n"}))
	p := &recordingProgress{disabled: true}

	if _, err := run(t, cfg, WithSource(src), WithProgress(p)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if p.started {
		t.Error("disabled progress was started")
	}
	if src.listCalls() != 1 {
		t.Errorf("mailbox searched %d times, want 1", src.listCalls())
	}
	if p.scanned != 1 || !p.finished {
		t.Errorf("progress scanned=%d finished=%v", p.scanned, p.finished)
	}
}

func TestRun_LegacyWorkbookCountedAsUnsupported(t *testing.T) {
	ep, srv := newEndpoint(t)
	cfg := testConfig(t, "id,qty\n", srv.URL)
	src := newMemSource(rawMessage("m1@example", time.Now(),
		attachment{name: "old.xls", body: "\xd0\xcf\x11\xe0"},
		attachment{name: "a.csv", body: "id,qty\nK,1\n"},
	))

	summary, err := run(t, cfg, WithSource(src))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Skipped[stats.ReasonUnsupported] != 1 || summary.Skipped[stats.ReasonSizeLimit] != 0 {
		t.Errorf("skipped = %v", summary.Skipped)
	}
	if got := ep.entries(0); len(got) != 1 {
		t.Errorf("entries = %v", got)
	}
}

func TestPolicy_CarriesReceiveWindow(t *testing.T) {
	cfg := config.Config{
		UnseenOnly: true,
		Since:      time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Before:     time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC),
	}
	policy, err := Policy(cfg)
	if err != nil {
		t.Fatalf("Policy() error = %v", err)
	}
	if !policy.Since.Equal(cfg.Since) || !policy.Before.Equal(cfg.Before) || !policy.UnseenOnly {
		t.Errorf("policy = %+v", policy)
	}
}
