package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsheet-sync/model"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func parse(t *testing.T, mode Mode, args ...string) (Config, error) {
	t.Helper()
	t.Setenv("IMAP_PASS", "")
	t.Setenv("DELIVERY_TOKEN", "")

	cmd := &cobra.Command{Use: "test"}
	if err := RegisterFlags(cmd); err != nil {
		t.Fatalf("RegisterFlags() error = %v", err)
	}
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	return loadConfig(cmd.Flags(), mode, testNow)
}

var baseArgs = []string{
	"--imap-host", "imap.example.com",
	"--imap-user", "ops",
	"--imap-pass", "secret",
	"--reference", "master.xlsx",
	"--delivery-url", "https://api.example.com/ingest",
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := parse(t, ModeRun, baseArgs...)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.IMAPPort != 993 || !cfg.UseTLS || cfg.Folder != "INBOX" || !cfg.UnseenOnly || !cfg.MarkSeen {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.MaxAttempts != 5 || cfg.HTTPTimeout != 30*time.Second || cfg.MaxAttachmentBytes() != 10<<20 {
		t.Errorf("unexpected delivery defaults: %+v", cfg)
	}
	if cfg.LedgerName != "processed.jsonl" || !strings.HasSuffix(cfg.StateDir, filepath.Join(".mailsheet-sync", "state")) {
		t.Errorf("unexpected state defaults: %q %q", cfg.StateDir, cfg.LedgerName)
	}
	if len(cfg.Schema.Fields) != 4 {
		t.Errorf("expected default schema, got %+v", cfg.Schema)
	}
}

func TestLoadConfig_EnvFallbacks(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	if err := RegisterFlags(cmd); err != nil {
		t.Fatalf("RegisterFlags() error = %v", err)
	}
	if err := cmd.ParseFlags([]string{"--imap-host", "h", "--imap-user", "u", "--reference", "r.csv", "--delivery-url", "http://x"}); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	t.Setenv("IMAP_PASS", "from-env")
	t.Setenv("DELIVERY_TOKEN", "token-env")

	cfg, err := loadConfig(cmd.Flags(), ModeRun, testNow)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.IMAPPass != "from-env" || cfg.DeliveryToken != "token-env" {
		t.Errorf("env fallbacks not applied: %+v", cfg)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		mode Mode
		args []string
		want string
	}{
		{name: "no source", args: []string{"--reference", "r", "--delivery-url", "u"}, want: "--imap-host or --mbox"},
		{name: "both sources", args: append([]string{"--mbox", "a.mbox"}, baseArgs...), want: "mutually exclusive"},
		{name: "missing password", args: []string{"--imap-host", "h", "--imap-user", "u", "--reference", "r", "--delivery-url", "u"}, want: "IMAP password"},
		{name: "missing reference", args: []string{"--mbox", "a.mbox", "--delivery-url", "u"}, want: "--reference"},
		{name: "missing delivery url", args: []string{"--mbox", "a.mbox", "--reference", "r"}, want: "--delivery-url"},
		{name: "include and exclude", args: append([]string{"--include-header", "a", "--exclude-header", "b"}, baseArgs...), want: "mutually exclusive"},
		{name: "bad log level", args: append([]string{"--log-level", "loud"}, baseArgs...), want: "--log-level"},
		{name: "bad since", args: append([]string{"--since", "yesterday"}, baseArgs...), want: "--since"},
		{name: "ledger path", args: append([]string{"--ledger", "../x.jsonl"}, baseArgs...), want: "--ledger"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.mode, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("LoadConfig() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfig_Modes(t *testing.T) {
	if _, err := parse(t, ModeRun, "--mbox", "a.mbox", "--reference", "r", "--dry-run"); err != nil {
		t.Errorf("dry-run without delivery url: %v", err)
	}
	if _, err := parse(t, ModeCheck, "--mbox", "a.mbox", "--reference", "r"); err != nil {
		t.Errorf("check mode: %v", err)
	}
	if _, err := parse(t, ModeLedger); err != nil {
		t.Errorf("ledger mode: %v", err)
	}
}

func TestLoadConfig_LogLevelAlias(t *testing.T) {
	cfg, err := parse(t, ModeRun, append([]string{"--log-level", "WARNING"}, baseArgs...)...)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestParseBound(t *testing.T) {
	got, err := parseBound("since", "72h", testNow)
	if err != nil || !got.Equal(testNow.Add(-72*time.Hour)) {
		t.Errorf("duration: %v %v", got, err)
	}
	got, err = parseBound("since", "2025-03-01", testNow)
	if err != nil || got.Year() != 2025 || got.Month() != 3 || got.Day() != 1 {
		t.Errorf("date: %v %v", got, err)
	}
	if got, err := parseBound("since", "", testNow); err != nil || !got.IsZero() {
		t.Errorf("empty: %v %v", got, err)
	}
	if _, err := parseBound("before", "-1h", testNow); err == nil || !strings.Contains(err.Error(), "--before") {
		t.Errorf("expected --before error for negative duration, got %v", err)
	}
}

func TestLoadConfig_ReceiveWindow(t *testing.T) {
	cfg, err := parse(t, ModeRun, append([]string{"--since", "2025-03-01", "--before", "24h"}, baseArgs...)...)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if !cfg.Before.Equal(testNow.Add(-24 * time.Hour)) {
		t.Errorf("Before = %v", cfg.Before)
	}
	if cfg.Since.Day() != 1 {
		t.Errorf("Since = %v", cfg.Since)
	}

	_, err = parse(t, ModeRun, append([]string{"--since", "24h", "--before", "72h"}, baseArgs...)...)
	if err == nil || !strings.Contains(err.Error(), "--before must be later than --since") {
		t.Fatalf("expected window error, got %v", err)
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_TOMLFile(t *testing.T) {
	path := writeConfig(t, "config.toml", `
imap_host = "imap.file.example"
imap_user = "file-user"
imap_pass = "file-pass"
reference = "https://share.example/master.xlsx"
delivery_url = "https://api.example/ingest"
max_attempts = 7
http_timeout = "5s"
mark_seen = false
since = "2025-03-01"
before = "2025-03-08"

[schema]
[[schema.fields]]
name = "waybill"
type = "string"
required = true
key = true
aliases = ["waybill", "накладная"]

[[schema.replace]]
column = "waybill"
find = "n/a"
replace = ""
`)

	cfg, err := parse(t, ModeRun, "--config", path, "--imap-user", "flag-user")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.IMAPHost != "imap.file.example" || cfg.IMAPPass != "file-pass" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.IMAPUser != "flag-user" {
		t.Errorf("IMAPUser = %q, explicit flag must win", cfg.IMAPUser)
	}
	if cfg.MaxAttempts != 7 || cfg.HTTPTimeout != 5*time.Second || cfg.MarkSeen {
		t.Errorf("unexpected values: attempts=%d timeout=%v markSeen=%v", cfg.MaxAttempts, cfg.HTTPTimeout, cfg.MarkSeen)
	}
	if cfg.Since.IsZero() || cfg.Before.Day() != 8 {
		t.Errorf("window from file not applied: since=%v before=%v", cfg.Since, cfg.Before)
	}
	if len(cfg.Schema.Fields) != 1 || cfg.Schema.Fields[0].Name != "waybill" || len(cfg.Schema.Replace) != 1 {
		t.Errorf("unexpected schema: %+v", cfg.Schema)
	}
}

func TestLoadConfig_YAMLFile(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
mbox: replay.mbox
reference: master.csv
dry_run: true
include_header:
  - "From:.*@supplier"
schema:
  fields:
    - name: identifier
      type: string
      required: true
      key: true
    - name: quantity
      type: number
      required: true
      aliases: [qty]
`)

	cfg, err := parse(t, ModeRun, "--config", path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.MboxPath != "replay.mbox" || !cfg.DryRun || len(cfg.IncludeHeader) != 1 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if len(cfg.Schema.Fields) != 2 || cfg.Schema.Fields[1].Type != model.FieldNumber {
		t.Errorf("unexpected schema: %+v", cfg.Schema)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := parse(t, ModeRun, "--config", filepath.Join(t.TempDir(), "absent.toml"))
	if err == nil || !strings.Contains(err.Error(), "load config file") {
		t.Fatalf("LoadConfig() error = %v", err)
	}
}
