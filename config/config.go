package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dhcgn/mailsheet-sync/sheet"
)

// Mode selects which settings a command needs validated.
type Mode int

const (
	ModeRun Mode = iota
	ModeCheck
	ModeLedger
)

// Config captures all options required for one pass.
type Config struct {
	MboxPath           string
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
	UnseenOnly         bool
	Since              time.Time
	Before             time.Time
	IncludeHeader      []string
	ExcludeHeader      []string
	MaxMessages        int

	Reference       string
	SheetName       string
	MaxAttachmentMB int
	Schema          sheet.Schema

	DeliveryURL   string
	DeliveryToken string
	MaxAttempts   int
	HTTPTimeout   time.Duration

	StateDir    string
	LedgerName  string
	MarkSeen    bool
	DryRun      bool
	LogLevel    string
	LogDir      string
	MetricsFile string
	ConfigFile  string
}

// RegisterFlags attaches all CLI flags to the provided command. Flags are
// persistent so subcommands see the same settings.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Optional TOML or YAML config file; explicit flags take precedence")

	flags.String("mbox", "", "Replay a local .mbox file instead of connecting to IMAP")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("folder", "INBOX", "IMAP folder to scan")
	flags.Bool("unseen-only", true, "Only scan messages without the \\Seen flag")
	flags.String("since", "", "Only scan messages received on or after this date (2006-01-02) or within this duration (e.g. 72h)")
	flags.String("before", "", "Only scan messages received before this date (2006-01-02) or older than this duration (e.g. 24h)")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with --exclude-header)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with --include-header)")
	flags.Int("max-messages", 0, "Maximum number of messages per run, oldest first (0 = unlimited)")

	flags.String("reference", "", "Reference spreadsheet: local path or http(s) URL")
	flags.String("sheet", "", "Worksheet name to read from workbooks (default: first sheet)")
	flags.Int("max-attachment-mb", 10, "Skip attachments larger than this many MiB")

	flags.String("delivery-url", "", "HTTP endpoint receiving the delta")
	flags.String("delivery-token", "", "Bearer token for the endpoint (falls back to DELIVERY_TOKEN env var)")
	flags.Int("max-attempts", 5, "Maximum delivery attempts")
	flags.Duration("http-timeout", 30*time.Second, "Timeout for each HTTP request")

	flags.String("state-dir", defaultStateDir, "Directory for the run ledger and lock file")
	flags.String("ledger", "processed.jsonl", "Ledger file name inside --state-dir (.db/.sqlite selects SQLite)")
	flags.Bool("mark-seen", true, "Flag fully processed messages as \\Seen")
	flags.Bool("dry-run", false, "Reconcile and log the delta without delivering or recording anything")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.String("metrics-file", "", "Write run metrics in Prometheus textfile format to this path")

	return nil
}

// LoadConfig converts the parsed Cobra flags, the optional config file and
// environment fallbacks into a validated Config.
func LoadConfig(cmd *cobra.Command, mode Mode) (Config, error) {
	return loadConfig(cmd.Flags(), mode, time.Now())
}

func loadConfig(flags *pflag.FlagSet, mode Mode, now time.Time) (Config, error) {
	var (
		cfg    Config
		since  string
		before string
		err    error
	)

	r := flagReader{flags: flags}
	cfg.ConfigFile = r.string("config")
	cfg.MboxPath = r.string("mbox")
	cfg.IMAPHost = r.string("imap-host")
	cfg.IMAPPort = r.int("imap-port")
	cfg.IMAPUser = r.string("imap-user")
	cfg.IMAPPass = r.string("imap-pass")
	cfg.UseTLS = r.bool("use-tls")
	cfg.InsecureSkipVerify = r.bool("insecure-skip-verify")
	cfg.Folder = r.string("folder")
	cfg.UnseenOnly = r.bool("unseen-only")
	since = r.string("since")
	before = r.string("before")
	cfg.IncludeHeader = r.stringArray("include-header")
	cfg.ExcludeHeader = r.stringArray("exclude-header")
	cfg.MaxMessages = r.int("max-messages")
	cfg.Reference = r.string("reference")
	cfg.SheetName = r.string("sheet")
	cfg.MaxAttachmentMB = r.int("max-attachment-mb")
	cfg.DeliveryURL = r.string("delivery-url")
	cfg.DeliveryToken = r.string("delivery-token")
	cfg.MaxAttempts = r.int("max-attempts")
	cfg.HTTPTimeout = r.duration("http-timeout")
	cfg.StateDir = r.string("state-dir")
	cfg.LedgerName = r.string("ledger")
	cfg.MarkSeen = r.bool("mark-seen")
	cfg.DryRun = r.bool("dry-run")
	cfg.LogLevel = r.string("log-level")
	cfg.LogDir = r.string("log-dir")
	cfg.MetricsFile = r.string("metrics-file")
	if r.err != nil {
		return Config{}, r.err
	}

	cfg.Schema = sheet.DefaultSchema()

	if cfg.ConfigFile != "" {
		fc, err := LoadFileConfig(cfg.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", cfg.ConfigFile, err)
		}
		changed := make(map[string]bool)
		flags.Visit(func(f *pflag.Flag) {
			changed[f.Name] = true
		})
		if err := ApplyFileConfig(&cfg, &since, &before, fc, changed); err != nil {
			return Config{}, fmt.Errorf("apply config file %s: %w", cfg.ConfigFile, err)
		}
	}

	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}
	if cfg.DeliveryToken == "" {
		cfg.DeliveryToken = os.Getenv("DELIVERY_TOKEN")
	}

	if cfg.StateDir == "" {
		cfg.StateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)

	cfg.Since, err = parseBound("since", since, now)
	if err != nil {
		return Config{}, err
	}
	cfg.Before, err = parseBound("before", before, now)
	if err != nil {
		return Config{}, err
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if err := validateConfig(cfg, mode); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// MaxAttachmentBytes returns the attachment ceiling in bytes.
func (c Config) MaxAttachmentBytes() int64 {
	return int64(c.MaxAttachmentMB) << 20
}

func validateConfig(cfg Config, mode Mode) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}
	if cfg.LedgerName == "" || filepath.Base(cfg.LedgerName) != cfg.LedgerName {
		return fmt.Errorf("--ledger must be a plain file name")
	}
	if mode == ModeLedger {
		return nil
	}

	if cfg.MboxPath != "" && cfg.IMAPHost != "" {
		return fmt.Errorf("--mbox and --imap-host are mutually exclusive")
	}
	if cfg.MboxPath == "" {
		if cfg.IMAPHost == "" {
			return fmt.Errorf("either --imap-host or --mbox is required")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}
	if !cfg.Since.IsZero() && !cfg.Before.IsZero() && !cfg.Before.After(cfg.Since) {
		return fmt.Errorf("--before must be later than --since")
	}
	if len(cfg.IncludeHeader) > 0 && len(cfg.ExcludeHeader) > 0 {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}
	if cfg.MaxMessages < 0 {
		return fmt.Errorf("--max-messages must not be negative")
	}
	if cfg.Reference == "" {
		return fmt.Errorf("--reference is required")
	}
	if cfg.MaxAttachmentMB <= 0 {
		return fmt.Errorf("--max-attachment-mb must be positive")
	}
	if err := cfg.Schema.Validate(); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	if mode == ModeCheck {
		return nil
	}

	if cfg.DeliveryURL == "" && !cfg.DryRun {
		return fmt.Errorf("--delivery-url is required unless --dry-run is set")
	}
	if cfg.MaxAttempts <= 0 {
		return fmt.Errorf("--max-attempts must be positive")
	}
	if cfg.HTTPTimeout <= 0 {
		return fmt.Errorf("--http-timeout must be positive")
	}
	return nil
}

// parseBound reads a receive window bound given as a date, an RFC 3339
// timestamp or a duration counted back from now.
func parseBound(flag, value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", value, time.Local); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("invalid --%s %q: want a date (2006-01-02) or a positive duration", flag, value)
	}
	return now.Add(-d), nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mailsheet-sync", "state"), nil
}

// flagReader keeps the first lookup error so the field list stays flat.
type flagReader struct {
	flags *pflag.FlagSet
	err   error
}

func (r *flagReader) string(name string) string {
	v, err := r.flags.GetString(name)
	r.keep(err)
	return v
}

func (r *flagReader) stringArray(name string) []string {
	v, err := r.flags.GetStringArray(name)
	r.keep(err)
	return v
}

func (r *flagReader) int(name string) int {
	v, err := r.flags.GetInt(name)
	r.keep(err)
	return v
}

func (r *flagReader) bool(name string) bool {
	v, err := r.flags.GetBool(name)
	r.keep(err)
	return v
}

func (r *flagReader) duration(name string) time.Duration {
	v, err := r.flags.GetDuration(name)
	r.keep(err)
	return v
}

func (r *flagReader) keep(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}
