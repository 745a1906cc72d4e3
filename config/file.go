package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/dhcgn/mailsheet-sync/sheet"
)

// FileConfig mirrors Config with file friendly types. Durations are strings
// and booleans are pointers so an absent key leaves the flag default alone.
type FileConfig struct {
	Mbox               string   `toml:"mbox" yaml:"mbox"`
	IMAPHost           string   `toml:"imap_host" yaml:"imap_host"`
	IMAPPort           int      `toml:"imap_port" yaml:"imap_port"`
	IMAPUser           string   `toml:"imap_user" yaml:"imap_user"`
	IMAPPass           string   `toml:"imap_pass" yaml:"imap_pass"`
	UseTLS             *bool    `toml:"use_tls" yaml:"use_tls"`
	InsecureSkipVerify *bool    `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	Folder             string   `toml:"folder" yaml:"folder"`
	UnseenOnly         *bool    `toml:"unseen_only" yaml:"unseen_only"`
	Since              string   `toml:"since" yaml:"since"`
	Before             string   `toml:"before" yaml:"before"`
	IncludeHeader      []string `toml:"include_header" yaml:"include_header"`
	ExcludeHeader      []string `toml:"exclude_header" yaml:"exclude_header"`
	MaxMessages        int      `toml:"max_messages" yaml:"max_messages"`

	Reference       string `toml:"reference" yaml:"reference"`
	Sheet           string `toml:"sheet" yaml:"sheet"`
	MaxAttachmentMB int    `toml:"max_attachment_mb" yaml:"max_attachment_mb"`

	DeliveryURL   string `toml:"delivery_url" yaml:"delivery_url"`
	DeliveryToken string `toml:"delivery_token" yaml:"delivery_token"`
	MaxAttempts   int    `toml:"max_attempts" yaml:"max_attempts"`
	HTTPTimeout   string `toml:"http_timeout" yaml:"http_timeout"`

	StateDir    string `toml:"state_dir" yaml:"state_dir"`
	Ledger      string `toml:"ledger" yaml:"ledger"`
	MarkSeen    *bool  `toml:"mark_seen" yaml:"mark_seen"`
	DryRun      *bool  `toml:"dry_run" yaml:"dry_run"`
	LogLevel    string `toml:"log_level" yaml:"log_level"`
	LogDir      string `toml:"log_dir" yaml:"log_dir"`
	MetricsFile string `toml:"metrics_file" yaml:"metrics_file"`

	Schema *sheet.Schema `toml:"schema" yaml:"schema"`
}

// LoadFileConfig reads a config file, choosing YAML for .yaml/.yml and TOML otherwise.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &fc)
	default:
		err = toml.Unmarshal(b, &fc)
	}
	if err != nil {
		return fc, err
	}
	return fc, nil
}

// ApplyFileConfig copies file values into cfg for every flag the user did not
// set explicitly. The schema has no flag and is taken from the file when present.
func ApplyFileConfig(cfg *Config, since, before *string, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("mbox", fc.Mbox, &cfg.MboxPath)
	s.setString("imap-host", fc.IMAPHost, &cfg.IMAPHost)
	s.setInt("imap-port", fc.IMAPPort, &cfg.IMAPPort)
	s.setString("imap-user", fc.IMAPUser, &cfg.IMAPUser)
	s.setString("imap-pass", fc.IMAPPass, &cfg.IMAPPass)
	s.setBool("use-tls", fc.UseTLS, &cfg.UseTLS)
	s.setBool("insecure-skip-verify", fc.InsecureSkipVerify, &cfg.InsecureSkipVerify)
	s.setString("folder", fc.Folder, &cfg.Folder)
	s.setBool("unseen-only", fc.UnseenOnly, &cfg.UnseenOnly)
	s.setString("since", fc.Since, since)
	s.setString("before", fc.Before, before)
	s.setStrings("include-header", fc.IncludeHeader, &cfg.IncludeHeader)
	s.setStrings("exclude-header", fc.ExcludeHeader, &cfg.ExcludeHeader)
	s.setInt("max-messages", fc.MaxMessages, &cfg.MaxMessages)

	s.setString("reference", fc.Reference, &cfg.Reference)
	s.setString("sheet", fc.Sheet, &cfg.SheetName)
	s.setInt("max-attachment-mb", fc.MaxAttachmentMB, &cfg.MaxAttachmentMB)

	s.setString("delivery-url", fc.DeliveryURL, &cfg.DeliveryURL)
	s.setString("delivery-token", fc.DeliveryToken, &cfg.DeliveryToken)
	s.setInt("max-attempts", fc.MaxAttempts, &cfg.MaxAttempts)
	if err := s.setDuration("http-timeout", fc.HTTPTimeout, &cfg.HTTPTimeout); err != nil {
		return err
	}

	s.setString("state-dir", fc.StateDir, &cfg.StateDir)
	s.setString("ledger", fc.Ledger, &cfg.LedgerName)
	s.setBool("mark-seen", fc.MarkSeen, &cfg.MarkSeen)
	s.setBool("dry-run", fc.DryRun, &cfg.DryRun)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setString("log-dir", fc.LogDir, &cfg.LogDir)
	s.setString("metrics-file", fc.MetricsFile, &cfg.MetricsFile)

	if fc.Schema != nil {
		if len(fc.Schema.Fields) > 0 {
			cfg.Schema.Fields = fc.Schema.Fields
		}
		cfg.Schema.Replace = fc.Schema.Replace
	}

	return nil
}

type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setStrings(flag string, value []string, dst *[]string) {
	if len(value) == 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}
