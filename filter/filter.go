package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/dhcgn/mailsheet-sync/model"
)

// Options captures the header selection patterns.
type Options struct {
	IncludeHeader []string
	ExcludeHeader []string
}

// Filter decides which scanned messages are worth extracting. Patterns are
// matched against the raw header block, so "From:.*@supplier\.ru" or
// "Subject:.*dislocation" both work.
type Filter struct {
	includeMode   bool
	excludeMode   bool
	includeHeader []*regexp.Regexp
	excludeHeader []*regexp.Regexp
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0
	excludeActive := len(excludeHeader) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:   includeActive,
		excludeMode:   excludeActive,
		includeHeader: includeHeader,
		excludeHeader: excludeHeader,
	}, nil
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f != nil && (f.includeMode || f.excludeMode)
}

// Allows returns true if the header block passes the filter criteria.
func (f *Filter) Allows(header []byte) bool {
	if !f.Active() {
		return true
	}
	text := unfold(header)

	if f.includeMode {
		return matchAny(f.includeHeader, text)
	}
	return !matchAny(f.excludeHeader, text)
}

// AllowsMessage applies the filter to the header block of msg.
func (f *Filter) AllowsMessage(msg model.Message) bool {
	if !f.Active() {
		return true
	}
	header, _ := SplitRawMessage(msg.Raw)
	return f.Allows(header)
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

// unfold joins continuation lines so a pattern sees a header on one line.
func unfold(header []byte) string {
	text := strings.ReplaceAll(string(header), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\n ", " ")
	return strings.ReplaceAll(text, "\n\t", " ")
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
