package reference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dhcgn/mailsheet-sync/model"
	"github.com/dhcgn/mailsheet-sync/sheet"
)

var (
	ErrLoad          = errors.New("reference load error")
	ErrDataIntegrity = errors.New("reference data integrity error")
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxRemoteBytes     = 64 << 20
)

// Dataset is the baseline the reconciliation runs against.
type Dataset struct {
	Source string
	rows   []model.Row
	index  map[string]int
}

// NewDataset indexes rows by natural key, rejecting unkeyed and duplicate rows.
func NewDataset(source string, rows []model.Row) (*Dataset, error) {
	ds := &Dataset{Source: source, rows: make([]model.Row, 0, len(rows)), index: make(map[string]int, len(rows))}
	for _, row := range rows {
		if row.Key == "" {
			return nil, fmt.Errorf("%w: row %d has no natural key", ErrDataIntegrity, row.Position)
		}
		if prev, dup := ds.index[row.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q in rows %d and %d", ErrDataIntegrity, row.Key, ds.rows[prev].Position, row.Position)
		}
		ds.index[row.Key] = len(ds.rows)
		ds.rows = append(ds.rows, row)
	}
	return ds, nil
}

// Len returns the number of baseline rows.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.rows)
}

// Lookup returns the baseline row for key.
func (d *Dataset) Lookup(key string) (model.Row, bool) {
	if d == nil {
		return model.Row{}, false
	}
	idx, ok := d.index[key]
	if !ok {
		return model.Row{}, false
	}
	return d.rows[idx], true
}

// Rows returns the baseline rows in sheet order.
func (d *Dataset) Rows() []model.Row {
	if d == nil {
		return nil
	}
	return append([]model.Row(nil), d.rows...)
}

// HTTPClient is the subset of *http.Client used for remote locations.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Loader reads the master spreadsheet from a local path or an http(s) URL.
type Loader struct {
	parser *sheet.Parser
	client HTTPClient
	logger *slog.Logger
}

func NewLoader(parser *sheet.Parser, client HTTPClient, logger *slog.Logger) *Loader {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Loader{parser: parser, client: client, logger: logger}
}

// Load fetches and parses location. Failures wrap ErrLoad or ErrDataIntegrity.
func (l *Loader) Load(ctx context.Context, location string) (*Dataset, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("%w: location is empty", ErrLoad)
	}

	name, data, err := l.read(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	if sheet.FormatFor(name, "") == sheet.FormatUnknown && sheet.Sniff(data) == sheet.FormatUnknown {
		return nil, fmt.Errorf("%w: %s: unrecognized format", ErrLoad, location)
	}

	res, err := l.parser.Parse(name, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	ds, err := NewDataset(location, res.Rows)
	if err != nil {
		return nil, err
	}

	if l.logger != nil {
		l.logger.Info("reference dataset loaded", "source", location, "rows", ds.Len(), "coerced", res.Coerced)
	}
	return ds, nil
}

func (l *Loader) read(ctx context.Context, location string) (string, []byte, error) {
	u, err := url.Parse(location)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return l.fetch(ctx, u)
	}

	data, err := os.ReadFile(location)
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", location, err)
	}
	return location, data, nil
}

func (l *Loader) fetch(ctx context.Context, u *url.URL) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("fetch %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", nil, fmt.Errorf("fetch %s: server returned %d", u.Redacted(), resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBytes+1))
	if err != nil {
		return "", nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxRemoteBytes {
		return "", nil, fmt.Errorf("fetch %s: body exceeds %d bytes", u.Redacted(), maxRemoteBytes)
	}
	return path.Base(u.Path), data, nil
}
