package delivery

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/mailsheet-sync/model"
)

const (
	DefaultMaxAttempts = 5
	DefaultTimeout     = 30 * time.Second
	DefaultUserAgent   = "mailsheet-sync"
)

var (
	ErrRejected  = errors.New("delivery rejected")
	ErrExhausted = errors.New("delivery retries exhausted")
)

// HTTPClient abstracts HTTP operations. *http.Client satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures the delivery endpoint and retry policy.
type Options struct {
	URL            string
	Token          string
	MaxAttempts    int
	Timeout        time.Duration
	UserAgent      string
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns a value in [0,1); nil uses math/rand.
	Jitter func() float64
}

// Result describes one Deliver call.
type Result struct {
	Skipped        bool
	Attempts       int
	StatusCode     int
	RunID          string
	IdempotencyKey string
	Entries        int
}

// Client posts deltas to the downstream HTTP endpoint.
type Client struct {
	opts   Options
	http   HTTPClient
	logger *slog.Logger
	now    func() time.Time
}

func NewClient(opts Options, httpClient HTTPClient, logger *slog.Logger) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("delivery url is empty")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = DefaultBackoffInitial
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{opts: opts, http: httpClient, logger: logger, now: time.Now}, nil
}

type payload struct {
	RunID          string  `json:"run_id"`
	GeneratedAt    string  `json:"generated_at"`
	IdempotencyKey string  `json:"idempotency_key"`
	Count          int     `json:"count"`
	Entries        []entry `json:"entries"`
}

type entry struct {
	Kind     model.ChangeKind       `json:"kind"`
	Key      string                 `json:"key"`
	Fields   map[string]model.Value `json:"fields"`
	Previous map[string]model.Value `json:"previous,omitempty"`
	Sources  []model.ItemKey        `json:"sources,omitempty"`
}

// Deliver sends the delta. An empty delta makes no request. 5xx responses and
// transport errors are retried with exponential backoff until MaxAttempts;
// any other non-2xx status is final.
func (c *Client) Deliver(ctx context.Context, delta model.Delta) (Result, error) {
	if len(delta) == 0 {
		return Result{Skipped: true}, nil
	}

	key, err := IdempotencyKey(delta)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		RunID:          uuid.NewString(),
		IdempotencyKey: key,
		Entries:        len(delta),
	}

	body, err := json.Marshal(payload{
		RunID:          res.RunID,
		GeneratedAt:    c.now().UTC().Format(time.RFC3339),
		IdempotencyKey: key,
		Count:          len(delta),
		Entries:        toEntries(delta),
	})
	if err != nil {
		return res, fmt.Errorf("marshal payload: %w", err)
	}

	b := newBackoff(c.opts.BackoffInitial, c.opts.BackoffMax, c.opts.Jitter)
	var lastErr error
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt

		status, err := c.post(ctx, body, res)
		res.StatusCode = status
		switch {
		case err == nil && status/100 == 2:
			if c.logger != nil {
				c.logger.Info("delta delivered", "runID", res.RunID, "entries", res.Entries, "attempts", attempt, "status", status)
			}
			return res, nil
		case err == nil && status < 500:
			return res, fmt.Errorf("%w: status %d", ErrRejected, status)
		case err == nil:
			lastErr = fmt.Errorf("server returned %d", status)
		default:
			lastErr = err
		}

		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if attempt >= c.opts.MaxAttempts {
			return res, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, lastErr)
		}

		wait := b.Next()
		if c.logger != nil {
			c.logger.Warn("delivery attempt failed, retrying", "attempt", attempt, "maxAttempts", c.opts.MaxAttempts, "wait", wait, "err", lastErr)
		}
		if err := c.opts.Sleep(ctx, wait); err != nil {
			return res, err
		}
	}
}

func (c *Client) post(ctx context.Context, body []byte, res Result) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Idempotency-Key", res.IdempotencyKey)
	req.Header.Set("X-Run-ID", res.RunID)
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 && c.logger != nil {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Debug("delivery endpoint response", "status", resp.StatusCode, "body", string(respBody))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// IdempotencyKey hashes the kind, key and final values of every entry, so the
// same delta yields the same key on every run.
func IdempotencyKey(delta model.Delta) (string, error) {
	canonical := make([]entry, 0, len(delta))
	for _, d := range delta {
		canonical = append(canonical, entry{Kind: d.Kind, Key: d.Row.Key, Fields: d.Row.Fields})
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("marshal idempotency key: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func toEntries(delta model.Delta) []entry {
	entries := make([]entry, 0, len(delta))
	for _, d := range delta {
		e := entry{Kind: d.Kind, Key: d.Row.Key, Fields: d.Row.Fields, Sources: d.Sources}
		if d.Previous != nil {
			e.Previous = d.Previous.Fields
		}
		entries = append(entries, e)
	}
	return entries
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
