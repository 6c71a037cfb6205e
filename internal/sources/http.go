package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/njoerd114/devpeek/internal/retry"
)

// DefaultTimeout bounds one State call including retries.
const DefaultTimeout = 2 * time.Second

// HTTP is a poll-only adapter that GETs a JSON document from url.
type HTTP struct {
	name    string
	url     string
	client  *http.Client
	timeout time.Duration
	policy  retry.Policy
	log     *slog.Logger
}

// HTTPOption configures an [HTTP] adapter.
type HTTPOption func(*HTTP)

// WithClient overrides the HTTP client.
func WithClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithAttempts overrides the number of tries per State call.
func WithAttempts(n int) HTTPOption {
	return func(h *HTTP) {
		if n > 0 {
			h.policy.Attempts = n
		}
	}
}

// NewHTTP creates an HTTP adapter.
func NewHTTP(name, url string, logger *slog.Logger, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		name:    name,
		url:     url,
		client:  &http.Client{},
		timeout: DefaultTimeout,
		policy:  retry.Default,
		log:     logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name returns the adapter name.
func (h *HTTP) Name() string { return h.name }

// State fetches and decodes the document, retrying transient failures.
func (h *HTTP) State() (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	var v any
	err := retry.Do(ctx, h.policy, func() error {
		var fetchErr error
		v, fetchErr = h.fetch(ctx)
		if fetchErr != nil {
			h.log.Debug("state fetch failed", "adapter", h.name, "url", h.url, "error", fetchErr)
		}
		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", h.url, err)
	}
	return v, nil
}

func (h *HTTP) fetch(ctx context.Context) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return v, nil
}
