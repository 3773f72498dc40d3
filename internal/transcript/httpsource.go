package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultFetchBackoff = 2 * time.Second
)

// HTTPSource polls a REST endpoint that serves the latest transcript record
// as a JSON document.
type HTTPSource struct {
	client  *http.Client
	url     string
	backoff time.Duration
	log     *slog.Logger
}

var _ Source = (*HTTPSource)(nil)

// HTTPOption is a functional option for configuring an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithHTTPClient overrides the HTTP client used for fetches.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) { s.client = c }
}

// WithFetchBackoff sets the fixed backoff before the single fetch retry.
func WithFetchBackoff(d time.Duration) HTTPOption {
	return func(s *HTTPSource) { s.backoff = d }
}

// NewHTTPSource creates a pull source reading from url.
func NewHTTPSource(url string, log *slog.Logger, opts ...HTTPOption) *HTTPSource {
	if log == nil {
		log = slog.Default()
	}
	s := &HTTPSource{
		client:  &http.Client{Timeout: defaultFetchTimeout},
		url:     url,
		backoff: defaultFetchBackoff,
		log:     log,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FetchLatest retrieves the current transcript record. A transient failure is
// retried exactly once after a fixed backoff; a second failure is returned.
// A 404 from the upstream maps to [ErrNoRecord].
func (s *HTTPSource) FetchLatest(ctx context.Context) (*Record, error) {
	rec, err := s.fetch(ctx)
	if err == nil || err == ErrNoRecord {
		return rec, err
	}

	s.log.Warn("transcript fetch failed, retrying once", slog.String("error", err.Error()))
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.backoff):
	}
	return s.fetch(ctx)
}

func (s *HTTPSource) fetch(ctx context.Context) (*Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("transcript: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcript: fetch: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNoRecord
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("transcript: fetch: unexpected status %d", resp.StatusCode)
	}

	var rec Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("transcript: decode record: %w", err)
	}
	return &rec, nil
}

// Poll fetches on a fixed interval and offers every record to feed until ctx
// is cancelled. Fetch errors are logged and the loop continues — a flaky
// upstream must not kill the performance.
func (s *HTTPSource) Poll(ctx context.Context, interval time.Duration, feed *Feed) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec, err := s.FetchLatest(ctx)
			switch {
			case err == ErrNoRecord:
				continue
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("transcript poll failed", slog.String("error", err.Error()))
				continue
			}
			feed.Offer(rec)
		}
	}
}
