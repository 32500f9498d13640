// pkg/fetcher/fetcher.go
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// Fetcher reads JSON documents from the extractor's admin endpoint.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	config  FetcherConfig
	base    *url.URL
	logger  *zap.Logger
}

type FetcherConfig struct {
	BaseURL           string
	RequestsPerSecond int
	Burst             int
	Timeout           time.Duration
	UserAgent         string
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

// ServedStats is the body of the admin /stats document.
type ServedStats struct {
	Served map[string]int64 `json:"served"`
}

// TableCount is the body of the admin table count document.
type TableCount struct {
	Keyspace string `json:"keyspace"`
	Table    string `json:"table"`
	Count    int64  `json:"count"`
}

func New(config FetcherConfig, logger *zap.Logger) (*Fetcher, error) {
	if config.RequestsPerSecond == 0 {
		config.RequestsPerSecond = 10
	}
	if config.Burst == 0 {
		config.Burst = 1
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "groupcount"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", config.BaseURL)
	}

	return &Fetcher{
		client: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		config:  config,
		base:    base,
		logger:  logger.Named("fetcher"),
	}, nil
}

func (f *Fetcher) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.config.InitialBackoff
	bo.MaxInterval = f.config.MaxBackoff
	bo.RandomizationFactor = 0.2
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Fetch GETs path relative to the base URL. Transport errors and 5xx
// responses are retried; 4xx responses are not.
func (f *Fetcher) Fetch(ctx context.Context, path string) ([]byte, error) {
	target := f.base.JoinPath(path).String()

	op := func() ([]byte, error) {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("rate limiter error: %w", err))
		}
		body, err := f.get(ctx, target)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode < http.StatusInternalServerError {
			return nil, backoff.Permanent(err)
		}
		return body, err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(f.newBackOff(), uint64(f.config.MaxRetries)), ctx)
	body, err := backoff.RetryNotifyWithData(op, bo, func(err error, d time.Duration) {
		f.logger.Debug("retrying", zap.String("url", target), zap.Duration("backoff", d), zap.Error(err))
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", target, err)
	}
	return body, nil
}

// FetchJSON fetches path and decodes the body into v.
func (f *Fetcher) FetchJSON(ctx context.Context, path string, v any) error {
	body, err := f.Fetch(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("error decoding %s: %w", path, err)
	}
	return nil
}

// Stats returns the rows served per keyspace.table.
func (f *Fetcher) Stats(ctx context.Context) (*ServedStats, error) {
	var stats ServedStats
	if err := f.FetchJSON(ctx, "/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// TableCount returns the row count of keyspace.table.
func (f *Fetcher) TableCount(ctx context.Context, keyspace, table string) (int64, error) {
	var count TableCount
	path := "/keyspaces/" + keyspace + "/tables/" + table + "/count"
	if err := f.FetchJSON(ctx, path, &count); err != nil {
		return 0, err
	}
	return count.Count, nil
}

func (f *Fetcher) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching URL: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{URL: target, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
