// Package fetch retrieves tool bodies over HTTP through a persistent,
// standards-following cache.
//
// Freshness and validation (max-age, ETag/If-None-Match, Last-Modified/
// If-Modified-Since) are handled by httpcache; a fresh hit never touches the
// network. There is no retry loop: a fetch is a one-shot startup operation.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gregjones/httpcache"

	"github.com/jkaninda/yas/internal/resolver"
)

var (
	// ErrNetwork covers connection, timeout, TLS and body read failures.
	ErrNetwork = errors.New("network failure")
	// ErrCache is only returned when the fetcher runs in strict cache mode.
	ErrCache = errors.New("cache failure")
)

// StatusError reports a non-success HTTP status.
type StatusError struct {
	URL    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetching %s: unexpected status %s", e.URL, e.Status)
}

// Config configures a Fetcher.
type Config struct {
	CacheDir     string            // Cache root. Empty = no persistent cache.
	Strict       bool              // Fail the fetch when a cache write fails.
	Timeout      time.Duration     // Whole-request timeout. 0 = none.
	UserAgent    string            // Sent when non-empty.
	MaxBodyBytes int64             // Body size cap. 0 = unlimited.
	Transport    http.RoundTripper // Underlying transport. nil = http.DefaultTransport.
}

// Response is a fetched body.
type Response struct {
	URL        string
	StatusCode int
	Body       []byte
	FromCache  bool
}

// Fetcher performs cache-aware GET requests.
type Fetcher struct {
	client    *http.Client
	store     *Store
	strict    bool
	userAgent string
	maxBytes  int64
	logger    *slog.Logger
}

// New creates a Fetcher. With an empty CacheDir every fetch goes to the network.
func New(cfg Config, logger *slog.Logger) *Fetcher {
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	f := &Fetcher{
		strict:    cfg.Strict,
		userAgent: cfg.UserAgent,
		maxBytes:  cfg.MaxBodyBytes,
		logger:    logger,
	}

	rt := base
	if cfg.CacheDir != "" {
		f.store = NewStore(cfg.CacheDir, logger)
		rt = &httpcache.Transport{
			Transport:           base,
			Cache:               f.store,
			MarkCachedResponses: true,
		}
	}
	f.client = &http.Client{Transport: rt, Timeout: cfg.Timeout}
	return f
}

// Store returns the backing cache store, or nil when caching is disabled.
func (f *Fetcher) Store() *Store { return f.store }

// Fetch retrieves the body at loc.
func (f *Fetcher) Fetch(ctx context.Context, loc resolver.Location) (*Response, error) {
	target := loc.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request for %s: %v", ErrNetwork, target, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrNetwork, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: target, Code: resp.StatusCode, Status: resp.Status}
	}

	// The cache entry is written when the body reaches EOF.
	body, err := f.readBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrNetwork, target, err)
	}

	fromCache := resp.Header.Get(httpcache.XFromCache) == "1"
	f.logger.DebugContext(ctx, "fetched",
		slog.String("url", target),
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(body)),
		slog.Bool("from_cache", fromCache),
	)

	if f.store != nil {
		if werr := f.store.TakeWriteErr(); werr != nil && f.strict {
			return nil, fmt.Errorf("%w: %v", ErrCache, werr)
		}
	}

	return &Response{
		URL:        target,
		StatusCode: resp.StatusCode,
		Body:       body,
		FromCache:  fromCache,
	}, nil
}

func (f *Fetcher) readBody(r io.Reader) ([]byte, error) {
	if f.maxBytes <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", f.maxBytes)
	}
	return body, nil
}
