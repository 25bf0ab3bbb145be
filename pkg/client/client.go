// Package client provides an HTTP session whose GET responses are memoized
// in a persistent cache keyed by request URI and parameter fingerprint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/requests-cacher/pkg/cache"
	"github.com/Sternrassler/requests-cacher/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Version is sent in the default User-Agent header.
const Version = "0.1.0"

// Prometheus metrics for upstream requests.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "requests_cacher_upstream_requests_total",
		Help: "Total upstream GET requests by status",
	}, []string{"status"})

	upstreamRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "requests_cacher_upstream_request_duration_seconds",
		Help:    "Upstream GET request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "requests_cacher_upstream_errors_total",
		Help: "Total upstream failures by class",
	}, []string{"class"})
)

// Session issues GET requests against one domain, answering repeated
// identical requests from its cache.
//
// A Session is not safe for concurrent use.
type Session struct {
	httpClient *http.Client
	store      cache.Store
	domain     string
	headers    map[string]string
	params     Params
	logger     zerolog.Logger
}

// Config holds the session configuration.
type Config struct {
	// Domain is the base URI; requests go to Domain + "/" + endpoint
	Domain string

	// Headers are applied to every request
	Headers map[string]string

	// Params are applied to every request; per-call params override them
	Params Params

	// Store backs the cache. Nil disables caching: every Get hits the network.
	// The Session takes ownership and closes it in Close.
	Store cache.Store

	// HTTPClient overrides the transport (timeouts, TLS, proxies)
	HTTPClient *http.Client

	// Logger overrides the component logger
	Logger *zerolog.Logger
}

// DefaultConfig returns a configuration for domain backed by store.
func DefaultConfig(domain string, store cache.Store) Config {
	return Config{
		Domain: domain,
		Store:  store,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// New creates a session. Headers and params are copied, so later changes
// to cfg do not affect the session.
func New(cfg Config) (*Session, error) {
	if strings.TrimSpace(cfg.Domain) == "" {
		return nil, ErrDomainRequired
	}
	if _, err := url.Parse(cfg.Domain); err != nil {
		return nil, fmt.Errorf("invalid domain %q: %w", cfg.Domain, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	logger := logging.NewLogger("requests-cacher")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &Session{
		httpClient: httpClient,
		store:      cfg.Store,
		domain:     cfg.Domain,
		headers:    headers,
		params:     cfg.Params.clone(),
		logger:     logger,
	}, nil
}

// NewInWorkingDir creates a session backed by the SQLite cache found by
// walking up from the current working directory to a "data" directory.
// cfg.Store is ignored. It fails with cache.ErrNoDataDir before any network
// or storage operation when no such directory exists.
func NewInWorkingDir(cfg Config) (*Session, error) {
	if strings.TrimSpace(cfg.Domain) == "" {
		return nil, ErrDomainRequired
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working dir: %w", err)
	}

	store, err := cache.OpenDiscovered(wd)
	if err != nil {
		return nil, err
	}

	cfg.Store = store
	session, err := New(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return session, nil
}

// Cached reports whether the session has a cache store.
func (s *Session) Cached() bool {
	return s.store != nil
}

// Close releases the cache store.
func (s *Session) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

// Get returns the parsed JSON body for endpoint and params, from cache when
// possible. Numbers are returned as json.Number.
func (s *Session) Get(ctx context.Context, endpoint string, params Params) (any, error) {
	var out any
	if err := s.GetInto(ctx, endpoint, params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetInto is like Get but decodes the JSON body into v.
func (s *Session) GetInto(ctx context.Context, endpoint string, params Params, v any) error {
	content, err := s.load(ctx, endpoint, params)
	if err != nil {
		return err
	}
	return decodeJSON(content, v)
}

// URI returns the request URI for endpoint.
func (s *Session) URI(endpoint string) string {
	return s.domain + "/" + endpoint
}

// load returns the JSON content for a request, consulting the store first.
func (s *Session) load(ctx context.Context, endpoint string, params Params) ([]byte, error) {
	uri := s.URI(endpoint)

	if s.store == nil {
		return s.fetch(ctx, uri, params)
	}

	key := cache.NewKey(uri, params)

	content, err := s.store.Lookup(ctx, key)
	switch {
	case err == nil:
		s.logger.Debug().
			Str("uri", uri).
			Str("fingerprint", key.Fingerprint).
			Bool("cache_hit", true).
			Msg("Serving cached response")
		return []byte(content), nil
	case !errors.Is(err, cache.ErrCacheMiss):
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	s.logger.Debug().
		Str("uri", uri).
		Str("fingerprint", key.Fingerprint).
		Bool("cache_hit", false).
		Msg("Cache miss, fetching upstream")

	body, err := s.fetch(ctx, uri, params)
	if err != nil {
		return nil, err
	}

	canonical, err := canonicalJSON(body)
	if err != nil {
		return nil, err
	}

	entry := cache.Entry{URI: uri, Fingerprint: key.Fingerprint, Content: string(canonical)}
	if err := s.store.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("cache insert: %w", err)
	}

	s.logger.Debug().
		Str("uri", uri).
		Str("fingerprint", key.Fingerprint).
		Int("bytes", len(canonical)).
		Msg("Cached response")

	return canonical, nil
}

// fetch performs the upstream GET and returns the raw body of a 2xx response.
func (s *Session) fetch(ctx context.Context, uri string, params Params) ([]byte, error) {
	reqURL, err := s.requestURL(uri, params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "requests-cacher/"+Version)
	req.Header.Set("Accept", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	startTime := time.Now()
	resp, err := s.httpClient.Do(req)
	upstreamRequestDuration.Observe(time.Since(startTime).Seconds())
	if err != nil {
		upstreamRequestsTotal.WithLabelValues("network_error").Inc()
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, fmt.Errorf("get %s: %w", uri, err)
	}
	defer resp.Body.Close()

	upstreamRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{
			URI:        uri,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       body,
		}
		upstreamErrorsTotal.WithLabelValues(string(httpErr.Class())).Inc()
		return nil, httpErr
	}

	return body, nil
}

// requestURL appends the merged session and call params to uri.
func (s *Session) requestURL(uri string, params Params) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse uri %q: %w", uri, err)
	}

	values, err := encodeParams(mergeParams(s.params, params))
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return u.String(), nil
	}

	query := u.Query()
	for k, vs := range values {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// canonicalJSON parses body and re-serializes it in compact form.
func canonicalJSON(body []byte) ([]byte, error) {
	var parsed any
	if err := decodeJSON(body, &parsed); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// decodeJSON decodes exactly one JSON value from data into v.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data after JSON value", ErrDecode)
	}
	return nil
}
