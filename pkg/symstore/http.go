package symstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// HTTPStore is a read-only symbol server.
type HTTPStore struct {
	root      string
	base      *url.URL
	client    *http.Client
	timeout   time.Duration
	userAgent string
	limiter   *rate.Limiter
	metrics   *metrics
}

func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return fmt.Errorf("stopped after 3 redirects")
			}
			return nil
		},
	}
}

func newHTTPStore(root string, cfg Config, m *metrics) (*HTTPStore, error) {
	base, err := url.Parse(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPath, err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = newHTTPClient()
	}
	s := &HTTPStore{
		root:      root,
		base:      base,
		client:    client,
		timeout:   cfg.HTTPTimeout,
		userAgent: cfg.UserAgent,
		metrics:   m,
	}
	if cfg.MaxRequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), 1)
	}
	return s, nil
}

func (s *HTTPStore) Root() string { return s.root }

func (s *HTTPStore) Kind() string { return "http" }

func (s *HTTPStore) Location(name string) string {
	return s.base.JoinPath(strings.Split(name, "/")...).String()
}

// Open downloads name. Each call is bounded by the configured timeout,
// including reading the body.
func (s *HTTPStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	start := time.Now()
	data, err := s.get(ctx, s.Location(name))
	s.metrics.httpRequestDuration.WithLabelValues(statusOf(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return newMemFile(data), nil
}

func (s *HTTPStore) get(ctx context.Context, location string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// waiting for a slot counts against the attempt's timeout
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for request slot: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, s.requestError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError{statusCode: resp.StatusCode, status: resp.Status}
	}
	// Servers behind a login page answer with html instead of the file.
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType == "text/html" {
		return nil, htmlResponseError{location: resp.Request.URL.String()}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, s.requestError(ctx, err)
	}
	return data, nil
}

func (s *HTTPStore) requestError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errTimeout
	}
	return err
}

func (s *HTTPStore) Write(context.Context, string, io.Reader) error {
	return ErrNotSupported
}
