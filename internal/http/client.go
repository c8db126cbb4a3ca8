package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Common errors.
var (
	ErrNotFound     = errors.New("http: resource not found")
	ErrForbidden    = errors.New("http: access forbidden")
	ErrUnauthorized = errors.New("http: unauthorized")
	ErrServerError  = errors.New("http: server error")
)

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 16
	MaxIdleConnsPerHost int

	// Timeout bounds the wait for response headers. Bodies are streamed and
	// are not subject to it.
	// Default: 30s
	Timeout time.Duration

	// RetryAttempts is the maximum number of retry attempts for
	// establishing a request. A response body is never retried.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 500ms
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 10s
	RetryMaxBackoff time.Duration

	// UserAgent is sent with every request when set.
	UserAgent string

	// Logger receives retry diagnostics. Default: no-op.
	Logger *zap.Logger
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 16,
		Timeout:             30 * time.Second,
		RetryAttempts:       3,
		RetryBackoff:        500 * time.Millisecond,
		RetryMaxBackoff:     10 * time.Second,
		UserAgent:           "siphon",
	}
}

// FileInfo contains metadata about a remote file.
type FileInfo struct {
	Size         int64 // -1 if unknown
	ETag         string
	ContentType  string
	Filename     string
	LastModified time.Time
}

// Response is an open GET response. The caller must close Body.
type Response struct {
	Body          io.ReadCloser
	ContentLength int64 // -1 if unknown
	ContentType   string
	ETag          string
	Filename      string
	LastModified  time.Time
}

// Client is an HTTP client for streaming downloads.
type Client struct {
	client *http.Client
	opts   Options
	logger *zap.Logger
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		DisableCompression:    true, // Content-Length must match the bytes we read
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		client: &http.Client{Transport: transport},
		opts:   opts,
		logger: logger,
	}
}

// Head performs a HEAD request to get file metadata.
func (c *Client) Head(ctx context.Context, url string) (*FileInfo, error) {
	resp, err := c.do(ctx, http.MethodHead, url)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	info := &FileInfo{
		Size:         resp.ContentLength,
		ETag:         cleanETag(resp.Header.Get("ETag")),
		ContentType:  resp.Header.Get("Content-Type"),
		Filename:     filename(resp.Header.Get("Content-Disposition")),
		LastModified: lastModified(resp.Header),
	}

	return info, nil
}

// Get performs a GET request and returns the open body.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	resp, err := c.do(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}

	return &Response{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		ContentType:   resp.Header.Get("Content-Type"),
		ETag:          cleanETag(resp.Header.Get("ETag")),
		Filename:      filename(resp.Header.Get("Content-Disposition")),
		LastModified:  lastModified(resp.Header),
	}, nil
}

// do sends a request, retrying transport errors and 5xx responses until a
// response with a non-5xx status arrives.
func (c *Client) do(ctx context.Context, method, url string) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying request",
				zap.String("method", method),
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if c.opts.UserAgent != "" {
			req.Header.Set("User-Agent", c.opts.UserAgent)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		// Server errors are retryable
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: %d %s", ErrServerError, resp.StatusCode, resp.Status)
			continue
		}

		if err := checkStatusCode(resp.StatusCode); err != nil {
			resp.Body.Close()
			return nil, err
		}

		return resp, nil
	}

	return nil, fmt.Errorf("%s request failed after %d attempts: %w", strings.ToLower(method), c.opts.RetryAttempts+1, lastErr)
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}

// cleanETag removes quotes from an ETag value.
func cleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	return etag
}

// filename extracts the filename parameter of a Content-Disposition header.
func filename(disposition string) string {
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}

func lastModified(h http.Header) time.Time {
	if lm := h.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			return t
		}
	}
	return time.Time{}
}
