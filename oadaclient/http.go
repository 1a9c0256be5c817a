package oadaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxResponseBody caps the amount of response data read from the store to
// prevent memory exhaustion from a misbehaving or malicious endpoint (32 MiB
// — OADA resources are typically small JSON documents, not blobs).
const maxResponseBody int64 = 32 << 20

// Option configures an HTTPConn.
type Option func(*httpOptions)

type httpOptions struct {
	httpClient       *http.Client
	logger           *slog.Logger
	maxRetries       int
	baseBackoff      time.Duration
	breakerThreshold int
	breakerReset     time.Duration
	dialTimeout      time.Duration
}

func defaultHTTPOptions() httpOptions {
	return httpOptions{
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		logger:           slog.Default(),
		maxRetries:       3,
		baseBackoff:      200 * time.Millisecond,
		breakerThreshold: 5,
		breakerReset:     30 * time.Second,
		dialTimeout:      10 * time.Second,
	}
}

// WithHTTPClient overrides the *http.Client used for head/get/put/post/delete.
func WithHTTPClient(c *http.Client) Option {
	return func(o *httpOptions) { o.httpClient = c }
}

// WithLogger sets a custom logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *httpOptions) { o.logger = l }
}

// WithRetry sets the retry policy applied to head/get/put/post/delete.
func WithRetry(maxRetries int, baseBackoff time.Duration) Option {
	return func(o *httpOptions) { o.maxRetries = maxRetries; o.baseBackoff = baseBackoff }
}

// WithBreaker sets the circuit breaker's trip threshold and reset timeout.
func WithBreaker(threshold int, resetTimeout time.Duration) Option {
	return func(o *httpOptions) { o.breakerThreshold = threshold; o.breakerReset = resetTimeout }
}

// WithDialTimeout sets the handshake timeout for the WebSocket dial made by
// Watch. Defaults to 10s.
func WithDialTimeout(d time.Duration) Option {
	return func(o *httpOptions) { o.dialTimeout = d }
}

// HTTPConn is the default Conn implementation: net/http for head/get/put/
// post/delete, a WebSocket for Watch.
type HTTPConn struct {
	baseURL string
	token   string
	opts    httpOptions
	breaker *circuitBreaker
}

// New creates an HTTPConn against baseURL, authenticating with token as a
// bearer token on every request.
func New(baseURL, token string, opts ...Option) *HTTPConn {
	o := defaultHTTPOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &HTTPConn{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		opts:    o,
		breaker: newCircuitBreaker(o.breakerThreshold, o.breakerReset),
	}
}

func (c *HTTPConn) url(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

func (c *HTTPConn) do(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, []byte, error) {
	var resp *http.Response
	var respBody []byte

	err := withRetry(ctx, c.opts.logger, c.opts.maxRetries, c.opts.baseBackoff, func() error {
		if !c.breaker.allow() {
			return &ErrCircuitOpen{}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
		if err != nil {
			return fmt.Errorf("oadaclient: build request: %w", err)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		r, err := c.opts.httpClient.Do(req)
		if err != nil {
			c.breaker.recordFailure()
			return fmt.Errorf("oadaclient: %s %s: %w", method, path, err)
		}
		defer r.Body.Close()

		b, err := io.ReadAll(io.LimitReader(r.Body, maxResponseBody))
		if err != nil {
			c.breaker.recordFailure()
			return fmt.Errorf("oadaclient: read response: %w", err)
		}

		if r.StatusCode >= 500 {
			c.breaker.recordFailure()
			return &StatusError{Op: method, Path: path, Status: r.StatusCode, Body: string(b)}
		}
		c.breaker.recordSuccess()
		resp, respBody = r, b
		return nil
	})
	return resp, respBody, err
}

// Head reports whether path exists. A 4xx response is not itself an error —
// do only fails the underlying call on >=500 (after retries and the
// breaker are exhausted) or a transport failure, and both of those are
// returned here as a real error rather than folded into HeadResult.
func (c *HTTPConn) Head(ctx context.Context, path string) (HeadResult, error) {
	resp, _, err := c.do(ctx, http.MethodHead, path, nil, "")
	if err != nil {
		return HeadResult{}, err
	}
	return HeadResult{Status: resp.StatusCode}, nil
}

// Get fetches the resource at path. A non-nil tree is sent as the
// X-OADA-Tree header, the wire convention for a tree GET.
func (c *HTTPConn) Get(ctx context.Context, path string, tree json.RawMessage) (GetResult, error) {
	resp, body, err := c.doWithTree(ctx, http.MethodGet, path, nil, "", tree)
	if err != nil {
		return GetResult{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return GetResult{}, &StatusError{Op: "GET", Path: path, Status: resp.StatusCode, Body: string(body)}
	}
	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return GetResult{Data: body, Headers: headers}, nil
}

// Put writes data at path.
func (c *HTTPConn) Put(ctx context.Context, path string, data json.RawMessage, tree json.RawMessage) (PutResult, error) {
	resp, body, err := c.doWithTree(ctx, http.MethodPut, path, data, "application/json", tree)
	if err != nil {
		return PutResult{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PutResult{}, &StatusError{Op: "PUT", Path: path, Status: resp.StatusCode, Body: string(body)}
	}
	return parsePutResult(resp, body), nil
}

// Post creates a new resource under path.
func (c *HTTPConn) Post(ctx context.Context, path string, data json.RawMessage, contentType string) (PutResult, error) {
	resp, body, err := c.do(ctx, http.MethodPost, path, data, contentType)
	if err != nil {
		return PutResult{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PutResult{}, &StatusError{Op: "POST", Path: path, Status: resp.StatusCode, Body: string(body)}
	}
	return parsePutResult(resp, body), nil
}

// Delete removes the resource at path.
func (c *HTTPConn) Delete(ctx context.Context, path string) error {
	resp, body, err := c.do(ctx, http.MethodDelete, path, nil, "")
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Op: "DELETE", Path: path, Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

func (c *HTTPConn) doWithTree(ctx context.Context, method, path string, body []byte, contentType string, tree json.RawMessage) (*http.Response, []byte, error) {
	var resp *http.Response
	var respBody []byte
	err := withRetry(ctx, c.opts.logger, c.opts.maxRetries, c.opts.baseBackoff, func() error {
		if !c.breaker.allow() {
			return &ErrCircuitOpen{}
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
		if err != nil {
			return fmt.Errorf("oadaclient: build request: %w", err)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if len(tree) > 0 {
			req.Header.Set("X-OADA-Tree", string(tree))
		}
		r, err := c.opts.httpClient.Do(req)
		if err != nil {
			c.breaker.recordFailure()
			return fmt.Errorf("oadaclient: %s %s: %w", method, path, err)
		}
		defer r.Body.Close()
		b, err := io.ReadAll(io.LimitReader(r.Body, maxResponseBody))
		if err != nil {
			c.breaker.recordFailure()
			return fmt.Errorf("oadaclient: read response: %w", err)
		}
		if r.StatusCode >= 500 {
			c.breaker.recordFailure()
			return &StatusError{Op: method, Path: path, Status: r.StatusCode, Body: string(b)}
		}
		c.breaker.recordSuccess()
		resp, respBody = r, b
		return nil
	})
	return resp, respBody, err
}

func parsePutResult(resp *http.Response, body []byte) PutResult {
	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	res := PutResult{Headers: headers}
	if loc := resp.Header.Get("Content-Location"); loc != "" {
		res.ID = strings.TrimPrefix(loc, "/resources/")
	}
	if rev := resp.Header.Get("X-OADA-Rev"); rev != "" {
		if v, err := strconv.ParseInt(rev, 10, 64); err == nil {
			res.Rev = v
		}
	}
	if res.ID == "" && len(body) > 0 {
		var decoded struct {
			ID string `json:"_id"`
		}
		if json.Unmarshal(body, &decoded) == nil {
			res.ID = decoded.ID
		}
	}
	return res
}
