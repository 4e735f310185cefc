// Package api implements the resilient authenticated request pipeline:
// bearer attach, per-call timeouts, coordinated single-flight token refresh
// with one retry, and response normalization.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"fleetlink.org/internal/obs"
	"fleetlink.org/internal/session"
)

const (
	authHeader      = "Authorization"
	bearer          = "Bearer "
	requestIDHeader = "X-Request-Id"

	defaultTimeout       = 8 * time.Second
	defaultUploadTimeout = 20 * time.Second

	refreshPath = "/auth/refresh"
	refreshKey  = "token-refresh"

	// maxBodyBytes bounds response reads.
	maxBodyBytes = 8 << 20
)

// Client is the constructed pipeline context: session store, HTTP transport
// and the process-wide single-flight refresh ticket. There is no package
// state; tests build isolated instances.
type Client struct {
	baseURL       string
	httpc         *http.Client
	sess          *session.Store
	timeout       time.Duration
	uploadTimeout time.Duration
	userAgent     string
	now           func() time.Time

	refresh singleflight.Group
}

// Option configures Client construction.
type Option func(*Client) error

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc != nil {
			c.httpc = hc
		}
		return nil
	}
}

// WithTimeout sets the default per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d > 0 {
			c.timeout = d
		}
		return nil
	}
}

// WithUploadTimeout sets the timeout for upload/signup-class calls.
func WithUploadTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d > 0 {
			c.uploadTimeout = d
		}
		return nil
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		if strings.TrimSpace(ua) != "" {
			c.userAgent = ua
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Client) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// New constructs a pipeline client for the given backend base URL.
func New(baseURL string, sess *session.Store, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("api: base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("api: parse base URL: %w", err)
	}
	if sess == nil {
		return nil, errors.New("api: session store is required")
	}
	c := &Client{
		baseURL:       baseURL,
		httpc:         &http.Client{Transport: obs.InstrumentTransport(nil)},
		sess:          sess,
		timeout:       defaultTimeout,
		uploadTimeout: defaultUploadTimeout,
		userAgent:     "fleetlink-client",
		now:           time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Session exposes the session store the pipeline writes refreshed
// credentials into.
func (c *Client) Session() *session.Store { return c.sess }

type callOptions struct {
	timeout        time.Duration
	idempotencyKey string
	header         http.Header
}

// CallOption adjusts a single call.
type CallOption func(*callOptions)

// AsUpload applies the longer upload-class timeout.
func (c *Client) AsUpload() CallOption {
	return func(co *callOptions) { co.timeout = c.uploadTimeout }
}

// WithCallTimeout overrides the timeout for one call.
func WithCallTimeout(d time.Duration) CallOption {
	return func(co *callOptions) {
		if d > 0 {
			co.timeout = d
		}
	}
}

// WithIdempotencyKey attaches an idempotency key header to a write.
func WithIdempotencyKey(key string) CallOption {
	return func(co *callOptions) { co.idempotencyKey = key }
}

// WithHeader attaches one extra header to the call.
func WithHeader(key, value string) CallOption {
	return func(co *callOptions) {
		if co.header == nil {
			co.header = http.Header{}
		}
		co.header.Set(key, value)
	}
}

// Do issues an authenticated call. With no token present it fails
// immediately without touching the network. A 401 answer triggers exactly one
// coordinated refresh followed by one retry; a second 401 is terminal.
func (c *Client) Do(ctx context.Context, method, path string, body any, opts ...CallOption) (*Envelope, error) {
	co := c.applyCallOptions(opts)

	token, ok := c.sess.AccessToken()
	if !ok {
		return nil, Errf(KindUnauthenticated, 0, "no access token in session")
	}

	env, err := c.roundTrip(ctx, method, path, body, token, co)
	if err != nil {
		return nil, err
	}
	if env.Status != http.StatusUnauthorized {
		return c.settle(env)
	}

	// Another caller may have refreshed while this call was in flight; in
	// that case the session already holds a newer token and no refresh is
	// owed here.
	if cur, ok := c.sess.AccessToken(); !ok || cur == token {
		if err := c.refreshSession(ctx); err != nil {
			return nil, err
		}
	}
	token, ok = c.sess.AccessToken()
	if !ok {
		// Refresh reported success but left no token; treat as terminal.
		return nil, Errf(KindAuthExpired, 0, "refresh produced no access token")
	}
	env, err = c.roundTrip(ctx, method, path, body, token, co)
	if err != nil {
		return nil, err
	}
	if env.Status == http.StatusUnauthorized {
		// The retry is not eligible for a second refresh.
		_ = c.sess.EraseAll()
		return nil, Errf(KindAuthExpired, env.Status, "request rejected after refresh")
	}
	return c.settle(env)
}

// DoUnauthenticated issues a call without credential attach, for login-class
// endpoints.
func (c *Client) DoUnauthenticated(ctx context.Context, method, path string, body any, opts ...CallOption) (*Envelope, error) {
	co := c.applyCallOptions(opts)
	env, err := c.roundTrip(ctx, method, path, body, "", co)
	if err != nil {
		return nil, err
	}
	return c.settle(env)
}

// Authenticate posts credentials to an auth endpoint and installs the
// returned token pair and identity into the session store.
func (c *Client) Authenticate(ctx context.Context, path string, body any, opts ...CallOption) (*Envelope, error) {
	env, err := c.DoUnauthenticated(ctx, http.MethodPost, path, body, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.installSession(env); err != nil {
		return nil, err
	}
	return env, nil
}

func (c *Client) applyCallOptions(opts []CallOption) callOptions {
	co := callOptions{timeout: c.timeout}
	for _, opt := range opts {
		opt(&co)
	}
	return co
}

func (c *Client) settle(env *Envelope) (*Envelope, error) {
	if env.Status >= 200 && env.Status < 300 {
		return env, nil
	}
	msg := env.Error
	if msg == "" {
		msg = http.StatusText(env.Status)
	}
	return nil, &Error{Kind: KindUpstream, Status: env.Status, Message: msg}
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any, token string, co callOptions) (*Envelope, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, Errf(KindValidation, 0, "encode request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, co.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, Errf(KindValidation, 0, "build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(requestIDHeader, uuid.NewString())
	if token != "" {
		req.Header.Set(authHeader, bearer+token)
	}
	if co.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", co.idempotencyKey)
	}
	for k, vs := range co.header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, &Error{
				Kind:    KindTimeout,
				Message: fmt.Sprintf("%s %s exceeded %s", method, path, co.timeout),
				Err:     err,
			}
		case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
			// The caller's own cancellation is not a transport fault.
			return nil, fmt.Errorf("api: %s %s: %w", method, path, context.Canceled)
		default:
			return nil, &Error{Kind: KindNetwork, Message: "transport failure", Err: err}
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: "read response body", Err: err}
	}
	return Normalize(data, resp.StatusCode), nil
}
