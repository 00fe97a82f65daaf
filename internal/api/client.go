package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andyleap/authsession/internal/storage"
)

// Request describes one backend call. Public requests skip the bearer token
// and the refresh transport.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Public bool
}

// Doer is the calling surface the auth components depend on.
type Doer interface {
	Do(ctx context.Context, r Request, out any) error
}

type Client struct {
	baseURL *url.URL
	authed  *http.Client
	public  *http.Client
	refresh *RefreshTransport
	logger  *slog.Logger
}

type Option func(*clientOptions)

type clientOptions struct {
	transport      http.RoundTripper
	timeout        time.Duration
	refreshTimeout time.Duration
	logger         *slog.Logger
}

// WithTransport replaces the underlying round tripper for both authenticated
// and public calls.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *clientOptions) { o.transport = rt }
}

// WithTimeout bounds every request, including a replay after refresh.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.timeout = d }
}

func WithRefreshTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.refreshTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

func NewClient(baseURL string, store storage.CredentialStore, opts ...Option) (*Client, error) {
	o := clientOptions{
		transport:      http.DefaultTransport,
		timeout:        30 * time.Second,
		refreshTimeout: 15 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", baseURL)
	}

	c := &Client{baseURL: u, logger: o.logger}
	c.refresh = &RefreshTransport{
		Base:       o.transport,
		Store:      store,
		RefreshURL: c.resolve(PathTokenRefresh, nil),
		Timeout:    o.refreshTimeout,
		Logger:     o.logger,
	}
	c.authed = &http.Client{Transport: c.refresh, Timeout: o.timeout}
	c.public = &http.Client{Transport: o.transport, Timeout: o.timeout}
	return c, nil
}

// OnSessionExpired registers a callback for irrecoverable refresh failures.
func (c *Client) OnSessionExpired(fn func()) {
	c.refresh.OnSessionExpired(fn)
}

// HTTPClient returns a client that carries the bearer token and refresh
// behaviour for callers outside this package, such as feed screens.
func (c *Client) HTTPClient() *http.Client {
	return c.authed
}

func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

func (c *Client) resolve(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Do performs the call and decodes a JSON response into out when out is not
// nil. Non-2xx responses come back as *APIError.
func (c *Client) Do(ctx context.Context, r Request, out any) error {
	var body io.Reader
	if r.Body != nil {
		data, err := json.Marshal(r.Body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		// bytes.Reader lets the refresh transport replay the body.
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, c.resolve(r.Path, r.Query), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := c.authed
	if r.Public {
		hc = c.public
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", r.Method, r.Path, err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := newAPIError(resp)
		c.logger.Debug("API request failed", "method", r.Method, "path", r.Path, "status", resp.StatusCode)
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("failed to decode %s %s response: %w", r.Method, r.Path, err)
	}
	return nil
}
