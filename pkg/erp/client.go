// Package erp is a request/response client for the remote ERP system that
// holds project master data and actuals ledgers.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 15 * time.Second

// maxErrorBody caps how much of a failed response is kept.
const maxErrorBody = 4096

var (
	// ErrInvalidConfig is returned from every call of a client whose
	// configuration could not be used.
	ErrInvalidConfig = errors.New("erp: invalid configuration")
	// ErrSession is returned when the session login is rejected.
	ErrSession = errors.New("erp: session login failed")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("erp: %s returned status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// HTTPDoer defines the method required for an HTTP client. *http.Client
// satisfies it.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Limiter is consulted before each request. A returned error aborts the
// request.
type Limiter interface {
	Take(ctx context.Context) error
}

// Observer receives the outcome of every request. Status is 0 when no
// response was received.
type Observer func(operation string, status int, d time.Duration)

// Config is one remote service endpoint.
type Config struct {
	// Name labels the client in logs, e.g. "project-info" or "actuals".
	Name     string        `mapstructure:"name"`
	BaseURL  string        `mapstructure:"base_url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// SessionPath, when set, is POSTed with basic auth before the first
	// request; the session cookie is reused afterwards. A failed login is
	// attempted again on the next request.
	SessionPath string `mapstructure:"session_path"`
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Request/response pairs are logged at Debug.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient replaces the cookie-jar http.Client built on first use.
func WithHTTPClient(d HTTPDoer) Option {
	return func(c *Client) { c.http = d }
}

// WithLimiter throttles requests.
func WithLimiter(l Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithObserver reports each request's status and duration.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// Client talks to one ERP service. It is safe for concurrent use; setup runs
// once, on first use.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	limiter  Limiter
	observer Observer

	once    sync.Once
	initErr error
	http    HTTPDoer
	base    *url.URL

	// loginMu serializes session logins; a failed login is retried by the
	// next request.
	loginMu  sync.Mutex
	loggedIn bool
}

// New returns a client for cfg. Nothing is validated or dialed until the
// first request.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "erp"
	}
	c := &Client{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("client", cfg.Name)
	return c
}

// Name returns the configured client name.
func (c *Client) Name() string {
	return c.cfg.Name
}

// init validates the configuration once, then makes sure a session exists.
// Configuration errors are sticky; login errors are not.
func (c *Client) init(ctx context.Context) error {
	c.once.Do(func() {
		base, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/"))
		if err != nil || base.Scheme == "" || base.Host == "" {
			c.initErr = fmt.Errorf("%w: base url %q", ErrInvalidConfig, c.cfg.BaseURL)
			return
		}
		c.base = base

		if c.http == nil {
			jar, err := cookiejar.New(nil)
			if err != nil {
				c.initErr = fmt.Errorf("%w: %v", ErrInvalidConfig, err)
				return
			}
			c.http = &http.Client{Timeout: c.cfg.Timeout, Jar: jar}
		}
		c.logger.Debug("erp client initialized", "base_url", base.String())
	})
	if c.initErr != nil {
		return c.initErr
	}
	if c.cfg.SessionPath == "" {
		return nil
	}

	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	if c.loggedIn {
		return nil
	}
	if err := c.login(ctx); err != nil {
		c.logger.Warn("erp session login failed", "error", err)
		return err
	}
	c.loggedIn = true
	return nil
}

func (c *Client) login(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.cfg.SessionPath), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSession, err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSession, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrSession, resp.StatusCode)
	}
	return nil
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + "/" + strings.TrimLeft(path, "/")
}

// Request POSTs params as JSON to {BaseURL}/{operation} and decodes a 2xx
// JSON response into out (which may be nil). Non-2xx responses return a
// *StatusError. There is no retry.
func (c *Client) Request(ctx context.Context, operation string, params, out any) error {
	if err := c.init(ctx); err != nil {
		return err
	}
	if c.limiter != nil {
		if err := c.limiter.Take(ctx); err != nil {
			return fmt.Errorf("erp: %s: %w", operation, err)
		}
	}

	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("erp: %s: encode params: %w", operation, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(operation), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("erp: %s: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.logger.Debug("erp request", "method", req.Method, "operation", operation, "status", 0, "duration", elapsed, "error", err)
		c.observe(operation, 0, elapsed)
		return fmt.Errorf("erp: %s: %w", operation, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("erp request", "method", req.Method, "operation", operation, "status", resp.StatusCode, "duration", elapsed)
	c.observe(operation, resp.StatusCode, elapsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Operation: operation, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("erp: %s: decode response: %w", operation, err)
	}
	return nil
}

func (c *Client) observe(operation string, status int, d time.Duration) {
	if c.observer != nil {
		c.observer(operation, status, d)
	}
}
