// Package api is the client for the staking backend HTTP API.
//
// Requests are JSON, authenticated with the bearer token kept in the keyed
// store under "authToken", and retried a bounded number of times with a
// linearly growing delay. Client errors (4xx) are returned at once.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stakehost/stakehost/pkg/keystore"
	"github.com/stakehost/stakehost/pkg/telemetry"
)

const adapterName = "http"

// Config configures the backend client.
type Config struct {
	// BaseURL is the API root, e.g. https://api.stage.bloxstaking.com
	BaseURL string

	// Retries is how many times a failed request is retried.
	Retries int

	// RetryDelay is the base delay; retry n waits n*RetryDelay.
	RetryDelay time.Duration

	// Timeout bounds a single attempt.
	Timeout time.Duration
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:    "https://api.stage.bloxstaking.com",
		Retries:    3,
		RetryDelay: time.Second,
		Timeout:    30 * time.Second,
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed if repeated.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}

// Client calls the backend API.
type Client struct {
	cfg    Config
	kv     keystore.KV
	http   *http.Client
	logger *telemetry.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client. kv supplies the auth token and may be nil for
// unauthenticated use.
func NewClient(cfg Config, kv keystore.KV, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		kv:     kv,
		http:   &http.Client{},
		logger: telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.NewComponentLogger("api")
	return c
}

// linearBackOff waits n*delay before the n-th retry.
type linearBackOff struct {
	delay time.Duration
	n     int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.delay
}

func (b *linearBackOff) Reset() { b.n = 0 }

// Request sends body as JSON and decodes the response into out. Either may
// be nil.
func (c *Client) Request(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode %s %s request: %w", method, path, err)
		}
	}

	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	retries := c.cfg.Retries
	if retries < 0 {
		retries = 0
	}

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := telemetry.RecordAdapterOperation(ctx, adapterName, method+" "+path, func(ctx context.Context) error {
			return c.do(ctx, method, path, token, payload, out)
		})
		var ae *APIError
		if errors.As(err, &ae) && !ae.Temporary() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(&linearBackOff{delay: c.cfg.RetryDelay}),
		backoff.WithMaxTries(uint(retries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
				tel.Metrics.RecordHTTPRetry(method)
			}
			c.logger.WithError(err).WithFields(map[string]interface{}{
				"method":  method,
				"path":    path,
				"attempt": attempt,
				"delay":   next.String(),
			}).Warn("retrying backend request")
		}),
	)

	// the final attempt returns its error as is, permanent or not
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return err
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.kv == nil {
		return "", nil
	}
	token, err := c.kv.GetString(ctx, "authToken")
	if err != nil {
		return "", fmt.Errorf("failed to read auth token: %w", err)
	}
	return token, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, payload []byte, out any) error {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build %s %s request: %w", method, path, err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s %s response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data),
		}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to decode %s %s response: %w", method, path, err))
	}
	return nil
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// errorMessage extracts the message of a JSON error body, falling back to
// the raw text.
func errorMessage(data []byte) string {
	var envelope struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Error != "" {
			return envelope.Error
		}
	}
	return strings.TrimSpace(string(data))
}
