// Package saltapi speaks the salt-api REST protocol: session login/logout,
// single-target job submission and job result polling.
//
// Every error returned from this package is a *failure.Error:
//   - transport failures and open-breaker rejections -> COMMUNICATION_FAILURE
//   - caller cancellation or deadline                -> INTERRUPTED
//   - unexpected shapes from a reachable server      -> SALT_API_FAILURE
//   - submission not resolving to the single target  -> SALT_TARGET_MISMATCH
package saltapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andrej220/saltdispatch/internal/lg"
	"github.com/andrej220/saltdispatch/pkg/failure"
	"github.com/sony/gobreaker"
)

const (
	headerAuthToken = "X-Auth-Token"
	contentTypeJSON = "application/json"

	// maxBodyBytes caps how much of a response body is read.
	maxBodyBytes = 16 << 20
	// excerptBytes caps how much of a body ends up in error messages.
	excerptBytes = 512

	// DefaultHTTPTimeout bounds one HTTP exchange.
	DefaultHTTPTimeout = 30 * time.Second
)

// Client carries the session, dispatch and poll calls of one dispatch. Its
// circuit breaker counts only that dispatch's failures; share the
// *http.Client, not the Client.
type Client struct {
	endpoint string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   lg.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(c *Client) {
		if cb != nil {
			c.breaker = cb
		}
	}
}

// WithLogger sets the logger used for protocol diagnostics.
func WithLogger(l lg.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// DefaultBreakerSettings trips after more than five consecutive transport
// failures and probes again after 30 seconds. Requests cut short by the
// caller's context are not counted against the remote end.
func DefaultBreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			var ce *callerDoneError
			return err == nil || errors.As(err, &ce)
		},
	}
}

// New creates a Client for the salt-api rooted at endpoint.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: DefaultHTTPTimeout},
		logger:   lg.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = gobreaker.NewCircuitBreaker(DefaultBreakerSettings("salt-api " + c.endpoint))
	}
	return c
}

// Endpoint returns the base URL the client talks to.
func (c *Client) Endpoint() string { return c.endpoint }

// callerDoneError marks a request abandoned because the caller's context
// ended. The remote end is not to blame for it.
type callerDoneError struct{ err error }

func (e *callerDoneError) Error() string { return e.err.Error() }
func (e *callerDoneError) Unwrap() error { return e.err }

type response struct {
	status int
	body   []byte
}

// do sends one request through the circuit breaker. Only transport-level
// failures are errors here; any HTTP status is returned to the caller.
func (c *Client) do(ctx context.Context, method, path, token string, body []byte) (*response, error) {
	url := c.endpoint + path

	res, err := c.breaker.Execute(func() (any, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", contentTypeJSON)
		if body != nil {
			req.Header.Set("Content-Type", contentTypeJSON)
		}
		if token != "" {
			req.Header.Set(headerAuthToken, token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, blame(ctx, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, blame(ctx, fmt.Errorf("read response body: %w", err))
		}
		return &response{status: resp.StatusCode, body: data}, nil
	})
	if err != nil {
		return nil, transportError(ctx, method+" "+url, err)
	}
	return res.(*response), nil
}

// blame marks err as the caller's doing when ctx has ended.
func blame(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &callerDoneError{err: err}
	}
	return err
}

// transportError classifies a failure to complete an HTTP exchange.
func transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return failure.Wrap(failure.Interrupted, err, op+" interrupted")
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return failure.Wrap(failure.CommunicationFailure, err, op+" rejected by circuit breaker")
	}
	return failure.Wrap(failure.CommunicationFailure, err, op+" failed")
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > excerptBytes {
		return s[:excerptBytes] + "..."
	}
	return s
}
