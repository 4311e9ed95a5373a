package persona

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pithecene-io/daybreak/iox"
)

// DefaultTimeout is the default per-request timeout. Persona calls are
// long-running generations.
const DefaultTimeout = 90 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 2

// maxResponseBytes bounds a persona response body.
const maxResponseBytes = 8 << 20

// HTTPConfig configures the HTTP persona client.
type HTTPConfig struct {
	// Pool selects the endpoint for each attempt (required).
	Pool *Pool
	// APIKey is sent as a bearer token when set.
	APIKey string
	// Timeout is the per-request timeout (default 90s).
	Timeout time.Duration
	// Retries is the number of retry attempts on retriable failures.
	Retries int
}

// HTTPClient invokes personas over JSON/HTTP:
//
//	POST {endpoint}/personas/{persona}/invoke  Request -> persona output object
//
// Each retry fails over to the next endpoint in the pool.
type HTTPClient struct {
	config HTTPConfig
	client *http.Client
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// NewHTTPClient creates a persona client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.Pool == nil {
		return nil, errors.New("persona client requires an endpoint pool")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	return &HTTPClient{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}, nil
}

// Invoke implements Invoker.
func (c *HTTPClient) Invoke(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, &Error{Persona: req.Persona, Kind: KindTransport, Err: fmt.Errorf("marshal request: %w", err)}
	}

	endpoint, err := c.config.Pool.Select(req.Session)
	if err != nil {
		return Response{}, &Error{Persona: req.Persona, Kind: KindTransport, Err: err}
	}

	var lastErr *Error
	attempts := 1 + c.config.Retries
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return Response{}, &Error{Persona: req.Persona, Kind: KindTimeout, Err: err}
		}
		if i > 0 {
			endpoint = c.config.Pool.Failover(endpoint, req.Session)
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return Response{}, &Error{Persona: req.Persona, Kind: KindTimeout, Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}

		out, err := c.invokeAt(ctx, endpoint, req.Persona, body)
		if err == nil {
			return Response{Persona: req.Persona, Body: out}, nil
		}
		lastErr = err
		if !retriable(err) {
			return Response{}, err
		}
	}
	return Response{}, &Error{
		Persona: req.Persona,
		Kind:    lastErr.Kind,
		Err:     fmt.Errorf("failed after %d attempts: %w", attempts, lastErr.Err),
	}
}

// retriable reports whether another attempt may succeed.
// 4xx other than 429 are non-retriable.
func retriable(err *Error) bool {
	var statusErr *StatusError
	if errors.As(err.Err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500
	}
	return true
}

func (c *HTTPClient) invokeAt(ctx context.Context, endpoint, name string, body []byte) (json.RawMessage, *Error) {
	target := endpoint + "/personas/" + url.PathEscape(name) + "/invoke"
	fail := func(kind ErrorKind, err error) (json.RawMessage, *Error) {
		return nil, &Error{Persona: name, Kind: kind, Err: fmt.Errorf("%s: %w", endpoint, err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fail(KindTransport, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fail(KindTimeout, err)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fail(KindTimeout, err)
		}
		return fail(KindTransport, fmt.Errorf("request failed: %w", err))
	}
	defer iox.DrainClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fail(KindRateLimit, &StatusError{Code: resp.StatusCode})
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fail(KindStatus, &StatusError{Code: resp.StatusCode})
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail(KindTransport, fmt.Errorf("read response: %w", err))
	}
	return json.RawMessage(data), nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

var _ Invoker = (*HTTPClient)(nil)
