package lease

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

	"github.com/pithecene-io/daybreak/iox"
)

// DefaultTimeout is the default per-request timeout.
const DefaultTimeout = 30 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 2

// HTTPConfig configures the HTTP cache service client.
type HTTPConfig struct {
	// URL is the cache service base URL (required).
	URL string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// Timeout is the per-request timeout (default 30s).
	Timeout time.Duration
	// Retries is the number of retry attempts on 5xx and network errors.
	Retries int
}

// HTTPService talks to a cache service over JSON/HTTP:
//
//	POST   {url}/leases           {"model_version", "payload"} -> {"handle", "created_at"}
//	DELETE {url}/leases/{handle}  -> {"deleted"}
type HTTPService struct {
	config HTTPConfig
	client *http.Client
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// NewHTTPService creates a cache service client.
// Returns ErrNoService if the URL is empty.
func NewHTTPService(cfg HTTPConfig) (*HTTPService, error) {
	if cfg.URL == "" {
		return nil, ErrNoService
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("cache service: invalid URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &HTTPService{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type createRequest struct {
	ModelVersion string `json:"model_version"`
	Payload      []byte `json:"payload"`
}

type deleteResponse struct {
	Deleted bool `json:"deleted"`
}

// CreateLease implements CacheService.
func (s *HTTPService) CreateLease(ctx context.Context, modelVersion string, payload []byte) (Created, error) {
	body, err := json.Marshal(createRequest{ModelVersion: modelVersion, Payload: payload})
	if err != nil {
		return Created{}, fmt.Errorf("cache service: marshal request: %w", err)
	}
	var out Created
	if err := s.do(ctx, http.MethodPost, s.config.URL+"/leases", body, &out); err != nil {
		return Created{}, err
	}
	if out.Handle == "" {
		return Created{}, errors.New("cache service: response missing handle")
	}
	return out, nil
}

// DeleteLease implements CacheService. A 404 reports false without error.
func (s *HTTPService) DeleteLease(ctx context.Context, handle string) (bool, error) {
	var out deleteResponse
	err := s.do(ctx, http.MethodDelete, s.config.URL+"/leases/"+url.PathEscape(handle), nil, &out)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.Deleted, nil
}

// do performs one logical request with retries and exponential backoff.
// 4xx responses are non-retriable and fail immediately.
func (s *HTTPService) do(ctx context.Context, method, target string, body []byte, out any) error {
	var lastErr error
	attempts := 1 + s.config.Retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cache service: context canceled: %w", err)
		}
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("cache service: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = s.doRequest(ctx, method, target, body, out)
		if lastErr == nil {
			return nil
		}
		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
			return fmt.Errorf("cache service: non-retriable error: %w", lastErr)
		}
	}
	return fmt.Errorf("cache service: failed after %d attempts: %w", attempts, lastErr)
}

func (s *HTTPService) doRequest(ctx context.Context, method, target string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DrainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Close releases idle connections.
func (s *HTTPService) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

var _ CacheService = (*HTTPService)(nil)
