// Package fetch provides the HTTP clients for the prediction backend and the
// vendor API. Every call is bounded by a context and degrades to a fallback.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

var (
	// ErrNetwork wraps transport failures and timeouts.
	ErrNetwork = errors.New("prediction backend unreachable")

	// ErrInvalidOrder is the only error returned to callers of a detailed prediction.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrUnknownItem marks items the catalog cannot describe.
	ErrUnknownItem = errors.New("item not in catalog")
)

// MalformedResponseError reports a 2xx response that could not be used.
type MalformedResponseError struct {
	Endpoint string
	Reason   string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed response from %s: %s: %v", e.Endpoint, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed response from %s: %s", e.Endpoint, e.Reason)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// StatusError reports a non-2xx response.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// newRetryClient creates a new HTTP client with retry capabilities. Retries of
// zero gives exactly one attempt.
func newRetryClient(retries int) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.Logger = nil
	// Hand the final response back so status codes can be classified.
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c
}

// StandardClient converts a retryablehttp.Client to a standard http.Client
func StandardClient(retryClient *retryablehttp.Client) *http.Client {
	return retryClient.StandardClient()
}

// doJSON sends body (nil for GET) and decodes a 2xx JSON response into out.
func doJSON(ctx context.Context, hc *http.Client, method, url, apiKey string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Endpoint: req.URL.Path, StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrNetwork, ctx.Err())
		}
		return &MalformedResponseError{Endpoint: req.URL.Path, Reason: "invalid JSON", Err: err}
	}
	return nil
}

// reason maps an error to a short label for logs and metrics.
func reason(err error) string {
	var malformed *MalformedResponseError
	var status *StatusError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownItem):
		return "unknown_item"
	case errors.Is(err, errCircuitOpen):
		return "circuit_open"
	case errors.Is(err, errRateLimited):
		return "rate_limited"
	case errors.Is(err, errLowConfidence):
		return "low_confidence"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &malformed):
		return "malformed"
	case errors.As(err, &status):
		return "status"
	case errors.Is(err, ErrNetwork):
		return "network"
	}
	return "error"
}
