// Package custody implements the signer backend for a remote custody
// service: signing and submission are delegated to an external HTTPS API
// identified by an app id, app secret, and wallet id, so no private key is
// held locally.
package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentgate/agentgate-go/retry"
)

// APIError is a non-2xx response from the custody API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("custody api error (HTTP %d, %s): %s", e.Status, e.Code, e.Message)
}

// Retryable reports whether the request may be retried. Server-side
// failures are transient; client errors are not.
func (e *APIError) Retryable() bool {
	return e.Status >= 500
}

// Client is an HTTP client for the custody REST API. It handles Basic
// authentication, request/response serialization, and retry with
// exponential backoff for transient failures. Client is safe for
// concurrent use.
type Client struct {
	baseURL   string
	appID     string
	appSecret string
	hc        *http.Client
	backoff   retry.Config
	logger    *slog.Logger
}

// NewClient creates a custody API client authenticating as (appID,
// appSecret).
func NewClient(baseURL, appID, appSecret string) *Client {
	return &Client{
		baseURL:   baseURL,
		appID:     appID,
		appSecret: appSecret,
		hc: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		backoff: retry.DefaultConfig,
		logger:  slog.Default(),
	}
}

// do executes one authenticated request, decoding the JSON response into
// out when it is non-nil. Transient failures (network errors, 5xx) retry
// under the backoff schedule; API client errors return an *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := retry.WithRetry(ctx, c.backoff, isTransient, func() (struct{}, error) {
		return struct{}{}, c.doOnce(ctx, method, path, body, out)
	})
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.appID, c.appSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("custody request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr := json.NewDecoder(resp.Body).Decode(apiErr); decodeErr != nil {
			apiErr.Message = resp.Status
		}
		c.logger.Warn("custody api error", "method", method, "path", path, "status", resp.StatusCode, "code", apiErr.Code)
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func isTransient(err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Retryable()
	}
	// Network-level failures are worth retrying.
	return true
}
