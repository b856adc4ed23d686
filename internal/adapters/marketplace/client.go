// Package marketplace provides the HTTP client for the marketplace backend.
package marketplace

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

	"github.com/marketplace/payments/internal/core/domain"
)

// ErrCallbackFailed is returned when the marketplace backend refuses a call.
var ErrCallbackFailed = errors.New("marketplace callback failed")

// Client implements ports.OperatorQueue and outbox.Poster.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new marketplace backend client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// ReportRefundFailure files a refund failure for manual follow-up.
// POST /api/v1/internal/payments/refund-failures/
func (c *Client) ReportRefundFailure(ctx context.Context, failure domain.RefundFailure) error {
	jsonBody, err := json.Marshal(failure)
	if err != nil {
		return domain.NewServiceError(ErrCallbackFailed,
			"failed to marshal refund failure", "MARSHAL_ERROR")
	}
	headers := map[string]string{"Idempotency-Key": "refund-failure-" + failure.RefundID}
	return c.post(ctx, "/api/v1/internal/payments/refund-failures/", jsonBody, headers)
}

// PostNotification delivers a payment notification.
// POST /api/v1/payments/webhook-callback/
func (c *Client) PostNotification(ctx context.Context, payload []byte, headers map[string]string) error {
	return c.post(ctx, "/api/v1/payments/webhook-callback/", payload, headers)
}

func (c *Client) post(ctx context.Context, path string, body []byte, headers map[string]string) error {
	url := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.NewServiceError(ErrCallbackFailed,
			"failed to create request", "REQUEST_ERROR")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-API-Key", c.apiKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewServiceError(ErrCallbackFailed,
			"request failed: "+err.Error(), "HTTP_ERROR")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return domain.NewServiceError(ErrCallbackFailed,
			fmt.Sprintf("marketplace returned status %d: %s", resp.StatusCode, string(respBody)),
			"MARKETPLACE_ERROR")
	}

	return nil
}
