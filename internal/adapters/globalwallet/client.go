// Package globalwallet implements the GlobalWallet provider over its REST
// orders API.
package globalwallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/marketplace/payments/internal/core/domain"
)

// Order statuses.
const (
	OrderCreated        = "CREATED"
	OrderSaved          = "SAVED"
	OrderApproved       = "APPROVED"
	OrderVoided         = "VOIDED"
	OrderCompleted      = "COMPLETED"
	OrderPayerActionReq = "PAYER_ACTION_REQUIRED"
)

// Capture statuses.
const (
	CaptureCompleted = "COMPLETED"
	CapturePending   = "PENDING"
	CaptureDeclined  = "DECLINED"
	CaptureFailed    = "FAILED"
	CaptureRefunded  = "REFUNDED"
)

// Config holds the GlobalWallet API settings.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	ReturnURL    string
	CancelURL    string
	Timeout      time.Duration
}

// Client implements ports.ProviderAdapter with orders that are approved by
// the payer and captured by us. The order id is the provider reference.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	returnURL    string
	cancelURL    string
	httpClient   *http.Client
	log          *slog.Logger

	mu          sync.RWMutex
	token       string
	tokenExpiry time.Time
	refresh     singleflight.Group
	now         func() time.Time
}

// NewClient creates a new GlobalWallet client.
func NewClient(cfg Config, log *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		returnURL:    cfg.ReturnURL,
		cancelURL:    cfg.CancelURL,
		httpClient:   &http.Client{Timeout: timeout},
		log:          log,
		now:          time.Now,
	}
}

// Provider returns domain.ProviderGlobalWallet.
func (c *Client) Provider() domain.Provider { return domain.ProviderGlobalWallet }

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string    `json:"reference_id,omitempty"`
	CustomID    string    `json:"custom_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Amount      *amount   `json:"amount,omitempty"`
	Payments    *payments `json:"payments,omitempty"`
}

type payments struct {
	Captures []capture `json:"captures"`
}

type capture struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Amount *amount `json:"amount,omitempty"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Links         []link         `json:"links"`
}

type createOrderRequest struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
}

type applicationContext struct {
	ReturnURL  string `json:"return_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
	UserAction string `json:"user_action"`
}

type refundRequest struct {
	Amount      amount `json:"amount"`
	NoteToPayer string `json:"note_to_payer,omitempty"`
}

type refundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// apiError is a non-2xx answer from the API.
type apiError struct {
	StatusCode int
	Name       string `json:"name"`
	Message    string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("global wallet returned %d %s: %s", e.StatusCode, e.Name, e.Message)
}

// CreateSession creates an order for the intent.
func (c *Client) CreateSession(ctx context.Context, req domain.SessionRequest) (*domain.Session, error) {
	body := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: req.Owner.Key(),
			CustomID:    req.IntentID,
			Description: req.Return.Description,
			Amount:      &amount{CurrencyCode: strings.ToUpper(req.Amount.Currency), Value: req.Amount.String()},
		}},
		ApplicationContext: applicationContext{
			ReturnURL:  firstNonEmpty(req.Return.SuccessURL, c.returnURL),
			CancelURL:  firstNonEmpty(req.Return.CancelURL, c.cancelURL),
			UserAction: "PAY_NOW",
		},
	}

	var created order
	if err := c.do(ctx, http.MethodPost, "/v2/checkout/orders", "order-"+req.IntentID, body, &created); err != nil {
		return nil, mapError("create order", err)
	}

	session := &domain.Session{Reference: created.ID, ClientToken: created.ID}
	for _, l := range created.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			session.RedirectURL = l.Href
		}
	}
	c.log.Info("order created", "intent_id", req.IntentID, "order_id", created.ID)
	return session, nil
}

// Verify captures an approved order. Orders that are already completed are
// read back, so a repeated call after a webhook does not capture twice.
func (c *Client) Verify(ctx context.Context, reference string) (*domain.ProviderStatus, error) {
	o, err := c.getOrder(ctx, reference)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return &domain.ProviderStatus{Reference: reference, Found: false}, nil
	}
	if o.Status != OrderApproved {
		return toStatus(reference, o), nil
	}

	var captured order
	path := "/v2/checkout/orders/" + url.PathEscape(reference) + "/capture"
	if err := c.do(ctx, http.MethodPost, path, "capture-"+reference, struct{}{}, &captured); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Name == "ORDER_ALREADY_CAPTURED" {
			return c.PollStatus(ctx, reference)
		}
		return nil, mapError("capture order", err)
	}
	c.log.Info("order captured", "order_id", reference, "status", captured.Status)
	return toStatus(reference, &captured), nil
}

// PollStatus reads an order without capturing it.
func (c *Client) PollStatus(ctx context.Context, reference string) (*domain.ProviderStatus, error) {
	o, err := c.getOrder(ctx, reference)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return &domain.ProviderStatus{Reference: reference, Found: false}, nil
	}
	return toStatus(reference, o), nil
}

// Refund refunds the order's completed capture.
func (c *Client) Refund(ctx context.Context, req domain.RefundInstruction) (*domain.RefundResult, error) {
	o, err := c.getOrder(ctx, req.Reference)
	if err != nil {
		return nil, err
	}
	cp := completedCapture(o)
	if cp == nil {
		return nil, fmt.Errorf("%w: order %s has no completed capture", domain.ErrProviderDeclined, req.Reference)
	}

	body := refundRequest{
		Amount:      amount{CurrencyCode: strings.ToUpper(req.Amount.Currency), Value: req.Amount.String()},
		NoteToPayer: req.Reason,
	}
	var res refundResponse
	path := "/v2/payments/captures/" + url.PathEscape(cp.ID) + "/refund"
	if err := c.do(ctx, http.MethodPost, path, "refund-"+req.RefundID, body, &res); err != nil {
		return nil, mapError("refund capture", err)
	}
	if res.Status == CaptureFailed {
		return nil, fmt.Errorf("%w: refund %s failed", domain.ErrProviderDeclined, res.ID)
	}

	c.log.Info("refund created", "refund_id", req.RefundID, "capture_id", cp.ID, "provider_refund_id", res.ID)
	return &domain.RefundResult{ProviderRefundID: res.ID, Status: res.Status}, nil
}

// getOrder returns nil when the order does not exist.
func (c *Client) getOrder(ctx context.Context, id string) (*order, error) {
	var o order
	err := c.do(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(id), "", nil, &o)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, mapError("get order", err)
	}
	return &o, nil
}

// do sends an authenticated JSON request and decodes a JSON answer into out.
func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Request-Id", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidateToken()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{StatusCode: resp.StatusCode}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// accessToken returns a cached client-credentials token, refreshing it a
// minute before it expires. Concurrent callers share one refresh and no
// lock is held during the HTTP call.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	token, expiry := c.token, c.tokenExpiry
	c.mu.RUnlock()
	if token != "" && c.now().Before(expiry) {
		return token, nil
	}

	v, err, _ := c.refresh.Do("token", func() (any, error) {
		// One caller giving up must not fail the others waiting on this refresh.
		return c.fetchToken(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %w", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("%w: decode token: %w", domain.ErrProviderUnavailable, err)
	}

	c.mu.Lock()
	c.token = tok.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	c.mu.Unlock()
	return tok.AccessToken, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// mapError classifies a failed call. Client errors other than rate limits
// are declines; everything else is worth retrying.
func mapError(op string, err error) error {
	if errors.Is(err, domain.ErrProviderUnavailable) {
		return err
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) &&
		apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
		apiErr.StatusCode != http.StatusTooManyRequests && apiErr.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("%w: %s: %w", domain.ErrProviderDeclined, op, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrProviderUnavailable, op, err)
}

func completedCapture(o *order) *capture {
	if o == nil {
		return nil
	}
	for _, pu := range o.PurchaseUnits {
		if pu.Payments == nil {
			continue
		}
		for i := range pu.Payments.Captures {
			if pu.Payments.Captures[i].Status == CaptureCompleted {
				return &pu.Payments.Captures[i]
			}
		}
	}
	return nil
}

func lastCapture(o *order) *capture {
	for i := len(o.PurchaseUnits) - 1; i >= 0; i-- {
		pu := o.PurchaseUnits[i]
		if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
			return &pu.Payments.Captures[len(pu.Payments.Captures)-1]
		}
	}
	return nil
}

func toStatus(reference string, o *order) *domain.ProviderStatus {
	status := &domain.ProviderStatus{Reference: reference, Found: true, Outcome: domain.OutcomePending, Detail: o.Status}

	switch o.Status {
	case OrderApproved:
		status.CaptureRequired = true
	case OrderVoided:
		status.Outcome = domain.OutcomeDeclined
	case OrderCompleted:
		if cp := completedCapture(o); cp != nil {
			status.Outcome = domain.OutcomeSucceeded
			status.ProviderPaymentID = cp.ID
			if cp.Amount != nil {
				if m, err := domain.ParseMoney(cp.Amount.Value, cp.Amount.CurrencyCode); err == nil {
					status.Amount = m
				}
			}
		} else if cp := lastCapture(o); cp != nil {
			status.ProviderPaymentID = cp.ID
			status.Detail = cp.Status
			if cp.Status == CaptureDeclined || cp.Status == CaptureFailed {
				status.Outcome = domain.OutcomeDeclined
			}
		}
	}
	return status
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
