package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketplace/payments/internal/adapters/memory"
	"github.com/marketplace/payments/internal/core/domain"
	"github.com/marketplace/payments/internal/core/ports"
	"github.com/marketplace/payments/internal/core/service"
)

const (
	testToken  = "svc_token"
	hookSecret = "whsec_handlers"
)

type stubAdapter struct {
	mu        sync.Mutex
	outcome   domain.Outcome
	refundErr error
}

func (a *stubAdapter) Provider() domain.Provider { return domain.ProviderWalletA }

func (a *stubAdapter) CreateSession(_ context.Context, req domain.SessionRequest) (*domain.Session, error) {
	return &domain.Session{Reference: "cs_" + req.IntentID, RedirectURL: "https://pay.example/cs_" + req.IntentID}, nil
}

func (a *stubAdapter) Verify(_ context.Context, reference string) (*domain.ProviderStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &domain.ProviderStatus{Reference: reference, Found: true, Outcome: a.outcome, ProviderPaymentID: "pi_" + reference}, nil
}

func (a *stubAdapter) PollStatus(ctx context.Context, reference string) (*domain.ProviderStatus, error) {
	return a.Verify(ctx, reference)
}

func (a *stubAdapter) Refund(_ context.Context, req domain.RefundInstruction) (*domain.RefundResult, error) {
	if a.refundErr != nil {
		return nil, a.refundErr
	}
	return &domain.RefundResult{ProviderRefundID: "re_" + req.RefundID, Status: "succeeded"}, nil
}

// hmacVerifier accepts bodies signed with hookSecret in X-Test-Signature.
type hmacVerifier struct{}

func (hmacVerifier) Provider() domain.Provider { return domain.ProviderWalletA }

func (hmacVerifier) Verify(rawBody []byte, headers http.Header) error {
	if !hmac.Equal([]byte(headers.Get("X-Test-Signature")), []byte(signBody(rawBody))) {
		return domain.ErrSignatureInvalid
	}
	return nil
}

func (hmacVerifier) Parse(rawBody []byte) (*domain.ProviderEvent, error) {
	var ev struct {
		ID        string `json:"id"`
		Reference string `json:"reference"`
		Outcome   string `json:"outcome"`
	}
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return nil, err
	}
	return &domain.ProviderEvent{EventID: ev.ID, Type: "test", Reference: ev.Reference, Outcome: domain.Outcome(ev.Outcome)}, nil
}

func signBody(body []byte) string {
	h := hmac.New(sha256.New, []byte(hookSecret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type operatorQueue struct{}

func (operatorQueue) ReportRefundFailure(context.Context, domain.RefundFailure) error { return nil }

type testServer struct {
	router  *gin.Engine
	store   *memory.Store
	adapter *stubAdapter
}

func newTestServer(t *testing.T, health ports.HealthChecker) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	adapter := &stubAdapter{outcome: domain.OutcomePending}
	providers := service.NewProviders(adapter)

	entitlements := service.NewEntitlementService(store, store, store, log, service.EnforceHard)
	settlement := service.NewSettlementService(store, store, store, store, store, store, operatorQueue{}, entitlements, providers, log, time.Second)
	checkout := service.NewCheckoutService(store, store, store, store, providers, settlement, log, time.Second)
	webhooks := service.NewWebhookService([]ports.SignatureVerifier{hmacVerifier{}}, store, nil, store, settlement, store, store, log, time.Minute)
	owners := service.NewOwnerService(store, store, log)

	store.SeedOwner(domain.Owner{Kind: domain.OwnerBooking, ID: "B1", PriceMinor: 50000, Currency: "PHP"})

	router := SetupRouter(RouterConfig{
		GinMode:      gin.TestMode,
		ServiceToken: testToken,
		Log:          log,
		Payments:     NewPaymentHandler(checkout, settlement, store, log),
		Webhooks:     NewWebhookHandler(webhooks, log),
		Entitlements: NewEntitlementHandler(entitlements, log),
		Owners:       NewOwnerHandler(owners, log),
		Health:       health,
	})
	return &testServer{router: router, store: store, adapter: adapter}
}

func (s *testServer) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) api(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, method, path, body, http.Header{"Authorization": {"Bearer " + testToken}})
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func checkoutBody() map[string]any {
	return map[string]any{
		"owner":    map[string]any{"kind": "booking", "id": "B1"},
		"purpose":  "booking_payment",
		"amount":   map[string]any{"amount": 50000, "currency": "PHP"},
		"provider": "wallet_a",
	}
}

func (s *testServer) checkout(t *testing.T) service.InitiateResult {
	t.Helper()
	w := s.api(t, http.MethodPost, "/api/v1/payments/checkout", checkoutBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[service.InitiateResult](t, w)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, pinger{})
	w := srv.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	down := newTestServer(t, pinger{err: errors.New("pool closed")})
	w = down.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServiceAuth(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing", header: ""},
		{name: "wrong scheme", header: "Basic " + testToken},
		{name: "wrong token", header: "Bearer nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set("Authorization", tt.header)
			}
			w := srv.do(t, http.MethodGet, "/api/v1/payments/anything", nil, h)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "UNAUTHORIZED", decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestCreateCheckout(t *testing.T) {
	srv := newTestServer(t, nil)

	res := srv.checkout(t)
	assert.Equal(t, domain.StatusAwaitingProviderResult, res.Status)
	assert.Equal(t, "https://pay.example/cs_"+res.IntentID, res.RedirectURL)

	w := srv.api(t, http.MethodGet, "/api/v1/payments/"+res.IntentID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	intent := decode[domain.PaymentIntent](t, w)
	assert.Equal(t, "cs_"+res.IntentID, intent.ProviderReference)

	w = srv.api(t, http.MethodPost, "/api/v1/payments/checkout", checkoutBody())
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "PAYMENT_IN_PROGRESS", decode[ErrorResponse](t, w).Code)
}

func TestCreateCheckoutErrors(t *testing.T) {
	srv := newTestServer(t, nil)

	mismatch := checkoutBody()
	mismatch["amount"] = map[string]any{"amount": 100, "currency": "PHP"}
	missing := checkoutBody()
	missing["owner"] = map[string]any{"kind": "booking", "id": "B404"}
	badProvider := checkoutBody()
	badProvider["provider"] = "cash"

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{name: "malformed json", body: []byte(`{"owner":`), status: http.StatusBadRequest},
		{name: "amount mismatch", body: mismatch, status: http.StatusUnprocessableEntity},
		{name: "unknown owner", body: missing, status: http.StatusNotFound},
		{name: "unknown provider", body: badProvider, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := srv.api(t, http.MethodPost, "/api/v1/payments/checkout", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.False(t, decode[ErrorResponse](t, w).Success)
		})
	}
}

func TestGetPaymentNotFound(t *testing.T) {
	srv := newTestServer(t, nil)
	w := srv.api(t, http.MethodGet, "/api/v1/payments/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "INTENT_NOT_FOUND", decode[ErrorResponse](t, w).Code)
}

func TestConfirmAndRefund(t *testing.T) {
	srv := newTestServer(t, nil)
	res := srv.checkout(t)

	w := srv.api(t, http.MethodPost, "/api/v1/payments/"+res.IntentID+"/confirm", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.StatusAwaitingProviderResult, decode[StatusResponse](t, w).Status)

	srv.adapter.mu.Lock()
	srv.adapter.outcome = domain.OutcomeSucceeded
	srv.adapter.mu.Unlock()

	w = srv.api(t, http.MethodPost, "/api/v1/payments/"+res.IntentID+"/confirm", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.StatusSettled, decode[StatusResponse](t, w).Status)

	w = srv.api(t, http.MethodPost, "/api/v1/payments/"+res.IntentID+"/refunds",
		map[string]any{"amount": 20000, "reason": "partial cancellation", "actor": "operator:7"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	refund := decode[domain.Refund](t, w)
	assert.Equal(t, int64(20000), refund.Amount.Minor)

	w = srv.api(t, http.MethodPost, "/api/v1/payments/"+res.IntentID+"/refunds",
		map[string]any{"amount": 40000, "reason": "too much", "actor": "operator:7"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NOT_REFUNDABLE", decode[ErrorResponse](t, w).Code)

	w = srv.api(t, http.MethodGet, "/api/v1/payments/"+res.IntentID+"/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	trail := decode[struct {
		Entries []domain.AuditEntry `json:"entries"`
	}](t, w)
	assert.NotEmpty(t, trail.Entries)
}

func TestRefundProviderFailure(t *testing.T) {
	srv := newTestServer(t, nil)
	res := srv.checkout(t)
	srv.adapter.outcome = domain.OutcomeSucceeded
	srv.adapter.refundErr = domain.ErrProviderUnavailable

	w := srv.api(t, http.MethodPost, "/api/v1/payments/"+res.IntentID+"/confirm", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = srv.api(t, http.MethodPost, "/api/v1/payments/"+res.IntentID+"/refunds",
		map[string]any{"reason": "duplicate charge", "actor": "operator:7"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "REFUND_FAILED", body["code"])
	assert.Equal(t, domain.GenericPaymentMessage, body["error"])
	assert.NotNil(t, body["refund"])
}

func TestReject(t *testing.T) {
	srv := newTestServer(t, nil)
	res := srv.checkout(t)

	w := srv.api(t, http.MethodPost, "/api/v1/payments/"+res.IntentID+"/reject", map[string]any{"operator": "7"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.api(t, http.MethodPost, "/api/v1/payments/"+res.IntentID+"/reject",
		map[string]any{"operator": "7", "reason": "fraud review"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.StatusRejected, decode[StatusResponse](t, w).Status)

	owner, err := srv.store.GetOwner(context.Background(), domain.OwnerRef{Kind: domain.OwnerBooking, ID: "B1"})
	require.NoError(t, err)
	assert.Empty(t, owner.PaymentInProgress)
}

func TestWebhookEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	res := srv.checkout(t)

	body := []byte(`{"id":"evt_1","reference":"cs_` + res.IntentID + `","outcome":"succeeded"}`)

	w := srv.do(t, http.MethodPost, "/webhooks/wallet-a", body, http.Header{"X-Test-Signature": {"forged"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	signed := http.Header{"X-Test-Signature": {signBody(body)}}
	w = srv.do(t, http.MethodPost, "/webhooks/wallet-a", body, signed)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, service.WebhookProcessed, decode[service.WebhookResult](t, w).Disposition)

	w = srv.do(t, http.MethodPost, "/webhooks/wallet-a", body, signed)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, service.WebhookDuplicate, decode[service.WebhookResult](t, w).Disposition)

	intent, err := srv.store.GetIntent(context.Background(), res.IntentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSettled, intent.Status)

	w = srv.do(t, http.MethodPost, "/webhooks/wallet-b", body, signed)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOwnersAndEntitlements(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.api(t, http.MethodPut, "/api/v1/owners/subscription/S1",
		map[string]any{"price_minor": 99900, "currency": "PHP"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	owner := decode[domain.Owner](t, w)
	assert.Equal(t, domain.TierFree, owner.Tier)

	w = srv.api(t, http.MethodGet, "/api/v1/owners/subscription/S1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = srv.api(t, http.MethodGet, "/api/v1/entitlements/S1/"+domain.FeatureListings, nil)
	require.Equal(t, http.StatusOK, w.Code)
	access := decode[service.Access](t, w)
	assert.True(t, access.Allowed)
	assert.Equal(t, int64(1), access.Limit)

	w = srv.api(t, http.MethodPost, "/api/v1/entitlements/S1/"+domain.FeatureListings+"/usage", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(1), decode[domain.UsageRecord](t, w).Consumed)

	w = srv.api(t, http.MethodPost, "/api/v1/entitlements/S1/"+domain.FeatureListings+"/usage", map[string]any{"amount": 1})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "LIMIT_EXCEEDED", decode[ErrorResponse](t, w).Code)

	w = srv.api(t, http.MethodGet, "/api/v1/entitlements/S1/teleport", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = srv.api(t, http.MethodPut, "/api/v1/owners/booking/B2", map[string]any{"price_minor": 100, "currency": "php"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
