package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketplace/payments/internal/adapters/memory"
	"github.com/marketplace/payments/internal/core/domain"
)

const testSecret = "whsec_test"

var (
	bookingB1 = domain.OwnerRef{Kind: domain.OwnerBooking, ID: "B1"}
	php500    = domain.Money{Minor: 50000, Currency: "PHP"}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeAdapter is a scriptable provider.
type fakeAdapter struct {
	mu         sync.Mutex
	provider   domain.Provider
	sessionErr error
	pollErr    error
	refundErr  error
	statuses   map[string]*domain.ProviderStatus

	sessions    int
	verifyCalls int
	pollCalls   int
	refunds     []domain.RefundInstruction
}

func newFakeAdapter(p domain.Provider) *fakeAdapter {
	return &fakeAdapter{provider: p, statuses: make(map[string]*domain.ProviderStatus)}
}

func (f *fakeAdapter) Provider() domain.Provider { return f.provider }

func (f *fakeAdapter) CreateSession(_ context.Context, req domain.SessionRequest) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	ref := "ref_" + req.IntentID
	return &domain.Session{Reference: ref, RedirectURL: "https://pay.example/" + ref}, nil
}

func (f *fakeAdapter) Verify(_ context.Context, reference string) (*domain.ProviderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if st, ok := f.statuses[reference]; ok {
		if st.CaptureRequired {
			// Verify captures an approved payment.
			st = &domain.ProviderStatus{Reference: reference, Found: true, Outcome: domain.OutcomeSucceeded, ProviderPaymentID: st.ProviderPaymentID}
			f.statuses[reference] = st
		}
		return st, nil
	}
	return &domain.ProviderStatus{Reference: reference, Found: true, Outcome: domain.OutcomePending}, nil
}

func (f *fakeAdapter) PollStatus(_ context.Context, reference string) (*domain.ProviderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if st, ok := f.statuses[reference]; ok {
		return st, nil
	}
	return &domain.ProviderStatus{Reference: reference, Found: false}, nil
}

func (f *fakeAdapter) Refund(_ context.Context, req domain.RefundInstruction) (*domain.RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, req)
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	return &domain.RefundResult{ProviderRefundID: "re_" + req.RefundID, Status: "succeeded"}, nil
}

func (f *fakeAdapter) setStatus(reference string, outcome domain.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[reference] = &domain.ProviderStatus{Reference: reference, Found: true, Outcome: outcome, ProviderPaymentID: "pay_" + reference}
}

func (f *fakeAdapter) setApproved(reference string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[reference] = &domain.ProviderStatus{
		Reference: reference, Found: true, Outcome: domain.OutcomePending,
		ProviderPaymentID: "pay_" + reference, CaptureRequired: true,
	}
}

// fakeVerifier signs bodies with HMAC-SHA256 in X-Test-Signature.
type fakeVerifier struct {
	provider domain.Provider
}

type fakePayload struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Reference string `json:"reference"`
	Outcome   string `json:"outcome"`
	Capture   bool   `json:"capture"`
	Lookup    string `json:"lookup"`
}

func (v fakeVerifier) Provider() domain.Provider { return v.provider }

func (v fakeVerifier) Verify(rawBody []byte, headers http.Header) error {
	if !hmac.Equal([]byte(headers.Get("X-Test-Signature")), []byte(sign(rawBody))) {
		return domain.ErrSignatureInvalid
	}
	return nil
}

func (v fakeVerifier) Parse(rawBody []byte) (*domain.ProviderEvent, error) {
	var p fakePayload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return nil, err
	}
	if p.Type == "ping" {
		return nil, nil
	}
	return &domain.ProviderEvent{
		EventID:         p.ID,
		Type:            p.Type,
		Reference:       p.Reference,
		Outcome:         domain.Outcome(p.Outcome),
		CaptureRequired: p.Capture,
		LookupID:        p.Lookup,
	}, nil
}

// resolvingVerifier fills the reference from a lookup table.
type resolvingVerifier struct {
	fakeVerifier
	lookups map[string]domain.ProviderEvent
	err     error
}

func (v resolvingVerifier) Resolve(_ context.Context, ev *domain.ProviderEvent) error {
	if v.err != nil {
		return v.err
	}
	found, ok := v.lookups[ev.LookupID]
	if !ok {
		return errors.New("lookup not found")
	}
	ev.Reference = found.Reference
	ev.Outcome = found.Outcome
	return nil
}

func sign(body []byte) string {
	h := hmac.New(sha256.New, []byte(testSecret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func signedHeaders(body []byte) http.Header {
	h := http.Header{}
	h.Set("X-Test-Signature", sign(body))
	return h
}

func webhookBody(t *testing.T, p fakePayload) []byte {
	t.Helper()
	b, err := json.Marshal(p)
	require.NoError(t, err)
	return b
}

type fakeOperatorQueue struct {
	mu       sync.Mutex
	failures []domain.RefundFailure
}

func (q *fakeOperatorQueue) ReportRefundFailure(_ context.Context, f domain.RefundFailure) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures = append(q.failures, f)
	return nil
}

type fakeClaims struct {
	mu      sync.Mutex
	held    map[string]bool
	deny    bool
	release int
}

func (c *fakeClaims) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deny || c.held[key] {
		return false, nil
	}
	if c.held == nil {
		c.held = make(map[string]bool)
	}
	c.held[key] = true
	return true, nil
}

func (c *fakeClaims) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.held, key)
	c.release++
	return nil
}

// failingLedger simulates a storage outage.
type failingLedger struct{}

func (failingLedger) Seen(context.Context, domain.Provider, string) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingLedger) RecordEvent(context.Context, *domain.WebhookEvent) error {
	return errors.New("connection refused")
}

type testEnv struct {
	store      *memory.Store
	clock      *clock
	adapter    *fakeAdapter
	operators  *fakeOperatorQueue
	ledger     *EntitlementService
	settlement *SettlementService
	checkout   *CheckoutService
	webhooks   *WebhookService
	reconciler *Reconciler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.NewStore()
	clk := &clock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	adapter := newFakeAdapter(domain.ProviderWalletA)
	operators := &fakeOperatorQueue{}
	log := discardLogger()
	providers := NewProviders(adapter)

	ledger := NewEntitlementService(store, store, store, log, EnforceHard)
	settlement := NewSettlementService(store, store, store, store, store, store, operators, ledger, providers, log, time.Second)
	checkout := NewCheckoutService(store, store, store, store, providers, settlement, log, time.Second)
	webhooks := NewWebhookService(nil, store, nil, store, settlement, store, store, log, time.Minute)
	webhooks.verifiers[domain.ProviderWalletA] = fakeVerifier{provider: domain.ProviderWalletA}
	reconciler := NewReconciler(store, store, settlement, ledger, providers, log, ReconcileConfig{
		IntentTimeout: 24 * time.Hour,
		PollAttempts:  3,
		PollBackoff:   time.Millisecond,
	})

	ledger.now = clk.Now
	settlement.now = clk.Now
	checkout.now = clk.Now
	webhooks.now = clk.Now
	reconciler.now = clk.Now

	store.SeedOwner(domain.Owner{Kind: domain.OwnerBooking, ID: "B1", PriceMinor: 50000, Currency: "PHP"})

	return &testEnv{
		store:      store,
		clock:      clk,
		adapter:    adapter,
		operators:  operators,
		ledger:     ledger,
		settlement: settlement,
		checkout:   checkout,
		webhooks:   webhooks,
		reconciler: reconciler,
	}
}

func (e *testEnv) initiateBooking(t *testing.T, ref domain.OwnerRef) *InitiateResult {
	t.Helper()
	res, err := e.checkout.Initiate(context.Background(), InitiateRequest{
		Owner:    ref,
		Purpose:  domain.PurposeBookingPayment,
		Amount:   php500,
		Provider: domain.ProviderWalletA,
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) intent(t *testing.T, id string) *domain.PaymentIntent {
	t.Helper()
	intent, err := e.store.GetIntent(context.Background(), id)
	require.NoError(t, err)
	return intent
}

func (e *testEnv) owner(t *testing.T, ref domain.OwnerRef) *domain.Owner {
	t.Helper()
	owner, err := e.store.GetOwner(context.Background(), ref)
	require.NoError(t, err)
	return owner
}
