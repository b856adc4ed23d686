// Package mercadopago implements the WalletB provider on the Mercado Pago SDK.
package mercadopago

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/preference"
	"github.com/mercadopago/sdk-go/pkg/refund"
	"github.com/shopspring/decimal"

	"github.com/marketplace/payments/internal/core/domain"
)

// Payment statuses reported by Mercado Pago.
const (
	StatusApproved    = "approved"
	StatusAuthorized  = "authorized"
	StatusPending     = "pending"
	StatusInProcess   = "in_process"
	StatusInMediation = "in_mediation"
	StatusRejected    = "rejected"
	StatusCancelled   = "cancelled"
	StatusRefunded    = "refunded"
	StatusChargedBack = "charged_back"
)

type preferenceCreator interface {
	Create(ctx context.Context, request preference.Request) (*preference.Response, error)
}

type paymentReader interface {
	Get(ctx context.Context, id int) (*payment.Response, error)
	Search(ctx context.Context, request payment.SearchRequest) (*payment.SearchResponse, error)
}

type refunder interface {
	Create(ctx context.Context, paymentID int) (*refund.Response, error)
	CreatePartialRefund(ctx context.Context, paymentID int, amount float64) (*refund.Response, error)
}

// Config holds the WalletB account settings.
type Config struct {
	AccessToken     string
	NotificationURL string
	SuccessURL      string
	FailureURL      string
	PendingURL      string
}

// Adapter implements ports.ProviderAdapter with Checkout Pro preferences.
// The preference's external_reference is the intent id, and so is the
// provider reference, because notifications only name the payment.
type Adapter struct {
	preferences preferenceCreator
	payments    paymentReader
	refunds     refunder
	cfg         Config
	log         *slog.Logger
}

// NewAdapter creates a new WalletB adapter.
func NewAdapter(cfg Config, log *slog.Logger) (*Adapter, error) {
	mpCfg, err := config.New(cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("mercadopago config: %w", err)
	}
	return &Adapter{
		preferences: preference.NewClient(mpCfg),
		payments:    payment.NewClient(mpCfg),
		refunds:     refund.NewClient(mpCfg),
		cfg:         cfg,
		log:         log,
	}, nil
}

// Provider returns domain.ProviderWalletB.
func (a *Adapter) Provider() domain.Provider { return domain.ProviderWalletB }

// CreateSession creates a Checkout Pro preference.
func (a *Adapter) CreateSession(ctx context.Context, req domain.SessionRequest) (*domain.Session, error) {
	title := req.Return.Description
	if title == "" {
		title = fmt.Sprintf("%s %s", req.Owner.Kind, req.Owner.ID)
	}

	prefRequest := preference.Request{
		Items: []preference.ItemRequest{
			{
				ID:         req.Owner.Key(),
				Title:      title,
				Quantity:   1,
				UnitPrice:  req.Amount.Decimal().InexactFloat64(),
				CurrencyID: strings.ToUpper(req.Amount.Currency),
			},
		},
		ExternalReference: req.IntentID,
		NotificationURL:   a.cfg.NotificationURL,
		AutoReturn:        "approved",
		BackURLs: &preference.BackURLsRequest{
			Success: firstNonEmpty(req.Return.SuccessURL, a.cfg.SuccessURL),
			Failure: firstNonEmpty(req.Return.CancelURL, a.cfg.FailureURL),
			Pending: a.cfg.PendingURL,
		},
		Metadata: map[string]any{
			"intent_id": req.IntentID,
			"purpose":   string(req.Purpose),
		},
	}
	if req.Return.PayerEmail != "" {
		prefRequest.Payer = &preference.PayerRequest{Email: req.Return.PayerEmail}
	}

	result, err := a.preferences.Create(ctx, prefRequest)
	if err != nil {
		return nil, fmt.Errorf("%w: create preference: %w", domain.ErrProviderUnavailable, err)
	}

	a.log.Info("preference created", "intent_id", req.IntentID, "preference_id", result.ID)
	return &domain.Session{Reference: req.IntentID, RedirectURL: result.InitPoint}, nil
}

// Verify reads the payment after the payer returns. Checkout Pro captures
// automatically, so it is the same read as PollStatus.
func (a *Adapter) Verify(ctx context.Context, reference string) (*domain.ProviderStatus, error) {
	return a.PollStatus(ctx, reference)
}

// PollStatus searches payments by external reference. An approved payment
// wins over later rejected retries by the same payer.
func (a *Adapter) PollStatus(ctx context.Context, reference string) (*domain.ProviderStatus, error) {
	found, err := a.search(ctx, reference)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return &domain.ProviderStatus{Reference: reference, Found: false}, nil
	}
	return toStatus(reference, found), nil
}

// Refund reverses the approved payment for the reference.
func (a *Adapter) Refund(ctx context.Context, req domain.RefundInstruction) (*domain.RefundResult, error) {
	found, err := a.search(ctx, req.Reference)
	if err != nil {
		return nil, err
	}
	if found == nil || found.Status != StatusApproved {
		return nil, fmt.Errorf("%w: no approved payment for %s", domain.ErrProviderDeclined, req.Reference)
	}

	var result *refund.Response
	full := decimal.NewFromFloat(found.TransactionAmount)
	if req.Amount.Decimal().GreaterThanOrEqual(full) {
		result, err = a.refunds.Create(ctx, found.ID)
	} else {
		result, err = a.refunds.CreatePartialRefund(ctx, found.ID, req.Amount.Decimal().InexactFloat64())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: refund payment %d: %w", domain.ErrProviderUnavailable, found.ID, err)
	}
	if result.Status == StatusRejected || result.Status == StatusCancelled {
		return nil, fmt.Errorf("%w: refund %d is %s", domain.ErrProviderDeclined, result.ID, result.Status)
	}

	a.log.Info("refund created", "refund_id", req.RefundID, "payment_id", found.ID, "provider_refund_id", result.ID)
	return &domain.RefundResult{ProviderRefundID: strconv.Itoa(result.ID), Status: result.Status}, nil
}

// Payment fetches one payment by id. It backs webhook resolution.
func (a *Adapter) Payment(ctx context.Context, paymentID string) (*PaymentView, error) {
	id, err := strconv.Atoi(paymentID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid payment id %q", domain.ErrValidation, paymentID)
	}
	result, err := a.payments.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: get payment %d: %w", domain.ErrProviderUnavailable, id, err)
	}
	return viewOf(result), nil
}

// ByReference returns the payment that decides the reference: the approved
// one when present, else the newest attempt.
func (a *Adapter) ByReference(ctx context.Context, reference string) (*PaymentView, error) {
	found, err := a.search(ctx, reference)
	if err != nil || found == nil {
		return nil, err
	}
	return viewOf(found), nil
}

func viewOf(p *payment.Response) *PaymentView {
	return &PaymentView{
		ID:                strconv.Itoa(p.ID),
		Status:            p.Status,
		StatusDetail:      p.StatusDetail,
		ExternalReference: p.ExternalReference,
	}
}

func (a *Adapter) search(ctx context.Context, reference string) (*payment.Response, error) {
	res, err := a.payments.Search(ctx, payment.SearchRequest{
		Limit: 30,
		Filters: map[string]string{
			"external_reference": reference,
			"sort":               "date_created",
			"criteria":           "desc",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: search payments: %w", domain.ErrProviderUnavailable, err)
	}
	if len(res.Results) == 0 {
		return nil, nil
	}
	for i := range res.Results {
		if res.Results[i].Status == StatusApproved {
			return &res.Results[i], nil
		}
	}
	return &res.Results[0], nil
}

func toStatus(reference string, p *payment.Response) *domain.ProviderStatus {
	status := &domain.ProviderStatus{
		Reference:         reference,
		Found:             true,
		Outcome:           outcomeFor(p.Status),
		ProviderPaymentID: strconv.Itoa(p.ID),
		Detail:            p.StatusDetail,
	}
	if m, err := domain.MoneyFromDecimal(decimal.NewFromFloat(p.TransactionAmount), p.CurrencyID); err == nil {
		status.Amount = m
	}
	return status
}

// outcomeFor maps a payment status to an outcome.
func outcomeFor(status string) domain.Outcome {
	switch status {
	case StatusApproved:
		return domain.OutcomeSucceeded
	case StatusRejected, StatusCancelled, StatusRefunded, StatusChargedBack:
		return domain.OutcomeDeclined
	default:
		return domain.OutcomePending
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
