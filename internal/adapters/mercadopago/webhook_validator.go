package mercadopago

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/marketplace/payments/internal/core/domain"
)

// Webhook headers sent by Mercado Pago.
const (
	SignatureHeader = "X-Signature"
	RequestIDHeader = "X-Request-Id"
)

var (
	tsRegex = regexp.MustCompile(`ts=([^,]+)`)
	v1Regex = regexp.MustCompile(`v1=([^,]+)`)
)

// PaymentLookup fetches a payment by id and the deciding payment for an
// external reference.
type PaymentLookup interface {
	Payment(ctx context.Context, paymentID string) (*PaymentView, error)
	// ByReference returns the approved payment for the reference when there
	// is one, else the newest. It returns nil when none exist.
	ByReference(ctx context.Context, reference string) (*PaymentView, error)
}

// PaymentView is the part of a payment the resolver needs.
type PaymentView struct {
	ID                string
	Status            string
	StatusDetail      string
	ExternalReference string
}

// WebhookValidator verifies and parses WalletB notifications and resolves
// the payment they name.
type WebhookValidator struct {
	secret    string
	tolerance time.Duration
	payments  PaymentLookup
	now       func() time.Time
}

// NewWebhookValidator creates a new WalletB verifier. A zero tolerance
// disables the timestamp check.
func NewWebhookValidator(secret string, tolerance time.Duration, payments PaymentLookup) *WebhookValidator {
	return &WebhookValidator{secret: secret, tolerance: tolerance, payments: payments, now: time.Now}
}

// notification is the webhook body.
type notification struct {
	ID     json.Number `json:"id"`
	Type   string      `json:"type"`
	Action string      `json:"action"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Provider returns domain.ProviderWalletB.
func (v *WebhookValidator) Provider() domain.Provider { return domain.ProviderWalletB }

// Verify validates the x-signature header. The signature is HMAC-SHA256 of
// "id:<data.id>;request-id:<x-request-id>;ts:<ts>;". It covers the data id
// only, so Parse never trusts anything but that id and Resolve re-reads the
// payment from the API.
func (v *WebhookValidator) Verify(rawBody []byte, headers http.Header) error {
	if v.secret == "" {
		return fmt.Errorf("%w: webhook secret not configured", domain.ErrSignatureInvalid)
	}
	xSignature := headers.Get(SignatureHeader)
	if xSignature == "" {
		return fmt.Errorf("%w: missing %s", domain.ErrSignatureInvalid, SignatureHeader)
	}

	ts, hash := parseSignatureHeader(xSignature)
	if ts == "" || hash == "" {
		return fmt.Errorf("%w: malformed %s", domain.ErrSignatureInvalid, SignatureHeader)
	}
	if err := v.checkTimestamp(ts); err != nil {
		return err
	}

	var body notification
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return fmt.Errorf("%w: unreadable body", domain.ErrSignatureInvalid)
	}

	manifest := buildManifest(dataID(body.Data.ID), headers.Get(RequestIDHeader), ts)
	expected := calculateHMAC(manifest, v.secret)
	if !hmac.Equal([]byte(hash), []byte(expected)) {
		return fmt.Errorf("%w: signature mismatch", domain.ErrSignatureInvalid)
	}
	return nil
}

// Parse turns payment notifications into lookup events.
func (v *WebhookValidator) Parse(rawBody []byte) (*domain.ProviderEvent, error) {
	var body notification
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if body.Type != "payment" {
		return nil, nil
	}
	if body.Data.ID == "" {
		return nil, fmt.Errorf("payment notification without data.id")
	}

	eventID := body.ID.String()
	if eventID != "" {
		eventID = eventID + ":" + body.Action
	}
	return &domain.ProviderEvent{
		EventID:  eventID,
		Type:     body.Type + "." + body.Action,
		LookupID: body.Data.ID,
		Outcome:  domain.OutcomePending,
		Metadata: map[string]string{"provider_payment_id": body.Data.ID},
	}, nil
}

// Resolve fetches the notified payment for its external reference, then
// decides the outcome from every payment on that reference. A payer can
// retry inside the same preference, so a rejection that is followed by an
// approval settles, and a rejection on its own stays pending.
func (v *WebhookValidator) Resolve(ctx context.Context, event *domain.ProviderEvent) error {
	notified, err := v.payments.Payment(ctx, event.LookupID)
	if err != nil {
		return err
	}
	if event.Metadata == nil {
		event.Metadata = make(map[string]string)
	}
	event.Reference = notified.ExternalReference
	if event.Reference == "" {
		event.Outcome = outcomeFor(notified.Status)
		return nil
	}

	deciding, err := v.payments.ByReference(ctx, event.Reference)
	if err != nil {
		return err
	}
	if deciding == nil {
		deciding = notified
	}
	event.Outcome = webhookOutcome(deciding.Status)
	event.Metadata["provider_payment_id"] = deciding.ID
	event.Metadata["status"] = deciding.Status
	event.Metadata["detail"] = deciding.StatusDetail
	if deciding.ID != notified.ID {
		event.Metadata["notified_payment_id"] = notified.ID
	}
	return nil
}

// webhookOutcome is outcomeFor, except a rejected attempt leaves the
// preference open for another try. The scanner fails it after the timeout.
func webhookOutcome(status string) domain.Outcome {
	if status == StatusRejected {
		return domain.OutcomePending
	}
	return outcomeFor(status)
}

func (v *WebhookValidator) checkTimestamp(ts string) error {
	if v.tolerance <= 0 {
		return nil
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", domain.ErrSignatureInvalid)
	}
	sent := time.Unix(n, 0)
	if n > 1e12 {
		sent = time.UnixMilli(n)
	}
	if d := v.now().Sub(sent); d > v.tolerance || d < -v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", domain.ErrSignatureInvalid)
	}
	return nil
}

// dataID lowercases alphanumeric ids as Mercado Pago does when signing.
func dataID(id string) string {
	return strings.ToLower(id)
}

// parseSignatureHeader extracts ts and v1 values from x-signature header.
func parseSignatureHeader(header string) (ts, hash string) {
	if m := tsRegex.FindStringSubmatch(header); len(m) > 1 {
		ts = strings.TrimSpace(m[1])
	}
	if m := v1Regex.FindStringSubmatch(header); len(m) > 1 {
		hash = strings.TrimSpace(m[1])
	}
	return ts, hash
}

// buildManifest constructs the string to be signed.
func buildManifest(dataID, requestID, ts string) string {
	var parts []string
	if dataID != "" {
		parts = append(parts, "id:"+dataID)
	}
	if requestID != "" {
		parts = append(parts, "request-id:"+requestID)
	}
	if ts != "" {
		parts = append(parts, "ts:"+ts)
	}
	return strings.Join(parts, ";") + ";"
}

func calculateHMAC(manifest, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(manifest))
	return hex.EncodeToString(h.Sum(nil))
}
