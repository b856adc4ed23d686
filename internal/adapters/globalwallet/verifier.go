package globalwallet

import (
	"crypto/rsa"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/marketplace/payments/internal/core/domain"
)

// SignatureHeader carries a compact RS256 JWS whose claims bind the body digest.
const SignatureHeader = "X-Provider-Signature"

// Webhook event types that carry a payment outcome.
const (
	EventOrderApproved    = "CHECKOUT.ORDER.APPROVED"
	EventOrderVoided      = "CHECKOUT.ORDER.VOIDED"
	EventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureDeclined  = "PAYMENT.CAPTURE.DECLINED"
	EventCaptureDenied    = "PAYMENT.CAPTURE.DENIED"
)

// SignatureClaims are the claims of the webhook signature token.
type SignatureClaims struct {
	BodySHA256 string `json:"body_sha256"`
	jwt.RegisteredClaims
}

// Verifier authenticates GlobalWallet webhooks with the network's public key.
type Verifier struct {
	key    *rsa.PublicKey
	parser *jwt.Parser
}

// NewVerifier creates a new GlobalWallet verifier from a PEM encoded RSA
// public key. leeway bounds clock skew on exp and iat.
func NewVerifier(publicKeyPEM []byte, issuer string, leeway time.Duration) (*Verifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse global wallet public key: %w", err)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(leeway),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Verifier{key: key, parser: jwt.NewParser(opts...)}, nil
}

// Provider returns domain.ProviderGlobalWallet.
func (v *Verifier) Provider() domain.Provider { return domain.ProviderGlobalWallet }

// Verify checks the token signature and that its digest matches the raw body.
func (v *Verifier) Verify(rawBody []byte, headers http.Header) error {
	signature := headers.Get(SignatureHeader)
	if signature == "" {
		return fmt.Errorf("%w: missing %s", domain.ErrSignatureInvalid, SignatureHeader)
	}

	var claims SignatureClaims
	_, err := v.parser.ParseWithClaims(signature, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSignatureInvalid, err)
	}

	digest := domain.PayloadDigest(rawBody)
	if subtle.ConstantTimeCompare([]byte(claims.BodySHA256), []byte(digest)) != 1 {
		return fmt.Errorf("%w: body digest mismatch", domain.ErrSignatureInvalid)
	}
	return nil
}

type webhookEvent struct {
	ID        string   `json:"id"`
	EventType string   `json:"event_type"`
	Resource  resource `json:"resource"`
}

type resource struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	StatusDetails     *statusDetails    `json:"status_details"`
	SupplementaryData supplementaryData `json:"supplementary_data"`
}

type statusDetails struct {
	Reason string `json:"reason"`
}

type supplementaryData struct {
	RelatedIDs struct {
		OrderID string `json:"order_id"`
	} `json:"related_ids"`
}

// Parse maps order and capture events to provider events. Captures are
// matched to their order, which is the provider reference.
func (v *Verifier) Parse(rawBody []byte) (*domain.ProviderEvent, error) {
	var ev webhookEvent
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	out := &domain.ProviderEvent{
		EventID:  ev.ID,
		Type:     ev.EventType,
		Metadata: map[string]string{"resource_id": ev.Resource.ID, "status": ev.Resource.Status},
	}
	switch ev.EventType {
	case EventOrderApproved:
		out.Reference = ev.Resource.ID
		out.Outcome = domain.OutcomePending
		out.CaptureRequired = true
	case EventOrderVoided:
		out.Reference = ev.Resource.ID
		out.Outcome = domain.OutcomeDeclined
	case EventCaptureCompleted:
		out.Reference = ev.Resource.SupplementaryData.RelatedIDs.OrderID
		out.Outcome = domain.OutcomeSucceeded
	case EventCaptureDeclined, EventCaptureDenied:
		out.Reference = ev.Resource.SupplementaryData.RelatedIDs.OrderID
		out.Outcome = domain.OutcomeDeclined
		if ev.Resource.StatusDetails != nil {
			out.Metadata["reason"] = ev.Resource.StatusDetails.Reason
		}
	default:
		return nil, nil
	}
	if out.Reference == "" {
		return nil, fmt.Errorf("%s event without order id", ev.EventType)
	}
	return out, nil
}
