package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marketplace/payments/internal/core/domain"
	"github.com/marketplace/payments/internal/core/ports"
)

// RegisterOwnerRequest mirrors a booking or subscription price from the marketplace.
type RegisterOwnerRequest struct {
	Kind       domain.OwnerKind `json:"kind" validate:"required,oneof=booking subscription"`
	ID         string           `json:"id" validate:"required,max=128"`
	PriceMinor int64            `json:"price_minor" validate:"gte=0"`
	Currency   string           `json:"currency" validate:"required,len=3,uppercase"`
	Tier       domain.Tier      `json:"tier" validate:"omitempty,oneof=free pro business"`
	Trial      bool             `json:"trial"`
}

// OwnerService keeps the authoritative price of each owner. Checkout
// re-checks requested amounts against it.
type OwnerService struct {
	registry ports.OwnerRegistry
	owners   ports.OwnerStore
	log      *slog.Logger
	now      func() time.Time
}

// NewOwnerService creates a new owner registry service.
func NewOwnerService(registry ports.OwnerRegistry, owners ports.OwnerStore, log *slog.Logger) *OwnerService {
	return &OwnerService{registry: registry, owners: owners, log: log, now: time.Now}
}

// Register creates the owner or refreshes its price. An existing owner
// keeps its payment status and tier.
func (s *OwnerService) Register(ctx context.Context, req RegisterOwnerRequest) (*domain.Owner, error) {
	if err := validate.Struct(req); err != nil {
		return nil, domain.NewServiceError(fmt.Errorf("%w: %w", domain.ErrValidation, err),
			"invalid owner", "VALIDATION_ERROR")
	}
	if req.Kind == domain.OwnerBooking && (req.Tier != "" || req.Trial) {
		return nil, domain.NewServiceError(domain.ErrValidation, "bookings have no tier", "VALIDATION_ERROR")
	}

	owner := &domain.Owner{
		Kind:       req.Kind,
		ID:         req.ID,
		PriceMinor: req.PriceMinor,
		Currency:   req.Currency,
		Trial:      req.Trial,
		UpdatedAt:  s.now(),
	}
	if req.Kind == domain.OwnerSubscription {
		owner.Tier = req.Tier
		if owner.Tier == "" {
			owner.Tier = domain.TierFree
		}
	}
	if err := s.registry.UpsertOwner(ctx, owner); err != nil {
		return nil, fmt.Errorf("register owner: %w", err)
	}

	s.log.Info("owner registered", "owner", owner.Ref().Key(), "price_minor", req.PriceMinor, "currency", req.Currency)
	return s.Get(ctx, owner.Ref())
}

// Get returns an owner's payment fields.
func (s *OwnerService) Get(ctx context.Context, ref domain.OwnerRef) (*domain.Owner, error) {
	owner, err := s.owners.GetOwner(ctx, ref)
	if errors.Is(err, domain.ErrOwnerNotFound) {
		return nil, domain.NewServiceError(err, "booking or subscription not found", "OWNER_NOT_FOUND")
	}
	return owner, err
}
