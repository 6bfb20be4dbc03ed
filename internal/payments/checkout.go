package payments

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Package is a purchasable credit bundle. The credited amount is independent
// of the monetary price.
type Package struct {
	ID          string
	Credits     int64
	AmountCents int64
	Currency    string
}

// Validate checks the package definition.
func (pkg Package) Validate() error {
	if strings.TrimSpace(pkg.ID) == "" {
		return fmt.Errorf("%w: empty package id", ErrInvalidRecord)
	}
	if pkg.Credits <= 0 {
		return fmt.Errorf("%w: package credits must be positive", ErrInvalidRecord)
	}
	if pkg.AmountCents <= 0 {
		return fmt.Errorf("%w: package price must be positive", ErrInvalidRecord)
	}
	if strings.TrimSpace(pkg.Currency) == "" {
		return fmt.Errorf("%w: empty package currency", ErrInvalidRecord)
	}
	return nil
}

// CheckoutService opens provider checkout sessions and persists the pending
// payment record the webhook processor later completes.
type CheckoutService struct {
	store   Store
	gateway ProviderGateway
	logger  *zap.Logger
	nowFn   func() int64
}

// NewCheckoutService wires a CheckoutService.
func NewCheckoutService(store Store, gateway ProviderGateway, logger *zap.Logger, now func() int64) (*CheckoutService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidProcessorConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ErrInvalidProcessorConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidProcessorConfig)
	}
	return &CheckoutService{store: store, gateway: gateway, logger: logger, nowFn: now}, nil
}

// Begin creates the provider checkout session and the pending record in one
// motion. The record exists before the provider can deliver any event for it.
func (service *CheckoutService) Begin(ctx context.Context, userID string, pkg Package) (ProviderSession, error) {
	if strings.TrimSpace(userID) == "" {
		return ProviderSession{}, fmt.Errorf("%w: empty user id", ErrInvalidRecord)
	}
	if err := pkg.Validate(); err != nil {
		return ProviderSession{}, err
	}
	session, err := service.gateway.CreateCheckoutSession(ctx, CheckoutParams{
		UserID:      userID,
		Credits:     pkg.Credits,
		AmountCents: pkg.AmountCents,
		Currency:    pkg.Currency,
	})
	if err != nil {
		return ProviderSession{}, fmt.Errorf("create checkout session: %w", err)
	}
	now := service.nowFn()
	record := Record{
		SessionID:      session.SessionID,
		UserID:         userID,
		Credits:        pkg.Credits,
		AmountCents:    pkg.AmountCents,
		Currency:       pkg.Currency,
		Status:         StatusPending,
		CreatedUnixUTC: now,
		UpdatedUnixUTC: now,
	}
	if err := service.store.CreateRecord(ctx, record); err != nil {
		return ProviderSession{}, err
	}
	service.logger.Info("checkout session opened",
		zap.String("session_id", session.SessionID),
		zap.String("user_id", userID),
		zap.String("package_id", pkg.ID),
		zap.Int64("credits", pkg.Credits))
	return session, nil
}
