package credits

import (
	"context"
	"fmt"
)

// Service is the sole mutation surface for the credit ledger and the
// projected per-user balance. Every write couples a ledger insert with the
// matching balance update inside one store transaction.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// AddCredits appends a positive ledger entry and increments the balance.
// A non-nil sourcePaymentID makes the grant idempotent per payment: a
// duplicate insert surfaces ErrDuplicateSourcePayment before any balance
// change.
func (service *Service) AddCredits(ctx context.Context, userID UserID, amount CreditAmount, entryType EntryType, description string, metadata MetadataJSON, sourcePaymentID *SourcePaymentID) (Entry, error) {
	var created Entry
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, err := transactionStore.GetOrCreateBalance(ctx, userID.String())
		if err != nil {
			return err
		}
		entry, err := transactionStore.InsertEntry(ctx, EntryInput{
			UserID:          userID.String(),
			Type:            entryType,
			Amount:          amount.Int64(),
			Description:     description,
			SourcePaymentID: sourcePaymentValue(sourcePaymentID),
			MetadataJSON:    metadata.String(),
			CreatedUnixUTC:  service.nowFn(),
		})
		if err != nil {
			return err
		}
		created = entry
		return transactionStore.UpdateBalance(ctx, userID.String(), balance+amount.Int64())
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationAdd,
		UserID:          userID,
		EntryType:       entryType,
		Amount:          amount.Int64(),
		SourcePaymentID: sourcePaymentString(sourcePaymentID),
		Metadata:        metadata,
		Error:           operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return created, nil
}

// DeductCredits appends a negative generation-spend entry after checking the
// balance covers it. A shortfall rejects the debit without touching state and
// returns *InsufficientCreditsError with the figures the caller renders.
func (service *Service) DeductCredits(ctx context.Context, userID UserID, amount CreditAmount, reason string, metadata MetadataJSON) (Entry, error) {
	var created Entry
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, err := transactionStore.GetOrCreateBalance(ctx, userID.String())
		if err != nil {
			return err
		}
		if balance < amount.Int64() {
			return NewInsufficientCreditsError(amount.Int64(), balance)
		}
		entry, err := transactionStore.InsertEntry(ctx, EntryInput{
			UserID:         userID.String(),
			Type:           EntryGenerationSpend,
			Amount:         -amount.Int64(),
			Description:    reason,
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		created = entry
		return transactionStore.UpdateBalance(ctx, userID.String(), balance-amount.Int64())
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDeduct,
		UserID:    userID,
		EntryType: EntryGenerationSpend,
		Amount:    -amount.Int64(),
		Metadata:  metadata,
		Error:     operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return created, nil
}

// RefundCredits appends a negative refund entry without a balance floor: the
// user may already have redeemed the purchased credits, so the projected
// balance is allowed to go negative.
func (service *Service) RefundCredits(ctx context.Context, userID UserID, amount CreditAmount, description string, metadata MetadataJSON, sourcePaymentID *SourcePaymentID) (Entry, error) {
	var created Entry
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, err := transactionStore.GetOrCreateBalance(ctx, userID.String())
		if err != nil {
			return err
		}
		entry, err := transactionStore.InsertEntry(ctx, EntryInput{
			UserID:          userID.String(),
			Type:            EntryRefund,
			Amount:          -amount.Int64(),
			Description:     description,
			SourcePaymentID: sourcePaymentValue(sourcePaymentID),
			MetadataJSON:    metadata.String(),
			CreatedUnixUTC:  service.nowFn(),
		})
		if err != nil {
			return err
		}
		created = entry
		return transactionStore.UpdateBalance(ctx, userID.String(), balance-amount.Int64())
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationRefund,
		UserID:          userID,
		EntryType:       EntryRefund,
		Amount:          -amount.Int64(),
		SourcePaymentID: sourcePaymentString(sourcePaymentID),
		Metadata:        metadata,
		Error:           operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return created, nil
}

// Balance returns the projected balance, creating a zero row for unknown users.
func (service *Service) Balance(ctx context.Context, userID UserID) (int64, error) {
	return service.store.GetOrCreateBalance(ctx, userID.String())
}

// Entries lists ledger entries for a user before a cutoff time.
func (service *Service) Entries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	return service.store.ListEntries(ctx, userID.String(), beforeUnixUTC, limit)
}

// HasEntryForPayment reports whether any entry references the payment id.
// The webhook processor uses it to self-heal a completed payment whose credit
// grant never committed.
func (service *Service) HasEntryForPayment(ctx context.Context, sourcePaymentID SourcePaymentID) (bool, error) {
	return service.store.HasEntryForPayment(ctx, sourcePaymentID.String())
}

// LedgerSum recomputes the balance from the ledger. The projected balance
// must always equal this sum.
func (service *Service) LedgerSum(ctx context.Context, userID UserID) (int64, error) {
	return service.store.SumEntries(ctx, userID.String())
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func sourcePaymentValue(id *SourcePaymentID) *string {
	if id == nil {
		return nil
	}
	value := id.String()
	return &value
}

func sourcePaymentString(id *SourcePaymentID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
