package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CreditAmount is a strictly positive number of platform credits.
type CreditAmount int64

// UserID identifies a balance owner.
type UserID struct {
	value string
}

// MetadataJSON stores arbitrary structured metadata for a ledger entry.
type MetadataJSON struct {
	value string
}

// SourcePaymentID keys purchase-type entries to their originating checkout
// session so duplicate deliveries resolve to the same entry.
type SourcePaymentID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw credit count.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewSourcePaymentID validates and normalizes a source payment id.
func NewSourcePaymentID(raw string) (SourcePaymentID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SourcePaymentID{}, fmt.Errorf("%w: empty value", ErrInvalidSourcePaymentID)
	}
	return SourcePaymentID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id SourcePaymentID) String() string {
	return id.value
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryPurchase        EntryType = "purchase"
	EntryAdminAdjustment EntryType = "admin_adjustment"
	EntryRefund          EntryType = "refund"
	EntryGenerationSpend EntryType = "generation_spend"
	EntryPromoRedemption EntryType = "promo_redemption"
)

// String returns the stored representation.
func (entryType EntryType) String() string {
	return string(entryType)
}

// ParseEntryType maps a stored value back onto the closed enum.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryPurchase, EntryAdminAdjustment, EntryRefund, EntryGenerationSpend, EntryPromoRedemption:
		return EntryType(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
}

// EntryInput carries the fields of a ledger entry about to be written.
type EntryInput struct {
	UserID          string
	Type            EntryType
	Amount          int64
	Description     string
	SourcePaymentID *string
	MetadataJSON    string
	CreatedUnixUTC  int64
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID         string
	UserID          string
	Type            EntryType
	Amount          int64
	Description     string
	SourcePaymentID *string
	MetadataJSON    string
	CreatedUnixUTC  int64
}

// Store is the persistence contract used by Service. Implementations must
// scope every call inside WithTx to the same database transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateBalance(ctx context.Context, userID string) (int64, error)
	UpdateBalance(ctx context.Context, userID string, balance int64) error
	InsertEntry(ctx context.Context, input EntryInput) (Entry, error)
	HasEntryForPayment(ctx context.Context, sourcePaymentID string) (bool, error)
	SumEntries(ctx context.Context, userID string) (int64, error)
	ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]Entry, error)
}
