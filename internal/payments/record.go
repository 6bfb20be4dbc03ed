package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/pixelmint/billing/pkg/credits"
)

// Status defines the payment record lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// String returns the stored representation.
func (status Status) String() string {
	return string(status)
}

// ParseStatus maps a stored value back onto the closed enum.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusCompleted, StatusFailed, StatusRefunded:
		return Status(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// CanTransition reports whether the lifecycle permits from→to. Transitions
// are one-directional: pending→{completed,failed}, completed→refunded.
func CanTransition(from Status, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusCompleted || to == StatusFailed
	case StatusCompleted:
		return to == StatusRefunded
	default:
		return false
	}
}

// Record is one row per provider checkout session.
type Record struct {
	SessionID       string
	UserID          string
	Credits         int64
	AmountCents     int64
	Currency        string
	Status          Status
	PaymentIntentID *string
	CreatedUnixUTC  int64
	UpdatedUnixUTC  int64
}

// Validate checks the fields required before persisting a new record.
func (record Record) Validate() error {
	if strings.TrimSpace(record.SessionID) == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidRecord)
	}
	if strings.TrimSpace(record.UserID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidRecord)
	}
	if record.Credits <= 0 {
		return fmt.Errorf("%w: credits must be positive", ErrInvalidRecord)
	}
	if record.AmountCents <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRecord)
	}
	if strings.TrimSpace(record.Currency) == "" {
		return fmt.Errorf("%w: empty currency", ErrInvalidRecord)
	}
	return nil
}

// EventRecord persists a verified provider event for audit and replay.
type EventRecord struct {
	EventID         string
	EventType       string
	PayloadJSON     string
	ReceivedUnixUTC int64
}

// LedgerService is the slice of the credit service the payment flow mutates
// the ledger through. All writes stay behind this single surface.
type LedgerService interface {
	AddCredits(ctx context.Context, userID credits.UserID, amount credits.CreditAmount, entryType credits.EntryType, description string, metadata credits.MetadataJSON, sourcePaymentID *credits.SourcePaymentID) (credits.Entry, error)
	RefundCredits(ctx context.Context, userID credits.UserID, amount credits.CreditAmount, description string, metadata credits.MetadataJSON, sourcePaymentID *credits.SourcePaymentID) (credits.Entry, error)
	HasEntryForPayment(ctx context.Context, sourcePaymentID credits.SourcePaymentID) (bool, error)
}

// Store is the persistence contract for payment records. Ledger() returns a
// credit service bound to the same database handle, so a status update and
// the matching ledger write commit or roll back together inside WithTx.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	Ledger() LedgerService
	CreateRecord(ctx context.Context, record Record) error
	GetRecord(ctx context.Context, sessionID string) (Record, error)
	UpdateStatus(ctx context.Context, sessionID string, from Status, to Status, paymentIntentID *string) error
	InsertEvent(ctx context.Context, event EventRecord) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string, processingError string) error
}
