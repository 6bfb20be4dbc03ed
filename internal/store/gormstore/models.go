package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserBalance is the denormalized projection of a user's ledger sum.
type UserBalance struct {
	UserID         string    `gorm:"primaryKey"`
	BalanceCredits int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (UserBalance) TableName() string { return "user_balances" }

// LedgerEntry mirrors the ledger_entries table. Rows are append-only.
type LedgerEntry struct {
	EntryID         string         `gorm:"type:uuid;primaryKey"`
	UserID          string         `gorm:"not null;index:idx_ledger_user_created,priority:1"`
	Type            string         `gorm:"not null"`
	AmountCredits   int64          `gorm:"not null"`
	Description     string         `gorm:"not null"`
	SourcePaymentID *string        `gorm:"index:uniq_ledger_source_payment,unique"`
	Metadata        datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt       time.Time      `gorm:"not null;index:idx_ledger_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// PaymentRecord mirrors the payment_records table, one row per provider
// checkout session.
type PaymentRecord struct {
	SessionID       string    `gorm:"primaryKey"`
	UserID          string    `gorm:"not null;index"`
	Credits         int64     `gorm:"not null"`
	AmountCents     int64     `gorm:"not null"`
	Currency        string    `gorm:"not null"`
	Status          string    `gorm:"not null;index"`
	PaymentIntentID *string   `gorm:""`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (PaymentRecord) TableName() string { return "payment_records" }

// WebhookEvent stores verified provider events for audit and replay.
type WebhookEvent struct {
	EventID         string         `gorm:"primaryKey"`
	EventType       string         `gorm:"not null;index"`
	Payload         datatypes.JSON `gorm:"type:jsonb;not null"`
	ProcessedAt     *time.Time     `gorm:""`
	ProcessingError string         `gorm:""`
	CreatedAt       time.Time      `gorm:"not null"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// Models lists every table for schema migration.
func Models() []any {
	return []any{&UserBalance{}, &LedgerEntry{}, &PaymentRecord{}, &WebhookEvent{}}
}
