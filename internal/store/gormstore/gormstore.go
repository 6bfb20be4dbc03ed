package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pixelmint/billing/internal/payments"
	"github.com/pixelmint/billing/pkg/credits"
)

const (
	constraintSourcePayment = "uniq_ledger_source_payment"
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectEntry       = "entry"
	errorSubjectEvent       = "event"
	errorSubjectRecord      = "record"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeMark           = "mark_processed"
	errorCodeSum            = "sum"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements credits.Store using GORM.
type Store struct {
	db    *gorm.DB
	nowFn func() int64
}

// New returns a Store backed by gorm.DB using wall-clock time.
func New(db *gorm.DB) *Store {
	return NewWithClock(db, func() int64 { return time.Now().Unix() })
}

// NewWithClock returns a Store that derives timestamps from now.
func NewWithClock(db *gorm.DB, now func() int64) *Store {
	return &Store{db: db, nowFn: now}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, nowFn: store.nowFn})
	})
}

// GetOrCreateBalance inserts a zero balance for an unseen user, then reads
// the row under FOR UPDATE so concurrent mutations for the same user
// serialize on the row. SQLite ignores the locking clause; its writes
// serialize at the database level.
func (store *Store) GetOrCreateBalance(ctx context.Context, userID string) (int64, error) {
	seed := UserBalance{
		UserID:    userID,
		CreatedAt: time.Unix(store.nowFn(), 0).UTC(),
		UpdatedAt: time.Unix(store.nowFn(), 0).UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&seed).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}

	var row UserBalance
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&row).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return row.BalanceCredits, nil
}

func (store *Store) UpdateBalance(ctx context.Context, userID string, balance int64) error {
	result := store.db.WithContext(ctx).
		Model(&UserBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance_credits": balance,
			"updated_at":      time.Unix(store.nowFn(), 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, credits.ErrUnknownUser)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, input credits.EntryInput) (credits.Entry, error) {
	row := LedgerEntry{
		UserID:          input.UserID,
		Type:            input.Type.String(),
		AmountCredits:   input.Amount,
		Description:     input.Description,
		SourcePaymentID: input.SourcePaymentID,
		Metadata:        datatypesJSON(input.MetadataJSON),
		CreatedAt:       time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if input.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Unix(store.nowFn(), 0).UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isSourcePaymentConflict(err) {
		return credits.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, credits.ErrDuplicateSourcePayment)
	}
	if err != nil {
		return credits.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return credits.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) HasEntryForPayment(ctx context.Context, sourcePaymentID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("source_payment_id = ?", sourcePaymentID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) SumEntries(ctx context.Context, userID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount_credits),0) as total").
		Where("user_id = ?", userID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]credits.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Unix(store.nowFn(), 0).UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]credits.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// PaymentStore implements payments.Store using GORM. Its Ledger method hands
// out a credit service bound to the same database handle, so ledger writes
// issued inside WithTx join the surrounding transaction.
type PaymentStore struct {
	db     *gorm.DB
	nowFn  func() int64
	ledger *credits.Service
}

// NewPaymentStore returns a PaymentStore backed by gorm.DB.
func NewPaymentStore(db *gorm.DB, now func() int64) (*PaymentStore, error) {
	ledger, err := credits.NewService(NewWithClock(db, now), now)
	if err != nil {
		return nil, err
	}
	return &PaymentStore{db: db, nowFn: now, ledger: ledger}, nil
}

// WithTx executes fn within a transaction. The transactional store's Ledger
// is rebound to the transaction handle.
func (store *PaymentStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore payments.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		txStore, err := NewPaymentStore(transaction, store.nowFn)
		if err != nil {
			return err
		}
		return fn(ctx, txStore)
	})
}

// Ledger returns the credit service bound to this store's database handle.
func (store *PaymentStore) Ledger() payments.LedgerService {
	return store.ledger
}

func (store *PaymentStore) CreateRecord(ctx context.Context, record payments.Record) error {
	if err := record.Validate(); err != nil {
		return wrapStoreError(errorSubjectRecord, errorCodeInvalid, err)
	}
	row := PaymentRecord{
		SessionID:       record.SessionID,
		UserID:          record.UserID,
		Credits:         record.Credits,
		AmountCents:     record.AmountCents,
		Currency:        record.Currency,
		Status:          record.Status.String(),
		PaymentIntentID: record.PaymentIntentID,
		CreatedAt:       time.Unix(record.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:       time.Unix(record.UpdatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectRecord, errorCodeDuplicate, payments.ErrDuplicateSession)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRecord, errorCodeCreate, err)
	}
	return nil
}

func (store *PaymentStore) GetRecord(ctx context.Context, sessionID string) (payments.Record, error) {
	var row PaymentRecord
	err := store.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return payments.Record{}, wrapStoreError(errorSubjectRecord, errorCodeGet, payments.ErrUnknownSession)
		}
		return payments.Record{}, wrapStoreError(errorSubjectRecord, errorCodeGet, err)
	}
	record, err := mapPaymentRecord(row)
	if err != nil {
		return payments.Record{}, wrapStoreError(errorSubjectRecord, errorCodeInvalid, err)
	}
	return record, nil
}

// UpdateStatus advances the lifecycle with a status-guarded conditional
// update. Zero affected rows means the record was not in the expected state,
// which callers treat as losing the race.
func (store *PaymentStore) UpdateStatus(ctx context.Context, sessionID string, from payments.Status, to payments.Status, paymentIntentID *string) error {
	assignments := map[string]interface{}{
		"status":     to.String(),
		"updated_at": time.Unix(store.nowFn(), 0).UTC(),
	}
	if paymentIntentID != nil {
		assignments["payment_intent_id"] = *paymentIntentID
	}
	result := store.db.WithContext(ctx).
		Model(&PaymentRecord{}).
		Where("session_id = ? AND status = ?", sessionID, from.String()).
		Updates(assignments)
	if result.Error != nil {
		return wrapStoreError(errorSubjectRecord, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRecord, errorCodeUpdateStatus, payments.ErrInvalidTransition)
	}
	return nil
}

// InsertEvent stores a verified provider event. A redelivered event id is
// absorbed and reported as not inserted.
func (store *PaymentStore) InsertEvent(ctx context.Context, event payments.EventRecord) (bool, error) {
	row := WebhookEvent{
		EventID:   event.EventID,
		EventType: event.EventType,
		Payload:   datatypesJSON(event.PayloadJSON),
		CreatedAt: time.Unix(event.ReceivedUnixUTC, 0).UTC(),
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectEvent, errorCodeInsert, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *PaymentStore) MarkEventProcessed(ctx context.Context, eventID string, processingError string) error {
	now := time.Unix(store.nowFn(), 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"processed_at":     &now,
			"processing_error": processingError,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeMark, result.Error)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapLedgerEntry(row LedgerEntry) (credits.Entry, error) {
	entryType, err := credits.ParseEntryType(row.Type)
	if err != nil {
		return credits.Entry{}, err
	}
	return credits.Entry{
		EntryID:         row.EntryID,
		UserID:          row.UserID,
		Type:            entryType,
		Amount:          row.AmountCredits,
		Description:     row.Description,
		SourcePaymentID: row.SourcePaymentID,
		MetadataJSON:    string(row.Metadata),
		CreatedUnixUTC:  row.CreatedAt.Unix(),
	}, nil
}

func mapPaymentRecord(row PaymentRecord) (payments.Record, error) {
	status, err := payments.ParseStatus(row.Status)
	if err != nil {
		return payments.Record{}, err
	}
	return payments.Record{
		SessionID:       row.SessionID,
		UserID:          row.UserID,
		Credits:         row.Credits,
		AmountCents:     row.AmountCents,
		Currency:        row.Currency,
		Status:          status,
		PaymentIntentID: row.PaymentIntentID,
		CreatedUnixUTC:  row.CreatedAt.Unix(),
		UpdatedUnixUTC:  row.UpdatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isSourcePaymentConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintSourcePayment
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
