package payments

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/pixelmint/billing/pkg/credits"
)

// stubLedger is an in-memory LedgerService sharing state with its stubStore.
type stubLedger struct {
	store *stubStore
}

func (ledger *stubLedger) AddCredits(_ context.Context, userID credits.UserID, amount credits.CreditAmount, entryType credits.EntryType, description string, metadata credits.MetadataJSON, sourcePaymentID *credits.SourcePaymentID) (credits.Entry, error) {
	if ledger.store.addCreditsError != nil {
		return credits.Entry{}, ledger.store.addCreditsError
	}
	var source *string
	if sourcePaymentID != nil {
		value := sourcePaymentID.String()
		for _, entry := range ledger.store.entries {
			if entry.SourcePaymentID != nil && *entry.SourcePaymentID == value {
				return credits.Entry{}, credits.ErrDuplicateSourcePayment
			}
		}
		source = &value
	}
	entry := credits.Entry{
		EntryID:         uuid.NewString(),
		UserID:          userID.String(),
		Type:            entryType,
		Amount:          amount.Int64(),
		Description:     description,
		SourcePaymentID: source,
		MetadataJSON:    metadata.String(),
	}
	ledger.store.entries = append(ledger.store.entries, entry)
	ledger.store.balances[userID.String()] += amount.Int64()
	return entry, nil
}

func (ledger *stubLedger) RefundCredits(_ context.Context, userID credits.UserID, amount credits.CreditAmount, description string, metadata credits.MetadataJSON, sourcePaymentID *credits.SourcePaymentID) (credits.Entry, error) {
	var source *string
	if sourcePaymentID != nil {
		value := sourcePaymentID.String()
		for _, entry := range ledger.store.entries {
			if entry.SourcePaymentID != nil && *entry.SourcePaymentID == value {
				return credits.Entry{}, credits.ErrDuplicateSourcePayment
			}
		}
		source = &value
	}
	entry := credits.Entry{
		EntryID:         uuid.NewString(),
		UserID:          userID.String(),
		Type:            credits.EntryRefund,
		Amount:          -amount.Int64(),
		Description:     description,
		SourcePaymentID: source,
		MetadataJSON:    metadata.String(),
	}
	ledger.store.entries = append(ledger.store.entries, entry)
	ledger.store.balances[userID.String()] -= amount.Int64()
	return entry, nil
}

func (ledger *stubLedger) HasEntryForPayment(_ context.Context, sourcePaymentID credits.SourcePaymentID) (bool, error) {
	if ledger.store.hasEntryError != nil {
		return false, ledger.store.hasEntryError
	}
	for _, entry := range ledger.store.entries {
		if entry.SourcePaymentID != nil && *entry.SourcePaymentID == sourcePaymentID.String() {
			return true, nil
		}
	}
	return false, nil
}

// stubStore is an in-memory payments.Store with transactional rollback and
// injectable failures.
type stubStore struct {
	records  map[string]Record
	events   map[string]EventRecord
	entries  []credits.Entry
	balances map[string]int64

	getRecordError    error
	updateStatusError error
	addCreditsError   error
	hasEntryError     error
}

func newPaymentsStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		records:  map[string]Record{},
		events:   map[string]EventRecord{},
		balances: map[string]int64{},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	snapshotRecords := make(map[string]Record, len(store.records))
	for sessionID, record := range store.records {
		snapshotRecords[sessionID] = record
	}
	snapshotEntries := make([]credits.Entry, len(store.entries))
	copy(snapshotEntries, store.entries)
	snapshotBalances := make(map[string]int64, len(store.balances))
	for userID, balance := range store.balances {
		snapshotBalances[userID] = balance
	}
	if err := fn(ctx, store); err != nil {
		store.records = snapshotRecords
		store.entries = snapshotEntries
		store.balances = snapshotBalances
		return err
	}
	return nil
}

func (store *stubStore) Ledger() LedgerService {
	return &stubLedger{store: store}
}

func (store *stubStore) CreateRecord(_ context.Context, record Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if _, exists := store.records[record.SessionID]; exists {
		return ErrDuplicateSession
	}
	store.records[record.SessionID] = record
	return nil
}

func (store *stubStore) GetRecord(_ context.Context, sessionID string) (Record, error) {
	if store.getRecordError != nil {
		return Record{}, store.getRecordError
	}
	record, exists := store.records[sessionID]
	if !exists {
		return Record{}, ErrUnknownSession
	}
	return record, nil
}

func (store *stubStore) UpdateStatus(_ context.Context, sessionID string, from Status, to Status, paymentIntentID *string) error {
	if store.updateStatusError != nil {
		return store.updateStatusError
	}
	record, exists := store.records[sessionID]
	if !exists || record.Status != from {
		return ErrInvalidTransition
	}
	record.Status = to
	if paymentIntentID != nil {
		record.PaymentIntentID = paymentIntentID
	}
	store.records[sessionID] = record
	return nil
}

func (store *stubStore) InsertEvent(_ context.Context, event EventRecord) (bool, error) {
	if _, exists := store.events[event.EventID]; exists {
		return false, nil
	}
	store.events[event.EventID] = event
	return true, nil
}

func (store *stubStore) MarkEventProcessed(_ context.Context, eventID string, processingError string) error {
	return nil
}

// stubGateway is an in-memory ProviderGateway.
type stubGateway struct {
	sessions         map[string]ProviderSession
	sessionsByIntent map[string]ProviderSession
	createError      error
	lookupError      error
	created          []CheckoutParams
	nextSessionID    string
}

func newStubGateway(test *testing.T) *stubGateway {
	test.Helper()
	return &stubGateway{
		sessions:         map[string]ProviderSession{},
		sessionsByIntent: map[string]ProviderSession{},
		nextSessionID:    "cs_stub_1",
	}
}

func (gateway *stubGateway) CreateCheckoutSession(_ context.Context, params CheckoutParams) (ProviderSession, error) {
	if gateway.createError != nil {
		return ProviderSession{}, gateway.createError
	}
	gateway.created = append(gateway.created, params)
	session := ProviderSession{SessionID: gateway.nextSessionID, URL: "https://checkout.example/" + gateway.nextSessionID}
	gateway.sessions[session.SessionID] = session
	return session, nil
}

func (gateway *stubGateway) GetSession(_ context.Context, sessionID string) (ProviderSession, error) {
	if gateway.lookupError != nil {
		return ProviderSession{}, gateway.lookupError
	}
	session, exists := gateway.sessions[sessionID]
	if !exists {
		return ProviderSession{}, ErrUnknownSession
	}
	return session, nil
}

func (gateway *stubGateway) SessionForPaymentIntent(_ context.Context, paymentIntentID string) (ProviderSession, bool, error) {
	if gateway.lookupError != nil {
		return ProviderSession{}, false, gateway.lookupError
	}
	session, exists := gateway.sessionsByIntent[paymentIntentID]
	if !exists {
		return ProviderSession{}, false, nil
	}
	return session, true, nil
}
