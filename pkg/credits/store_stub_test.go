package credits

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

// stubStore is an in-memory Store with injectable failures.
type stubStore struct {
	balances map[string]int64
	entries  []Entry

	getBalanceError    error
	updateBalanceError error
	insertEntryError   error
	hasEntryError      error
	sumEntriesError    error
	listEntriesError   error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{balances: map[string]int64{}}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	snapshotBalances := make(map[string]int64, len(store.balances))
	for userID, balance := range store.balances {
		snapshotBalances[userID] = balance
	}
	snapshotEntries := make([]Entry, len(store.entries))
	copy(snapshotEntries, store.entries)
	if err := fn(ctx, store); err != nil {
		store.balances = snapshotBalances
		store.entries = snapshotEntries
		return err
	}
	return nil
}

func (store *stubStore) GetOrCreateBalance(_ context.Context, userID string) (int64, error) {
	if store.getBalanceError != nil {
		return 0, store.getBalanceError
	}
	balance, ok := store.balances[userID]
	if !ok {
		store.balances[userID] = 0
	}
	return balance, nil
}

func (store *stubStore) UpdateBalance(_ context.Context, userID string, balance int64) error {
	if store.updateBalanceError != nil {
		return store.updateBalanceError
	}
	store.balances[userID] = balance
	return nil
}

func (store *stubStore) InsertEntry(_ context.Context, input EntryInput) (Entry, error) {
	if store.insertEntryError != nil {
		return Entry{}, store.insertEntryError
	}
	if input.SourcePaymentID != nil {
		for _, existing := range store.entries {
			if existing.SourcePaymentID != nil && *existing.SourcePaymentID == *input.SourcePaymentID {
				return Entry{}, ErrDuplicateSourcePayment
			}
		}
	}
	entry := Entry{
		EntryID:         uuid.NewString(),
		UserID:          input.UserID,
		Type:            input.Type,
		Amount:          input.Amount,
		Description:     input.Description,
		SourcePaymentID: input.SourcePaymentID,
		MetadataJSON:    input.MetadataJSON,
		CreatedUnixUTC:  input.CreatedUnixUTC,
	}
	store.entries = append(store.entries, entry)
	return entry, nil
}

func (store *stubStore) HasEntryForPayment(_ context.Context, sourcePaymentID string) (bool, error) {
	if store.hasEntryError != nil {
		return false, store.hasEntryError
	}
	for _, entry := range store.entries {
		if entry.SourcePaymentID != nil && *entry.SourcePaymentID == sourcePaymentID {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) SumEntries(_ context.Context, userID string) (int64, error) {
	if store.sumEntriesError != nil {
		return 0, store.sumEntriesError
	}
	var sum int64
	for _, entry := range store.entries {
		if entry.UserID == userID {
			sum += entry.Amount
		}
	}
	return sum, nil
}

func (store *stubStore) ListEntries(_ context.Context, userID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if store.listEntriesError != nil {
		return nil, store.listEntriesError
	}
	matched := make([]Entry, 0, limit)
	for index := len(store.entries) - 1; index >= 0 && len(matched) < limit; index-- {
		entry := store.entries[index]
		if entry.UserID == userID && entry.CreatedUnixUTC < beforeUnixUTC {
			matched = append(matched, entry)
		}
	}
	return matched, nil
}

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 })
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustAmount(test *testing.T, raw int64) CreditAmount {
	test.Helper()
	amount, err := NewCreditAmount(raw)
	if err != nil {
		test.Fatalf("amount %d: %v", raw, err)
	}
	return amount
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}

func mustSourcePayment(test *testing.T, raw string) *SourcePaymentID {
	test.Helper()
	id, err := NewSourcePaymentID(raw)
	if err != nil {
		test.Fatalf("source payment id %q: %v", raw, err)
	}
	return &id
}

func assertReconciled(test *testing.T, store *stubStore, service *Service, userID UserID) {
	test.Helper()
	sum, err := service.LedgerSum(context.Background(), userID)
	if err != nil {
		test.Fatalf("ledger sum: %v", err)
	}
	balance := store.balances[userID.String()]
	if sum != balance {
		test.Fatalf("ledger sum %d disagrees with balance %d", sum, balance)
	}
}
