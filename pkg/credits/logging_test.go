package credits

import (
	"context"
	"errors"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsAddOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service, err := NewService(store, func() int64 { return 42 }, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	userID := mustUserID(test, "user-1")
	metadata := mustMetadata(test, `{"action":"test"}`)
	if _, err := service.AddCredits(context.Background(), userID, mustAmount(test, 100), EntryPurchase, "pack", metadata, mustSourcePayment(test, "cs_log")); err != nil {
		test.Fatalf("add failed: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationAdd || entry.UserID != userID || entry.Amount != 100 || entry.SourcePaymentID != "cs_log" {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.insertEntryError = errors.New("boom")
	logger := &recorderLogger{}
	service, err := NewService(store, func() int64 { return 1 }, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	userID := mustUserID(test, "user-1")
	metadata := mustMetadata(test, "{}")
	if _, err := service.AddCredits(context.Background(), userID, mustAmount(test, 10), EntryPurchase, "pack", metadata, nil); err == nil {
		test.Fatalf("expected error")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil {
		test.Fatalf("expected error log entry, got %+v", logger.entries[0])
	}
}
