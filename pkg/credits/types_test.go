package credits

import (
	"errors"
	"testing"
)

func TestNewUserIDValidation(test *testing.T) {
	test.Parallel()
	if _, err := NewUserID("  "); !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	userID, err := NewUserID("  user-9 ")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	if userID.String() != "user-9" {
		test.Fatalf("expected trimmed id, got %q", userID.String())
	}
}

func TestNewCreditAmountRejectsNonPositive(test *testing.T) {
	test.Parallel()
	for _, raw := range []int64{0, -1, -100} {
		if _, err := NewCreditAmount(raw); !errors.Is(err, ErrInvalidAmount) {
			test.Fatalf("amount %d: expected ErrInvalidAmount, got %v", raw, err)
		}
	}
	amount, err := NewCreditAmount(25)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	if amount.Int64() != 25 {
		test.Fatalf("expected 25, got %d", amount.Int64())
	}
}

func TestNewMetadataJSONDefaultsAndValidates(test *testing.T) {
	test.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("empty metadata: %v", err)
	}
	if metadata.String() != "{}" {
		test.Fatalf("expected {} default, got %q", metadata.String())
	}
	if _, err := NewMetadataJSON("{not json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestParseEntryTypeClosedEnum(test *testing.T) {
	test.Parallel()
	known := []EntryType{EntryPurchase, EntryAdminAdjustment, EntryRefund, EntryGenerationSpend, EntryPromoRedemption}
	for _, entryType := range known {
		parsed, err := ParseEntryType(entryType.String())
		if err != nil {
			test.Fatalf("parse %s: %v", entryType, err)
		}
		if parsed != entryType {
			test.Fatalf("expected %s, got %s", entryType, parsed)
		}
	}
	if _, err := ParseEntryType("subscription"); !errors.Is(err, ErrInvalidEntryType) {
		test.Fatalf("expected ErrInvalidEntryType, got %v", err)
	}
}

func TestInsufficientCreditsErrorFields(test *testing.T) {
	test.Parallel()
	err := NewInsufficientCreditsError(10, 4)
	if err.Shortfall != 6 {
		test.Fatalf("expected shortfall 6, got %d", err.Shortfall)
	}
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected sentinel match")
	}
}

func TestWrapErrorCarriesSegments(test *testing.T) {
	test.Parallel()
	base := errors.New("boom")
	wrapped := WrapError("store", "entry", "insert", base)
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %v", wrapped)
	}
	if operationError.Operation() != "store" || operationError.Subject() != "entry" || operationError.Code() != "insert" {
		test.Fatalf("unexpected segments: %v", wrapped)
	}
	if !errors.Is(wrapped, base) {
		test.Fatalf("expected unwrap to base error")
	}
	if WrapError("store", "entry", "insert", nil) != nil {
		test.Fatalf("expected nil passthrough")
	}
}
