package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"github.com/pixelmint/billing/pkg/credits"
)

const defaultTxTimeout = 12 * time.Second

// Processor translates verified provider events into at-most-once ledger
// mutations. Callers verify the webhook signature before handing an event in;
// the processor does not re-verify.
type Processor struct {
	store     Store
	gateway   ProviderGateway
	logger    *zap.Logger
	nowFn     func() int64
	txTimeout time.Duration
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithTxTimeout bounds the transactional block around a status update and its
// ledger write. On timeout the transaction rolls back entirely and the error
// propagates so the delivery is retried.
func WithTxTimeout(timeout time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if timeout > 0 {
			processor.txTimeout = timeout
		}
	}
}

// NewProcessor wires a Processor.
func NewProcessor(store Store, gateway ProviderGateway, logger *zap.Logger, now func() int64, options ...ProcessorOption) (*Processor, error) {
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
	processor := &Processor{
		store:     store,
		gateway:   gateway,
		logger:    logger,
		nowFn:     now,
		txTimeout: defaultTxTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(processor)
		}
	}
	return processor, nil
}

// Process dispatches a verified event by its type. The switch is the closed
// set of event types this system reacts to; everything else is acknowledged
// as a no-op so the provider does not retry.
func (processor *Processor) Process(ctx context.Context, event stripe.Event) (Result, error) {
	processor.recordEvent(ctx, event)
	result, err := processor.dispatch(ctx, event)
	processor.markEventProcessed(ctx, event.ID, err)
	result.EventID = event.ID
	result.EventType = string(event.Type)
	return result, err
}

func (processor *Processor) dispatch(ctx context.Context, event stripe.Event) (Result, error) {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		return processor.handleCheckoutCompleted(ctx, event)
	case stripe.EventTypePaymentIntentSucceeded:
		return processor.handlePaymentSucceeded(ctx, event)
	case stripe.EventTypePaymentIntentPaymentFailed:
		return processor.handlePaymentFailed(ctx, event)
	default:
		// Customer, payment-method, and subscription lifecycle events have no
		// billing model here; acknowledging them stops provider retry storms.
		processor.logger.Info("ignoring provider event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)))
		return Result{Outcome: OutcomeIgnored}, nil
	}
}

// handleCheckoutCompleted applies a checkout.session.completed event.
// Partial or failed checkouts must not leak credits, so anything other than
// payment status "paid" is skipped without touching state.
func (processor *Processor) handleCheckoutCompleted(ctx context.Context, event stripe.Event) (Result, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return Result{}, fmt.Errorf("parse checkout session: %w", err)
	}
	paid := session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid
	intentID := ""
	if session.PaymentIntent != nil {
		intentID = session.PaymentIntent.ID
	}
	return processor.completeSession(ctx, session.ID, intentID, paid)
}

// handlePaymentSucceeded resolves the intent to its checkout session and
// replays the completion path.
func (processor *Processor) handlePaymentSucceeded(ctx context.Context, event stripe.Event) (Result, error) {
	intent, err := parsePaymentIntent(event)
	if err != nil {
		return Result{}, err
	}
	session, found, err := processor.gateway.SessionForPaymentIntent(ctx, intent.ID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve session for intent %s: %w", intent.ID, err)
	}
	if !found {
		processor.logger.Info("payment intent outside purview",
			zap.String("payment_intent", intent.ID),
			zap.String("event_id", event.ID))
		return Result{Outcome: OutcomeNoSessionForIntent}, nil
	}
	return processor.completeSession(ctx, session.SessionID, session.PaymentIntentID, session.Paid)
}

// handlePaymentFailed resolves the intent to its checkout session and marks
// the pending record failed. No ledger write happens on this path.
func (processor *Processor) handlePaymentFailed(ctx context.Context, event stripe.Event) (Result, error) {
	intent, err := parsePaymentIntent(event)
	if err != nil {
		return Result{}, err
	}
	session, found, err := processor.gateway.SessionForPaymentIntent(ctx, intent.ID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve session for intent %s: %w", intent.ID, err)
	}
	if !found {
		processor.logger.Info("payment intent outside purview",
			zap.String("payment_intent", intent.ID),
			zap.String("event_id", event.ID))
		return Result{Outcome: OutcomeNoSessionForIntent}, nil
	}
	record, err := processor.store.GetRecord(ctx, session.SessionID)
	if err != nil {
		if errors.Is(err, ErrUnknownSession) {
			processor.logger.Warn("failure event for unknown session", zap.String("session_id", session.SessionID))
			return Result{Outcome: OutcomeUnknownSession, SessionID: session.SessionID}, nil
		}
		return Result{}, err
	}
	if record.Status != StatusPending {
		return Result{Outcome: OutcomeAlreadyProcessed, SessionID: record.SessionID}, nil
	}
	intentID := session.PaymentIntentID
	err = processor.store.UpdateStatus(ctx, record.SessionID, StatusPending, StatusFailed, &intentID)
	if errors.Is(err, ErrInvalidTransition) {
		return Result{Outcome: OutcomeAlreadyProcessed, SessionID: record.SessionID}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeFailed, SessionID: record.SessionID}, nil
}

// Reconcile queries the provider for the session's current payment status and
// replays the completion path if it reports paid. Fallback for delayed or
// lost webhook deliveries.
func (processor *Processor) Reconcile(ctx context.Context, sessionID string) (Result, error) {
	session, err := processor.gateway.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("fetch session %s: %w", sessionID, err)
	}
	return processor.completeSession(ctx, session.SessionID, session.PaymentIntentID, session.Paid)
}

// Refund flips a completed payment to refunded and writes the offsetting
// ledger entry in the same transaction. There is no path out of refunded, so
// re-refunding is rejected.
func (processor *Processor) Refund(ctx context.Context, sessionID string) (Record, error) {
	record, err := processor.store.GetRecord(ctx, sessionID)
	if err != nil {
		return Record{}, err
	}
	if record.Status != StatusCompleted {
		return Record{}, fmt.Errorf("%w: status is %s", ErrNotRefundable, record.Status)
	}
	userID, amount, metadata, err := refundInputs(record)
	if err != nil {
		return Record{}, err
	}
	sourceID, err := credits.NewSourcePaymentID(refundSourceID(record.SessionID))
	if err != nil {
		return Record{}, err
	}
	txCtx, cancel := context.WithTimeout(ctx, processor.txTimeout)
	defer cancel()
	err = processor.store.WithTx(txCtx, func(ctx context.Context, txStore Store) error {
		if err := txStore.UpdateStatus(ctx, record.SessionID, StatusCompleted, StatusRefunded, record.PaymentIntentID); err != nil {
			return err
		}
		_, err := txStore.Ledger().RefundCredits(ctx, userID, amount,
			fmt.Sprintf("refund of payment %s", record.SessionID), metadata, &sourceID)
		return err
	})
	if err != nil {
		return Record{}, err
	}
	record.Status = StatusRefunded
	processor.logger.Info("payment refunded",
		zap.String("session_id", record.SessionID),
		zap.Int64("credits", record.Credits))
	return record, nil
}

// completeSession is the single completion path shared by checkout events,
// intent-succeeded events, and manual reconciliation. Idempotency is keyed on
// the immutable session id, never on event arrival order.
func (processor *Processor) completeSession(ctx context.Context, sessionID string, paymentIntentID string, paid bool) (Result, error) {
	if !paid {
		processor.logger.Info("skipping unpaid checkout", zap.String("session_id", sessionID))
		return Result{Outcome: OutcomeSkippedUnpaid, SessionID: sessionID}, nil
	}
	record, err := processor.store.GetRecord(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrUnknownSession) {
			// A webhook should never arrive for a session this system did not
			// create; acknowledge so the provider stops retrying.
			processor.logger.Warn("event for unknown session", zap.String("session_id", sessionID))
			return Result{Outcome: OutcomeUnknownSession, SessionID: sessionID}, nil
		}
		return Result{}, err
	}

	switch record.Status {
	case StatusCompleted:
		return processor.healCompletedRecord(ctx, record)
	case StatusFailed, StatusRefunded:
		processor.logger.Warn("paid event for terminal record",
			zap.String("session_id", record.SessionID),
			zap.String("status", record.Status.String()))
		return Result{Outcome: OutcomeAlreadyProcessed, SessionID: record.SessionID}, nil
	}

	userID, amount, metadata, err := purchaseInputs(record, paymentIntentID)
	if err != nil {
		return Result{}, err
	}
	sourceID, err := credits.NewSourcePaymentID(record.SessionID)
	if err != nil {
		return Result{}, err
	}

	txCtx, cancel := context.WithTimeout(ctx, processor.txTimeout)
	defer cancel()
	var intentRef *string
	if paymentIntentID != "" {
		intentRef = &paymentIntentID
	}
	err = processor.store.WithTx(txCtx, func(ctx context.Context, txStore Store) error {
		if err := txStore.UpdateStatus(ctx, record.SessionID, StatusPending, StatusCompleted, intentRef); err != nil {
			return err
		}
		_, err := txStore.Ledger().AddCredits(ctx, userID, amount, credits.EntryPurchase,
			fmt.Sprintf("purchase of %d credits", record.Credits), metadata, &sourceID)
		return err
	})
	// Either branch means a concurrent delivery won the race; the session is
	// settled exactly once either way.
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, credits.ErrDuplicateSourcePayment) {
		return Result{Outcome: OutcomeAlreadyProcessed, SessionID: record.SessionID}, nil
	}
	if err != nil {
		return Result{}, err
	}
	processor.logger.Info("payment completed",
		zap.String("session_id", record.SessionID),
		zap.String("user_id", record.UserID),
		zap.Int64("credits", record.Credits))
	return Result{Outcome: OutcomeCompleted, SessionID: record.SessionID}, nil
}

// healCompletedRecord covers the partial prior failure where the status
// update committed but the credit grant did not (or vice versa): the ledger
// is probed for an entry keyed by the session id and the grant is replayed
// only if missing.
func (processor *Processor) healCompletedRecord(ctx context.Context, record Record) (Result, error) {
	sourceID, err := credits.NewSourcePaymentID(record.SessionID)
	if err != nil {
		return Result{}, err
	}
	exists, err := processor.store.Ledger().HasEntryForPayment(ctx, sourceID)
	if err != nil {
		return Result{}, err
	}
	if exists {
		return Result{Outcome: OutcomeAlreadyProcessed, SessionID: record.SessionID}, nil
	}
	intentID := ""
	if record.PaymentIntentID != nil {
		intentID = *record.PaymentIntentID
	}
	userID, amount, metadata, err := purchaseInputs(record, intentID)
	if err != nil {
		return Result{}, err
	}
	txCtx, cancel := context.WithTimeout(ctx, processor.txTimeout)
	defer cancel()
	err = processor.store.WithTx(txCtx, func(ctx context.Context, txStore Store) error {
		_, err := txStore.Ledger().AddCredits(ctx, userID, amount, credits.EntryPurchase,
			fmt.Sprintf("purchase of %d credits", record.Credits), metadata, &sourceID)
		return err
	})
	if errors.Is(err, credits.ErrDuplicateSourcePayment) {
		return Result{Outcome: OutcomeAlreadyProcessed, SessionID: record.SessionID}, nil
	}
	if err != nil {
		return Result{}, err
	}
	processor.logger.Warn("healed completed payment without ledger entry",
		zap.String("session_id", record.SessionID),
		zap.Int64("credits", record.Credits))
	return Result{Outcome: OutcomeAlreadyProcessed, SessionID: record.SessionID}, nil
}

func (processor *Processor) recordEvent(ctx context.Context, event stripe.Event) {
	_, err := processor.store.InsertEvent(ctx, EventRecord{
		EventID:         event.ID,
		EventType:       string(event.Type),
		PayloadJSON:     string(event.Data.Raw),
		ReceivedUnixUTC: processor.nowFn(),
	})
	if err != nil {
		// Audit trail only; session-keyed idempotency stays authoritative.
		processor.logger.Warn("event audit insert failed", zap.String("event_id", event.ID), zap.Error(err))
	}
}

func (processor *Processor) markEventProcessed(ctx context.Context, eventID string, processingError error) {
	message := ""
	if processingError != nil {
		message = processingError.Error()
	}
	if err := processor.store.MarkEventProcessed(ctx, eventID, message); err != nil {
		processor.logger.Warn("event audit update failed", zap.String("event_id", eventID), zap.Error(err))
	}
}

func parsePaymentIntent(event stripe.Event) (stripe.PaymentIntent, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return stripe.PaymentIntent{}, fmt.Errorf("parse payment intent: %w", err)
	}
	return intent, nil
}

func purchaseInputs(record Record, paymentIntentID string) (credits.UserID, credits.CreditAmount, credits.MetadataJSON, error) {
	userID, err := credits.NewUserID(record.UserID)
	if err != nil {
		return credits.UserID{}, 0, credits.MetadataJSON{}, err
	}
	amount, err := credits.NewCreditAmount(record.Credits)
	if err != nil {
		return credits.UserID{}, 0, credits.MetadataJSON{}, err
	}
	metadata, err := credits.NewMetadataJSON(marshalPurchaseMetadata(record, paymentIntentID))
	if err != nil {
		return credits.UserID{}, 0, credits.MetadataJSON{}, err
	}
	return userID, amount, metadata, nil
}

func refundInputs(record Record) (credits.UserID, credits.CreditAmount, credits.MetadataJSON, error) {
	intentID := ""
	if record.PaymentIntentID != nil {
		intentID = *record.PaymentIntentID
	}
	return purchaseInputs(record, intentID)
}

func marshalPurchaseMetadata(record Record, paymentIntentID string) string {
	payload := map[string]any{
		"session_id":   record.SessionID,
		"amount_cents": record.AmountCents,
		"currency":     record.Currency,
	}
	if paymentIntentID != "" {
		payload["payment_intent"] = paymentIntentID
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func refundSourceID(sessionID string) string {
	return "refund:" + sessionID
}
