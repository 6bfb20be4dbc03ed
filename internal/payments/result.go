package payments

// Outcome classifies how the processor resolved an event. Expected branches
// (duplicates, unknown sessions, unpaid checkouts) are outcomes, not errors;
// errors are reserved for failures the provider should retry.
type Outcome string

const (
	// OutcomeCompleted marks a pending payment newly transitioned to
	// completed with its credits granted.
	OutcomeCompleted Outcome = "completed"
	// OutcomeAlreadyProcessed marks a redelivery of a session that already
	// reached a terminal state.
	OutcomeAlreadyProcessed Outcome = "already_processed"
	// OutcomeSkippedUnpaid marks a checkout completion whose payment status
	// was not "paid"; no state changed.
	OutcomeSkippedUnpaid Outcome = "skipped_unpaid"
	// OutcomeUnknownSession marks an event for a session this system never
	// created; acknowledged so the provider stops retrying.
	OutcomeUnknownSession Outcome = "unknown_session"
	// OutcomeNoSessionForIntent marks a payment-intent event with no checkout
	// session in this system's purview.
	OutcomeNoSessionForIntent Outcome = "no_session_for_intent"
	// OutcomeFailed marks a pending payment transitioned to failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeIgnored marks a non-financial lifecycle event acknowledged as a
	// no-op.
	OutcomeIgnored Outcome = "ignored"
)

// Result reports the resolution of one provider event.
type Result struct {
	Outcome   Outcome
	EventID   string
	EventType string
	SessionID string
}
