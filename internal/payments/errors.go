package payments

import "errors"

// Domain-level error values returned by the payment flow.
var (
	ErrUnknownSession         = errors.New("unknown checkout session")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrInvalidStatus          = errors.New("invalid payment status")
	ErrInvalidRecord          = errors.New("invalid payment record")
	ErrDuplicateSession       = errors.New("checkout session already recorded")
	ErrNotRefundable          = errors.New("payment is not refundable")
	ErrSessionNotPaid         = errors.New("checkout session not paid")
	ErrInvalidProcessorConfig = errors.New("invalid processor config")
)
