package payments

import "context"

// ProviderSession is the slice of a provider checkout session the payment
// flow consumes.
type ProviderSession struct {
	SessionID       string
	PaymentIntentID string
	Paid            bool
	URL             string
}

// CheckoutParams describes a credit package purchase to open with the
// provider.
type CheckoutParams struct {
	UserID      string
	Credits     int64
	AmountCents int64
	Currency    string
}

// ProviderGateway abstracts the outbound calls to the payment provider's API
// so the processor and its tests never touch the network.
type ProviderGateway interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (ProviderSession, error)
	GetSession(ctx context.Context, sessionID string) (ProviderSession, error)
	// SessionForPaymentIntent resolves a payment-intent id to its checkout
	// session. The second return is false when the intent has no session in
	// this system's purview.
	SessionForPaymentIntent(ctx context.Context, paymentIntentID string) (ProviderSession, bool, error)
}
