package stripegateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/pixelmint/billing/internal/payments"
)

// ErrInvalidGatewayConfig reports a misconfigured gateway.
var ErrInvalidGatewayConfig = errors.New("invalid gateway config")

const defaultProductName = "PixelMint Credits"

// Gateway adapts the Stripe checkout API to the provider contract the
// payment flow depends on.
type Gateway struct {
	successURL  string
	cancelURL   string
	productName string
	logger      *zap.Logger
}

// New configures the Stripe client key and returns a Gateway.
func New(secretKey string, successURL string, cancelURL string, logger *zap.Logger) (*Gateway, error) {
	if strings.TrimSpace(secretKey) == "" {
		return nil, fmt.Errorf("%w: empty secret key", ErrInvalidGatewayConfig)
	}
	if strings.TrimSpace(successURL) == "" || strings.TrimSpace(cancelURL) == "" {
		return nil, fmt.Errorf("%w: empty redirect url", ErrInvalidGatewayConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	stripe.Key = secretKey
	return &Gateway{
		successURL:  successURL,
		cancelURL:   cancelURL,
		productName: defaultProductName,
		logger:      logger,
	}, nil
}

// CreateCheckoutSession opens a one-off payment session. The user id and
// credit count travel in the session metadata so the payment can be traced
// from the provider dashboard back to the ledger.
func (gateway *Gateway) CreateCheckoutSession(ctx context.Context, params payments.CheckoutParams) (payments.ProviderSession, error) {
	sessionParams := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(gateway.successURL),
		CancelURL:  stripe.String(gateway.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(params.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(gateway.productName),
					},
					UnitAmount: stripe.Int64(params.AmountCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"user_id": params.UserID,
			"credits": strconv.FormatInt(params.Credits, 10),
		},
	}
	sessionParams.Context = ctx
	session, err := checkoutsession.New(sessionParams)
	if err != nil {
		return payments.ProviderSession{}, fmt.Errorf("create checkout session: %w", err)
	}
	gateway.logger.Info("checkout session created",
		zap.String("session_id", session.ID),
		zap.String("user_id", params.UserID))
	return mapSession(session), nil
}

// GetSession fetches the session's current state from the provider.
func (gateway *Gateway) GetSession(ctx context.Context, sessionID string) (payments.ProviderSession, error) {
	getParams := &stripe.CheckoutSessionParams{}
	getParams.Context = ctx
	session, err := checkoutsession.Get(sessionID, getParams)
	if err != nil {
		return payments.ProviderSession{}, fmt.Errorf("get checkout session %s: %w", sessionID, err)
	}
	return mapSession(session), nil
}

// SessionForPaymentIntent resolves a payment intent back to its checkout
// session. Intents created outside checkout have none; found reports that
// distinctly from a transport failure.
func (gateway *Gateway) SessionForPaymentIntent(ctx context.Context, paymentIntentID string) (payments.ProviderSession, bool, error) {
	listParams := &stripe.CheckoutSessionListParams{
		PaymentIntent: stripe.String(paymentIntentID),
	}
	listParams.Context = ctx
	listParams.Limit = stripe.Int64(1)
	iterator := checkoutsession.List(listParams)
	for iterator.Next() {
		return mapSession(iterator.CheckoutSession()), true, nil
	}
	if err := iterator.Err(); err != nil {
		return payments.ProviderSession{}, false, fmt.Errorf("list sessions for intent %s: %w", paymentIntentID, err)
	}
	return payments.ProviderSession{}, false, nil
}

func mapSession(session *stripe.CheckoutSession) payments.ProviderSession {
	mapped := payments.ProviderSession{
		SessionID: session.ID,
		Paid:      session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		URL:       session.URL,
	}
	if session.PaymentIntent != nil {
		mapped.PaymentIntentID = session.PaymentIntent.ID
	}
	return mapped
}

// Verifier authenticates webhook payloads against the endpoint signing
// secret. Verification happens before any parsing of the body.
type Verifier struct {
	signingSecret string
}

// NewVerifier returns a Verifier for the endpoint's signing secret.
func NewVerifier(signingSecret string) (*Verifier, error) {
	if strings.TrimSpace(signingSecret) == "" {
		return nil, fmt.Errorf("%w: empty signing secret", ErrInvalidGatewayConfig)
	}
	return &Verifier{signingSecret: signingSecret}, nil
}

// Verify checks the signature header against the raw payload and returns the
// parsed event.
func (verifier *Verifier) Verify(payload []byte, signatureHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, signatureHeader, verifier.signingSecret)
}
