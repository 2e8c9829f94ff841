package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Verifier answers "did this gateway order settle?" at the
// pending_payment boundary. Never called under a registry lock.
type Verifier interface {
	StatusByGatewayOrderID(ctx context.Context, gatewayOrderID string) (string, error)
}

const (
	StatusSuccess = "success"
	StatusPending = "pending"
	StatusFailed  = "failed"
)

// StripeVerifier resolves a gateway order id as a PaymentIntent ID.
type StripeVerifier struct{}

// NewStripeVerifier initializes the stripe client with the
// STRIPE_API_KEY env var.
func NewStripeVerifier() *StripeVerifier {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeVerifier{}
}

func (s *StripeVerifier) StatusByGatewayOrderID(ctx context.Context, gatewayOrderID string) (string, error) {
	pi, err := paymentintent.Get(gatewayOrderID, nil)
	if err != nil {
		return "", err
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSuccess, nil
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed, nil
	default:
		return StatusPending, nil
	}
}
