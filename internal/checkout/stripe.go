package checkout

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
)

// StripeProcessor implements the traditional payment path on Stripe
// PaymentIntents. The reservation fee is charged in fiat; no amount on
// this path touches the settlement (wei) plane.
type StripeProcessor struct{}

// NewStripeProcessor configures the global Stripe client key and returns
// a processor.
func NewStripeProcessor(secretKey string) *StripeProcessor {
	stripe.Key = secretKey
	return &StripeProcessor{}
}

func (p *StripeProcessor) CreateIntent(ctx context.Context, operationID string, amountCents int64, currency string) (string, string, error) {
	if amountCents <= 0 {
		return "", "", fmt.Errorf("checkout: invalid payment amount %d", amountCents)
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
		Metadata: map[string]string{
			"operation_id": operationID,
			"purpose":      "reservation_fee",
		},
	}
	params.Context = ctx

	pi, err := paymentintent.New(params)
	if err != nil {
		return "", "", fmt.Errorf("checkout: create payment intent: %w", err)
	}
	return pi.ID, pi.ClientSecret, nil
}

var _ PaymentProcessor = (*StripeProcessor)(nil)
