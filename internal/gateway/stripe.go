package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/canopy/internal/circuitbreaker"
	"github.com/mbd888/canopy/internal/retry"
)

const breakerKey = "gateway"

// Stripe implements OrderCreator and Verifier against the Stripe API.
type Stripe struct {
	api           *client.API
	webhookSecret string
	breaker       *circuitbreaker.Breaker
}

// NewStripe creates a gateway client. webhookSecret may be empty, in
// which case webhook verification rejects everything.
func NewStripe(apiKey, webhookSecret string) *Stripe {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &Stripe{
		api:           api,
		webhookSecret: webhookSecret,
		breaker:       circuitbreaker.New(5, 30*time.Second),
	}
}

// CreateOrder creates a payment intent for the given amount. The
// intent ID doubles as our order identifier.
func (s *Stripe) CreateOrder(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (*Order, error) {
	if !s.breaker.Allow(breakerKey) {
		return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountMinor),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	var pi *stripe.PaymentIntent
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var err error
		pi, err = s.api.PaymentIntents.New(params)
		if err == nil {
			return nil
		}
		// Client errors will not improve on retry.
		if stripeErr, ok := err.(*stripe.Error); ok {
			if stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500 && stripeErr.HTTPStatusCode != 429 {
				return retry.Permanent(err)
			}
		}
		return err
	})
	if err != nil {
		s.breaker.RecordFailure(breakerKey)
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	s.breaker.RecordSuccess(breakerKey)

	return &Order{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountMinor:  amountMinor,
		Currency:     currency,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// VerifyWebhook authenticates a webhook payload using the signing
// secret. The signature check is constant-time inside the stripe SDK.
// An empty secret rejects everything before touching the payload.
func (s *Stripe) VerifyWebhook(payload []byte, sigHeader string) (*Event, error) {
	if s.webhookSecret == "" {
		return nil, ErrSecretMissing
	}

	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	switch ev.Type {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		paymentID := pi.ID
		if pi.LatestCharge != nil {
			paymentID = pi.LatestCharge.ID
		}
		return &Event{Type: EventPaymentCaptured, OrderID: pi.ID, PaymentID: paymentID, Raw: ev.Data.Raw}, nil

	case "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		return &Event{Type: EventPaymentFailed, OrderID: pi.ID, Raw: ev.Data.Raw}, nil

	default:
		return &Event{Type: EventIgnored, Raw: ev.Data.Raw}, nil
	}
}
