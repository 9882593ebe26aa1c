// Package gateway integrates the external card payment gateway.
//
// Outbound: order creation against the gateway API, guarded by a
// circuit breaker. Inbound: webhook ingestion with constant-time
// signature verification. Verification fails closed: if no webhook
// secret is configured, every webhook is rejected before any payload
// inspection.
package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSecretMissing    = errors.New("gateway: webhook secret not configured")
	ErrInvalidSignature = errors.New("gateway: invalid webhook signature")
	ErrUnavailable      = errors.New("gateway: unavailable")
)

// Order is a payment order created at the gateway. The buyer completes
// it client-side; the gateway reports the outcome via webhook.
type Order struct {
	ID           string    `json:"id"`
	ClientSecret string    `json:"clientSecret,omitempty"`
	AmountMinor  int64     `json:"amountMinor"`
	Currency     string    `json:"currency"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Event is a verified inbound webhook event.
type Event struct {
	Type      EventType
	OrderID   string // gateway order the event refers to
	PaymentID string // gateway payment identifier, set on capture
	Raw       []byte // verified payload for audit logging
}

// EventType classifies inbound events.
type EventType string

const (
	EventPaymentCaptured EventType = "payment_captured"
	EventPaymentFailed   EventType = "payment_failed"
	EventIgnored         EventType = "ignored"
)

// OrderCreator creates orders at the gateway.
type OrderCreator interface {
	CreateOrder(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (*Order, error)
}

// Verifier authenticates inbound webhooks.
type Verifier interface {
	VerifyWebhook(payload []byte, sigHeader string) (*Event, error)
}

// CapturedHandler consumes verified payment capture events. Handlers
// must be idempotent: gateways redeliver webhooks.
type CapturedHandler interface {
	// HandlePaymentCaptured settles the operation tied to orderID.
	// Returns (false, nil) when the order is not known to this
	// handler so dispatch can try the next one.
	HandlePaymentCaptured(ctx context.Context, orderID, paymentID string) (bool, error)
}

// FailedHandler consumes payment failure events.
type FailedHandler interface {
	HandlePaymentFailed(ctx context.Context, orderID, reason string) (bool, error)
}
