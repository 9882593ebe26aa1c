package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/mbd888/canopy/internal/idgen"
)

// Fake is an in-process gateway for development mode and tests. It
// mints order IDs locally and verifies webhooks with an HMAC-SHA256
// over the raw body, the same shape the real adapter checks. It still
// fails closed when constructed without a secret.
type Fake struct {
	mu     sync.Mutex
	secret string
	orders map[string]*Order
}

// NewFake creates a fake gateway. An empty secret makes VerifyWebhook
// reject everything, same as the real adapter.
func NewFake(secret string) *Fake {
	return &Fake{secret: secret, orders: make(map[string]*Order)}
}

// CreateOrder mints a local order.
func (f *Fake) CreateOrder(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (*Order, error) {
	o := &Order{
		ID:          idgen.WithPrefix("pi_fake_"),
		AmountMinor: amountMinor,
		Currency:    currency,
		CreatedAt:   time.Now().UTC(),
	}
	f.mu.Lock()
	f.orders[o.ID] = o
	f.mu.Unlock()
	return o, nil
}

// fakeWebhookBody is the dev-mode webhook payload shape.
type fakeWebhookBody struct {
	Type      string `json:"type"`
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
}

// Sign computes the signature the fake expects for a webhook body.
// Dev-mode webhook senders and tests use it to produce valid headers.
func (f *Fake) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(f.secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks the HMAC over the raw body and decodes the
// event. The comparison is constant-time.
func (f *Fake) VerifyWebhook(payload []byte, sigHeader string) (*Event, error) {
	if f.secret == "" {
		return nil, ErrSecretMissing
	}
	sig, err := hex.DecodeString(sigHeader)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(f.secret))
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, ErrInvalidSignature
	}

	var body fakeWebhookBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, ErrInvalidSignature
	}

	switch body.Type {
	case "payment_intent.succeeded":
		paymentID := body.PaymentID
		if paymentID == "" {
			paymentID = body.OrderID
		}
		return &Event{Type: EventPaymentCaptured, OrderID: body.OrderID, PaymentID: paymentID, Raw: payload}, nil
	case "payment_intent.payment_failed":
		return &Event{Type: EventPaymentFailed, OrderID: body.OrderID, Raw: payload}, nil
	default:
		return &Event{Type: EventIgnored, Raw: payload}, nil
	}
}
