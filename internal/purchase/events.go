package purchase

import (
	"encoding/json"
	"time"
)

// EventType tags entries in a purchase's append-only event log.
type EventType string

const (
	EventOrderCreated       EventType = "order_created"
	EventPaymentCaptured    EventType = "payment_captured"
	EventFulfillmentStarted EventType = "fulfillment_started"
	EventFulfilled          EventType = "fulfilled"
	EventFailed             EventType = "failed"
)

// Event is one audit-trail entry. Detail is a typed payload for the
// known event kinds; unknown payloads round-trip opaquely.
type Event struct {
	Type   EventType       `json:"type"`
	Detail json.RawMessage `json:"detail,omitempty"`
	At     time.Time       `json:"at"`
}

// Typed detail payloads per event kind.

type OrderCreatedDetail struct {
	GatewayOrderID string `json:"gatewayOrderId"`
	AmountMinor    int64  `json:"amountMinor"`
}

type PaymentCapturedDetail struct {
	GatewayPaymentID string `json:"gatewayPaymentId"`
}

type FulfillmentStartedDetail struct {
	ListingID uint64 `json:"listingId"`
	Units     int64  `json:"units"`
}

type FulfilledDetail struct {
	BuyTxHash      string `json:"buyTxHash"`
	TransferTxHash string `json:"transferTxHash"`
}

type FailedDetail struct {
	Reason string `json:"reason"`
	// BuyTxHash is set only for partial fulfillments, where the buy
	// was mined but the transfer was not.
	BuyTxHash string `json:"buyTxHash,omitempty"`
}

// NewEvent builds an event with a marshalled detail payload. A nil
// detail yields an event with no payload.
func NewEvent(t EventType, detail any) Event {
	ev := Event{Type: t, At: time.Now().UTC()}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			ev.Detail = raw
		}
	}
	return ev
}
