package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/canopy/internal/purchase"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventPurchase, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventTopup},
	}}

	purchaseEvent := &Event{Type: EventPurchase}
	topupEvent := &Event{Type: EventTopup}

	if h.shouldSend(client, purchaseEvent) {
		t.Error("Should NOT receive purchase events")
	}
	if !h.shouldSend(client, topupEvent) {
		t.Error("Should receive topup events")
	}
}

func TestShouldSend_AccountFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		AccountIDs: []string{"acc_1"},
	}}

	matchingBuyer := &Event{
		Type: EventPurchase,
		Data: map[string]interface{}{"buyerAccountId": "acc_1", "sellerAccountId": "acc_9"},
	}
	matchingSeller := &Event{
		Type: EventPurchase,
		Data: map[string]interface{}{"buyerAccountId": "acc_9", "sellerAccountId": "acc_1"},
	}
	matchingTopup := &Event{
		Type: EventTopup,
		Data: map[string]interface{}{"accountId": "acc_1"},
	}
	notMatching := &Event{
		Type: EventPurchase,
		Data: map[string]interface{}{"buyerAccountId": "acc_8", "sellerAccountId": "acc_9"},
	}

	if !h.shouldSend(client, matchingBuyer) {
		t.Error("Should match on buyer account")
	}
	if !h.shouldSend(client, matchingSeller) {
		t.Error("Should match on seller account")
	}
	if !h.shouldSend(client, matchingTopup) {
		t.Error("Should match on topup account")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated accounts")
	}
}

func TestShouldSend_ListingFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		ListingIDs: []uint64{42},
	}}

	matching := &Event{
		Type: EventPurchase,
		Data: map[string]interface{}{"listingId": float64(42)},
	}
	notMatching := &Event{
		Type: EventPurchase,
		Data: map[string]interface{}{"listingId": float64(7)},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on listing ID")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other listings")
	}
}

func TestShouldSend_MinAmountFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinAmountMinor: 10000,
	}}

	large := &Event{
		Type: EventPurchase,
		Data: map[string]interface{}{"totalMinor": float64(15000)},
	}
	small := &Event{
		Type: EventPurchase,
		Data: map[string]interface{}{"totalMinor": float64(500)},
	}

	if !h.shouldSend(client, large) {
		t.Error("Should receive large purchase")
	}
	if h.shouldSend(client, small) {
		t.Error("Should NOT receive small purchase")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventPurchase}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		AccountIDs: []string{"acc_1"},
	}}

	event := &Event{
		Type: EventPurchase,
		Data: "string data not a map",
	}

	// Account filter can't extract IDs from non-map data, so the
	// event is dropped for a filtered client.
	if h.shouldSend(client, event) {
		t.Error("Filtered client should not receive events it cannot match")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: EventPurchase, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_EmitPurchase(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.EmitPurchase(&purchase.Purchase{
		ID:             "pur_1",
		BuyerAccountID: "acc_1",
		ListingID:      42,
		TotalMinor:     2000,
		Status:         purchase.StatusFulfilled,
	}, "fulfilled")

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants topups
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventTopup}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a purchase event (should be filtered out)
	h.Broadcast(&Event{Type: EventPurchase, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive purchase event")
	default:
		// Good - filtered out
	}

	// Send a topup event (should be received)
	h.Broadcast(&Event{Type: EventTopup, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive topup event")
	}
}
