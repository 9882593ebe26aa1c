package realtime

import (
	"encoding/json"
	"time"

	"github.com/mbd888/canopy/internal/purchase"
	"github.com/mbd888/canopy/internal/topup"
)

// EmitPurchase broadcasts a purchase lifecycle transition. Satisfies
// the orchestrator's Emitter interface.
func (h *Hub) EmitPurchase(p *purchase.Purchase, lifecycle string) {
	h.Broadcast(&Event{
		Type:      EventPurchase,
		Lifecycle: lifecycle,
		Timestamp: time.Now().UTC(),
		Data:      toMap(p),
	})
}

// EmitTopup broadcasts a top-up lifecycle transition.
func (h *Hub) EmitTopup(t *topup.Topup, lifecycle string) {
	h.Broadcast(&Event{
		Type:      EventTopup,
		Lifecycle: lifecycle,
		Timestamp: time.Now().UTC(),
		Data:      toMap(t),
	})
}

// toMap flattens a domain struct through its JSON form so subscription
// filters can inspect fields generically.
func toMap(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
