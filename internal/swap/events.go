package swap

import (
	"encoding/json"
	"time"

	"github.com/Klingon-tech/klingswap/internal/boltz"
	"github.com/Klingon-tech/klingswap/internal/storage"
)

// EventType names what happened in a SwapEvent.
type EventType string

const (
	EventCreated        EventType = "created"
	EventStatus         EventType = "status"
	EventStateChanged   EventType = "state_changed"
	EventClaimBroadcast EventType = "claim_broadcast"
	EventClaimSigned    EventType = "claim_signed"
	EventCoopFailed     EventType = "cooperative_failed"
	EventPayment        EventType = "payment"
)

// SwapEvent represents an event in a swap's lifecycle.
type SwapEvent struct {
	SwapID    string
	Kind      Kind
	Type      EventType
	State     State
	Status    boltz.Status
	Data      map[string]string
	Timestamp time.Time
}

// EventHandler receives swap events. Handlers run on the session goroutine
// in event order and must not block.
type EventHandler func(SwapEvent)

func (e SwapEvent) journalRecord() *storage.EventRecord {
	var data string
	if len(e.Data) > 0 {
		if raw, err := json.Marshal(e.Data); err == nil {
			data = string(raw)
		}
	}
	return &storage.EventRecord{
		SwapID:    e.SwapID,
		EventType: string(e.Type),
		State:     string(e.State),
		Status:    string(e.Status),
		Data:      data,
		CreatedAt: e.Timestamp,
	}
}
