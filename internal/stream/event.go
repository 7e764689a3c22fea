package stream

import "encoding/json"

// EventType classifies a broker stream frame once it's been parsed, so
// every listener (the exec engine's TP-fill watcher, the copy engine's
// leader-fill watcher) switches on the same small vocabulary instead of
// each re-deriving it from the raw frame shape.
type EventType string

const (
	EventFill     EventType = "fill"
	EventOrder    EventType = "order"
	EventPosition EventType = "position"
	EventBalance  EventType = "balance"
	EventUnknown  EventType = "unknown"
)

// Event is the broker-agnostic shape every adapter's stream frames decode
// into. Brokers disagree on field names but agree closely enough on this
// shape that one envelope covers all three adapters' wire formats.
type Event struct {
	Type          EventType `json:"type"`
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	FillPrice     float64   `json:"fill_price"`
	ReduceOnly    bool      `json:"reduce_only"`
}

// ParseEvent decodes a raw stream frame into an Event. Every listener
// subscribed to the same connection calls this independently rather than
// the hub parsing once and fanning out a typed event, a deliberate
// simplification given the small (2-3) listener count per connection.
func ParseEvent(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	if ev.Type == "" {
		ev.Type = EventUnknown
	}
	return &ev, nil
}
