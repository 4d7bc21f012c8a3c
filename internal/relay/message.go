package relay

import "time"

// Message is the envelope buffered for upstream delivery. Seq is scoped per
// plugin and strictly increasing; a gap observed downstream means messages
// were dropped here and counted, never silently lost.
type Message struct {
	ID      string    `json:"id"`
	Plugin  string    `json:"plugin"`
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
	Payload []byte    `json:"payload"`
}

// InboundCommand is a command received from the upstream coordinator,
// destined for the controller.
type InboundCommand struct {
	Plugin       string `json:"plugin"`
	Action       string `json:"action"`
	GraceSeconds int    `json:"grace_seconds,omitempty"`
}
