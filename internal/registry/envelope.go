// ABOUTME: Outbound envelope types sent over live connections
// ABOUTME: Defines the closed set of notification types and the Envelope shape

package registry

import "time"

// Envelope type constants. This is a closed set: connections only ever
// receive one of these types.
const (
	TypeConnected       = "connected"
	TypeEscalation      = "escalation"
	TypeTakeoverSuccess = "takeover_success"
	TypeBotMessage      = "bot_message"
	TypePong            = "pong"
	TypeError           = "error"
)

// PingFrame is the only inbound frame type a connection may send
// spontaneously; it elicits a pong and nothing else.
const PingFrame = "ping"

// Envelope is the tagged unit of outbound real-time notification.
// Envelopes are fire-and-forget: no acknowledgement or redelivery.
type Envelope struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEnvelope creates an envelope stamped with the current time.
func NewEnvelope(envType string, payload map[string]any) *Envelope {
	return &Envelope{
		Type:      envType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
