package realtime

import "encoding/json"

// Nombres de eventos del canal en vivo.
const (
	EventConnected       = "connected"
	EventMessageReceived = "messageReceived"
	EventMessageSent     = "messageSent"
	EventAck             = "ack"
	EventPong            = "pong"
	EventSessionReplaced = "sessionReplaced"
	EventError           = "error"

	EventSendMessage = "sendMessage"
	EventPing        = "ping"
)

// Event es un frame saliente hacia el cliente.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// InboundEvent es un frame recibido del cliente; Data se decodifica según Name.
type InboundEvent struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}
