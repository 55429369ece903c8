// Package events contains the messages pushed to admin WebSocket clients.
package events

import (
	"time"

	"amposlicense/pkg/contracts/domain"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	MessageTypeConnect          MessageType = "connect"
	MessageTypeIncident         MessageType = "incident:new"
	MessageTypeLicenseSuspended MessageType = "license:suspended"
)

// Message is the envelope of every WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// IncidentEvent is published for each stored security incident
type IncidentEvent struct {
	Incident         domain.Incident `json:"incident"`
	LicenseSuspended bool            `json:"license_suspended"`
}

// NewMessage stamps a message with the current time
func NewMessage(t MessageType, data interface{}) Message {
	return Message{Type: t, Timestamp: time.Now().UTC(), Data: data}
}
