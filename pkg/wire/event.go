// Package wire holds the types shared by the relay and its clients: events,
// persisted notifications, room names and websocket frames.
package wire

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType enumerates the kinds of live updates the relay carries.
type EventType string

const (
	EventOrderUpdate    EventType = "order_update"
	EventDeliveryUpdate EventType = "delivery_update"
	EventPromotion      EventType = "promotion"
	EventChatMessage    EventType = "chat_message"
	EventSystem         EventType = "system"
)

// IsValid reports whether t is one of the known event types.
func (t EventType) IsValid() bool {
	switch t {
	case EventOrderUpdate, EventDeliveryUpdate, EventPromotion, EventChatMessage, EventSystem:
		return true
	default:
		return false
	}
}

// Payload is the type-specific body of an event or persisted notification.
type Payload struct {
	OrderID    string   `json:"order_id,omitempty"`
	Status     string   `json:"status,omitempty"`
	Amount     float64  `json:"amount,omitempty"`
	DriverName string   `json:"driver_name,omitempty"`
	ETAMinutes int      `json:"eta_minutes,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	Title      string   `json:"title,omitempty"`
	Message    string   `json:"message,omitempty"`
	MessageID  string   `json:"message_id,omitempty"`
	SenderID   string   `json:"sender_id,omitempty"`
}

// Value stores the payload as JSONB.
func (p Payload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan reads a JSONB payload column.
func (p *Payload) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = Payload{}
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("wire: cannot scan %T into Payload", src)
	}
}

// Event is the unit of live delivery. The relay never persists it.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type" validate:"required,event_type"`
	UserID         string    `json:"user_id,omitempty"`
	Room           string    `json:"room,omitempty"`
	Payload        Payload   `json:"payload"`
	CreatedAt      time.Time `json:"created_at"`
	NotificationID string    `json:"notification_id,omitempty"`
}

// Fingerprint identifies the domain fact an event describes, independent of
// when or how often it was delivered.
func (e Event) Fingerprint() string {
	return Fingerprint(e.Type, e.Payload)
}

// Fingerprint derives a content key from the type and the identifying payload
// fields. Order and delivery updates are identified by order and status, chat
// messages by message id when present, everything else by its text.
func Fingerprint(t EventType, p Payload) string {
	parts := []string{string(t)}
	switch t {
	case EventOrderUpdate, EventDeliveryUpdate:
		parts = append(parts, p.OrderID, p.Status)
	case EventChatMessage:
		if p.MessageID != "" {
			parts = append(parts, p.MessageID)
		} else {
			parts = append(parts, p.SenderID, p.Message)
		}
	default:
		parts = append(parts, p.OrderID, p.Title, p.Message)
	}
	return strings.Join(parts, "|")
}
