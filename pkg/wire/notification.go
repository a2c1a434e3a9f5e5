package wire

import "time"

// Notification is a persisted notification row as served by the REST API.
type Notification struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Type      EventType `db:"type" json:"type"`
	Payload   Payload   `db:"payload" json:"payload"`
	Read      bool      `db:"is_read" json:"read"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Fingerprint matches Event.Fingerprint for the same domain fact.
func (n Notification) Fingerprint() string {
	return Fingerprint(n.Type, n.Payload)
}

// NotificationPage is one page of a user's persisted notifications.
type NotificationPage struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unread_count"`
	Page          int            `json:"page"`
	PageSize      int            `json:"page_size"`
}
