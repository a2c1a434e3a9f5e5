package ws

import (
	"errors"
	"fmt"
)

var (
	// ErrConnClosed is returned by Send once the connection has been closed.
	ErrConnClosed = errors.New("connection closed")
	// ErrBufferFull is returned by Send when the outbound buffer has no room.
	ErrBufferFull = errors.New("outbound buffer full")
)

// RoomAuthorizationError is a join request for a room the caller may not
// subscribe to. The join is refused and the connection stays open.
type RoomAuthorizationError struct {
	UserID string
	Room   string
	Reason string
}

func (e *RoomAuthorizationError) Error() string {
	return fmt.Sprintf("user %s may not join %s: %s", e.UserID, e.Room, e.Reason)
}

// DeliveryFailure is a per-connection send failure during Publish. It never
// affects other members of the room.
type DeliveryFailure struct {
	ConnID string
	Room   string
	Err    error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("delivery to %s in %s failed: %v", e.ConnID, e.Room, e.Err)
}

func (e *DeliveryFailure) Unwrap() error {
	return e.Err
}
