package wire

import (
	"errors"
	"strings"
)

// RoomKind is the prefix of a room name.
type RoomKind string

const (
	RoomUserNotifications  RoomKind = "user-notifications"
	RoomOrderTracking      RoomKind = "order-tracking"
	RoomOrderNotifications RoomKind = "order-notifications"
	RoomAdminBroadcast     RoomKind = "admin-broadcast"
)

// AdminBroadcastRoom is the single global room for admin consoles.
const AdminBroadcastRoom = string(RoomAdminBroadcast)

// ErrInvalidRoom is returned for names outside the fixed room taxonomy.
var ErrInvalidRoom = errors.New("invalid room name")

// Room is a parsed room name.
type Room struct {
	Kind RoomKind
	// ID is the user id or order id; empty for admin-broadcast.
	ID string
}

func (r Room) String() string {
	if r.Kind == RoomAdminBroadcast {
		return AdminBroadcastRoom
	}
	return string(r.Kind) + ":" + r.ID
}

func UserNotificationsRoom(userID string) string {
	return Room{Kind: RoomUserNotifications, ID: userID}.String()
}

func OrderNotificationsRoom(userID string) string {
	return Room{Kind: RoomOrderNotifications, ID: userID}.String()
}

func OrderTrackingRoom(orderID string) string {
	return Room{Kind: RoomOrderTracking, ID: orderID}.String()
}

// ParseRoom validates name against the room taxonomy.
func ParseRoom(name string) (Room, error) {
	if name == AdminBroadcastRoom {
		return Room{Kind: RoomAdminBroadcast}, nil
	}
	kind, id, ok := strings.Cut(name, ":")
	if !ok || id == "" || strings.ContainsAny(id, ": \t\n") {
		return Room{}, ErrInvalidRoom
	}
	switch RoomKind(kind) {
	case RoomUserNotifications, RoomOrderTracking, RoomOrderNotifications:
		return Room{Kind: RoomKind(kind), ID: id}, nil
	default:
		return Room{}, ErrInvalidRoom
	}
}
