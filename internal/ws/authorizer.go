package ws

import (
	"context"

	"notification-relay/internal/auth"
	"notification-relay/pkg/wire"
)

// Authorizer decides whether identity may subscribe to room.
type Authorizer interface {
	AuthorizeJoin(ctx context.Context, identity auth.Identity, room wire.Room) error
}

// OrderOwnership answers whether an order belongs to a user.
type OrderOwnership interface {
	UserOwnsOrder(ctx context.Context, userID, orderID string) (bool, error)
}

// RoomAuthorizer enforces the room taxonomy rules: per-user rooms belong to
// their user, order tracking needs order ownership, admins may join anything.
type RoomAuthorizer struct {
	orders OrderOwnership
}

func NewRoomAuthorizer(orders OrderOwnership) *RoomAuthorizer {
	return &RoomAuthorizer{orders: orders}
}

func (a *RoomAuthorizer) AuthorizeJoin(ctx context.Context, identity auth.Identity, room wire.Room) error {
	if identity.IsAdmin() {
		return nil
	}

	refuse := func(reason string) error {
		return &RoomAuthorizationError{UserID: identity.UserID, Room: room.String(), Reason: reason}
	}

	switch room.Kind {
	case wire.RoomUserNotifications, wire.RoomOrderNotifications:
		if room.ID != identity.UserID {
			return refuse("room belongs to another user")
		}
		return nil
	case wire.RoomOrderTracking:
		if a.orders == nil {
			return refuse("order ownership unavailable")
		}
		owns, err := a.orders.UserOwnsOrder(ctx, identity.UserID, room.ID)
		if err != nil {
			return refuse("order ownership lookup failed")
		}
		if !owns {
			return refuse("order belongs to another user")
		}
		return nil
	case wire.RoomAdminBroadcast:
		return refuse("admin only")
	default:
		return refuse("unknown room")
	}
}
