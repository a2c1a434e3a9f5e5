package ws

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"notification-relay/internal/auth"
	"notification-relay/internal/mocks"
	"notification-relay/pkg/wire"
)

func mustRoom(t *testing.T, name string) wire.Room {
	t.Helper()
	room, err := wire.ParseRoom(name)
	require.NoError(t, err)
	return room
}

func TestRoomAuthorizerOrderTracking(t *testing.T) {
	orders := new(mocks.OrderRepositoryMock)
	orders.On("UserOwnsOrder", mock.Anything, "u1", "O9").Return(true, nil).Once()
	orders.On("UserOwnsOrder", mock.Anything, "u1", "O10").Return(false, nil).Once()
	orders.On("UserOwnsOrder", mock.Anything, "u1", "O11").Return(false, errors.New("connection reset")).Once()

	a := NewRoomAuthorizer(orders)
	customer := auth.Identity{UserID: "u1", Roles: []string{auth.RoleCustomer}}
	ctx := context.Background()

	assert.NoError(t, a.AuthorizeJoin(ctx, customer, mustRoom(t, "order-tracking:O9")))

	var authErr *RoomAuthorizationError
	require.ErrorAs(t, a.AuthorizeJoin(ctx, customer, mustRoom(t, "order-tracking:O10")), &authErr)
	assert.Equal(t, "order belongs to another user", authErr.Reason)

	require.ErrorAs(t, a.AuthorizeJoin(ctx, customer, mustRoom(t, "order-tracking:O11")), &authErr)
	assert.Equal(t, "order ownership lookup failed", authErr.Reason)

	orders.AssertExpectations(t)
}

func TestRoomAuthorizerAdminSkipsOwnershipLookup(t *testing.T) {
	orders := new(mocks.OrderRepositoryMock)
	a := NewRoomAuthorizer(orders)
	admin := auth.Identity{UserID: "ops", Roles: []string{auth.RoleAdmin}}

	assert.NoError(t, a.AuthorizeJoin(context.Background(), admin, mustRoom(t, "order-tracking:O9")))
	assert.NoError(t, a.AuthorizeJoin(context.Background(), admin, mustRoom(t, wire.AdminBroadcastRoom)))
	orders.AssertNotCalled(t, "UserOwnsOrder", mock.Anything, mock.Anything, mock.Anything)
}

func TestRoomAuthorizerWithoutOrderStore(t *testing.T) {
	a := NewRoomAuthorizer(nil)
	customer := auth.Identity{UserID: "u1", Roles: []string{auth.RoleCustomer}}

	err := a.AuthorizeJoin(context.Background(), customer, mustRoom(t, "order-tracking:O9"))
	var authErr *RoomAuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.NoError(t, a.AuthorizeJoin(context.Background(), customer, mustRoom(t, "user-notifications:u1")))
}
