package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"notification-relay/internal/dispatch"
	"notification-relay/pkg/wire"
)

type NotificationRepositoryMock struct {
	mock.Mock
}

func (m *NotificationRepositoryMock) List(ctx context.Context, userID string, page, pageSize int) (wire.NotificationPage, error) {
	args := m.Called(ctx, userID, page, pageSize)
	var result wire.NotificationPage
	if val := args.Get(0); val != nil {
		result = val.(wire.NotificationPage)
	}
	return result, args.Error(1)
}

func (m *NotificationRepositoryMock) MarkRead(ctx context.Context, userID, id string) error {
	args := m.Called(ctx, userID, id)
	return args.Error(0)
}

func (m *NotificationRepositoryMock) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *NotificationRepositoryMock) Create(ctx context.Context, n wire.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

type OrderRepositoryMock struct {
	mock.Mock
}

func (m *OrderRepositoryMock) UserOwnsOrder(ctx context.Context, userID, orderID string) (bool, error) {
	args := m.Called(ctx, userID, orderID)
	return args.Bool(0), args.Error(1)
}

type DispatcherMock struct {
	mock.Mock
}

func (m *DispatcherMock) Dispatch(ctx context.Context, ev wire.Event) (dispatch.Result, error) {
	args := m.Called(ctx, ev)
	var result dispatch.Result
	if val := args.Get(0); val != nil {
		result = val.(dispatch.Result)
	}
	return result, args.Error(1)
}
