package notifyapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"notification-relay/internal/auth"
	"notification-relay/internal/handlers"
	"notification-relay/internal/middleware"
	"notification-relay/internal/mocks"
	"notification-relay/internal/repositories"
	"notification-relay/pkg/wire"
)

type tokenAuth map[string]auth.Identity

func (a tokenAuth) AuthenticateToken(_ context.Context, token string) (auth.Identity, error) {
	if id, ok := a[token]; ok {
		return id, nil
	}
	return auth.Identity{}, &auth.AuthError{Reason: "unknown token"}
}

func newAPI(t *testing.T, repo *mocks.NotificationRepositoryMock) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := handlers.NewNotificationHandler(repo)
	r := gin.New()
	g := r.Group("/notifications", middleware.AuthMiddleware(tokenAuth{"t1": {UserID: "u1"}}))
	g.GET("", h.List)
	g.PATCH("/read-all", h.MarkAllRead)
	g.PATCH("/:id/read", h.MarkRead)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestGetPersistedNotifications(t *testing.T) {
	repo := new(mocks.NotificationRepositoryMock)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.On("List", mock.Anything, "u1", 1, 20).Return(wire.NotificationPage{
		Notifications: []wire.Notification{{
			ID: "n1", UserID: "u1", Type: wire.EventOrderUpdate,
			Payload: wire.Payload{OrderID: "O1", Status: "paid"}, CreatedAt: created,
		}},
		UnreadCount: 1,
		Page:        1,
		PageSize:    20,
	}, nil).Once()

	c := New(newAPI(t, repo), "t1")
	page, err := c.GetPersistedNotifications(context.Background(), "u1", 1, 20)
	require.NoError(t, err)

	require.Len(t, page.Notifications, 1)
	assert.Equal(t, "n1", page.Notifications[0].ID)
	assert.Equal(t, "O1", page.Notifications[0].Payload.OrderID)
	assert.True(t, created.Equal(page.Notifications[0].CreatedAt))
	assert.Equal(t, 1, page.UnreadCount)
	repo.AssertExpectations(t)
}

func TestMarkRead(t *testing.T) {
	repo := new(mocks.NotificationRepositoryMock)
	repo.On("MarkRead", mock.Anything, "u1", "n1").Return(nil).Once()
	repo.On("MarkRead", mock.Anything, "u1", "gone").Return(repositories.ErrNotificationNotFound).Once()
	repo.On("MarkAllRead", mock.Anything, "u1").Return(int64(3), nil).Once()

	c := New(newAPI(t, repo), "t1")
	require.NoError(t, c.MarkNotificationRead(context.Background(), "n1"))

	err := c.MarkNotificationRead(context.Background(), "gone")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)

	require.NoError(t, c.MarkAllNotificationsRead(context.Background(), "u1"))
	repo.AssertExpectations(t)
}

func TestInvalidTokenIsStatusError(t *testing.T) {
	repo := new(mocks.NotificationRepositoryMock)
	c := New(newAPI(t, repo), "expired")

	_, err := c.GetPersistedNotifications(context.Background(), "u1", 1, 20)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Equal(t, "invalid token", statusErr.Message)
	repo.AssertNotCalled(t, "List")
}
