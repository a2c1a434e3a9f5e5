package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"notification-relay/internal/auth"
	"notification-relay/internal/dispatch"
	"notification-relay/internal/middleware"
	"notification-relay/internal/mocks"
	"notification-relay/internal/ws"
	"notification-relay/pkg/wire"
)

type revokerStub struct {
	userID string
	code   int
}

func (r *revokerStub) DisconnectUser(userID string, code int, _ string) int {
	r.userID = userID
	r.code = code
	return 2
}

func setupInternalRouter(handler *InternalHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		middleware.SetIdentity(c, auth.Identity{UserID: "orders-service", Roles: []string{auth.RoleService}})
		c.Next()
	})
	r.POST("/internal/events", handler.PublishEvent)
	r.DELETE("/internal/sessions/:user_id", handler.RevokeSessions)
	return r
}

func postEvent(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestPublishEventDispatches(t *testing.T) {
	dispatcher := new(mocks.DispatcherMock)
	repo := new(mocks.NotificationRepositoryMock)
	router := setupInternalRouter(NewInternalHandler(dispatcher, repo, nil, nil))

	dispatcher.On("Dispatch", mock.Anything, mock.MatchedBy(func(ev wire.Event) bool {
		return ev.Type == wire.EventDeliveryUpdate && ev.Payload.OrderID == "O9" && ev.NotificationID == ""
	})).Return(dispatch.Result{EventID: "e1", Rooms: []string{"order-tracking:O9"}, Delivered: 1}, nil).Once()

	rec := postEvent(router, "/internal/events", `{"type":"delivery_update","user_id":"u1","payload":{"order_id":"O9","eta_minutes":5}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "e1", resp["event_id"])
	assert.EqualValues(t, 1, resp["delivered"])
	dispatcher.AssertExpectations(t)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestPublishEventPersistsFirst(t *testing.T) {
	dispatcher := new(mocks.DispatcherMock)
	repo := new(mocks.NotificationRepositoryMock)
	router := setupInternalRouter(NewInternalHandler(dispatcher, repo, nil, nil))

	var storedID string
	repo.On("Create", mock.Anything, mock.MatchedBy(func(n wire.Notification) bool {
		storedID = n.ID
		return n.UserID == "u1" && n.Type == wire.EventOrderUpdate && n.Payload.Status == "preparing" && !n.Read
	})).Return(nil).Once()
	dispatcher.On("Dispatch", mock.Anything, mock.MatchedBy(func(ev wire.Event) bool {
		return ev.NotificationID != "" && ev.NotificationID == storedID
	})).Return(dispatch.Result{EventID: "e2", Rooms: []string{"order-notifications:u1"}}, nil).Once()

	rec := postEvent(router, "/internal/events?persist=true", `{"type":"order_update","user_id":"u1","payload":{"order_id":"O123","status":"preparing"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, storedID, resp["notification_id"])
	repo.AssertExpectations(t)
	dispatcher.AssertExpectations(t)
}

func TestPublishEventRejectsInvalid(t *testing.T) {
	dispatcher := new(mocks.DispatcherMock)
	repo := new(mocks.NotificationRepositoryMock)
	router := setupInternalRouter(NewInternalHandler(dispatcher, repo, nil, nil))

	assert.Equal(t, http.StatusBadRequest, postEvent(router, "/internal/events", `{"type":"coupon","user_id":"u1"}`).Code)
	assert.Equal(t, http.StatusBadRequest, postEvent(router, "/internal/events", `{"type":"order_update"}`).Code)
	assert.Equal(t, http.StatusBadRequest, postEvent(router, "/internal/events?persist=true", `{"type":"system"}`).Code)
	assert.Equal(t, http.StatusBadRequest, postEvent(router, "/internal/events", `{`).Code)
	dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestPublishEventStoreFailure(t *testing.T) {
	dispatcher := new(mocks.DispatcherMock)
	repo := new(mocks.NotificationRepositoryMock)
	router := setupInternalRouter(NewInternalHandler(dispatcher, repo, nil, nil))

	repo.On("Create", mock.Anything, mock.Anything).Return(assert.AnError).Once()

	rec := postEvent(router, "/internal/events?persist=1", `{"type":"promotion","user_id":"u1","payload":{"title":"Free delivery"}}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestRevokeSessions(t *testing.T) {
	revoker := &revokerStub{}
	router := setupInternalRouter(NewInternalHandler(nil, nil, revoker, nil))

	req := httptest.NewRequest(http.MethodDelete, "/internal/sessions/u1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", revoker.userID)
	assert.Equal(t, wire.CloseSessionRevoked, revoker.code)
}

func TestDebugRooms(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, nil, statsStub{}, presenceStub{"u1": 2}, true)

	rec := serve(r, http.MethodGet, "/debug/rooms")
	require.Equal(t, http.StatusOK, rec.Code)
	var st ws.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, 2, st.Rooms)

	rec = serve(r, http.MethodGet, "/debug/connections")
	require.Equal(t, http.StatusOK, rec.Code)
	var clients []ws.ClientStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&clients))
	require.Len(t, clients, 1)
	assert.Equal(t, "c1", clients[0].ConnID)
	assert.True(t, clients[0].LastPong.Equal(statsPong))

	rec = serve(r, http.MethodGet, "/debug/presence/u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"u1","connections":2}`, rec.Body.String())
	assert.Equal(t, http.StatusBadGateway, serve(r, http.MethodGet, "/debug/presence/u9").Code)

	assert.Equal(t, http.StatusServiceUnavailable, serve(r, http.MethodGet, "/debug/audit-test").Code)
}

func TestDebugRoutesDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, nil, statsStub{}, presenceStub{}, false)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/debug/rooms").Code)
}

type statsStub struct{}

var statsPong = time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

func (statsStub) Clients() []ws.ClientStats {
	return []ws.ClientStats{{
		ConnID:      "c1",
		UserID:      "u1",
		Rooms:       []string{"order-notifications:u1", "user-notifications:u1"},
		ConnectedAt: statsPong.Add(-time.Minute),
		LastPong:    statsPong,
	}}
}

type presenceStub map[string]int64

func (p presenceStub) Connections(_ context.Context, userID string) (int64, error) {
	n, ok := p[userID]
	if !ok {
		return 0, errors.New("redis: connection refused")
	}
	return n, nil
}

func (statsStub) Stats() ws.Stats {
	return ws.Stats{Rooms: 2, Connections: 1, Members: map[string]int{"user-notifications:u1": 1, "order-notifications:u1": 1}}
}
