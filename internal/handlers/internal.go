package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"notification-relay/internal/dispatch"
	"notification-relay/internal/repositories"
	"notification-relay/internal/telemetry"
	"notification-relay/pkg/wire"
)

// Dispatcher pushes a domain event to its rooms.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev wire.Event) (dispatch.Result, error)
}

// SessionRevoker closes every live connection of a user.
type SessionRevoker interface {
	DisconnectUser(userID string, code int, reason string) int
}

// InternalHandler serves the endpoints backend services call. They sit
// behind service or admin tokens.
type InternalHandler struct {
	dispatcher    Dispatcher
	notifications repositories.NotificationRepository
	sessions      SessionRevoker
	audit         *telemetry.AuditEmitter
	validate      *validator.Validate
}

func NewInternalHandler(dispatcher Dispatcher, notifications repositories.NotificationRepository, sessions SessionRevoker, audit *telemetry.AuditEmitter) *InternalHandler {
	return &InternalHandler{
		dispatcher:    dispatcher,
		notifications: notifications,
		sessions:      sessions,
		audit:         audit,
		validate:      dispatch.NewValidator(),
	}
}

// PublishEvent dispatches one event. With ?persist=true the event is first
// stored as a notification so that clients that are offline see it on their
// next poll, and the live frame carries the stored id.
func (h *InternalHandler) PublishEvent(c *gin.Context) {
	var ev wire.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.validate.StructCtx(c.Request.Context(), ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	persist, _ := strconv.ParseBool(c.Query("persist"))
	if persist {
		if h.notifications == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notification store not configured"})
			return
		}
		if ev.UserID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "persist requires user_id"})
			return
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now().UTC()
		}
		n := wire.Notification{
			ID:        uuid.NewString(),
			UserID:    ev.UserID,
			Type:      ev.Type,
			Payload:   ev.Payload,
			CreatedAt: ev.CreatedAt,
		}
		if err := h.notifications.Create(c.Request.Context(), n); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store notification"})
			return
		}
		ev.NotificationID = n.ID
	}

	res, err := h.dispatcher.Dispatch(c.Request.Context(), ev)
	var verr *dispatch.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to dispatch event"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id":        res.EventID,
		"rooms":           res.Rooms,
		"delivered":       res.Delivered,
		"notification_id": ev.NotificationID,
	})
}

// RevokeSessions closes the user's live connections with the session revoked
// close code so that clients stop reconnecting.
func (h *InternalHandler) RevokeSessions(c *gin.Context) {
	userID := c.Param("user_id")
	closed := h.sessions.DisconnectUser(userID, wire.CloseSessionRevoked, "session revoked")

	h.audit.Emit(c.Request.Context(), telemetry.AuditRecord{
		Level:     "INFO",
		Text:      "sessions revoked by " + userIDFromContext(c),
		RequestID: requestIDFromContext(c),
		UserID:    userID,
	})
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}
