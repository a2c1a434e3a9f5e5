package ws

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"notification-relay/internal/auth"
	"notification-relay/internal/config"
	"notification-relay/internal/observability"
	"notification-relay/internal/telemetry"
	"notification-relay/pkg/wire"
)

// PresenceTracker records which users currently hold a live connection.
type PresenceTracker interface {
	Online(ctx context.Context, userID, connID string) error
	Offline(ctx context.Context, userID, connID string) error
	// Touch is called on every liveness response.
	Touch(ctx context.Context, userID, connID string) error
}

// Handler upgrades authenticated requests to notification connections.
type Handler struct {
	hub      *Hub
	authn    auth.Authenticator
	presence PresenceTracker
	audit    *telemetry.AuditEmitter
	cfg      config.WSConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewHandler(hub *Hub, authn auth.Authenticator, presence PresenceTracker, audit *telemetry.AuditEmitter, cfg config.WSConfig, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		authn:    authn,
		presence: presence,
		audit:    audit,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		logger: logger.With().Str("component", "ws").Logger(),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.Contains(allowed, origin) || slices.Contains(allowed, u.Host)
	}
}

// Handle authenticates the token, upgrades the connection and subscribes it
// to the caller's own notification rooms.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("notification-relay/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	meta := observability.ConnMetaFromRequest(c.Request)

	identity, err := h.authn.AuthenticateToken(ctx, tokenFromRequest(c))
	if err != nil {
		observability.IncWSEvent(wsKind, "handshake_rejected")
		h.audit.Emit(ctx, telemetry.AuditRecord{
			Level:     "WARN",
			Text:      "websocket handshake rejected: " + err.Error(),
			RequestID: meta.RequestID,
		})
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	span.SetAttributes(attribute.String("user.id", identity.UserID))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		Identity:    identity,
		Meta:        meta,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	// the request context ends when this handler returns
	connCtx := context.WithoutCancel(ctx)

	client := newClient(info, h.hub, conn, h.cfg, h.logger)
	client.onClose = func(cl *Client, reason string) {
		h.disconnected(connCtx, cl, reason)
	}
	client.onAlive = func(cl *Client) {
		pctx, cancel := context.WithTimeout(connCtx, 2*time.Second)
		defer cancel()
		if err := h.presence.Touch(pctx, cl.UserID(), cl.ID()); err != nil {
			h.logger.Warn().Err(err).Msg("presence refresh failed")
		}
	}
	h.hub.register(client)

	for _, room := range []string{wire.UserNotificationsRoom(identity.UserID), wire.OrderNotificationsRoom(identity.UserID)} {
		if err := h.hub.Join(connCtx, client, room); err != nil {
			h.logger.Warn().Err(err).Str("room", room).Msg("auto join failed")
		}
	}

	if err := h.presence.Online(connCtx, identity.UserID, info.ConnID); err != nil {
		h.logger.Warn().Err(err).Msg("presence update failed")
	}
	observability.IncWSActive(wsKind)
	publishLifecycle(connCtx, info, "ws_connect", "")

	client.run(connCtx)
}

func (h *Handler) disconnected(ctx context.Context, c *Client, reason string) {
	observability.DecWSActive(wsKind)
	publishLifecycle(ctx, c.info, "ws_disconnect", reason)

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.presence.Offline(pctx, c.UserID(), c.ID()); err != nil {
		h.logger.Warn().Err(err).Msg("presence update failed")
	}
}

func tokenFromRequest(c *gin.Context) string {
	if token, ok := auth.BearerToken(c.GetHeader("Authorization")); ok {
		return token
	}
	return c.Query("token")
}
