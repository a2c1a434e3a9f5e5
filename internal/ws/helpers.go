package ws

import (
	"context"

	"github.com/google/uuid"

	"notification-relay/internal/observability"
)

const (
	wsKind       = "notifications"
	wsRoutingKey = "ws_events.notifications"
)

func newConnID() string {
	return uuid.NewString()
}

func publishLifecycle(ctx context.Context, info ConnInfo, event, reason string) {
	observability.IncWSEvent(wsKind, event)
	headers := observability.BuildHeaders(info.Meta.RequestID, info.TraceID)
	_ = observability.PublishEvent(ctx, wsRoutingKey, info.lifecycle(event, reason).Envelope(), headers)
}
