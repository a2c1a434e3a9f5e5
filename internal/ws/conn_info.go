package ws

import (
	"time"

	"notification-relay/internal/auth"
	"notification-relay/internal/observability"
)

type ConnInfo struct {
	ConnID      string
	Identity    auth.Identity
	Meta        observability.ConnMeta
	TraceID     string
	ConnectedAt time.Time
}

func (i ConnInfo) lifecycle(event, reason string) observability.WSLifecycle {
	var duration time.Duration
	if event != "ws_connect" {
		duration = time.Since(i.ConnectedAt)
	}
	return observability.WSLifecycle{
		Kind:     wsKind,
		Event:    event,
		ConnID:   i.ConnID,
		Duration: duration,
		Reason:   reason,
		Meta:     i.Meta,
		UserID:   i.Identity.UserID,
	}
}
