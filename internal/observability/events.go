package observability

import "time"

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// WSLifecycle is one connection lifecycle transition: ws_connect,
// ws_disconnect or ws_error.
type WSLifecycle struct {
	Kind     string
	Event    string
	ConnID   string
	Duration time.Duration
	Reason   string
	Meta     ConnMeta
	UserID   string
}

// Envelope renders the transition in the ws_events envelope format.
func (l WSLifecycle) Envelope() EventEnvelope {
	return EventEnvelope{
		EventType: "ws_events",
		EventName: l.Event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        l.Kind,
				"event":       l.Event,
				"conn_id":     l.ConnID,
				"duration_ms": l.Duration.Milliseconds(),
				"reason":      l.Reason,
			},
			"identity": map[string]interface{}{
				"user_id":   l.UserID,
				"device_id": l.Meta.DeviceID,
				"ip":        l.Meta.IP,
			},
		},
	}
}
