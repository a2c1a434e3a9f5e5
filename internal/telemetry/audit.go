package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"notification-relay/internal/observability"
)

// AuditEmitter publishes audit_log envelopes for security relevant decisions:
// rejected handshakes and refused room joins.
type AuditEmitter struct {
	publisher   observability.Publisher
	routingKey  string
	service     string
	environment string
	logger      zerolog.Logger
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level string `json:"level"`
	Text  string `json:"text"`
	Room  string `json:"room,omitempty"`
}

func NewAuditEmitter(publisher observability.Publisher, routingKey, service, environment string, logger zerolog.Logger) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		logger:      logger.With().Str("component", "audit").Logger(),
	}
}

// AuditRecord is one audit entry before it is wrapped in an envelope.
type AuditRecord struct {
	Level     string
	Text      string
	RequestID string
	UserID    string
	Room      string
}

func (e *AuditEmitter) Emit(ctx context.Context, rec AuditRecord) {
	if e == nil || e.publisher == nil {
		return
	}

	var userID *string
	if rec.UserID != "" {
		userID = &rec.UserID
	}

	e.logger.Info().
		Str("level", rec.Level).
		Str("request_id", rec.RequestID).
		Str("user_id", rec.UserID).
		Str("room", rec.Room).
		Msg(rec.Text)

	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     rec.RequestID,
		UserID:        userID,
		Payload: AuditPayload{
			Level: rec.Level,
			Text:  rec.Text,
			Room:  rec.Room,
		},
	}

	headers := observability.BuildHeaders(rec.RequestID, "")
	if err := e.publisher.Publish(ctx, e.routingKey, envelope, headers); err != nil {
		e.logger.Error().Err(err).Msg("audit publish failed")
	}
}
