// Package dispatch routes domain events to the rooms that should see them.
package dispatch

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"notification-relay/internal/observability"
	"notification-relay/pkg/wire"
)

// RoomPublisher delivers a frame to every current member of a room and
// returns how many members accepted it.
type RoomPublisher interface {
	Publish(room string, frame wire.Frame) int
}

// Result describes one dispatched event.
type Result struct {
	EventID   string   `json:"event_id"`
	Rooms     []string `json:"rooms"`
	Delivered int      `json:"delivered"`
}

// ValidationError wraps a rejected event.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "invalid event: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

type Dispatcher struct {
	rooms    RoomPublisher
	validate *validator.Validate
	logger   zerolog.Logger
	now      func() time.Time
}

func NewDispatcher(rooms RoomPublisher, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		rooms:    rooms,
		validate: NewValidator(),
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		now:      time.Now,
	}
}

// NewValidator returns a validator that knows the event_type tag and the
// per-type payload requirements of wire.Event.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
		return wire.EventType(fl.Field().String()).IsValid()
	})
	v.RegisterStructValidation(validateEvent, wire.Event{})
	return v
}

func validateEvent(sl validator.StructLevel) {
	ev := sl.Current().Interface().(wire.Event)
	switch ev.Type {
	case wire.EventOrderUpdate, wire.EventChatMessage, wire.EventPromotion:
		if ev.UserID == "" {
			sl.ReportError(ev.UserID, "UserID", "user_id", "required_for_type", string(ev.Type))
		}
	case wire.EventDeliveryUpdate:
		if ev.Payload.OrderID == "" {
			sl.ReportError(ev.Payload.OrderID, "OrderID", "order_id", "required_for_type", string(ev.Type))
		}
	}
	if ev.UserID != "" && !validID(ev.UserID) {
		sl.ReportError(ev.UserID, "UserID", "user_id", "room_id", "")
	}
	if ev.Payload.OrderID != "" && !validID(ev.Payload.OrderID) {
		sl.ReportError(ev.Payload.OrderID, "OrderID", "order_id", "room_id", "")
	}
}

// validID reports whether id can be embedded in a room name.
func validID(id string) bool {
	_, err := wire.ParseRoom(wire.UserNotificationsRoom(id))
	return err == nil
}

// Rooms returns the rooms an event is routed to.
func Rooms(ev wire.Event) []string {
	switch ev.Type {
	case wire.EventOrderUpdate:
		return []string{wire.OrderNotificationsRoom(ev.UserID)}
	case wire.EventDeliveryUpdate:
		return []string{wire.OrderTrackingRoom(ev.Payload.OrderID)}
	case wire.EventChatMessage:
		return []string{wire.UserNotificationsRoom(ev.UserID), wire.AdminBroadcastRoom}
	case wire.EventPromotion:
		return []string{wire.UserNotificationsRoom(ev.UserID)}
	case wire.EventSystem:
		if ev.UserID != "" {
			return []string{wire.UserNotificationsRoom(ev.UserID)}
		}
		return []string{wire.AdminBroadcastRoom}
	default:
		return nil
	}
}

// Dispatch validates ev, stamps its id and timestamp when absent, and hands it
// to every target room. Rooms without members drop the event. Dispatch never
// blocks on a slow connection and is safe for concurrent use.
func (d *Dispatcher) Dispatch(ctx context.Context, ev wire.Event) (Result, error) {
	if err := d.validate.StructCtx(ctx, ev); err != nil {
		observability.IncDispatch(string(ev.Type), "invalid")
		return Result{}, &ValidationError{Err: errors.WithStack(err)}
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = d.now().UTC()
	}

	res := Result{EventID: ev.ID, Rooms: Rooms(ev)}
	for _, room := range res.Rooms {
		routed := ev
		routed.Room = room
		res.Delivered += d.rooms.Publish(room, wire.Frame{Type: wire.FrameNotification, Notification: &routed})
	}

	outcome := "delivered"
	if res.Delivered == 0 {
		outcome = "no_subscribers"
	}
	observability.IncDispatch(string(ev.Type), outcome)
	d.logger.Debug().
		Str("event_id", ev.ID).
		Str("type", string(ev.Type)).
		Strs("rooms", res.Rooms).
		Int("delivered", res.Delivered).
		Msg("event dispatched")
	return res, nil
}
