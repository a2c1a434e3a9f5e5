package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-relay/pkg/wire"
)

type recordingRooms struct {
	mu      sync.Mutex
	members map[string]int
	frames  map[string][]wire.Frame
}

func newRecordingRooms(members map[string]int) *recordingRooms {
	return &recordingRooms{members: members, frames: map[string][]wire.Frame{}}
}

func (r *recordingRooms) Publish(room string, frame wire.Frame) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.members[room]
	if n > 0 {
		r.frames[room] = append(r.frames[room], frame)
	}
	return n
}

func TestRooms(t *testing.T) {
	cases := []struct {
		name string
		ev   wire.Event
		want []string
	}{
		{"order", wire.Event{Type: wire.EventOrderUpdate, UserID: "u1"}, []string{"order-notifications:u1"}},
		{"delivery", wire.Event{Type: wire.EventDeliveryUpdate, UserID: "u1", Payload: wire.Payload{OrderID: "o9"}}, []string{"order-tracking:o9"}},
		{"chat", wire.Event{Type: wire.EventChatMessage, UserID: "u1"}, []string{"user-notifications:u1", "admin-broadcast"}},
		{"promotion", wire.Event{Type: wire.EventPromotion, UserID: "u1"}, []string{"user-notifications:u1"}},
		{"system user", wire.Event{Type: wire.EventSystem, UserID: "u1"}, []string{"user-notifications:u1"}},
		{"system global", wire.Event{Type: wire.EventSystem}, []string{"admin-broadcast"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Rooms(tc.ev))
		})
	}
}

func TestDispatchDeliversAndStamps(t *testing.T) {
	rooms := newRecordingRooms(map[string]int{"order-tracking:o9": 2})
	d := NewDispatcher(rooms, zerolog.Nop())

	res, err := d.Dispatch(context.Background(), wire.Event{
		Type:    wire.EventDeliveryUpdate,
		UserID:  "u1",
		Payload: wire.Payload{OrderID: "o9", DriverName: "Sam", ETAMinutes: 7},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.EventID)
	assert.Equal(t, []string{"order-tracking:o9"}, res.Rooms)
	assert.Equal(t, 2, res.Delivered)

	frames := rooms.frames["order-tracking:o9"]
	require.Len(t, frames, 1)
	assert.Equal(t, wire.FrameNotification, frames[0].Type)
	require.NotNil(t, frames[0].Notification)
	assert.Equal(t, res.EventID, frames[0].Notification.ID)
	assert.Equal(t, "order-tracking:o9", frames[0].Notification.Room)
	assert.False(t, frames[0].Notification.CreatedAt.IsZero())
}

func TestDispatchKeepsProducerID(t *testing.T) {
	d := NewDispatcher(newRecordingRooms(nil), zerolog.Nop())
	res, err := d.Dispatch(context.Background(), wire.Event{ID: "evt-1", Type: wire.EventPromotion, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "evt-1", res.EventID)
}

func TestDispatchWithoutSubscribersIsNotAnError(t *testing.T) {
	d := NewDispatcher(newRecordingRooms(nil), zerolog.Nop())
	res, err := d.Dispatch(context.Background(), wire.Event{Type: wire.EventOrderUpdate, UserID: "u1"})
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)
}

func TestDispatchValidation(t *testing.T) {
	d := NewDispatcher(newRecordingRooms(nil), zerolog.Nop())
	bad := map[string]wire.Event{
		"missing type":        {UserID: "u1"},
		"unknown type":        {Type: "coupon", UserID: "u1"},
		"order without user":  {Type: wire.EventOrderUpdate},
		"delivery sans order": {Type: wire.EventDeliveryUpdate, UserID: "u1"},
		"user with colon":     {Type: wire.EventPromotion, UserID: "u:1"},
	}
	for name, ev := range bad {
		_, err := d.Dispatch(context.Background(), ev)
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, name)
	}
}

func TestDispatchConcurrent(t *testing.T) {
	rooms := newRecordingRooms(map[string]int{"user-notifications:u1": 1, "admin-broadcast": 1})
	d := NewDispatcher(rooms, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), wire.Event{Type: wire.EventChatMessage, UserID: "u1", Payload: wire.Payload{Message: "hi"}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, rooms.frames["user-notifications:u1"], 50)
	assert.Len(t, rooms.frames["admin-broadcast"], 50)
}
