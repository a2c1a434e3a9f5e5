package observability_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"notification-relay/internal/mocks"
	"notification-relay/internal/observability"
)

func TestPublishEventWithoutPublisher(t *testing.T) {
	observability.SetPublisher(nil)
	assert.NoError(t, observability.PublishEvent(context.Background(), "ws_events.notifications", nil, nil))
}

func TestPublishEventLifecycle(t *testing.T) {
	pub := new(mocks.PublisherMock)
	observability.SetPublisher(pub)
	t.Cleanup(func() { observability.SetPublisher(nil) })

	lifecycle := observability.WSLifecycle{
		Kind:     "notifications",
		Event:    "ws_disconnect",
		ConnID:   "c1",
		Duration: 1500 * time.Millisecond,
		Reason:   "liveness",
		UserID:   "u1",
		Meta:     observability.ConnMeta{DeviceID: "d1", IP: "10.0.0.1"},
	}
	headers := observability.BuildHeaders("req-1", "trace-1")

	pub.On("Publish", mock.Anything, "ws_events.notifications", mock.MatchedBy(func(env observability.EventEnvelope) bool {
		payload := env.Payload.(map[string]interface{})
		ws := payload["ws"].(map[string]interface{})
		identity := payload["identity"].(map[string]interface{})
		return env.EventType == "ws_events" &&
			env.EventName == "ws_disconnect" &&
			ws["duration_ms"] == int64(1500) &&
			ws["reason"] == "liveness" &&
			identity["user_id"] == "u1" &&
			identity["device_id"] == "d1"
	}), map[string]string{"x-request-id": "req-1", "trace_id": "trace-1"}).Return(nil).Once()

	assert.NoError(t, observability.PublishEvent(context.Background(), "ws_events.notifications", lifecycle.Envelope(), headers))
	pub.AssertExpectations(t)
}

func TestPublishEventReturnsPublisherError(t *testing.T) {
	pub := new(mocks.PublisherMock)
	observability.SetPublisher(pub)
	t.Cleanup(func() { observability.SetPublisher(nil) })

	pub.On("Publish", mock.Anything, "audit", mock.Anything, mock.Anything).Return(errors.New("channel closed")).Once()
	assert.Error(t, observability.PublishEvent(context.Background(), "audit", struct{}{}, nil))
}

func TestConnMetaFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("X-Request-ID", "req-7")
	req.Header.Set("X-Device-Id", "d9")
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	req.Header.Set("User-Agent", "relay-client")

	meta := observability.ConnMetaFromRequest(req)
	assert.Equal(t, "req-7", meta.RequestID)
	assert.Equal(t, "d9", meta.DeviceID)
	assert.Equal(t, "203.0.113.5", meta.IP)
	assert.Equal(t, "relay-client", meta.UserAgent)
}
