package wire

// FrameType is the discriminator of a websocket text frame.
type FrameType string

const (
	FrameJoin         FrameType = "join"
	FrameLeave        FrameType = "leave"
	FramePong         FrameType = "pong"
	FramePing         FrameType = "ping"
	FrameNotification FrameType = "notification"
)

// Frame is the JSON envelope exchanged over the socket. Receivers ignore
// frames whose type they do not know.
type Frame struct {
	Type         FrameType `json:"type"`
	Room         string    `json:"room,omitempty"`
	Notification *Event    `json:"notification,omitempty"`
}

// Close codes sent by the relay. Codes in the 4000 range tell the client not
// to reconnect with the same credentials.
const (
	CloseSessionRevoked = 4001
	CloseUnauthorized   = 4003
)

// IsNoReconnectCode reports whether a close code forbids reconnecting.
func IsNoReconnectCode(code int) bool {
	return code == CloseSessionRevoked || code == CloseUnauthorized
}
