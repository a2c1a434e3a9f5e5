package relayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"notification-relay/pkg/wire"
)

// Conn is one live relay connection.
type Conn interface {
	// ReadFrame blocks for the next frame the client understands.
	ReadFrame() (wire.Frame, error)
	WriteFrame(frame wire.Frame) error
	Close() error
}

// Dialer opens relay connections.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// HandshakeError is returned when the relay answers the upgrade request
// with an HTTP status instead of switching protocols.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("relay handshake failed with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Unauthorized reports whether the relay rejected the token.
func (e *HandshakeError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// WSDialer dials the relay websocket endpoint, sending the token as a
// bearer header.
type WSDialer struct {
	URL string
	// ReadTimeout should exceed the relay ping interval.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Header       http.Header
	Dialer       *websocket.Dialer
}

func NewWSDialer(url string) *WSDialer {
	return &WSDialer{
		URL:          url,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		Dialer:       websocket.DefaultDialer,
	}
}

func (d *WSDialer) Dial(ctx context.Context, token string) (Conn, error) {
	header := d.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Authorization", "Bearer "+token)

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, errors.Wrap(err, "dial relay")
	}
	return &wsConn{conn: conn, readTimeout: d.ReadTimeout, writeTimeout: d.WriteTimeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
	wmu          sync.Mutex
}

func (c *wsConn) ReadFrame() (wire.Frame, error) {
	for {
		if c.readTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return wire.Frame{}, err
		}
		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case wire.FramePing, wire.FrameNotification:
			return frame, nil
		}
	}
}

func (c *wsConn) WriteFrame(frame wire.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(frame)
}

func (c *wsConn) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.conn.Close()
}

// closeCode extracts the websocket close code carried by err.
func closeCode(err error) (int, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}
