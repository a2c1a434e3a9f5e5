package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"notification-relay/internal/config"
	"notification-relay/pkg/wire"
)

var pingFrame = mustMarshal(wire.Frame{Type: wire.FramePing})

func mustMarshal(f wire.Frame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		panic(err)
	}
	return b
}

// Client is one authenticated websocket connection. Outbound frames go
// through a bounded buffer drained by the write loop; Send never blocks.
type Client struct {
	info   ConnInfo
	hub    *Hub
	conn   *websocket.Conn
	cfg    config.WSConfig
	logger zerolog.Logger

	send  chan []byte
	done  chan struct{}
	probe chan struct{}

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool

	closeOnce sync.Once
	missed    atomic.Int32
	lastPong  atomic.Int64

	// onClose runs once, after the client has left every room.
	onClose func(c *Client, reason string)
	// onAlive runs on the read loop after every liveness response.
	onAlive func(c *Client)
}

func newClient(info ConnInfo, hub *Hub, conn *websocket.Conn, cfg config.WSConfig, logger zerolog.Logger) *Client {
	c := &Client{
		info:   info,
		hub:    hub,
		conn:   conn,
		cfg:    cfg,
		logger: logger.With().Str("conn_id", info.ConnID).Str("user_id", info.Identity.UserID).Logger(),
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
		probe:  make(chan struct{}, 1),
		rooms:  make(map[string]struct{}),
	}
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

func (c *Client) ID() string {
	return c.info.ConnID
}

func (c *Client) UserID() string {
	return c.info.Identity.UserID
}

func (c *Client) Info() ConnInfo {
	return c.info
}

// Rooms returns the rooms the client is currently a member of.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// Closed reports whether Close has started.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastPong is the time of the last liveness response.
func (c *Client) LastPong() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

// Send queues frame for this connection only. It returns ErrConnClosed after
// Close and ErrBufferFull when the client is not keeping up.
func (c *Client) Send(frame wire.Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.enqueue(payload)
}

func (c *Client) enqueue(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrBufferFull
	}
}

// requestProbe asks the write loop to check liveness ahead of the next tick.
func (c *Client) requestProbe() {
	select {
	case c.probe <- struct{}{}:
	default:
	}
}

func (c *Client) markAlive() {
	c.missed.Store(0)
	c.lastPong.Store(time.Now().UnixNano())
	if c.onAlive != nil {
		c.onAlive(c)
	}
}

// Close removes the client from every room, then closes the socket with a
// normal closure. Concurrent callers return only after cleanup finished.
func (c *Client) Close(reason string) {
	c.CloseWithCode(websocket.CloseNormalClosure, reason)
}

// CloseWithCode is Close with an explicit close code, e.g.
// wire.CloseSessionRevoked.
func (c *Client) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		rooms := make([]string, 0, len(c.rooms))
		for r := range c.rooms {
			rooms = append(rooms, r)
		}
		c.mu.Unlock()

		close(c.done)
		if c.hub != nil {
			c.hub.removeFromRooms(c, rooms)
		}

		if c.conn != nil {
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, truncateReason(reason)), deadline)
			_ = c.conn.Close()
		}

		c.logger.Debug().Str("reason", reason).Int("code", code).Msg("connection closed")
		if c.onClose != nil {
			c.onClose(c, reason)
		}
	})
}

// addRoom records membership; it fails once the client is closed. Called with
// the room lock held.
func (c *Client) addRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.rooms[room] = struct{}{}
	return true
}

func (c *Client) removeRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// run starts the read and write loops. It returns immediately.
func (c *Client) run(ctx context.Context) {
	go c.writePump()
	go c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	if c.cfg.ReadLimit > 0 {
		c.conn.SetReadLimit(c.cfg.ReadLimit)
	}
	c.conn.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.Closed() {
				publishLifecycle(ctx, c.info, "ws_error", err.Error())
			}
			c.Close(err.Error())
			return
		}

		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}

		switch frame.Type {
		case wire.FramePong:
			c.markAlive()
		case wire.FrameJoin:
			if err := c.hub.Join(ctx, c, frame.Room); err != nil {
				c.logger.Info().Err(err).Str("room", frame.Room).Msg("join refused")
			}
		case wire.FrameLeave:
			c.hub.Leave(c, frame.Room)
		default:
			// unknown frame types are ignored
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.write(payload); err != nil {
				c.Close("write failed: " + err.Error())
				return
			}
		case <-ticker.C:
			if !c.ping() {
				return
			}
		case <-c.probe:
			if c.missed.Load() > 0 {
				continue
			}
			if !c.ping() {
				return
			}
		}
	}
}

// ping sends an application ping, or closes the client when too many pings
// went unanswered.
func (c *Client) ping() bool {
	if int(c.missed.Load()) >= c.cfg.MaxMissedPongs {
		c.logger.Info().Int32("missed", c.missed.Load()).Msg("liveness check failed")
		c.Close("liveness timeout")
		return false
	}
	c.missed.Add(1)
	if err := c.write(pingFrame); err != nil {
		c.Close("ping failed: " + err.Error())
		return false
	}
	return true
}

func (c *Client) write(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// close reasons are limited to 123 bytes by the protocol
func truncateReason(reason string) string {
	if len(reason) > 123 {
		return reason[:123]
	}
	return reason
}
