package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"notification-relay/internal/observability"
	"notification-relay/internal/telemetry"
	"notification-relay/pkg/wire"
)

// Hub is the room registry. The registry lock guards only the name to room
// map; membership of each room has its own lock so different rooms never
// contend. Lock order is hub, room, client.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*room

	cmu     sync.Mutex
	clients map[string]*Client

	authorizer Authorizer
	audit      *telemetry.AuditEmitter
	logger     zerolog.Logger
}

type room struct {
	name    string
	mu      sync.Mutex
	members map[string]*Client
	// closed is set when the room is removed from the registry; joiners that
	// raced with removal retry against a fresh room.
	closed bool
}

type HubOption func(*Hub)

// WithAuthorizer checks every Join against authorizer.
func WithAuthorizer(authorizer Authorizer) HubOption {
	return func(h *Hub) { h.authorizer = authorizer }
}

// WithAudit emits an audit record for every refused join.
func WithAudit(audit *telemetry.AuditEmitter) HubOption {
	return func(h *Hub) { h.audit = audit }
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		rooms:   make(map[string]*room),
		clients: make(map[string]*Client),
		logger:  logger.With().Str("component", "hub").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Rooms       int            `json:"rooms"`
	Connections int            `json:"connections"`
	Members     map[string]int `json:"members"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()

	st := Stats{Rooms: len(rooms), Members: make(map[string]int, len(rooms))}
	for _, r := range rooms {
		r.mu.Lock()
		st.Members[r.name] = len(r.members)
		r.mu.Unlock()
	}

	h.cmu.Lock()
	st.Connections = len(h.clients)
	h.cmu.Unlock()
	return st
}

// ClientStats describes one registered connection.
type ClientStats struct {
	ConnID      string    `json:"conn_id"`
	UserID      string    `json:"user_id"`
	Rooms       []string  `json:"rooms"`
	ConnectedAt time.Time `json:"connected_at"`
	LastPong    time.Time `json:"last_pong"`
}

// Clients lists the registered connections ordered by connection id.
func (h *Hub) Clients() []ClientStats {
	h.cmu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.cmu.Unlock()

	out := make([]ClientStats, 0, len(clients))
	for _, c := range clients {
		rooms := c.Rooms()
		sort.Strings(rooms)
		out = append(out, ClientStats{
			ConnID:      c.ID(),
			UserID:      c.UserID(),
			Rooms:       rooms,
			ConnectedAt: c.info.ConnectedAt,
			LastPong:    c.LastPong(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// Members returns the connection ids currently in name.
func (h *Hub) Members(name string) []string {
	r := h.lookup(name)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) register(c *Client) {
	h.cmu.Lock()
	h.clients[c.ID()] = c
	h.cmu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.cmu.Lock()
	delete(h.clients, c.ID())
	h.cmu.Unlock()
}

// Join subscribes c to the named room after checking the room taxonomy and
// the caller's right to it. Joining a room twice is a no-op. A refused join
// returns a *RoomAuthorizationError and leaves the connection open.
func (h *Hub) Join(ctx context.Context, c *Client, name string) error {
	parsed, err := wire.ParseRoom(name)
	if err != nil {
		return h.refuse(ctx, c, &RoomAuthorizationError{UserID: c.UserID(), Room: name, Reason: "unknown room"})
	}
	if h.authorizer != nil {
		if err := h.authorizer.AuthorizeJoin(ctx, c.info.Identity, parsed); err != nil {
			var authErr *RoomAuthorizationError
			if !errors.As(err, &authErr) {
				authErr = &RoomAuthorizationError{UserID: c.UserID(), Room: name, Reason: err.Error()}
			}
			return h.refuse(ctx, c, authErr)
		}
	}
	return h.join(c, name)
}

func (h *Hub) refuse(ctx context.Context, c *Client, err *RoomAuthorizationError) error {
	observability.IncWSEvent(wsKind, "join_refused")
	h.audit.Emit(ctx, telemetry.AuditRecord{
		Level:     "WARN",
		Text:      "room join refused: " + err.Reason,
		RequestID: c.info.Meta.RequestID,
		UserID:    c.UserID(),
		Room:      err.Room,
	})
	return err
}

func (h *Hub) join(c *Client, name string) error {
	for {
		r := h.getOrCreate(name)
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}
		if _, ok := r.members[c.ID()]; ok {
			r.mu.Unlock()
			return nil
		}
		if !c.addRoom(name) {
			empty := len(r.members) == 0
			r.mu.Unlock()
			if empty {
				h.collect(r)
			}
			return ErrConnClosed
		}
		r.members[c.ID()] = c
		r.mu.Unlock()
		return nil
	}
}

// Leave unsubscribes c from the named room. Leaving a room c is not in is a
// no-op.
func (h *Hub) Leave(c *Client, name string) {
	c.removeRoom(name)
	r := h.lookup(name)
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.members, c.ID())
	empty := len(r.members) == 0
	r.mu.Unlock()
	if empty {
		h.collect(r)
	}
}

func (h *Hub) removeFromRooms(c *Client, names []string) {
	for _, name := range names {
		h.Leave(c, name)
	}
	h.unregister(c)
}

// Publish hands frame to every member of the room at the moment the room lock
// is taken and returns how many accepted it. Closed members are removed; a
// member with a full buffer misses this frame and is probed for liveness.
func (h *Hub) Publish(name string, frame wire.Frame) int {
	r := h.lookup(name)
	if r == nil {
		return 0
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("room", name).Msg("marshal frame")
		return 0
	}

	delivered := 0
	r.mu.Lock()
	for id, member := range r.members {
		err := member.enqueue(payload)
		switch {
		case err == nil:
			delivered++
			observability.IncDelivery("delivered")
		case errors.Is(err, ErrConnClosed):
			delete(r.members, id)
			observability.IncDelivery("closed")
		default:
			observability.IncDelivery("dropped")
			member.requestProbe()
			h.logger.Warn().Err(&DeliveryFailure{ConnID: id, Room: name, Err: err}).Msg("frame dropped")
		}
	}
	empty := len(r.members) == 0
	r.mu.Unlock()

	if empty {
		h.collect(r)
	}
	return delivered
}

// DisconnectUser closes every connection of userID with code and returns how
// many were closed.
func (h *Hub) DisconnectUser(userID string, code int, reason string) int {
	h.cmu.Lock()
	var targets []*Client
	for _, c := range h.clients {
		if c.UserID() == userID {
			targets = append(targets, c)
		}
	}
	h.cmu.Unlock()

	for _, c := range targets {
		c.CloseWithCode(code, reason)
	}
	return len(targets)
}

// Shutdown closes every connection with 1001 going away.
func (h *Hub) Shutdown() {
	h.cmu.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.cmu.Unlock()

	for _, c := range targets {
		c.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) lookup(name string) *room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[name]
}

func (h *Hub) getOrCreate(name string) *room {
	if r := h.lookup(name); r != nil {
		return r
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[name]; ok {
		return r
	}
	r := &room{name: name, members: make(map[string]*Client)}
	h.rooms[name] = r
	observability.IncRooms()
	return r
}

// collect removes r from the registry if it is still empty.
func (h *Hub) collect(r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.members) > 0 {
		return
	}
	r.closed = true
	if h.rooms[r.name] == r {
		delete(h.rooms, r.name)
		observability.DecRooms()
	}
}
