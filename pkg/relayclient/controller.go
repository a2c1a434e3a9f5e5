// Package relayclient keeps one user's relay connection alive: it reconnects
// with exponential backoff, re-joins the rooms the user asked for and hands
// live notifications to the rest of the client.
package relayclient

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"notification-relay/pkg/listener"
	"notification-relay/pkg/wire"
)

// State of the connection controller.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateGivenUp:
		return "given_up"
	default:
		return "unknown"
	}
}

var ErrClosed = errors.New("relayclient: controller closed")

// StateChange describes one transition.
type StateChange struct {
	State   State
	Attempt int
	// Delay is set when entering StateBackoff.
	Delay time.Duration
	Err   error
}

type Options struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// StabilityWindow is how long a connection must stay up before the
	// attempt counter starts over.
	StabilityWindow time.Duration
	// Jitter is the backoff randomization factor, 0 for none.
	Jitter float64
	Logger zerolog.Logger
}

func DefaultOptions() Options {
	return Options{
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		MaxAttempts:     10,
		StabilityWindow: 30 * time.Second,
		Logger:          zerolog.Nop(),
	}
}

// Controller owns the reconnect state machine for one user.
type Controller struct {
	dialer Dialer
	opts   Options
	logger zerolog.Logger

	mu          sync.Mutex
	state       State
	gen         uint64
	attempt     int
	policy      *backoff.ExponentialBackOff
	rooms       map[string]struct{}
	conn        Conn
	cancel      context.CancelFunc
	connectedAt time.Time
	closed      bool

	events listener.Set[wire.Event]
	states listener.Set[StateChange]

	// state changes are delivered in order by one goroutine
	pending []StateChange
	wake    chan struct{}
}

func NewController(dialer Dialer, opts Options) *Controller {
	def := DefaultOptions()
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = opts.BaseDelay
	policy.MaxInterval = opts.MaxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = opts.Jitter
	policy.MaxElapsedTime = 0
	policy.Reset()

	c := &Controller{
		dialer: dialer,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "relayclient").Logger(),
		policy: policy,
		rooms:  make(map[string]struct{}),
		wake:   make(chan struct{}, 1),
	}
	go c.deliverStates()
	return c
}

// OnEvent registers fn for every live notification.
func (c *Controller) OnEvent(fn func(wire.Event)) *listener.Subscription {
	return c.events.Add(fn)
}

// OnStateChange registers fn for every state transition.
func (c *Controller) OnStateChange(fn func(StateChange)) *listener.Subscription {
	return c.states.Add(fn)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Rooms returns the rooms re-joined on every connect.
func (c *Controller) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Connect starts connecting with token. It is a no-op while a connection is
// being established or is up. ctx bounds the whole connection lifetime.
func (c *Controller) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state != StateDisconnected && c.state != StateGivenUp {
		return nil
	}

	c.gen++
	c.attempt = 0
	c.policy.Reset()
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setState(StateChange{State: StateConnecting})
	go c.run(runCtx, c.gen, token)
	return nil
}

// Join adds room to the desired set and joins it now if connected.
func (c *Controller) Join(room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; ok {
		return nil
	}
	c.rooms[room] = struct{}{}
	if c.state == StateConnected {
		return c.conn.WriteFrame(wire.Frame{Type: wire.FrameJoin, Room: room})
	}
	return nil
}

// Leave removes room from the desired set.
func (c *Controller) Leave(room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; !ok {
		return nil
	}
	delete(c.rooms, room)
	if c.state == StateConnected {
		return c.conn.WriteFrame(wire.Frame{Type: wire.FrameLeave, Room: room})
	}
	return nil
}

// Close stops the controller for good. No reconnect fires afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.gen++
	c.stop()
	if c.state != StateDisconnected {
		c.setState(StateChange{State: StateDisconnected})
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// stop cancels the running loop. Callers hold c.mu.
func (c *Controller) stop() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Controller) run(ctx context.Context, gen uint64, token string) {
	for {
		conn, err := c.dialer.Dial(ctx, token)
		if err != nil {
			var hs *HandshakeError
			if errors.As(err, &hs) && hs.Unauthorized() {
				c.giveUp(gen, err)
				return
			}
			if !c.retry(ctx, gen, err) {
				return
			}
			continue
		}

		if !c.connected(gen, conn) {
			_ = conn.Close()
			return
		}

		err = c.readUntilDone(ctx, conn)
		if code, ok := closeCode(err); ok && wire.IsNoReconnectCode(code) && ctx.Err() == nil {
			c.giveUp(gen, err)
			return
		}
		if !c.retry(ctx, gen, err) {
			return
		}
	}
}

// connected publishes conn and re-joins the desired rooms under one lock so
// a concurrent Join is sent exactly once.
func (c *Controller) connected(gen uint64, conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.conn = conn
	c.connectedAt = time.Now()
	c.setState(StateChange{State: StateConnected, Attempt: c.attempt})

	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	for _, r := range rooms {
		if err := conn.WriteFrame(wire.Frame{Type: wire.FrameJoin, Room: r}); err != nil {
			c.logger.Warn().Err(err).Str("room", r).Msg("rejoin failed")
			break
		}
	}
	return true
}

// readUntilDone reads conn until it fails. Cancelling ctx closes conn so a
// blocked read returns.
func (c *Controller) readUntilDone(ctx context.Context, conn Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return c.read(conn)
}

func (c *Controller) read(conn Conn) error {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		switch frame.Type {
		case wire.FramePing:
			if err := conn.WriteFrame(wire.Frame{Type: wire.FramePong}); err != nil {
				return err
			}
		case wire.FrameNotification:
			if frame.Notification != nil {
				c.events.Emit(*frame.Notification)
			}
		}
	}
}

// retry moves to Backoff and waits. It returns false when the loop must
// exit, either because it went stale or because the attempts ran out.
func (c *Controller) retry(ctx context.Context, gen uint64, cause error) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	if ctx.Err() != nil {
		c.disconnect(ctx.Err())
		c.mu.Unlock()
		return false
	}
	if c.conn != nil {
		_ = c.conn.Close()
		if time.Since(c.connectedAt) >= c.opts.StabilityWindow {
			c.attempt = 0
			c.policy.Reset()
		}
		c.conn = nil
	}
	c.attempt++
	if c.attempt > c.opts.MaxAttempts {
		c.mu.Unlock()
		c.giveUp(gen, cause)
		return false
	}
	delay := c.policy.NextBackOff()
	c.setState(StateChange{State: StateBackoff, Attempt: c.attempt, Delay: delay, Err: cause})
	c.logger.Debug().Err(cause).Int("attempt", c.attempt).Dur("delay", delay).Msg("reconnect scheduled")
	c.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.mu.Lock()
		if gen == c.gen {
			c.disconnect(ctx.Err())
		}
		c.mu.Unlock()
		return false
	case <-timer.C:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.setState(StateChange{State: StateConnecting, Attempt: c.attempt})
	return true
}

// disconnect ends the current loop after its context was cancelled. Callers
// hold c.mu.
func (c *Controller) disconnect(cause error) {
	c.gen++
	c.stop()
	c.setState(StateChange{State: StateDisconnected, Err: cause})
}

func (c *Controller) giveUp(gen uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.gen++
	c.stop()
	c.logger.Warn().Err(cause).Int("attempt", c.attempt).Msg("relay unreachable, giving up")
	c.setState(StateChange{State: StateGivenUp, Attempt: c.attempt, Err: cause})
}

// setState records a transition. Callers hold c.mu.
func (c *Controller) setState(change StateChange) {
	c.state = change.State
	c.pending = append(c.pending, change)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) deliverStates() {
	for range c.wake {
		c.mu.Lock()
		batch := c.pending
		c.pending = nil
		done := c.closed
		c.mu.Unlock()

		for _, change := range batch {
			c.states.Emit(change)
		}
		if done {
			return
		}
	}
}
