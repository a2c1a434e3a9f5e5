package relayclient

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"notification-relay/pkg/feed"
	"notification-relay/pkg/listener"
	"notification-relay/pkg/wire"
)

// NotificationAPI is the notification store as seen by a logged in client.
type NotificationAPI interface {
	feed.Fetcher
	feed.ReadMarker
}

type SessionConfig struct {
	UserID       string
	Token        string
	Dialer       Dialer
	API          NotificationAPI
	Reconnect    Options
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// Session is everything one logged in user needs: created on login, closed
// on logout.
type Session struct {
	userID     string
	controller *Controller
	feed       *feed.Feed
	poller     *feed.Poller

	cancel context.CancelFunc
	subs   []*listener.Subscription
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSession wires the controller into a new feed and starts connecting and
// polling. It never fails because the relay is down; the feed then relies on
// polling alone.
func NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.UserID == "" {
		return nil, errors.New("relayclient: user id is required")
	}
	if cfg.Dialer == nil || cfg.API == nil {
		return nil, errors.New("relayclient: dialer and api are required")
	}

	opts := cfg.Reconnect
	opts.Logger = cfg.Logger
	f := feed.New(cfg.UserID, cfg.API, feed.WithLogger(cfg.Logger))
	p := feed.NewPoller(f, cfg.API, cfg.UserID,
		feed.WithInterval(cfg.PollInterval),
		feed.WithPollerLogger(cfg.Logger))

	runCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		userID:     cfg.UserID,
		controller: NewController(cfg.Dialer, opts),
		feed:       f,
		poller:     p,
		cancel:     cancel,
	}

	s.subs = append(s.subs,
		s.controller.OnEvent(f.OnLiveEvent),
		s.controller.OnStateChange(func(change StateChange) {
			f.SetLive(change.State == StateConnected)
			if change.State == StateConnected && change.Attempt > 0 {
				// events published while we were away are only in the store
				p.Refresh()
			}
		}),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		p.Run(runCtx)
	}()

	if err := s.controller.Connect(runCtx, cfg.Token); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) UserID() string          { return s.userID }
func (s *Session) Feed() *feed.Feed        { return s.feed }
func (s *Session) Controller() *Controller { return s.controller }

// TrackOrder follows live delivery updates for one order until Untrack.
func (s *Session) TrackOrder(orderID string) error {
	return s.controller.Join(wire.OrderTrackingRoom(orderID))
}

func (s *Session) UntrackOrder(orderID string) error {
	return s.controller.Leave(wire.OrderTrackingRoom(orderID))
}

// Reconnect restarts the connection after the controller gave up.
func (s *Session) Reconnect(ctx context.Context, token string) error {
	return s.controller.Connect(ctx, token)
}

// Refresh polls the store now, for example when the notification view opens.
func (s *Session) Refresh() {
	s.poller.Refresh()
}

// Close tears the session down. It is safe to call more than once.
func (s *Session) Close() {
	s.once.Do(func() {
		for _, sub := range s.subs {
			sub.Cancel()
		}
		s.controller.Close()
		s.cancel()
		s.wg.Wait()
		s.feed.Close()
	})
}
