package feed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"notification-relay/pkg/wire"
)

const DefaultPollInterval = 30 * time.Second

// Fetcher reads a page of persisted notifications.
type Fetcher interface {
	GetPersistedNotifications(ctx context.Context, userID string, page, pageSize int) (wire.NotificationPage, error)
}

// Poller refreshes a Feed from the notification store on a fixed interval.
type Poller struct {
	feed     *Feed
	fetcher  Fetcher
	userID   string
	interval time.Duration
	pageSize int
	logger   zerolog.Logger

	refresh chan struct{}
	mu      sync.Mutex
	lastErr error
}

type PollerOption func(*Poller)

func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithPageSize(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

func WithPollerLogger(logger zerolog.Logger) PollerOption {
	return func(p *Poller) { p.logger = logger }
}

func NewPoller(feed *Feed, fetcher Fetcher, userID string, opts ...PollerOption) *Poller {
	p := &Poller{
		feed:     feed,
		fetcher:  fetcher,
		userID:   userID,
		interval: DefaultPollInterval,
		pageSize: 20,
		logger:   zerolog.Nop(),
		refresh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "poller").Logger()
	return p
}

// Run polls once immediately, then on every tick and on Refresh, until ctx
// is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	_ = p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.refresh:
			ticker.Reset(p.interval)
		}
		_ = p.PollOnce(ctx)
	}
}

// Refresh asks a running poller to fetch now.
func (p *Poller) Refresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// PollOnce fetches the first page and merges it into the feed. A failed
// fetch leaves the feed untouched.
func (p *Poller) PollOnce(ctx context.Context) error {
	page, err := p.fetcher.GetPersistedNotifications(ctx, p.userID, 1, p.pageSize)
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("poll failed")
		}
		return err
	}
	p.feed.OnPollResult(page.Notifications)
	return nil
}

// LastError is the result of the most recent fetch.
func (p *Poller) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}
