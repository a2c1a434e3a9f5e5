// Package feed merges live relay events and polled persisted notifications
// into one deduplicated, newest-first feed with a single unread count.
//
// All mutations and reads run on one goroutine, in arrival order, so the push
// callback and the poll timer can call into the feed concurrently.
package feed

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"notification-relay/pkg/listener"
	"notification-relay/pkg/wire"
)

// Source tells where an entry's current content came from.
type Source string

const (
	SourceLive      Source = "live"
	SourcePersisted Source = "persisted"
)

const syntheticPrefix = "ws-"

// Entry is one item of the merged feed.
type Entry struct {
	Key string
	// PersistedID is the server notification id, empty until known.
	PersistedID string
	// EventID is the relay event id of the live delivery, if any.
	EventID   string
	Source    Source
	Type      wire.EventType
	Payload   wire.Payload
	Read      bool
	Timestamp time.Time

	fingerprint string
}

// Synthetic reports whether the entry is keyed by content rather than by a
// persisted id.
func (e Entry) Synthetic() bool {
	return strings.HasPrefix(e.Key, syntheticPrefix)
}

// SyntheticKey is the key of a live event that has no persisted id yet.
func SyntheticKey(fingerprint string) string {
	return syntheticPrefix + fingerprint
}

// ReconcileConflict records a live and a persisted entry that share a key but
// disagree on content. The persisted content is kept.
type ReconcileConflict struct {
	Key       string
	Live      wire.Payload
	Persisted wire.Payload
}

func (c *ReconcileConflict) Error() string {
	return fmt.Sprintf("reconcile conflict on %s: live %+v, persisted %+v", c.Key, c.Live, c.Persisted)
}

// ReadMarker propagates read state to the notification store.
type ReadMarker interface {
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) error
}

// Snapshot is the observable state of the feed.
type Snapshot struct {
	Entries     []Entry
	UnreadCount int
	Live        bool
}

type Option func(*Feed)

func WithLogger(logger zerolog.Logger) Option {
	return func(f *Feed) { f.logger = logger }
}

// WithConflictHandler is called, on the feed goroutine, for every
// reconcile conflict.
func WithConflictHandler(fn func(*ReconcileConflict)) Option {
	return func(f *Feed) { f.onConflict = fn }
}

// WithMarkTimeout bounds the fire-and-forget read calls.
func WithMarkTimeout(d time.Duration) Option {
	return func(f *Feed) { f.markTimeout = d }
}

// Feed is the reconciliation layer. Create it with New and release it with
// Close.
type Feed struct {
	userID      string
	marker      ReadMarker
	logger      zerolog.Logger
	onConflict  func(*ReconcileConflict)
	markTimeout time.Duration

	ops    chan func()
	quit   chan struct{}
	closed chan struct{}
	once   sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	calls  sync.WaitGroup

	// owned by the loop goroutine
	entries map[string]*Entry
	byPrint map[string]string
	live    bool

	changes  listener.Set[Snapshot]
	pmu      sync.Mutex
	pending  *Snapshot
	notify   chan struct{}
	notified chan struct{}
}

// New starts a feed for userID. marker may be nil, in which case read state
// stays local.
func New(userID string, marker ReadMarker, opts ...Option) *Feed {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		userID:      userID,
		marker:      marker,
		logger:      zerolog.Nop(),
		markTimeout: 10 * time.Second,
		ops:         make(chan func()),
		quit:        make(chan struct{}),
		closed:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		entries:     make(map[string]*Entry),
		byPrint:     make(map[string]string),
		notify:      make(chan struct{}, 1),
		notified:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With().Str("component", "feed").Logger()

	go f.loop()
	go f.notifier()
	return f
}

func (f *Feed) loop() {
	defer close(f.closed)
	for {
		select {
		case op := <-f.ops:
			op()
		case <-f.quit:
			return
		}
	}
}

// do runs fn on the feed goroutine and waits for it. It reports false once
// the feed is closed.
func (f *Feed) do(fn func()) bool {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case f.ops <- op:
	case <-f.closed:
		return false
	}
	<-done
	return true
}

// Close stops the feed and waits for in-flight read calls to finish.
func (f *Feed) Close() {
	f.once.Do(func() {
		close(f.quit)
		<-f.closed
		f.cancel()
		f.calls.Wait()
		close(f.notify)
		<-f.notified
	})
}

// OnChange registers fn to receive the feed state after mutations. Rapid
// mutations may be coalesced into one call carrying the latest state.
func (f *Feed) OnChange(fn func(Snapshot)) *listener.Subscription {
	return f.changes.Add(fn)
}

// OnLiveEvent adds a live event, collapsing duplicate deliveries of the same
// domain fact.
func (f *Feed) OnLiveEvent(ev wire.Event) {
	f.do(func() {
		if f.applyLive(ev) {
			f.changed()
		}
	})
}

// OnPollResult merges a page of persisted notifications.
func (f *Feed) OnPollResult(list []wire.Notification) {
	f.do(func() {
		changed := false
		for _, n := range list {
			if f.applyPersisted(n) {
				changed = true
			}
		}
		if changed {
			f.changed()
		}
	})
}

// MarkRead marks the entry with the given key, persisted id or event id as
// read and reports whether it was found. The store is updated in the
// background when the entry has a persisted id.
func (f *Feed) MarkRead(id string) bool {
	found := false
	f.do(func() {
		e := f.find(id)
		if e == nil {
			return
		}
		found = true
		if e.Read {
			return
		}
		e.Read = true
		f.changed()
		if e.PersistedID != "" {
			persisted := e.PersistedID
			f.async(func(ctx context.Context) error {
				return f.marker.MarkNotificationRead(ctx, persisted)
			})
		}
	})
	return found
}

// MarkAllRead marks every entry read and tells the store to do the same.
func (f *Feed) MarkAllRead() {
	f.do(func() {
		changed := false
		for _, e := range f.entries {
			if !e.Read {
				e.Read = true
				changed = true
			}
		}
		if changed {
			f.changed()
		}
		f.async(func(ctx context.Context) error {
			return f.marker.MarkAllNotificationsRead(ctx, f.userID)
		})
	})
}

// SetLive records whether the live connection is currently available.
func (f *Feed) SetLive(live bool) {
	f.do(func() {
		if f.live != live {
			f.live = live
			f.changed()
		}
	})
}

func (f *Feed) Live() bool {
	var live bool
	f.do(func() { live = f.live })
	return live
}

// Entries returns the feed newest first.
func (f *Feed) Entries() []Entry {
	var out []Entry
	f.do(func() { out = f.sorted() })
	return out
}

// UnreadCount is the number of entries not yet read.
func (f *Feed) UnreadCount() int {
	var n int
	f.do(func() { n = f.unread() })
	return n
}

// Snapshot returns entries, unread count and live flag from the same instant.
func (f *Feed) Snapshot() Snapshot {
	var s Snapshot
	f.do(func() { s = f.snapshot() })
	return s
}

func (f *Feed) applyLive(ev wire.Event) bool {
	fp := ev.Fingerprint()
	ts := ev.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	if ev.NotificationID != "" {
		if e, ok := f.entries[ev.NotificationID]; ok {
			return f.refreshLive(e, ev)
		}
		if key, ok := f.byPrint[fp]; ok {
			if e := f.entries[key]; e != nil && e.Synthetic() {
				// earlier delivery without an id: adopt the id
				f.rekey(e, ev.NotificationID)
				e.PersistedID = ev.NotificationID
				if e.Read {
					f.pushRead(ev.NotificationID)
				}
				return true
			}
		}
		f.insert(&Entry{
			Key:         ev.NotificationID,
			PersistedID: ev.NotificationID,
			EventID:     ev.ID,
			Source:      SourceLive,
			Type:        ev.Type,
			Payload:     ev.Payload,
			Timestamp:   ts,
			fingerprint: fp,
		})
		return true
	}

	if key, ok := f.byPrint[fp]; ok {
		return f.refreshLive(f.entries[key], ev)
	}
	f.insert(&Entry{
		Key:         SyntheticKey(fp),
		EventID:     ev.ID,
		Source:      SourceLive,
		Type:        ev.Type,
		Payload:     ev.Payload,
		Timestamp:   ts,
		fingerprint: fp,
	})
	return true
}

// refreshLive takes the newer details of a redelivered fact, e.g. a driver
// position, into an entry the server has not confirmed yet. Key, read flag and
// position in the feed stay as they are.
func (f *Feed) refreshLive(e *Entry, ev wire.Event) bool {
	if e == nil || e.Source != SourceLive || reflect.DeepEqual(e.Payload, ev.Payload) {
		return false
	}
	e.Payload = ev.Payload
	return true
}

func (f *Feed) applyPersisted(n wire.Notification) bool {
	fp := n.Fingerprint()

	if e, ok := f.entries[n.ID]; ok {
		return f.merge(e, n)
	}
	if key, ok := f.byPrint[fp]; ok {
		if e := f.entries[key]; e != nil && e.Synthetic() {
			f.rekey(e, n.ID)
			f.merge(e, n)
			return true
		}
	}

	f.insert(&Entry{
		Key:         n.ID,
		PersistedID: n.ID,
		Source:      SourcePersisted,
		Type:        n.Type,
		Payload:     n.Payload,
		Read:        n.Read,
		Timestamp:   n.CreatedAt,
		fingerprint: fp,
	})
	return true
}

// merge folds a persisted row into an existing entry. Persisted content wins;
// an entry is read when either side has it read.
func (f *Feed) merge(e *Entry, n wire.Notification) bool {
	before := *e

	if e.Source == SourceLive && (e.Type != n.Type || !reflect.DeepEqual(e.Payload, n.Payload)) {
		conflict := &ReconcileConflict{Key: n.ID, Live: e.Payload, Persisted: n.Payload}
		f.logger.Warn().Err(conflict).Msg("live and persisted notification disagree")
		if f.onConflict != nil {
			f.onConflict(conflict)
		}
	}

	e.PersistedID = n.ID
	e.Source = SourcePersisted
	e.Type = n.Type
	e.Payload = n.Payload
	if e.Read && !n.Read {
		// read locally before the server knew the id, or the earlier call failed
		f.pushRead(n.ID)
	}
	e.Read = e.Read || n.Read
	if !n.CreatedAt.IsZero() {
		e.Timestamp = n.CreatedAt
	}

	fp := n.Fingerprint()
	if fp != e.fingerprint {
		if f.byPrint[e.fingerprint] == e.Key {
			delete(f.byPrint, e.fingerprint)
		}
		e.fingerprint = fp
		f.byPrint[fp] = e.Key
	}

	return !reflect.DeepEqual(before, *e)
}

func (f *Feed) insert(e *Entry) {
	f.entries[e.Key] = e
	f.byPrint[e.fingerprint] = e.Key
}

func (f *Feed) rekey(e *Entry, key string) {
	delete(f.entries, e.Key)
	e.Key = key
	f.entries[key] = e
	f.byPrint[e.fingerprint] = key
}

func (f *Feed) find(id string) *Entry {
	if e, ok := f.entries[id]; ok {
		return e
	}
	for _, e := range f.entries {
		if e.PersistedID == id || e.EventID == id {
			return e
		}
	}
	return nil
}

func (f *Feed) pushRead(id string) {
	f.async(func(ctx context.Context) error {
		return f.marker.MarkNotificationRead(ctx, id)
	})
}

func (f *Feed) async(call func(ctx context.Context) error) {
	if f.marker == nil {
		return
	}
	f.calls.Add(1)
	go func() {
		defer f.calls.Done()
		ctx, cancel := context.WithTimeout(f.ctx, f.markTimeout)
		defer cancel()
		if err := call(ctx); err != nil {
			f.logger.Warn().Err(err).Msg("read state update failed")
		}
	}()
}

func (f *Feed) sorted() []Entry {
	out := make([]Entry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Key > out[j].Key
	})
	return out
}

func (f *Feed) unread() int {
	n := 0
	for _, e := range f.entries {
		if !e.Read {
			n++
		}
	}
	return n
}

func (f *Feed) snapshot() Snapshot {
	entries := f.sorted()
	unread := 0
	for _, e := range entries {
		if !e.Read {
			unread++
		}
	}
	return Snapshot{Entries: entries, UnreadCount: unread, Live: f.live}
}

// changed publishes the current state to the notifier goroutine.
func (f *Feed) changed() {
	if f.changes.Len() == 0 {
		return
	}
	s := f.snapshot()
	f.pmu.Lock()
	f.pending = &s
	f.pmu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *Feed) notifier() {
	defer close(f.notified)
	for range f.notify {
		f.pmu.Lock()
		s := f.pending
		f.pending = nil
		f.pmu.Unlock()
		if s != nil {
			f.changes.Emit(*s)
		}
	}
}
