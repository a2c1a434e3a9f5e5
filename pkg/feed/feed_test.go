package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"notification-relay/pkg/wire"
)

type markerMock struct {
	mock.Mock
}

func (m *markerMock) MarkNotificationRead(ctx context.Context, id string) error {
	return m.Called(id).Error(0)
}

func (m *markerMock) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	return m.Called(userID).Error(0)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func orderEvent(id, order, status string, at time.Time) wire.Event {
	return wire.Event{
		ID:        id,
		Type:      wire.EventOrderUpdate,
		UserID:    "u1",
		Payload:   wire.Payload{OrderID: order, Status: status},
		CreatedAt: at,
	}
}

func orderRow(id, order, status string, read bool, at time.Time) wire.Notification {
	return wire.Notification{
		ID:        id,
		UserID:    "u1",
		Type:      wire.EventOrderUpdate,
		Payload:   wire.Payload{OrderID: order, Status: status},
		Read:      read,
		CreatedAt: at,
	}
}

func keys(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}

// assertUnread checks the counter against the entries it is derived from.
func assertUnread(t *testing.T, f *Feed, want int) {
	t.Helper()
	s := f.Snapshot()
	n := 0
	for _, e := range s.Entries {
		if !e.Read {
			n++
		}
	}
	assert.Equal(t, n, s.UnreadCount)
	assert.Equal(t, want, s.UnreadCount)
	assert.Equal(t, want, f.UnreadCount())
}

func TestPolledNotificationsMarkRead(t *testing.T) {
	f := New("u1", nil)
	defer f.Close()

	f.OnPollResult([]wire.Notification{
		orderRow("n1", "O1", "paid", false, t0),
		orderRow("n2", "O2", "paid", false, t0.Add(time.Minute)),
	})
	assertUnread(t, f, 2)

	assert.True(t, f.MarkRead("n1"))
	assertUnread(t, f, 1)

	entries := f.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, []string{"n2", "n1"}, keys(entries))
	assert.False(t, entries[0].Read)
	assert.True(t, entries[1].Read)
}

func TestDuplicateLiveDeliveriesCollapse(t *testing.T) {
	f := New("u1", nil)
	defer f.Close()

	f.OnLiveEvent(orderEvent("e1", "O9", "shipped", t0))
	f.OnLiveEvent(orderEvent("e2", "O9", "shipped", t0.Add(time.Second)))

	entries := f.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Synthetic())
	assert.Equal(t, "e1", entries[0].EventID)
	assertUnread(t, f, 1)

	f.OnLiveEvent(orderEvent("e3", "O9", "delivered", t0.Add(2*time.Second)))
	assert.Len(t, f.Entries(), 2)
	assertUnread(t, f, 2)
}

func TestRedeliveryRefreshesLiveDetails(t *testing.T) {
	f := New("u1", nil)
	defer f.Close()

	update := func(id string, lat float64, eta int) wire.Event {
		return wire.Event{
			ID:        id,
			Type:      wire.EventDeliveryUpdate,
			UserID:    "u1",
			Payload:   wire.Payload{OrderID: "O9", Status: "en_route", Latitude: &lat, ETAMinutes: eta},
			CreatedAt: t0,
		}
	}

	f.OnLiveEvent(update("e1", 52.1, 9))
	require.True(t, f.MarkRead("e1"))
	f.OnLiveEvent(update("e2", 52.2, 4))

	entries := f.Entries()
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Payload.Latitude)
	assert.Equal(t, 52.2, *entries[0].Payload.Latitude)
	assert.Equal(t, 4, entries[0].Payload.ETAMinutes)
	assert.Equal(t, "e1", entries[0].EventID)
	assert.True(t, entries[0].Read)
	assertUnread(t, f, 0)

	// confirmed rows are not rewritten by live traffic
	f.OnPollResult([]wire.Notification{{
		ID: "n1", UserID: "u1", Type: wire.EventDeliveryUpdate,
		Payload: update("e2", 52.2, 4).Payload, CreatedAt: t0,
	}})
	f.OnLiveEvent(update("e3", 52.3, 2))
	assert.Equal(t, 4, f.Entries()[0].Payload.ETAMinutes)
}

func TestPollReplacesSyntheticEntryInPlace(t *testing.T) {
	f := New("u1", nil)
	defer f.Close()

	f.OnLiveEvent(orderEvent("e1", "O9", "shipped", t0))
	f.OnLiveEvent(orderEvent("e2", "O7", "paid", t0.Add(time.Second)))
	require.True(t, f.MarkRead("e1"))

	f.OnPollResult([]wire.Notification{
		orderRow("n1", "O9", "shipped", false, t0),
		orderRow("n3", "O5", "paid", false, t0.Add(-time.Hour)),
	})

	entries := f.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, []string{SyntheticKey(wire.Fingerprint(wire.EventOrderUpdate, wire.Payload{OrderID: "O7", Status: "paid"})), "n1", "n3"}, keys(entries))

	n1 := entries[1]
	assert.Equal(t, SourcePersisted, n1.Source)
	assert.Equal(t, "n1", n1.PersistedID)
	assert.True(t, n1.Read, "locally read entry stays read")

	assert.Equal(t, SourceLive, entries[0].Source, "live-only entry is kept")
	assertUnread(t, f, 2)
}

func TestPollServerReadWins(t *testing.T) {
	f := New("u1", nil)
	defer f.Close()

	f.OnLiveEvent(orderEvent("e1", "O9", "shipped", t0))
	assertUnread(t, f, 1)

	f.OnPollResult([]wire.Notification{orderRow("n1", "O9", "shipped", true, t0)})
	assertUnread(t, f, 0)

	// a later poll that still reports unread does not undo a read
	f.OnPollResult([]wire.Notification{orderRow("n1", "O9", "shipped", false, t0)})
	assertUnread(t, f, 0)
}

func TestLiveEventWithNotificationIDAdoptsKey(t *testing.T) {
	f := New("u1", nil)
	defer f.Close()

	f.OnLiveEvent(orderEvent("e1", "O9", "shipped", t0))
	ev := orderEvent("e2", "O9", "shipped", t0)
	ev.NotificationID = "n1"
	f.OnLiveEvent(ev)

	entries := f.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "n1", entries[0].Key)

	f.OnPollResult([]wire.Notification{orderRow("n1", "O9", "shipped", false, t0)})
	f.OnLiveEvent(ev)
	assert.Len(t, f.Entries(), 1)
	assertUnread(t, f, 1)
}

func TestLiveEventAfterPollIsIgnored(t *testing.T) {
	f := New("u1", nil)
	defer f.Close()

	f.OnPollResult([]wire.Notification{orderRow("n1", "O9", "shipped", false, t0)})
	f.OnLiveEvent(orderEvent("e1", "O9", "shipped", t0.Add(time.Second)))

	entries := f.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "n1", entries[0].Key)
}

func TestReconcileConflictPersistedWins(t *testing.T) {
	var conflicts []*ReconcileConflict
	f := New("u1", nil, WithConflictHandler(func(c *ReconcileConflict) {
		conflicts = append(conflicts, c)
	}))
	defer f.Close()

	live := wire.Event{
		ID:      "e1",
		Type:    wire.EventDeliveryUpdate,
		Payload: wire.Payload{OrderID: "O9", Status: "en_route", ETAMinutes: 6},
	}
	f.OnLiveEvent(live)
	f.OnPollResult([]wire.Notification{{
		ID:        "n1",
		Type:      wire.EventDeliveryUpdate,
		Payload:   wire.Payload{OrderID: "O9", Status: "en_route", ETAMinutes: 4},
		CreatedAt: t0,
	}})

	entries := f.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 4, entries[0].Payload.ETAMinutes)

	require.Len(t, conflicts, 1)
	assert.Equal(t, "n1", conflicts[0].Key)
	var target *ReconcileConflict
	assert.True(t, errors.As(error(conflicts[0]), &target))
}

func TestMarkReadPropagatesPersistedIDsOnly(t *testing.T) {
	marker := new(markerMock)
	marker.On("MarkNotificationRead", "n1").Return(nil).Once()
	marker.On("MarkAllNotificationsRead", "u1").Return(errors.New("offline")).Once()

	f := New("u1", marker)
	f.OnPollResult([]wire.Notification{orderRow("n1", "O1", "paid", false, t0)})
	f.OnLiveEvent(orderEvent("e1", "O9", "shipped", t0))

	assert.True(t, f.MarkRead("n1"))
	assert.True(t, f.MarkRead("n1"))
	assert.True(t, f.MarkRead("e1"))
	assert.False(t, f.MarkRead("missing"))
	assertUnread(t, f, 0)

	f.MarkAllRead()
	assertUnread(t, f, 0)
	f.Close()

	marker.AssertExpectations(t)
	marker.AssertNumberOfCalls(t, "MarkNotificationRead", 1)
}

func TestLocalReadReachesServerOnceIDIsKnown(t *testing.T) {
	marker := new(markerMock)
	marker.On("MarkNotificationRead", "n1").Return(nil).Once()
	marker.On("MarkNotificationRead", "n2").Return(nil).Once()

	f := New("u1", marker)
	f.OnLiveEvent(orderEvent("e1", "O123", "preparing", t0))
	assert.True(t, f.MarkRead("e1"))

	f.OnPollResult([]wire.Notification{orderRow("n1", "O123", "preparing", false, t0)})
	entries := f.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "n1", entries[0].Key)
	assert.True(t, entries[0].Read)
	assertUnread(t, f, 0)

	// already read on the server: nothing to send
	f.OnLiveEvent(orderEvent("e2", "O5", "paid", t0.Add(time.Minute)))
	assert.True(t, f.MarkRead("e2"))
	f.OnPollResult([]wire.Notification{orderRow("n3", "O5", "paid", true, t0.Add(time.Minute))})

	// id delivered on a later live event
	ev := orderEvent("e3", "O7", "ready", t0.Add(2*time.Minute))
	f.OnLiveEvent(ev)
	assert.True(t, f.MarkRead("e3"))
	ev.ID = "e4"
	ev.NotificationID = "n2"
	f.OnLiveEvent(ev)
	f.Close()

	marker.AssertExpectations(t)
	marker.AssertNumberOfCalls(t, "MarkNotificationRead", 2)
}

func TestMarkAllRead(t *testing.T) {
	f := New("u1", nil)
	defer f.Close()

	f.OnPollResult([]wire.Notification{
		orderRow("n1", "O1", "paid", false, t0),
		orderRow("n2", "O2", "paid", true, t0),
	})
	f.OnLiveEvent(orderEvent("e1", "O9", "shipped", t0))
	assertUnread(t, f, 2)

	f.MarkAllRead()
	assertUnread(t, f, 0)

	f.OnLiveEvent(orderEvent("e2", "O9", "delivered", t0))
	assertUnread(t, f, 1)
}

func TestEntriesOrderIsStable(t *testing.T) {
	f := New("u1", nil)
	defer f.Close()

	f.OnPollResult([]wire.Notification{
		orderRow("a", "O1", "paid", false, t0),
		orderRow("c", "O2", "paid", false, t0),
		orderRow("b", "O3", "paid", false, t0.Add(time.Second)),
	})
	assert.Equal(t, []string{"b", "c", "a"}, keys(f.Entries()))
}

func TestOnChangeAndLive(t *testing.T) {
	f := New("u1", nil)
	defer f.Close()

	var mu sync.Mutex
	var last Snapshot
	sub := f.OnChange(func(s Snapshot) {
		mu.Lock()
		last = s
		mu.Unlock()
	})

	f.SetLive(true)
	f.OnLiveEvent(orderEvent("e1", "O9", "shipped", t0))
	assert.True(t, f.Live())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last.Live && last.UnreadCount == 1 && len(last.Entries) == 1
	}, time.Second, 5*time.Millisecond)

	sub.Cancel()
	f.SetLive(false)
	f.MarkAllRead()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.True(t, last.Live)
	mu.Unlock()
}

func TestListenerMayCallBackIntoFeed(t *testing.T) {
	f := New("u1", nil)
	defer f.Close()

	seen := make(chan int, 16)
	f.OnChange(func(Snapshot) { seen <- f.UnreadCount() })
	f.OnLiveEvent(orderEvent("e1", "O9", "shipped", t0))

	select {
	case n := <-seen:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("listener did not run")
	}
}

func TestConcurrentMutationsKeepCountConsistent(t *testing.T) {
	f := New("u1", nil)
	defer f.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				f.OnLiveEvent(orderEvent(fmt.Sprintf("e%d-%d", i, j), fmt.Sprintf("O%d", j), "paid", t0))
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			rows := make([]wire.Notification, 0, 25)
			for j := 0; j < 25; j++ {
				rows = append(rows, orderRow(fmt.Sprintf("n%d", j), fmt.Sprintf("O%d", j), "paid", j%2 == 0, t0))
			}
			f.OnPollResult(rows)
		}(i)
	}
	wg.Wait()

	entries := f.Entries()
	assert.Len(t, entries, 25)
	assertUnread(t, f, 12)
}

func TestClosedFeedIgnoresCalls(t *testing.T) {
	f := New("u1", nil)
	f.Close()
	f.Close()

	f.OnLiveEvent(orderEvent("e1", "O9", "shipped", t0))
	assert.False(t, f.MarkRead("e1"))
	assert.Empty(t, f.Entries())
	assert.Zero(t, f.UnreadCount())
}
