package registry

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/fleetlink/liveness"
	"github.com/vinayprograms/fleetlink/logging"
	"github.com/vinayprograms/fleetlink/protocol"
)

// fakeClock returns strictly increasing timestamps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestRegistry() (*Registry, *fakeClock) {
	clock := newFakeClock()
	return New(Config{Now: clock.Now}), clock
}

func status(id string, s protocol.Status) protocol.StatusUpdate {
	return protocol.StatusUpdate{NodeID: id, Status: s}
}

// --- Unit Tests ---

func TestRegister_CreatesRecord(t *testing.T) {
	reg, _ := newTestRegistry()

	rec, err := reg.Register(protocol.Registration{NodeID: "n1", DeviceType: "esp-32", Status: protocol.StatusConnected})
	require.NoError(t, err)

	assert.Equal(t, "n1", rec.NodeID)
	assert.Equal(t, "esp-32", rec.DeviceType)
	assert.Equal(t, protocol.StatusConnected, rec.Status)
	assert.False(t, rec.LastSeen.IsZero())
	assert.Equal(t, 1, reg.Len())
}

func TestRegister_Defaults(t *testing.T) {
	reg, _ := newTestRegistry()

	rec, err := reg.Register(protocol.Registration{NodeID: "n1"})
	require.NoError(t, err)

	assert.Equal(t, protocol.DefaultDeviceType, rec.DeviceType)
	assert.Equal(t, protocol.StatusConnected, rec.Status)
}

func TestRegister_UpdatesInPlace(t *testing.T) {
	reg, _ := newTestRegistry()

	first, _ := reg.Register(protocol.Registration{NodeID: "n1", DeviceType: "esp-32"})
	second, _ := reg.Register(protocol.Registration{NodeID: "n1", DeviceType: "rpi", Status: protocol.StatusReady})

	assert.Equal(t, 1, reg.Len())
	got, err := reg.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, "rpi", got.DeviceType)
	assert.Equal(t, protocol.StatusReady, got.Status)
	assert.True(t, second.LastSeen.After(first.LastSeen))
}

func TestRegister_InvalidID(t *testing.T) {
	reg, _ := newTestRegistry()

	_, err := reg.Register(protocol.Registration{})
	assert.ErrorIs(t, err, ErrInvalidID)

	_, _, err = reg.ApplyStatus(protocol.StatusUpdate{Status: protocol.StatusReady})
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestApplyStatus_UnknownNodeCreatesRecord(t *testing.T) {
	reg, _ := newTestRegistry()

	rec, transition, err := reg.ApplyStatus(status("n2", protocol.StatusReady))
	require.NoError(t, err)

	assert.Equal(t, liveness.Unchanged, transition)
	assert.Equal(t, protocol.DefaultDeviceType, rec.DeviceType)
	assert.Equal(t, protocol.StatusReady, rec.Status)
	assert.True(t, reg.Contains("n2"))
}

func TestApplyStatus_DeviceTypeSeedsNewRecordOnly(t *testing.T) {
	reg, _ := newTestRegistry()

	rec, _, _ := reg.ApplyStatus(protocol.StatusUpdate{NodeID: "n1", Status: protocol.StatusReady, DeviceType: "esp-32"})
	assert.Equal(t, "esp-32", rec.DeviceType)

	rec, _, _ = reg.ApplyStatus(protocol.StatusUpdate{NodeID: "n1", Status: protocol.StatusBusy, DeviceType: "rpi"})
	assert.Equal(t, "esp-32", rec.DeviceType)
	assert.Equal(t, protocol.StatusBusy, rec.Status)
}

func TestApplyStatus_KeepsDeviceType(t *testing.T) {
	reg, _ := newTestRegistry()

	reg.Register(protocol.Registration{NodeID: "n1", DeviceType: "esp-32"})
	reg.ApplyStatus(status("n1", protocol.StatusReady))

	got, _ := reg.Get("n1")
	assert.Equal(t, "esp-32", got.DeviceType)
	assert.Equal(t, protocol.StatusReady, got.Status)
}

func TestGet_NotFound(t *testing.T) {
	reg, _ := newTestRegistry()

	_, err := reg.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = reg.Get("")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestList_SortedByID(t *testing.T) {
	reg, _ := newTestRegistry()

	for _, id := range []string{"c", "a", "b"} {
		reg.Register(protocol.Registration{NodeID: id})
	}

	list := reg.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].NodeID)
	assert.Equal(t, "b", list[1].NodeID)
	assert.Equal(t, "c", list[2].NodeID)
}

// --- Liveness ---

func TestDeadScenario_CallbackOnceThenRevive(t *testing.T) {
	reg, _ := newTestRegistry()

	var calls [][]string
	reg.OnDead(func(ids []string) error {
		calls = append(calls, ids)
		return nil
	})

	reg.Register(protocol.Registration{NodeID: "n1", DeviceType: "esp-32"})

	_, transition, _ := reg.ApplyStatus(status("n1", protocol.StatusDead))
	assert.Equal(t, liveness.Died, transition)
	assert.Equal(t, []string{"n1"}, reg.Dead())
	assert.Equal(t, [][]string{{"n1"}}, calls)

	_, transition, _ = reg.ApplyStatus(status("n1", protocol.StatusReady))
	assert.Equal(t, liveness.Revived, transition)
	assert.Empty(t, reg.Dead())
	assert.Len(t, calls, 1)
}

func TestDead_RepeatedDeadFiresOnce(t *testing.T) {
	reg, _ := newTestRegistry()

	var count int32
	reg.OnDead(func([]string) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	reg.ApplyStatus(status("n1", protocol.StatusOffline))
	reg.ApplyStatus(status("n1", protocol.StatusDead))
	reg.ApplyStatus(status("n1", protocol.StatusDead))

	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
	assert.True(t, reg.IsDead("n1"))
}

func TestDead_NonDeadTransitionsNeverFire(t *testing.T) {
	reg, _ := newTestRegistry()

	var count int32
	reg.OnDead(func([]string) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	for _, s := range []protocol.Status{protocol.StatusConnected, protocol.StatusReady, protocol.StatusBusy, "custom", protocol.StatusReady} {
		reg.ApplyStatus(status("n1", s))
	}

	assert.Zero(t, atomic.LoadInt32(&count))
	assert.False(t, reg.IsDead("n1"))
}

func TestDead_SecondDeathAfterRevivalFiresAgain(t *testing.T) {
	reg, _ := newTestRegistry()

	var count int32
	reg.OnDead(func([]string) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	reg.ApplyStatus(status("n1", protocol.StatusDead))
	reg.ApplyStatus(status("n1", protocol.StatusReady))
	reg.ApplyStatus(status("n1", protocol.StatusDead))

	assert.Equal(t, int32(2), atomic.LoadInt32(&count))
}

func TestDead_RegistrationWithFailureStatus(t *testing.T) {
	reg, _ := newTestRegistry()

	var got []string
	reg.OnDead(func(ids []string) error {
		got = append(got, ids...)
		return nil
	})

	reg.Register(protocol.Registration{NodeID: "n1", Status: protocol.StatusOffline})
	assert.True(t, reg.IsDead("n1"))
	assert.Equal(t, []string{"n1"}, got)

	reg.Register(protocol.Registration{NodeID: "n1"})
	assert.False(t, reg.IsDead("n1"))
}

func TestDead_CallbackFailuresIsolated(t *testing.T) {
	reg, _ := newTestRegistry()

	var after int32
	reg.OnDead(func([]string) error { return errors.New("boom") })
	reg.OnDead(func([]string) error { panic("kaboom") })
	reg.OnDead(func([]string) error {
		atomic.AddInt32(&after, 1)
		return nil
	})

	assert.NotPanics(t, func() {
		reg.ApplyStatus(status("n1", protocol.StatusDead))
	})
	assert.Equal(t, int32(1), atomic.LoadInt32(&after))
	assert.True(t, reg.IsDead("n1"))

	// Later messages are still processed
	_, _, err := reg.ApplyStatus(status("n1", protocol.StatusReady))
	require.NoError(t, err)
	assert.False(t, reg.IsDead("n1"))
}

func TestDead_CallbackMayReenter(t *testing.T) {
	reg, _ := newTestRegistry()

	var seen *NodeRecord
	reg.OnDead(func(ids []string) error {
		rec, err := reg.Get(ids[0])
		seen = rec
		return err
	})

	done := make(chan struct{})
	go func() {
		reg.ApplyStatus(status("n1", protocol.StatusDead))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback deadlocked on registry lock")
	}
	require.NotNil(t, seen)
	assert.Equal(t, protocol.StatusDead, seen.Status)
}

func TestDead_MembershipMatchesStatusProperty(t *testing.T) {
	reg, _ := newTestRegistry()

	rng := rand.New(rand.NewSource(7))
	statuses := []protocol.Status{
		protocol.StatusConnected, protocol.StatusReady, protocol.StatusBusy,
		protocol.StatusOffline, protocol.StatusDead, "custom",
	}

	deaths := map[string]int{}
	reg.OnDead(func(ids []string) error {
		for _, id := range ids {
			deaths[id]++
		}
		return nil
	})

	expectedDeaths := map[string]int{}
	wasDead := map[string]bool{}
	last := map[string]protocol.Status{}

	for i := 0; i < 2000; i++ {
		id := fmt.Sprintf("n%d", rng.Intn(8))
		s := statuses[rng.Intn(len(statuses))]

		if rng.Intn(5) == 0 {
			reg.Register(protocol.Registration{NodeID: id, Status: s})
		} else {
			reg.ApplyStatus(status(id, s))
		}

		if s.IsFailure() && !wasDead[id] {
			expectedDeaths[id]++
		}
		wasDead[id] = s.IsFailure()
		last[id] = s

		for seenID, want := range last {
			rec, err := reg.Get(seenID)
			require.NoError(t, err)
			require.Equal(t, want, rec.Status)
			require.Equal(t, want.IsFailure(), reg.IsDead(seenID), "node %s status %s", seenID, want)
		}
	}

	assert.Equal(t, len(last), reg.Len())
	assert.Equal(t, expectedDeaths, deaths)
}

// --- Forget ---

func TestForget_RemovesRecordAndDeadMembership(t *testing.T) {
	reg, _ := newTestRegistry()

	reg.Register(protocol.Registration{NodeID: "n1", DeviceType: "esp-32"})
	reg.ApplyStatus(status("n1", protocol.StatusDead))

	require.NoError(t, reg.Forget("n1"))
	assert.False(t, reg.Contains("n1"))
	assert.False(t, reg.IsDead("n1"))
	assert.Empty(t, reg.Dead())
}

func TestForget_Unknown(t *testing.T) {
	reg, _ := newTestRegistry()

	assert.ErrorIs(t, reg.Forget("missing"), ErrNotFound)
	assert.ErrorIs(t, reg.Forget(""), ErrInvalidID)
}

func TestForget_ThenMessageRecreatesFresh(t *testing.T) {
	reg, _ := newTestRegistry()

	var count int32
	reg.OnDead(func([]string) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	reg.Register(protocol.Registration{NodeID: "n1", DeviceType: "esp-32"})
	reg.ApplyStatus(status("n1", protocol.StatusDead))
	reg.Forget("n1")

	rec, transition, err := reg.ApplyStatus(status("n1", protocol.StatusDead))
	require.NoError(t, err)

	assert.Equal(t, protocol.DefaultDeviceType, rec.DeviceType, "stale device type merged")
	assert.Equal(t, liveness.Died, transition)
	assert.Equal(t, int32(2), atomic.LoadInt32(&count))
}

// --- Watch ---

func TestWatch_Events(t *testing.T) {
	reg, _ := newTestRegistry()
	defer reg.Close()

	events, err := reg.Watch()
	require.NoError(t, err)

	reg.Register(protocol.Registration{NodeID: "n1"})
	reg.ApplyStatus(status("n1", protocol.StatusDead))
	reg.ApplyStatus(status("n1", protocol.StatusReady))
	reg.Forget("n1")

	want := []EventType{EventAdded, EventUpdated, EventDied, EventUpdated, EventRevived, EventRemoved}
	for i, wt := range want {
		select {
		case ev := <-events:
			assert.Equal(t, wt, ev.Type, "event %d", i)
			assert.Equal(t, "n1", ev.Node.NodeID)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d (%s)", i, wt)
		}
	}
}

func TestWatch_FullBufferDoesNotBlock(t *testing.T) {
	reg := New(Config{WatchBuffer: 1})
	defer reg.Close()

	events, _ := reg.Watch()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			reg.ApplyStatus(status("n1", protocol.StatusReady))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("slow watcher stalled the registry")
	}
	assert.Len(t, events, 1)
	assert.Equal(t, uint64(9), reg.DroppedEvents())
}

func TestWatch_DroppedEventsLogged(t *testing.T) {
	var logs bytes.Buffer
	logger := logging.New()
	logger.SetOutput(&logs)

	reg := New(Config{WatchBuffer: 1, Logger: logger})
	defer reg.Close()

	events, _ := reg.Watch()
	reg.Register(protocol.Registration{NodeID: "n1"})
	reg.ApplyStatus(status("n1", protocol.StatusDead))

	assert.Len(t, events, 1)
	// Both the update and the died event were refused.
	assert.Equal(t, uint64(2), reg.DroppedEvents())
	assert.Contains(t, logs.String(), "watch_event_dropped")
	assert.Contains(t, logs.String(), `"node_id":"n1"`)

	<-events
	reg.ApplyStatus(status("n1", protocol.StatusReady))
	assert.Equal(t, uint64(3), reg.DroppedEvents(), "revived event refused after the update filled the buffer")
}

func TestUnwatch(t *testing.T) {
	reg, _ := newTestRegistry()
	defer reg.Close()

	kept, _ := reg.Watch()
	dropped, _ := reg.Watch()

	reg.Unwatch(dropped)
	reg.Unwatch(dropped) // second call is a no-op

	_, open := <-dropped
	assert.False(t, open, "unwatched channel is closed")

	reg.Register(protocol.Registration{NodeID: "n1"})
	select {
	case ev := <-kept:
		assert.Equal(t, EventAdded, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("remaining watcher missed the event")
	}
}

func TestClose(t *testing.T) {
	reg, _ := newTestRegistry()

	events, _ := reg.Watch()
	reg.Register(protocol.Registration{NodeID: "n1"})

	require.NoError(t, reg.Close())
	require.NoError(t, reg.Close())

	// Buffered events drain, then the channel closes
	for range events {
	}

	_, err := reg.Register(protocol.Registration{NodeID: "n2"})
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = reg.ApplyStatus(status("n1", protocol.StatusDead))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, reg.Forget("n1"), ErrClosed)
	_, err = reg.Watch()
	assert.ErrorIs(t, err, ErrClosed)

	assert.Len(t, reg.List(), 1)
}

// --- Concurrency ---

func TestConcurrentReadersSeeConsistentState(t *testing.T) {
	reg, _ := newTestRegistry()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			s := protocol.StatusReady
			if i%2 == 0 {
				s = protocol.StatusDead
			}
			reg.ApplyStatus(status("n1", s))
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, rec := range reg.List() {
					_ = rec.Status
				}
				reg.Dead()
			}
		}()
	}

	wg.Wait()
	assert.False(t, reg.IsDead("n1"))
}
