package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masqctl/masqctl/internal/logging"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := NewBus(logging.Discard())
	var received Event
	bus.Subscribe(ApplyCompleted, func(e Event) { received = e })

	bus.Publish(Event{
		Type: ApplyCompleted,
		Data: map[string]string{"requestId": "r1", "versionId": "3"},
	})

	assert.Equal(t, ApplyCompleted, received.Type)
	assert.Equal(t, "3", received.Data["versionId"])
	assert.False(t, received.Timestamp.IsZero())
}

func TestMultipleSubscribersInOrder(t *testing.T) {
	bus := NewBus(logging.Discard())
	var order []int
	for i := range 3 {
		bus.Subscribe(ApplyFatal, func(Event) { order = append(order, i) })
	}
	bus.Publish(Event{Type: ApplyFatal})
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestSubscribeAllSeesEveryType(t *testing.T) {
	bus := NewBus(logging.Discard())
	var typed, all []EventType
	bus.Subscribe(ConfigStaged, func(e Event) { typed = append(typed, e.Type) })
	bus.SubscribeAll(func(e Event) { all = append(all, e.Type) })

	bus.Publish(Event{Type: ConfigStaged})
	bus.Publish(Event{Type: DaemonStateCrashed})

	assert.Equal(t, []EventType{ConfigStaged}, typed)
	assert.Equal(t, []EventType{ConfigStaged, DaemonStateCrashed}, all)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(logging.Discard())
	count := 0
	id := bus.SubscribeAll(func(Event) { count++ })

	bus.Publish(Event{Type: ApplyStarted})
	bus.Unsubscribe(id)
	bus.Publish(Event{Type: ApplyStarted})
	assert.Equal(t, 1, count)

	bus.Unsubscribe(9999) // unknown id is a no-op
}

func TestPanicRecovery(t *testing.T) {
	bus := NewBus(logging.Discard())
	after := false
	bus.Subscribe(ApplyFatal, func(Event) { panic("boom") })
	bus.Subscribe(ApplyFatal, func(Event) { after = true })

	require.NotPanics(t, func() { bus.Publish(Event{Type: ApplyFatal}) })
	assert.True(t, after)
}

func TestNoSubscribersNoAlloc(t *testing.T) {
	bus := NewBus(logging.Discard())
	e := Event{Type: DaemonStateRunning, Timestamp: time.Now()}
	allocs := testing.AllocsPerRun(100, func() { bus.Publish(e) })
	assert.Zero(t, allocs)
}

func TestConcurrentSubscribeUnsubscribe(t *testing.T) {
	bus := NewBus(logging.Discard())
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := bus.Subscribe(DaemonStateRunning, func(Event) {})
			bus.Publish(Event{Type: DaemonStateRunning})
			bus.Unsubscribe(id)
		}()
	}
	wg.Wait()
	assert.Zero(t, bus.SubscriberCount(DaemonStateRunning))
}

func TestTimestampPreserved(t *testing.T) {
	bus := NewBus(logging.Discard())
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var got time.Time
	bus.SubscribeAll(func(e Event) { got = e.Timestamp })
	bus.Publish(Event{Type: ApplyStarted, Timestamp: ts})
	assert.True(t, got.Equal(ts))
}

func TestParseEventTypes(t *testing.T) {
	got, err := ParseEventTypes([]string{"apply_fatal", "daemon_state"})
	require.NoError(t, err)
	assert.Equal(t, ApplyFatal, got[0])
	assert.Len(t, got, 6)
	assert.Contains(t, got, DaemonStateCrashed)

	got, err = ParseEventTypes([]string{"APPLY"})
	require.NoError(t, err)
	assert.Contains(t, got, ApplyRolledBack)

	_, err = ParseEventTypes([]string{"process_state_fatal"})
	assert.ErrorContains(t, err, "unknown event")
}
