package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stepflow-io/stepflow/engine/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition not met before deadline")
}

func TestBus_PublishSubscribe(t *testing.T) {
	t.Run("Should deliver events to subscribed handlers", func(t *testing.T) {
		bus := NewBus()
		defer bus.Close()
		var mu sync.Mutex
		var got []Event
		bus.SubscribeFunc(TypeTransition, func(_ context.Context, e Event) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, e)
			return nil
		})
		bus.Publish(Event{Type: TypeTransition, EntityType: core.EntityStep, EntityID: "s1"})
		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 1
		})
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, core.ID("s1"), got[0].EntityID)
		assert.False(t, got[0].At.IsZero(), "publish should stamp the event")
	})
	t.Run("Should deliver every event to wildcard subscribers", func(t *testing.T) {
		bus := NewBus()
		defer bus.Close()
		var mu sync.Mutex
		count := 0
		bus.SubscribeFunc("*", func(_ context.Context, _ Event) error {
			mu.Lock()
			defer mu.Unlock()
			count++
			return nil
		})
		bus.Publish(Event{Type: TypeTransition})
		bus.Publish(Event{Type: TypeTaskFinalized})
		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return count == 2
		})
	})
	t.Run("Should not propagate handler errors or panics", func(t *testing.T) {
		bus := NewBus()
		defer bus.Close()
		var mu sync.Mutex
		delivered := 0
		bus.SubscribeFunc(TypeStepReady, func(_ context.Context, _ Event) error {
			return errors.New("observer broke")
		})
		bus.SubscribeFunc(TypeStepReady, func(_ context.Context, _ Event) error {
			panic("observer panicked")
		})
		bus.SubscribeFunc(TypeStepReady, func(_ context.Context, _ Event) error {
			mu.Lock()
			defer mu.Unlock()
			delivered++
			return nil
		})
		bus.Publish(Event{Type: TypeStepReady})
		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return delivered == 1
		})
	})
}

func TestBus_Backpressure(t *testing.T) {
	t.Run("Should drop events instead of blocking when the buffer is full", func(t *testing.T) {
		bus := &Bus{
			handlers: map[string][]Handler{},
			eventCh:  make(chan Event, 1),
			done:     make(chan struct{}),
		}
		// no processor goroutine: the channel fills immediately
		bus.Publish(Event{Type: TypeTransition})
		bus.Publish(Event{Type: TypeTransition})
		bus.Publish(Event{Type: TypeTransition})
		assert.Equal(t, uint64(2), bus.Dropped())
	})
}

func TestBus_Close(t *testing.T) {
	t.Run("Should ignore publishes after close", func(t *testing.T) {
		bus := NewBus()
		bus.Close()
		bus.Publish(Event{Type: TypeTransition})
		assert.Equal(t, uint64(0), bus.Dropped())
	})
	t.Run("Should be safe to close twice", func(t *testing.T) {
		bus := NewBus()
		bus.Close()
		bus.Close()
	})
}
