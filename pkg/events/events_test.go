package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/orchid/pkg/task"
)

func TestPublishDeliversToTypeListeners(t *testing.T) {
	bus := NewBus()
	var got []Event

	bus.Subscribe(StateStatusChanged, func(_ context.Context, ev Event) {
		got = append(got, ev)
	})
	bus.Subscribe(StatePauseChanged, func(_ context.Context, ev Event) {
		t.Fatal("wrong type delivered")
	})

	bus.Publish(context.Background(), Event{Type: StateStatusChanged, TaskID: "t1"})

	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].TaskID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestSubscribeAllSeesEverything(t *testing.T) {
	bus := NewBus()
	var count int
	bus.SubscribeAll(func(context.Context, Event) { count++ })

	bus.Publish(context.Background(), Event{Type: StateStatusChanged})
	bus.Publish(context.Background(), Event{Type: StatePauseChanged})

	assert.Equal(t, 2, count)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	var count int
	unsub := bus.Subscribe(StateStatusChanged, func(context.Context, Event) { count++ })

	bus.Publish(context.Background(), Event{Type: StateStatusChanged})
	unsub()
	bus.Publish(context.Background(), Event{Type: StateStatusChanged})

	assert.Equal(t, 1, count)
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	bus := NewBus()
	var survived bool

	bus.Subscribe(StateStatusChanged, func(context.Context, Event) {
		panic("listener bug")
	})
	bus.Subscribe(StateStatusChanged, func(context.Context, Event) {
		survived = true
	})

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), Event{Type: StateStatusChanged})
	})
	assert.True(t, survived)
}

func TestStateBookLifecycle(t *testing.T) {
	bus := NewBus()
	book := NewStateBook(bus)
	ctx := context.Background()

	var types []EventType
	bus.SubscribeAll(func(_ context.Context, ev Event) {
		types = append(types, ev.Type)
	})

	book.Register(ctx, "t1", 100, 5, 3)
	book.SetStatus(ctx, "t1", task.StatusRunning)
	book.SetPaused(ctx, "t1", true)
	book.SetErrors(ctx, "t1", 2)
	book.SetProgress(ctx, "t1", 4, 1)

	st, ok := book.Get("t1")
	require.True(t, ok)
	assert.Equal(t, task.StatusRunning, st.Status)
	assert.True(t, st.Paused)
	assert.Equal(t, 2, st.ConsecutiveErrors)
	assert.Equal(t, 4, st.Iterations)
	assert.Equal(t, 1, st.IdleRounds)
	assert.Equal(t, 100, st.MaxIterations)

	assert.Equal(t, []EventType{
		TaskRegistered,
		StateStatusChanged,
		StatePauseChanged,
		StateErrorsChanged,
		StateProgressChanged,
	}, types)

	book.Remove(ctx, "t1")
	_, ok = book.Get("t1")
	assert.False(t, ok)
}

func TestStateBookNoEventWithoutChange(t *testing.T) {
	bus := NewBus()
	book := NewStateBook(bus)
	ctx := context.Background()

	book.Register(ctx, "t1", 100, 5, 3)

	var count int
	bus.Subscribe(StateStatusChanged, func(context.Context, Event) { count++ })

	book.SetStatus(ctx, "t1", task.StatusRunning)
	book.SetStatus(ctx, "t1", task.StatusRunning)
	assert.Equal(t, 1, count)

	// Unknown task ids are ignored.
	book.SetStatus(ctx, "missing", task.StatusRunning)
	assert.Equal(t, 1, count)
}
