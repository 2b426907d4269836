package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	ctx := context.Background()

	var got []Event
	bus.Subscribe("settlement", func(e Event) { got = append(got, e) })

	bus.Publish(ctx, Event{Topic: "settlement", Type: "first", Payload: 1})
	bus.Publish(ctx, Event{Topic: "other", Type: "ignored"})
	bus.Publish(ctx, Event{Topic: "settlement", Type: "second", Payload: 2})

	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Type)
	assert.Equal(t, 2, got[1].Payload)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	ctx := context.Background()

	var delivered int
	bus.Subscribe("t", func(Event) { panic("boom") })
	bus.Subscribe("t", func(Event) { delivered++ })

	bus.Publish(ctx, Event{Topic: "t", Type: "x"})
	assert.Equal(t, 1, delivered)
}

func TestRecorder(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	ctx := context.Background()
	rec := NewRecorder(bus, "a", "b")

	bus.Publish(ctx, Event{Topic: "a", Type: "created"})
	bus.Publish(ctx, Event{Topic: "b", Type: "created"})
	bus.Publish(ctx, Event{Topic: "c", Type: "created"})
	bus.Publish(ctx, Event{Topic: "a", Type: "updated"})

	assert.Len(t, rec.Events(), 3)
	assert.Len(t, rec.OfType("created"), 2)

	rec.Reset()
	assert.Empty(t, rec.Events())
}
