package aggregator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/conduit/pkg/event"
	"github.com/harun/conduit/pkg/fault"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signal(t event.Type, correlationID string) event.Event {
	return event.Signal("test", t).WithCorrelationID(correlationID)
}

func countingProcessor(calls *int32, got *[]event.Event) ProcessorFunc {
	return func(ctx context.Context, events []event.Event) ([]event.Event, error) {
		atomic.AddInt32(calls, 1)
		*got = events
		return []event.Event{event.Signal("agg", "Joined")}, nil
	}
}

func TestAggregatorQuorum(t *testing.T) {
	t.Run("should invoke processor once with both events", func(t *testing.T) {
		var calls int32
		var got []event.Event
		agg := New("join", []event.Type{"A", "B"}, countingProcessor(&calls, &got), WithLogger(zerolog.Nop()))

		out, err := agg.ReceiveEvent(context.Background(), signal("A", "x"))
		require.NoError(t, err)
		assert.Nil(t, out)
		assert.Len(t, agg.Pending("x"), 1)

		out, err = agg.ReceiveEvent(context.Background(), signal("B", "x"))
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "x", out[0].CorrelationID)

		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		require.Len(t, got, 2)
		assert.Equal(t, event.Type("A"), got[0].Type)
		assert.Equal(t, event.Type("B"), got[1].Type)
		assert.Empty(t, agg.Pending("x"))
		assert.Equal(t, 0, agg.PendingCorrelations())
	})

	t.Run("should keep correlation ids separate", func(t *testing.T) {
		var calls int32
		var got []event.Event
		agg := New("join", []event.Type{"A", "B"}, countingProcessor(&calls, &got), WithLogger(zerolog.Nop()))

		_, _ = agg.ReceiveEvent(context.Background(), signal("A", "x"))
		_, _ = agg.ReceiveEvent(context.Background(), signal("B", "y"))
		assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
		assert.Equal(t, 2, agg.PendingCorrelations())
	})

	t.Run("should carry extra events along with the set", func(t *testing.T) {
		var calls int32
		var got []event.Event
		agg := New("join", []event.Type{"A", "B"}, countingProcessor(&calls, &got), WithLogger(zerolog.Nop()))

		_, _ = agg.ReceiveEvent(context.Background(), signal("A", "x"))
		_, _ = agg.ReceiveEvent(context.Background(), signal("Noise", "x"))
		_, _ = agg.ReceiveEvent(context.Background(), signal("B", "x"))
		assert.Len(t, got, 3)
	})

	t.Run("should start a fresh set after quorum", func(t *testing.T) {
		var calls int32
		var got []event.Event
		agg := New("join", []event.Type{"A", "B"}, countingProcessor(&calls, &got), WithLogger(zerolog.Nop()))

		for i := 0; i < 2; i++ {
			_, _ = agg.ReceiveEvent(context.Background(), signal("A", "x"))
			_, _ = agg.ReceiveEvent(context.Background(), signal("B", "x"))
		}
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("should reject events without a correlation id", func(t *testing.T) {
		agg := New("join", []event.Type{"A"}, nil, WithLogger(zerolog.Nop()))
		_, err := agg.ReceiveEvent(context.Background(), event.Signal("test", "A"))
		assert.True(t, fault.Is(err, fault.KindMissingCorrelation))
	})

	t.Run("should propagate processor errors", func(t *testing.T) {
		agg := New("join", []event.Type{"A"}, ProcessorFunc(func(ctx context.Context, events []event.Event) ([]event.Event, error) {
			return nil, assert.AnError
		}), WithLogger(zerolog.Nop()))
		_, err := agg.ReceiveEvent(context.Background(), signal("A", "x"))
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestWaitForEvents(t *testing.T) {
	t.Run("should release waiters on quorum", func(t *testing.T) {
		agg := New("join", []event.Type{"A", "B"}, nil, WithLogger(zerolog.Nop()))

		done := make(chan []event.Event, 1)
		go func() {
			events, err := agg.WaitForEvents(context.Background(), "x", time.Second)
			if err == nil {
				done <- events
			}
			close(done)
		}()

		// let the waiter register before quorum
		time.Sleep(20 * time.Millisecond)
		_, _ = agg.ReceiveEvent(context.Background(), signal("A", "x"))
		_, _ = agg.ReceiveEvent(context.Background(), signal("B", "x"))

		select {
		case events := <-done:
			assert.Len(t, events, 2)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter not released")
		}
	})

	t.Run("should time out", func(t *testing.T) {
		agg := New("join", []event.Type{"A", "B"}, nil, WithLogger(zerolog.Nop()))

		start := time.Now()
		_, err := agg.WaitForEvents(context.Background(), "x", 30*time.Millisecond)
		assert.True(t, fault.Is(err, fault.KindTimeout))
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

		// the stale waiter must not block a later quorum
		_, _ = agg.ReceiveEvent(context.Background(), signal("A", "x"))
		_, err = agg.ReceiveEvent(context.Background(), signal("B", "x"))
		assert.NoError(t, err)
	})

	t.Run("should stop on context cancellation", func(t *testing.T) {
		agg := New("join", []event.Type{"A"}, nil, WithLogger(zerolog.Nop()))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := agg.WaitForEvents(ctx, "x", 0)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
