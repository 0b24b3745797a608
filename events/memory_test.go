package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runBus subscribes in the background and returns a stop function that
// waits for Subscribe to return
func runBus(t *testing.T, bus *MemoryBus, h Handler) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Subscribe(ctx, h) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("subscriber did not stop")
		}
	}
}

func TestMemoryBus_DeliversEvents(t *testing.T) {
	bus := NewMemoryBus(WithWorkers(2))
	received := make(chan mangaflow.Event, 3)
	stop := runBus(t, bus, func(ctx context.Context, evt mangaflow.Event) error {
		received <- evt
		return nil
	})
	defer stop()

	ctx := resilience.WithCorrelationID(context.Background(), "corr-1")
	for i := 1; i <= 3; i++ {
		require.NoError(t, bus.Publish(ctx, episodeEvent(t, i)))
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case evt := <-received:
			seen[evt.ID] = true
			assert.Equal(t, "corr-1", evt.CorrelationID)
		case <-time.After(5 * time.Second):
			t.Fatal("event not delivered")
		}
	}
	assert.Len(t, seen, 3)
}

func TestMemoryBus_RedeliversThenDeadLetters(t *testing.T) {
	bus := NewMemoryBus(WithWorkers(1), WithMaxDeliveries(3))
	var calls atomic.Int32
	finished := make(chan struct{}, 3)
	stop := runBus(t, bus, func(ctx context.Context, evt mangaflow.Event) error {
		calls.Add(1)
		finished <- struct{}{}
		return errors.New("connection reset")
	})

	require.NoError(t, bus.Publish(context.Background(), episodeEvent(t, 1)))
	for i := 0; i < 3; i++ {
		<-finished
	}

	require.Eventually(t, func() bool { return len(bus.DeadLetters()) == 1 }, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, int32(3), calls.Load())
	dl := bus.DeadLetters()[0]
	assert.Equal(t, 3, dl.Deliveries)
	assert.Contains(t, dl.Error, "connection reset")
}

func TestMemoryBus_WaitsBetweenRedeliveries(t *testing.T) {
	var waits []int
	var mu sync.Mutex
	bus := NewMemoryBus(WithWorkers(1), WithMaxDeliveries(3), WithRedeliveryDelay(func(deliveries int) time.Duration {
		mu.Lock()
		waits = append(waits, deliveries)
		mu.Unlock()
		return 20 * time.Millisecond
	}))

	var stamps []time.Time
	stop := runBus(t, bus, func(ctx context.Context, evt mangaflow.Event) error {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return errors.New("connection reset")
	})

	require.NoError(t, bus.Publish(context.Background(), episodeEvent(t, 1)))
	require.Eventually(t, func() bool { return len(bus.DeadLetters()) == 1 }, 5*time.Second, 10*time.Millisecond)
	stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, waits)
	require.Len(t, stamps, 3)
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), 20*time.Millisecond)
	}
}

func TestMemoryBus_CloseInterruptsRedeliveryWait(t *testing.T) {
	bus := NewMemoryBus(WithWorkers(1), WithMaxDeliveries(5), WithRedeliveryDelay(func(int) time.Duration {
		return time.Hour
	}))
	delivered := make(chan struct{}, 1)
	stop := runBus(t, bus, func(ctx context.Context, evt mangaflow.Event) error {
		delivered <- struct{}{}
		return errors.New("connection reset")
	})

	require.NoError(t, bus.Publish(context.Background(), episodeEvent(t, 1)))
	<-delivered
	require.NoError(t, bus.Close())
	stop()

	dl := bus.DeadLetters()
	require.Len(t, dl, 1)
	assert.Equal(t, 1, dl[0].Deliveries)
}

func TestMemoryBus_PermanentErrorDeadLettersAtOnce(t *testing.T) {
	bus := NewMemoryBus(WithWorkers(1), WithMaxDeliveries(5))
	var calls atomic.Int32
	stop := runBus(t, bus, func(ctx context.Context, evt mangaflow.Event) error {
		calls.Add(1)
		return mangaflow.ValidationError("bad detail")
	})

	require.NoError(t, bus.Publish(context.Background(), episodeEvent(t, 1)))
	require.Eventually(t, func() bool { return len(bus.DeadLetters()) == 1 }, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, int32(1), calls.Load())
}

func TestMemoryBus_PublishAfterClose(t *testing.T) {
	bus := NewMemoryBus()
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), episodeEvent(t, 1)), ErrBusClosed)
}

func TestMemoryBus_PublishRespectsContext(t *testing.T) {
	bus := NewMemoryBus(WithBuffer(1))
	require.NoError(t, bus.Publish(context.Background(), episodeEvent(t, 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bus.Publish(ctx, episodeEvent(t, 2)), context.DeadlineExceeded)
	assert.Equal(t, 1, bus.Pending())
}
