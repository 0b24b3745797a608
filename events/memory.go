package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/resilience"
)

// ErrBusClosed is returned when publishing to a closed bus
var ErrBusClosed = errors.New("event bus closed")

// MemoryBus is an in-process bus delivering through a worker pool.
// Failed deliveries are retried in place up to MaxDeliveries, waiting the
// redelivery delay between attempts, then dead-lettered.
type MemoryBus struct {
	queue         chan mangaflow.Event
	done          chan struct{}
	workers       int
	maxDeliveries int
	redeliverWait func(deliveries int) time.Duration
	logger        zerolog.Logger
	metrics       *resilience.Metrics

	mu          sync.RWMutex
	closed      bool
	deadLetters []DeadLetter
}

// MemoryBusOption configures a MemoryBus
type MemoryBusOption func(*MemoryBus)

// WithWorkers sets the number of concurrent deliveries
func WithWorkers(n int) MemoryBusOption {
	return func(b *MemoryBus) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithMaxDeliveries caps deliveries of one event
func WithMaxDeliveries(n int) MemoryBusOption {
	return func(b *MemoryBus) {
		if n > 0 {
			b.maxDeliveries = n
		}
	}
}

// WithRedeliveryDelay sets the wait before redelivering an event that
// failed deliveries times. Pass resilience.Retrier.Delay for exponential
// backoff with jitter.
func WithRedeliveryDelay(delay func(deliveries int) time.Duration) MemoryBusOption {
	return func(b *MemoryBus) {
		b.redeliverWait = delay
	}
}

// WithBuffer sets the queue capacity
func WithBuffer(n int) MemoryBusOption {
	return func(b *MemoryBus) {
		if n > 0 {
			b.queue = make(chan mangaflow.Event, n)
		}
	}
}

// WithMemoryLogger sets the logger
func WithMemoryLogger(logger zerolog.Logger) MemoryBusOption {
	return func(b *MemoryBus) {
		b.logger = logger
	}
}

// WithMemoryMetrics sets the metrics sink
func WithMemoryMetrics(m *resilience.Metrics) MemoryBusOption {
	return func(b *MemoryBus) {
		b.metrics = m
	}
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus(opts ...MemoryBusOption) *MemoryBus {
	b := &MemoryBus{
		queue:         make(chan mangaflow.Event, 1024),
		done:          make(chan struct{}),
		workers:       4,
		maxDeliveries: 3,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish enqueues evt, blocking while the queue is full
func (b *MemoryBus) Publish(ctx context.Context, evt mangaflow.Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	evt = prepare(ctx, evt)
	select {
	case <-b.done:
		return ErrBusClosed
	case b.queue <- evt:
		mangaflow.LogPublished(resilience.Logger(ctx, b.logger), evt.Source, evt.DetailType, evt.ID)
		b.metrics.RecordPublished(ctx, evt.DetailType, nil)
		return nil
	case <-ctx.Done():
		b.metrics.RecordPublished(ctx, evt.DetailType, ctx.Err())
		return ctx.Err()
	}
}

// Subscribe runs the worker pool until ctx is cancelled or the bus is
// closed. It returns after every in-flight delivery has finished.
func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < b.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-b.done:
					return
				case evt := <-b.queue:
					b.deliver(ctx, handler, evt)
				}
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, handler Handler, evt mangaflow.Event) {
	var err error
	for deliveries := 1; ; deliveries++ {
		err = handler(ctx, evt)
		if err == nil {
			return
		}
		if shouldDeadLetter(err, deliveries, b.maxDeliveries) || !b.waitRedelivery(ctx, deliveries) {
			b.deadLetter(ctx, evt, err, deliveries)
			return
		}
	}
}

// waitRedelivery sleeps before the next delivery. It reports false when
// ctx is cancelled or the bus closes first.
func (b *MemoryBus) waitRedelivery(ctx context.Context, deliveries int) bool {
	if ctx.Err() != nil {
		return false
	}
	if b.redeliverWait == nil {
		return true
	}
	wait := b.redeliverWait(deliveries)
	if wait <= 0 {
		return true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	}
}

func (b *MemoryBus) deadLetter(ctx context.Context, evt mangaflow.Event, err error, deliveries int) {
	b.logger.Warn().
		Err(err).
		Str("event_id", evt.ID).
		Str("detail_type", evt.DetailType).
		Str("correlation_id", evt.CorrelationID).
		Int("deliveries", deliveries).
		Msg("Event dead-lettered")

	b.mu.Lock()
	b.deadLetters = append(b.deadLetters, DeadLetter{
		Event:      evt,
		Error:      err.Error(),
		Deliveries: deliveries,
		FailedAt:   time.Now().UTC(),
	})
	b.mu.Unlock()
}

// DeadLetters snapshots the events the bus gave up on
func (b *MemoryBus) DeadLetters() []DeadLetter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// Pending returns the number of queued, undelivered events
func (b *MemoryBus) Pending() int {
	return len(b.queue)
}

// Close stops the workers. Queued events are dropped.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
