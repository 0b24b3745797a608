package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/resilience"
)

// StreamClient is the subset of the go-redis API used by RedisBus
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
}

var (
	_ StreamClient = (*redis.Client)(nil)
	_ StreamClient = (*redis.ClusterClient)(nil)
)

// Stream entry fields
const (
	fieldEvent      = "event"
	fieldDetailType = "detail_type"
	fieldError      = "error"
	fieldDeliveries = "deliveries"
	fieldOriginalID = "original_id"
)

// RedisBusConfig configures a RedisBus
type RedisBusConfig struct {
	Stream        string
	Group         string
	Consumer      string
	MaxDeliveries int
	// ClaimIdle is how long an entry stays pending before another
	// consumer reclaims it for redelivery
	ClaimIdle time.Duration
	// Block bounds one XREADGROUP wait
	Block time.Duration
	// Count is the batch size of one read
	Count   int64
	Workers int
}

// RedisBus is a Redis Streams bus with consumer-group delivery. An entry
// is acknowledged only after its handler returns nil; entries left pending
// are reclaimed after ClaimIdle and moved to the dead-letter stream once
// MaxDeliveries is reached or the handler reports a permanent error.
type RedisBus struct {
	client  StreamClient
	cfg     RedisBusConfig
	logger  zerolog.Logger
	metrics *resilience.Metrics
	closer  io.Closer

	groupOnce sync.Once
	groupErr  error
}

// RedisBusOption configures a RedisBus
type RedisBusOption func(*RedisBus)

// WithRedisLogger sets the logger
func WithRedisLogger(logger zerolog.Logger) RedisBusOption {
	return func(b *RedisBus) {
		b.logger = logger
	}
}

// WithRedisMetrics sets the metrics sink
func WithRedisMetrics(m *resilience.Metrics) RedisBusOption {
	return func(b *RedisBus) {
		b.metrics = m
	}
}

// NewRedisBus creates a bus over client
func NewRedisBus(client StreamClient, cfg RedisBusConfig, opts ...RedisBusOption) *RedisBus {
	if cfg.Stream == "" {
		cfg.Stream = "mangaflow:events"
	}
	if cfg.Group == "" {
		cfg.Group = "mangaflow-workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker"
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = time.Minute
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	b := &RedisBus{
		client: client,
		cfg:    cfg,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewRedisBusFromConfig connects to the configured Redis
func NewRedisBusFromConfig(cfg mangaflow.EventsConfig, opts ...RedisBusOption) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	b := NewRedisBus(client, RedisBusConfig{
		Stream:        cfg.Stream,
		Group:         cfg.Group,
		Consumer:      cfg.Consumer,
		MaxDeliveries: cfg.MaxDeliveries,
		ClaimIdle:     cfg.ClaimIdle,
		Workers:       cfg.Workers,
	}, opts...)
	b.closer = client
	return b
}

// DeadLetterStream names the stream holding abandoned entries
func (b *RedisBus) DeadLetterStream() string {
	return b.cfg.Stream + ":dlq"
}

// Publish appends evt to the stream
func (b *RedisBus) Publish(ctx context.Context, evt mangaflow.Event) error {
	evt = prepare(ctx, evt)

	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", evt.ID, err)
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: map[string]interface{}{
			fieldEvent:      string(raw),
			fieldDetailType: evt.DetailType,
		},
	}).Err()
	b.metrics.RecordPublished(ctx, evt.DetailType, err)
	if err != nil {
		return fmt.Errorf("failed to publish event %s: %w", evt.ID, err)
	}

	mangaflow.LogPublished(resilience.Logger(ctx, b.logger), evt.Source, evt.DetailType, evt.ID)
	return nil
}

// ensureGroup creates the consumer group once, tolerating an existing one
func (b *RedisBus) ensureGroup(ctx context.Context) error {
	b.groupOnce.Do(func() {
		err := b.client.XGroupCreateMkStream(ctx, b.cfg.Stream, b.cfg.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			b.groupErr = fmt.Errorf("failed to create consumer group %s: %w", b.cfg.Group, err)
		}
	})
	return b.groupErr
}

// Subscribe consumes the stream with Workers consumers until ctx is
// cancelled
func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) error {
	if err := b.ensureGroup(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < b.cfg.Workers; i++ {
		consumer := b.cfg.Consumer
		if b.cfg.Workers > 1 {
			consumer = fmt.Sprintf("%s-%d", b.cfg.Consumer, i+1)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.consume(ctx, consumer, handler)
		}()
	}
	wg.Wait()
	return nil
}

func (b *RedisBus) consume(ctx context.Context, consumer string, handler Handler) {
	logger := b.logger.With().Str("consumer", consumer).Logger()

	for ctx.Err() == nil {
		if err := b.Poll(ctx, consumer, handler); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("Stream poll failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// Poll runs one consume cycle: reclaim stale pending entries, then read
// new ones, delivering each to handler
func (b *RedisBus) Poll(ctx context.Context, consumer string, handler Handler) error {
	claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.cfg.Stream,
		Group:    b.cfg.Group,
		MinIdle:  b.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    b.cfg.Count,
		Consumer: consumer,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to reclaim pending entries: %w", err)
	}
	for _, msg := range claimed {
		b.process(ctx, handler, msg)
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: consumer,
		Streams:  []string{b.cfg.Stream, ">"},
		Count:    b.cfg.Count,
		Block:    b.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("failed to read stream: %w", err)
	}

	for _, s := range streams {
		for _, msg := range s.Messages {
			b.process(ctx, handler, msg)
		}
	}
	return nil
}

func (b *RedisBus) process(ctx context.Context, handler Handler, msg redis.XMessage) {
	evt, err := decodeMessage(msg)
	if err != nil {
		b.deadLetter(ctx, msg, mangaflow.Event{}, mangaflow.ValidationError(err.Error()), 1)
		return
	}

	herr := handler(ctx, evt)
	if herr == nil {
		b.ack(ctx, msg.ID)
		return
	}

	deliveries := b.deliveries(ctx, msg.ID)
	if shouldDeadLetter(herr, deliveries, b.cfg.MaxDeliveries) {
		b.deadLetter(ctx, msg, evt, herr, deliveries)
		return
	}

	b.logger.Warn().
		Err(herr).
		Str("entry_id", msg.ID).
		Str("event_id", evt.ID).
		Int("deliveries", deliveries).
		Msg("Delivery failed, left pending for redelivery")
}

// deliveries returns how many times the entry has been delivered
func (b *RedisBus) deliveries(ctx context.Context, id string) int {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.cfg.Stream,
		Group:  b.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return int(pending[0].RetryCount)
}

func (b *RedisBus) ack(ctx context.Context, id string) {
	if err := b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, id).Err(); err != nil {
		b.logger.Error().Err(err).Str("entry_id", id).Msg("Failed to acknowledge entry")
	}
}

// deadLetter copies the entry to the dead-letter stream, then acknowledges
// it. If the copy fails the entry stays pending and is retried later.
func (b *RedisBus) deadLetter(ctx context.Context, msg redis.XMessage, evt mangaflow.Event, cause error, deliveries int) {
	raw, _ := msg.Values[fieldEvent].(string)

	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.DeadLetterStream(),
		Values: map[string]interface{}{
			fieldEvent:      raw,
			fieldDetailType: evt.DetailType,
			fieldError:      cause.Error(),
			fieldDeliveries: strconv.Itoa(deliveries),
			fieldOriginalID: msg.ID,
		},
	}).Err()
	if err != nil {
		b.logger.Error().Err(err).Str("entry_id", msg.ID).Msg("Failed to dead-letter entry")
		return
	}

	b.logger.Warn().
		Err(cause).
		Str("entry_id", msg.ID).
		Str("event_id", evt.ID).
		Str("detail_type", evt.DetailType).
		Int("deliveries", deliveries).
		Msg("Event dead-lettered")
	b.ack(ctx, msg.ID)
}

func decodeMessage(msg redis.XMessage) (mangaflow.Event, error) {
	raw, ok := msg.Values[fieldEvent].(string)
	if !ok {
		return mangaflow.Event{}, fmt.Errorf("entry %s has no %q field", msg.ID, fieldEvent)
	}
	var evt mangaflow.Event
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		return mangaflow.Event{}, fmt.Errorf("entry %s: %w", msg.ID, err)
	}
	return evt, nil
}

// Close releases the client if the bus created it
func (b *RedisBus) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}
