package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/sicko7947/mangaflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream is an in-memory StreamClient with per-method hooks
type fakeStream struct {
	mu      sync.Mutex
	added   map[string][]map[string]interface{}
	acked   []string
	pending map[string]int64

	readFunc  func(a *redis.XReadGroupArgs) ([]redis.XStream, error)
	claimFunc func(a *redis.XAutoClaimArgs) []redis.XMessage
	groupErr  error
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		added:   map[string][]map[string]interface{}{},
		pending: map[string]int64{},
	}
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, _ := a.Values.(map[string]interface{})
	f.added[a.Stream] = append(f.added[a.Stream], values)
	return redis.NewStringResult("1-0", nil)
}

func (f *fakeStream) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	return redis.NewStatusResult("OK", f.groupErr)
}

func (f *fakeStream) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	if f.readFunc == nil {
		return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
	}
	streams, err := f.readFunc(a)
	return redis.NewXStreamSliceCmdResult(streams, err)
}

func (f *fakeStream) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (f *fakeStream) XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd {
	cmd := redis.NewXAutoClaimCmd(ctx)
	var msgs []redis.XMessage
	if f.claimFunc != nil {
		msgs = f.claimFunc(a)
	}
	cmd.SetVal(msgs, "0-0")
	return cmd
}

func (f *fakeStream) XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd {
	cmd := redis.NewXPendingExtCmd(ctx)
	f.mu.Lock()
	count, ok := f.pending[a.Start]
	f.mu.Unlock()
	if ok {
		cmd.SetVal([]redis.XPendingExt{{ID: a.Start, RetryCount: count}})
	}
	return cmd
}

func entryFor(t *testing.T, id string, evt mangaflow.Event) redis.XMessage {
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	return redis.XMessage{ID: id, Values: map[string]interface{}{fieldEvent: string(raw), fieldDetailType: evt.DetailType}}
}

func TestRedisBus_Publish(t *testing.T) {
	client := newFakeStream()
	bus := NewRedisBus(client, RedisBusConfig{Stream: "events"})

	require.NoError(t, bus.Publish(context.Background(), episodeEvent(t, 1)))

	entries := client.added["events"]
	require.Len(t, entries, 1)
	assert.Equal(t, mangaflow.DetailEpisodeGenerationRequested, entries[0][fieldDetailType])

	evt, err := decodeMessage(redis.XMessage{ID: "1-0", Values: entries[0]})
	require.NoError(t, err)
	assert.Equal(t, mangaflow.SourceStory, evt.Source)
}

func TestRedisBus_PollAcksSuccess(t *testing.T) {
	client := newFakeStream()
	entry := entryFor(t, "5-0", episodeEvent(t, 1))
	client.readFunc = func(a *redis.XReadGroupArgs) ([]redis.XStream, error) {
		assert.Equal(t, []string{"events", ">"}, a.Streams)
		return []redis.XStream{{Stream: "events", Messages: []redis.XMessage{entry}}}, nil
	}
	bus := NewRedisBus(client, RedisBusConfig{Stream: "events"})

	var got []string
	err := bus.Poll(context.Background(), "c1", func(ctx context.Context, evt mangaflow.Event) error {
		got = append(got, evt.DetailType)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{mangaflow.DetailEpisodeGenerationRequested}, got)
	assert.Equal(t, []string{"5-0"}, client.acked)
}

func TestRedisBus_TransientFailureStaysPending(t *testing.T) {
	client := newFakeStream()
	entry := entryFor(t, "5-0", episodeEvent(t, 1))
	client.pending["5-0"] = 1
	client.readFunc = func(a *redis.XReadGroupArgs) ([]redis.XStream, error) {
		return []redis.XStream{{Stream: "events", Messages: []redis.XMessage{entry}}}, nil
	}
	bus := NewRedisBus(client, RedisBusConfig{Stream: "events", MaxDeliveries: 3})

	err := bus.Poll(context.Background(), "c1", func(ctx context.Context, evt mangaflow.Event) error {
		return errors.New("service unavailable")
	})

	require.NoError(t, err)
	assert.Empty(t, client.acked)
	assert.Empty(t, client.added[bus.DeadLetterStream()])
}

func TestRedisBus_ReclaimedAtMaxDeliveriesIsDeadLettered(t *testing.T) {
	client := newFakeStream()
	entry := entryFor(t, "7-0", episodeEvent(t, 1))
	client.pending["7-0"] = 3
	client.claimFunc = func(a *redis.XAutoClaimArgs) []redis.XMessage {
		return []redis.XMessage{entry}
	}
	bus := NewRedisBus(client, RedisBusConfig{Stream: "events", MaxDeliveries: 3})

	err := bus.Poll(context.Background(), "c1", func(ctx context.Context, evt mangaflow.Event) error {
		return errors.New("timeout")
	})

	require.NoError(t, err)
	dlq := client.added["events:dlq"]
	require.Len(t, dlq, 1)
	assert.Equal(t, "7-0", dlq[0][fieldOriginalID])
	assert.Equal(t, "3", dlq[0][fieldDeliveries])
	assert.Equal(t, []string{"7-0"}, client.acked)
}

func TestRedisBus_PermanentFailureIsDeadLettered(t *testing.T) {
	client := newFakeStream()
	entry := entryFor(t, "9-0", episodeEvent(t, 1))
	client.pending["9-0"] = 1
	client.readFunc = func(a *redis.XReadGroupArgs) ([]redis.XStream, error) {
		return []redis.XStream{{Stream: "events", Messages: []redis.XMessage{entry}}}, nil
	}
	bus := NewRedisBus(client, RedisBusConfig{Stream: "events", MaxDeliveries: 5})

	err := bus.Poll(context.Background(), "c1", func(ctx context.Context, evt mangaflow.Event) error {
		return mangaflow.ValidationError("bad detail")
	})

	require.NoError(t, err)
	require.Len(t, client.added["events:dlq"], 1)
	assert.Equal(t, []string{"9-0"}, client.acked)
}

func TestRedisBus_UndecodableEntryIsDeadLettered(t *testing.T) {
	client := newFakeStream()
	client.readFunc = func(a *redis.XReadGroupArgs) ([]redis.XStream, error) {
		return []redis.XStream{{Stream: "events", Messages: []redis.XMessage{
			{ID: "1-1", Values: map[string]interface{}{fieldEvent: "{not json"}},
		}}}, nil
	}
	bus := NewRedisBus(client, RedisBusConfig{Stream: "events"})

	called := false
	require.NoError(t, bus.Poll(context.Background(), "c1", func(ctx context.Context, evt mangaflow.Event) error {
		called = true
		return nil
	}))

	assert.False(t, called)
	assert.Len(t, client.added["events:dlq"], 1)
	assert.Equal(t, []string{"1-1"}, client.acked)
}

func TestRedisBus_ExistingGroupIsTolerated(t *testing.T) {
	client := newFakeStream()
	client.groupErr = errors.New("BUSYGROUP Consumer Group name already exists")
	bus := NewRedisBus(client, RedisBusConfig{Stream: "events"})

	assert.NoError(t, bus.ensureGroup(context.Background()))
}
