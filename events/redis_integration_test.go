//go:build integration

package events

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sicko7947/mangaflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run with: REDIS_ADDR=localhost:6379 go test -tags=integration ./events/...
func TestRedisBus_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	stream := "mangaflow:test:" + uuid.NewString()
	defer client.Del(context.Background(), stream, stream+":dlq")

	bus := NewRedisBus(client, RedisBusConfig{
		Stream:        stream,
		Group:         "test",
		Consumer:      "c1",
		MaxDeliveries: 2,
		ClaimIdle:     50 * time.Millisecond,
		Block:         100 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	received := make(chan mangaflow.Event, 1)
	go func() {
		_ = bus.Subscribe(ctx, func(ctx context.Context, evt mangaflow.Event) error {
			received <- evt
			return nil
		})
	}()

	evt, err := mangaflow.NewEvent(mangaflow.SourceStory, mangaflow.DetailEpisodeGenerationRequested,
		mangaflow.EpisodeGenerationRequested{UserID: "u1", StoryID: "s1", StoryContentPath: "p", EpisodeNumber: 1})
	require.NoError(t, err)

	// The group may not exist yet when publishing races the subscriber
	require.NoError(t, bus.ensureGroup(ctx))
	require.NoError(t, bus.Publish(ctx, evt))

	select {
	case got := <-received:
		assert.Equal(t, evt.ID, got.ID)
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}
}
