//go:build integration

package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedisStreamPublisher_AppendsToTopicStream(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	addr, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(addr)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	pub, err := NewRedisStreamPublisher(client, NewZerologAdapter(zerolog.Nop()))
	require.NoError(t, err)

	sp := NewSessionPublisher(pub, "device-redis")
	require.NoError(t, sp.SessionExpired(ctx, "refresh token rejected"))

	entries, err := client.XRange(ctx, TopicSessionExpired, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	payload, ok := entries[0].Values["payload"].(string)
	require.True(t, ok, "watermill stores the payload under the payload field")

	var ev SessionEvent
	require.NoError(t, json.Unmarshal([]byte(payload), &ev))
	assert.Equal(t, "device-redis", ev.DeviceID)
	assert.Equal(t, "refresh token rejected", ev.Reason)
}
