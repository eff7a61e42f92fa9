package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisAddress() string {
	if addr := os.Getenv("REDIS_ADDRESS"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func newIntegrationClient(t *testing.T, stream, consumer string, sink Enqueuer) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testIngestConfig(redisAddress())
	cfg.Stream = stream
	cfg.Consumer = consumer
	client, err := NewClient(cfg, sink, quietLogger())
	if err != nil {
		t.Skipf("Skipping Redis test: %v (Redis not available?)", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func addEntry(t *testing.T, c *Client, kind, body string) string {
	t.Helper()
	id, err := c.rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: c.stream,
		Values: map[string]interface{}{FieldKind: kind, FieldBody: body},
	}).Result()
	require.NoError(t, err)
	return id
}

func TestIntegration_ReadIngestAck(t *testing.T) {
	sink := &fakeSink{}
	c := newIntegrationClient(t, "acropolis:it-ingest", "gateway-it", sink)
	ctx := context.Background()
	t.Cleanup(func() { c.rdb.Del(ctx, c.stream) })

	addEntry(t, c, "measurement", measurementBody)
	addEntry(t, c, "status", `{"timestamp":"2026-10-15T08:00:00Z","severity":"INFO","subject":"boot"}`)
	addEntry(t, c, "log", "not json")

	entries, err := c.ReadBatch(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	n, err := c.Ingest(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	length, err := c.rdb.XLen(ctx, c.stream).Result()
	require.NoError(t, err)
	assert.Zero(t, length, "ingested and invalid entries are deleted")

	entries, err = c.ReadBatch(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIntegration_ClaimFromCrashedConsumer(t *testing.T) {
	const stream = "acropolis:it-claim"
	survivor := newIntegrationClient(t, stream, "gateway-survivor", &fakeSink{})
	crashed := newIntegrationClient(t, stream, "gateway-crashed", &fakeSink{})
	ctx := context.Background()
	t.Cleanup(func() { survivor.rdb.Del(ctx, stream) })

	addEntry(t, survivor, "log", logBody)

	// The crashed consumer reads but never acknowledges.
	entries, err := crashed.ReadBatch(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	claimed, err := survivor.ClaimIdle(ctx)
	require.NoError(t, err)
	assert.Empty(t, claimed, "entry is not idle yet")

	time.Sleep(2 * survivor.claimIdle)
	require.Eventually(t, func() bool {
		claimed, err = survivor.ClaimIdle(ctx)
		return err == nil && len(claimed) == 1
	}, 2*time.Second, 50*time.Millisecond)

	n, err := survivor.Ingest(ctx, claimed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	removed, err := survivor.CleanupDeadConsumers(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	consumers, err := survivor.rdb.XInfoConsumers(ctx, stream, survivor.group).Result()
	require.NoError(t, err)
	require.Len(t, consumers, 1)
	assert.Equal(t, "gateway-survivor", consumers[0].Name)
}

func TestIntegration_ExistingGroupIsJoined(t *testing.T) {
	const stream = "acropolis:it-group"
	first := newIntegrationClient(t, stream, "gateway-a", &fakeSink{})
	t.Cleanup(func() { first.rdb.Del(context.Background(), stream) })

	second := newIntegrationClient(t, stream, "gateway-b", &fakeSink{})
	assert.Equal(t, first.group, second.group)
}
