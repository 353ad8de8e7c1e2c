package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func subscribe(t *testing.T, ctx context.Context, client *redis.Client, channel string) *redis.PubSub {
	t.Helper()
	sub := client.Subscribe(ctx, channel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	return sub
}

func cachedEvent(t *testing.T, mr *miniredis.Miniredis, dept uuid.UUID) Event {
	t.Helper()
	raw, err := mr.Get(SnapshotKey(dept))
	require.NoError(t, err)
	var e Event
	require.NoError(t, json.Unmarshal([]byte(raw), &e))
	return e
}

func TestRedisSink_CachesAndPublishes(t *testing.T) {
	mr, client := setupMiniredis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub := subscribe(t, ctx, client, DefaultRedisChannel)

	dept := uuid.New()
	e, err := NewQueueChanged("dequeue", dept, 7, map[string]int{"waiting": 1})
	require.NoError(t, err)

	sink := NewRedisSink(client, "", 2*time.Minute)
	require.NoError(t, sink.Publish(ctx, e))

	got := cachedEvent(t, mr, dept)
	assert.Equal(t, int64(7), got.Version)
	assert.Equal(t, "dequeue", got.Op)
	assert.Equal(t, 2*time.Minute, mr.TTL(SnapshotKey(dept)))
	assert.Equal(t, 2*time.Minute, mr.TTL(snapshotVersionKey(dept)))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	raw, _ := mr.Get(SnapshotKey(dept))
	assert.JSONEq(t, raw, msg.Payload)
}

func TestRedisSink_DefaultTTL(t *testing.T) {
	mr, client := setupMiniredis(t)
	dept := uuid.New()
	require.NoError(t, NewRedisSink(client, "ch", 0).Publish(context.Background(), Event{DepartmentID: dept, Version: 1}))
	assert.Equal(t, DefaultSnapshotTTL, mr.TTL(SnapshotKey(dept)))
}

func TestRedisSink_OlderVersionDoesNotOverwrite(t *testing.T) {
	mr, client := setupMiniredis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub := subscribe(t, ctx, client, "queue-test")
	sink := NewRedisSink(client, "queue-test", time.Minute)
	dept := uuid.New()

	publish := func(v int64) {
		e, err := NewQueueChanged("enqueue", dept, v, nil)
		require.NoError(t, err)
		require.NoError(t, sink.Publish(ctx, e))
	}

	publish(5)
	publish(3)
	assert.Equal(t, int64(5), cachedEvent(t, mr, dept).Version)

	// Same version again is a republish and goes through.
	publish(5)
	publish(6)
	assert.Equal(t, int64(6), cachedEvent(t, mr, dept).Version)

	var relayed []int64
	for i := 0; i < 3; i++ {
		msg, err := sub.ReceiveMessage(ctx)
		require.NoError(t, err)
		var e Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &e))
		relayed = append(relayed, e.Version)
	}
	assert.Equal(t, []int64{5, 5, 6}, relayed, "the stale version is not relayed")
}

func TestRedisSink_DepartmentsAreIndependent(t *testing.T) {
	mr, client := setupMiniredis(t)
	sink := NewRedisSink(client, "", time.Minute)
	a, b := uuid.New(), uuid.New()

	require.NoError(t, sink.Publish(context.Background(), Event{Op: "enqueue", DepartmentID: a, Version: 9}))
	require.NoError(t, sink.Publish(context.Background(), Event{Op: "enqueue", DepartmentID: b, Version: 1}))

	assert.Equal(t, int64(9), cachedEvent(t, mr, a).Version)
	assert.Equal(t, int64(1), cachedEvent(t, mr, b).Version)
}

func TestRedisSink_ServerError(t *testing.T) {
	mr, client := setupMiniredis(t)
	mr.SetError("READONLY You can't write against a read only replica.")

	err := NewRedisSink(client, "", 0).Publish(context.Background(), Event{DepartmentID: uuid.New(), Version: 1})
	assert.ErrorContains(t, err, "redis set snapshot")
}

func TestRedisSink_ServerDown(t *testing.T) {
	mr, client := setupMiniredis(t)
	mr.Close()

	e, err := NewQueueChanged("skip", uuid.New(), 1, nil)
	require.NoError(t, err)
	err = NewRedisSink(client, "", 0).Publish(context.Background(), e)
	assert.ErrorContains(t, err, "redis set snapshot")
}
