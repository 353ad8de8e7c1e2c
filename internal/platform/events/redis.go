package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	snapshotKeyPrefix = "queue:snapshot:"

	// DefaultRedisChannel carries every event for instances that relay them to
	// their own websocket clients.
	DefaultRedisChannel = "deptqueue:queue-events"

	DefaultSnapshotTTL = 10 * time.Minute
)

// redisWriter is the part of *redis.Client the sink needs.
type redisWriter interface {
	redis.Scripter
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// storeIfNewer keeps the cached event and its version side by side and
// refuses to replace a newer version with an older one, so events that
// finish out of order cannot roll the cache back.
//
// KEYS[1] event key, KEYS[2] version key
// ARGV[1] payload, ARGV[2] version, ARGV[3] ttl in milliseconds
var storeIfNewer = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[2]) or '-1')
if cur > tonumber(ARGV[2]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

// RedisSink caches the latest event (with its snapshot) per department and
// republishes it on a pub/sub channel. Events older than the cached one are
// dropped.
type RedisSink struct {
	client  redisWriter
	channel string
	ttl     time.Duration
}

func NewRedisSink(client redisWriter, channel string, ttl time.Duration) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &RedisSink{client: client, channel: channel, ttl: ttl}
}

// SnapshotKey is the cache key holding a department's latest event.
func SnapshotKey(departmentID uuid.UUID) string {
	return snapshotKeyPrefix + departmentID.String()
}

// snapshotVersionKey holds the version of the event at SnapshotKey.
func snapshotVersionKey(departmentID uuid.UUID) string {
	return SnapshotKey(departmentID) + ":version"
}

func (s *RedisSink) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	keys := []string{SnapshotKey(e.DepartmentID), snapshotVersionKey(e.DepartmentID)}
	stored, err := storeIfNewer.Run(ctx, s.client, keys, payload, e.Version, s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis set snapshot: %w", err)
	}
	if stored == 0 {
		return nil
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}
