package alerts

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSnapshot keeps a recoverable copy of the alert table so a daemon
// restart mid-shift does not blank the dashboard when the backend is down.
type RedisSnapshot struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewRedisSnapshot(rdb *redis.Client, key string, ttl time.Duration) *RedisSnapshot {
	if key == "" {
		key = "camdash:alerts:snapshot"
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSnapshot{rdb: rdb, key: key, ttl: ttl}
}

func (r *RedisSnapshot) Save(ctx context.Context, list []*Alert) error {
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key, data, r.ttl).Err()
}

// Load returns the snapshotted table, or nil when none exists.
func (r *RedisSnapshot) Load(ctx context.Context) ([]*Alert, error) {
	data, err := r.rdb.Get(ctx, r.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var list []*Alert
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, err
	}
	return list, nil
}
