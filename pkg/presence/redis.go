package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NicolasHaas/rally/pkg/model"
)

const (
	// DefaultKeyPrefix namespaces presence hashes: rally:presence:<user>.
	DefaultKeyPrefix = "rally:presence:"
	// DefaultRetention is how long a presence hash survives without a heartbeat.
	DefaultRetention = 24 * time.Hour

	fieldStatus   = "status"
	fieldLastSeen = "last_seen"
)

// RedisConfig configures the Redis presence source.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Retention time.Duration
}

// RedisSource keeps one hash per user with the reported status and the
// last-seen time in unix milliseconds.
type RedisSource struct {
	rdb       redis.Cmdable
	prefix    string
	retention time.Duration
}

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("presence: redis ping: %w", errors.Join(model.ErrStoreUnavailable, err))
	}
	return rdb, nil
}

// NewRedisSource wraps a Redis client.
func NewRedisSource(rdb redis.Cmdable, prefix string, retention time.Duration) *RedisSource {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisSource{rdb: rdb, prefix: prefix, retention: retention}
}

func (r *RedisSource) key(userID string) string {
	return r.prefix + userID
}

// Presence fetches all requested hashes in one pipeline.
func (r *RedisSource) Presence(ctx context.Context, userIDs []string) (map[string]model.Presence, error) {
	out := make(map[string]model.Presence, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, r.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("presence: redis lookup: %w", errors.Join(model.ErrStoreUnavailable, err))
	}

	for i, id := range userIDs {
		fields, err := cmds[i].Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		rec := model.Presence{Status: fields[fieldStatus]}
		if raw := fields[fieldLastSeen]; raw != "" {
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("presence: parse last_seen for %s: %w", id, err)
			}
			rec.LastSeen = time.UnixMilli(ms).UTC()
		}
		out[id] = rec
	}
	return out, nil
}

// Heartbeat records status and last-seen and renews the retention TTL.
func (r *RedisSource) Heartbeat(ctx context.Context, userID, status string, at time.Time) error {
	key := r.key(userID)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldStatus, model.NormalizeStatus(status), fieldLastSeen, at.UnixMilli())
		pipe.Expire(ctx, key, r.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence: redis heartbeat: %w", errors.Join(model.ErrStoreUnavailable, err))
	}
	return nil
}

var (
	_ Source = (*RedisSource)(nil)
	_ Writer = (*RedisSource)(nil)
)
