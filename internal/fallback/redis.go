package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/autopeer-io/fleetsync/internal/fleet"
	"github.com/autopeer-io/fleetsync/pkg/options"
)

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisSource keeps the last authoritative snapshot under one key so a
// restarted client can fall back to it instead of the seed.
type RedisSource struct {
	client redisClient
	key    string
	ttl    time.Duration
	close  func() error
}

func NewRedisSource(opts *options.RedisOptions) *RedisSource {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisSource{client: client, key: opts.Key, ttl: opts.TTL, close: client.Close}
}

func (s *RedisSource) Name() string { return "redis:" + s.key }

func (s *RedisSource) Load(ctx context.Context) (fleet.Snapshot, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		return fleet.Snapshot{}, fmt.Errorf("failed to get %s: %w", s.key, err)
	}
	return Decode(data)
}

// Save stores snap as JSON. A zero TTL keeps it forever.
func (s *RedisSource) Save(ctx context.Context, snap fleet.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisSource) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
