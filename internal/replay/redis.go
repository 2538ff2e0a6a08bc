package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rabbitforce/rabbit-force/internal/apperrors"
)

// Timeout applied to every Redis operation.
const opTimeout = 5 * time.Second

// RedisStore keeps replay markers in Redis under
// "{keyPrefix}:{org}:{channel}" keys as JSON values without expiry.
type RedisStore struct {
	rdb       *redis.Client
	keyPrefix string
}

// NewRedisStore connects to the Redis instance addressed by the
// redis://host:port[/db] URL and verifies the connection with a ping.
func NewRedisStore(address, keyPrefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(address)
	if err != nil {
		return nil, apperrors.NewConfiguration(
			fmt.Sprintf("invalid replay storage address %q: %v", address, err))
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, apperrors.NewReplayStore(
			fmt.Sprintf("failed to connect to replay storage at %q", address), err)
	}
	return &RedisStore{rdb: rdb, keyPrefix: keyPrefix}, nil
}

func (s *RedisStore) key(org, channel string) string {
	if s.keyPrefix == "" {
		return org + ":" + channel
	}
	return s.keyPrefix + ":" + org + ":" + channel
}

func (s *RedisStore) Get(ctx context.Context, org, channel string) (*Marker, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := s.rdb.Get(ctx, s.key(org, channel)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewReplayStore("failed to read replay marker", err)
	}

	marker := &Marker{}
	if err := json.Unmarshal(val, marker); err != nil {
		return nil, apperrors.NewReplayStore("malformed replay marker value", err)
	}
	return marker, nil
}

func (s *RedisStore) Set(ctx context.Context, org, channel string, marker Marker) error {
	bytes, err := json.Marshal(marker)
	if err != nil {
		return apperrors.NewReplayStore("failed to encode replay marker", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.rdb.Set(ctx, s.key(org, channel), bytes, 0).Err(); err != nil {
		return apperrors.NewReplayStore("failed to write replay marker", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
