// Package idempotency remembers the outcome of batch auto-saves so that a
// client retrying the same batch gets the stored result instead of applying
// the answers (and their time deltas) a second time.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInFlight means another request holds the claim for the same batch.
var ErrInFlight = errors.New("batch is already being applied")

const claimTTL = 30 * time.Second

// RedisStore keeps batch results under <prefix><session>:<batch>.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redisURL and checks the connection.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		client: client,
		prefix: "autosave-batch:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(sessionID, batchID string) string {
	return s.prefix + sessionID + ":" + batchID
}

// Load decodes a stored result into dst and reports whether one existed.
func (s *RedisStore) Load(ctx context.Context, sessionID, batchID string, dst any) (bool, error) {
	payload, err := s.client.Get(ctx, s.key(sessionID, batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load batch result: %w", err)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return false, fmt.Errorf("decode batch result: %w", err)
	}
	return true, nil
}

// Claim marks the batch as being applied. It returns ErrInFlight when the
// claim is already held.
func (s *RedisStore) Claim(ctx context.Context, sessionID, batchID string) error {
	ok, err := s.client.SetNX(ctx, s.key(sessionID, batchID)+":claim", time.Now().UTC().Format(time.RFC3339Nano), claimTTL).Result()
	if err != nil {
		return fmt.Errorf("claim batch: %w", err)
	}
	if !ok {
		return ErrInFlight
	}
	return nil
}

// Release drops a claim without storing a result, e.g. after a failed batch.
func (s *RedisStore) Release(ctx context.Context, sessionID, batchID string) error {
	if err := s.client.Del(ctx, s.key(sessionID, batchID)+":claim").Err(); err != nil {
		return fmt.Errorf("release batch claim: %w", err)
	}
	return nil
}

// Save stores the result and releases the claim.
func (s *RedisStore) Save(ctx context.Context, sessionID, batchID string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode batch result: %w", err)
	}

	key := s.key(sessionID, batchID)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, payload, s.ttl)
	pipe.Del(ctx, key+":claim")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save batch result: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
