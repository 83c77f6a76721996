// ABOUTME: Redis-backed dialogue store
// ABOUTME: One string key per chat holding the tagged state document, no expiry

package dialogue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a shared Redis client.
type RedisStore struct {
	client redis.UniversalClient
	codec  *Codec
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a store that encodes states with codec.
func NewRedisStore(client redis.UniversalClient, codec *Codec) *RedisStore {
	return &RedisStore{client: client, codec: codec}
}

func (s *RedisStore) Get(ctx context.Context, scope string, chatID int64) (State, bool, error) {
	raw, err := s.client.Get(ctx, Key(scope, chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get dialogue %s: %w", Key(scope, chatID), err)
	}

	state, err := s.codec.Decode(raw)
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

func (s *RedisStore) Set(ctx context.Context, scope string, chatID int64, state State) error {
	raw, err := s.codec.Encode(state)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, Key(scope, chatID), raw, 0).Err(); err != nil {
		return fmt.Errorf("set dialogue %s: %w", Key(scope, chatID), err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, scope string, chatID int64) error {
	deleted, err := s.client.Del(ctx, Key(scope, chatID)).Result()
	if err != nil {
		return fmt.Errorf("remove dialogue %s: %w", Key(scope, chatID), err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}
