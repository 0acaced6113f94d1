package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// consumeScript deletes the key only when the stored code matches, so a code
// can be consumed exactly once even under concurrent validation attempts.
var consumeScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

// RedisStore implements Store on redis. Server-side TTLs handle expiry and a
// plain SET overwrites the previous code, so the at-most-one-live invariant
// falls out of the data model.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func tokenKey(email string, purpose Purpose) string {
	return "tok:" + string(purpose) + ":" + email
}

func (s *RedisStore) Replace(ctx context.Context, t *Token) error {
	ttl := t.ExpiresAt.Sub(t.CreatedAt)
	if ttl <= 0 {
		ttl = t.Purpose.TTL()
	}
	if err := s.client.Set(ctx, tokenKey(t.Email, t.Purpose), t.Code, ttl).Err(); err != nil {
		return fmt.Errorf("token: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Consume(ctx context.Context, email string, purpose Purpose, code string, _ time.Time) error {
	res, err := consumeScript.Run(ctx, s.client, []string{tokenKey(email, purpose)}, code).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCodeInvalid
		}
		return fmt.Errorf("token: redis consume: %w", err)
	}
	if res != 1 {
		return ErrCodeInvalid
	}
	return nil
}
