package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Skotchmaster/auth_service/internal/otp"
)

// consumeScript returns -1 when no code is stored, -2 when it expired,
// 1 on a match and 0 on a mismatch. Matches and expired codes are removed;
// a mismatch bumps the attempt counter and drops the code at the limit.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
  return -1
end
local expires = tonumber(redis.call("HGET", key, "expires_at"))
local now = tonumber(ARGV[2])
if expires == nil or now >= expires then
  redis.call("DEL", key)
  return -2
end
if redis.call("HGET", key, "code_hash") == ARGV[1] then
  redis.call("DEL", key)
  return 1
end
local attempts = redis.call("HINCRBY", key, "attempts", 1)
if attempts >= tonumber(ARGV[3]) then
  redis.call("DEL", key)
end
return 0
`)

// RedisCodeRepo keeps one hash per (purpose, user) with a key TTL matching
// the code expiry.
type RedisCodeRepo struct {
	Client redis.UniversalClient
}

var _ otp.Store = (*RedisCodeRepo)(nil)

func NewRedisCodeRepo(client redis.UniversalClient) *RedisCodeRepo {
	return &RedisCodeRepo{Client: client}
}

func codeKey(userID uuid.UUID, purpose otp.Purpose) string {
	return fmt.Sprintf("otp:%s:%s", purpose, userID)
}

func (r *RedisCodeRepo) Put(ctx context.Context, rec otp.Record) error {
	key := codeKey(rec.UserID, rec.Purpose)
	_, err := r.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key,
			"code_hash", rec.CodeHash,
			"attempts", 0,
			"issued_at", rec.IssuedAt.UnixMilli(),
			"expires_at", rec.ExpiresAt.UnixMilli(),
		)
		p.PExpireAt(ctx, key, rec.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put code: %w", err)
	}
	return nil
}

func (r *RedisCodeRepo) Consume(ctx context.Context, userID uuid.UUID, purpose otp.Purpose, codeHash string, now time.Time, maxAttempts int) error {
	key := codeKey(userID, purpose)
	res, err := consumeScript.Run(ctx, r.Client, []string{key}, codeHash, now.UnixMilli(), maxAttempts).Int()
	if err != nil {
		return fmt.Errorf("redis consume code: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return otp.ErrMismatch
	case -2:
		return otp.ErrExpired
	default:
		return otp.ErrNotFound
	}
}
