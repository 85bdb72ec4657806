package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/honeycomb-labs/settlement/pkg/identity"
)

const (
	redisFrozenKey      = "budget:frozen"
	redisTargetsKey     = "budget:targets"
	redisPayeeLimitsKey = "budget:payee_limits"
)

// RedisStorage implements Storage with one hash per budget and sets for the
// freeze flags and the target allow-list.
type RedisStorage struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStorage wraps client. prefix namespaces every key.
func NewRedisStorage(client redis.UniversalClient, prefix string) *RedisStorage {
	return &RedisStorage{client: client, prefix: prefix}
}

// NewRedisStorageFromAddr connects to a single Redis server.
func NewRedisStorageFromAddr(addr, password string, db int, prefix string) *RedisStorage {
	return NewRedisStorage(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), prefix)
}

// Ping checks that the server answers.
func (s *RedisStorage) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *RedisStorage) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		if k != "" {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *RedisStorage) budgetKey(k Key) string {
	return s.key("budget", k.Identity.String(), string(k.Asset))
}

func (s *RedisStorage) Get(ctx context.Context, key Key) (*Budget, error) {
	fields, err := s.client.HGetAll(ctx, s.budgetKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis budget get: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	b := &Budget{Identity: key.Identity, Asset: key.Asset}
	for name, dst := range map[string]*int64{
		"balance":        &b.Balance,
		"daily_limit":    &b.DailyLimit,
		"daily_spent":    &b.DailySpent,
		"last_reset_day": &b.LastResetDay,
	} {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis budget %s: corrupt %s: %w", key, name, err)
		}
		*dst = v
	}
	return b, nil
}

func (s *RedisStorage) Set(ctx context.Context, b *Budget) error {
	err := s.client.HSet(ctx, s.budgetKey(b.Key()),
		"balance", b.Balance,
		"daily_limit", b.DailyLimit,
		"daily_spent", b.DailySpent,
		"last_reset_day", b.LastResetDay,
	).Err()
	if err != nil {
		return fmt.Errorf("redis budget set: %w", err)
	}
	return nil
}

func (s *RedisStorage) Frozen(ctx context.Context, id identity.ID) (bool, error) {
	return s.client.SIsMember(ctx, s.key(redisFrozenKey), id.String()).Result()
}

func (s *RedisStorage) SetFrozen(ctx context.Context, id identity.ID, frozen bool) error {
	if frozen {
		return s.client.SAdd(ctx, s.key(redisFrozenKey), id.String()).Err()
	}
	return s.client.SRem(ctx, s.key(redisFrozenKey), id.String()).Err()
}

func (s *RedisStorage) TargetAllowed(ctx context.Context, target identity.Account) (bool, error) {
	return s.client.SIsMember(ctx, s.key(redisTargetsKey), string(target)).Result()
}

func (s *RedisStorage) SetTargetAllowed(ctx context.Context, target identity.Account, allowed bool) error {
	if allowed {
		return s.client.SAdd(ctx, s.key(redisTargetsKey), string(target)).Err()
	}
	return s.client.SRem(ctx, s.key(redisTargetsKey), string(target)).Err()
}

func payeeField(k PayeeKey) string {
	return k.Identity.String() + "|" + string(k.Payee) + "|" + string(k.Asset)
}

func (s *RedisStorage) PayeeLimit(ctx context.Context, key PayeeKey) (int64, error) {
	limit, err := s.client.HGet(ctx, s.key(redisPayeeLimitsKey), payeeField(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return limit, err
}

func (s *RedisStorage) SetPayeeLimit(ctx context.Context, key PayeeKey, limit int64) error {
	if limit == 0 {
		return s.client.HDel(ctx, s.key(redisPayeeLimitsKey), payeeField(key)).Err()
	}
	return s.client.HSet(ctx, s.key(redisPayeeLimitsKey), payeeField(key), limit).Err()
}

// Close releases the client.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
