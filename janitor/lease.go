package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease key only while it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// renewScript extends the lease TTL only while it still holds our token.
const renewScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// leaseClient is the subset of redis.Cmdable the lease needs.
type leaseClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLease is a single-holder lease stored under one Redis key. The holder
// renews it by acquiring again before the TTL lapses.
type RedisLease struct {
	client leaseClient
	key    string
	token  string
	held   bool
}

// NewRedisClient opens a client for addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

func NewRedisLease(client leaseClient, key string) *RedisLease {
	return &RedisLease{client: client, key: key, token: uuid.NewString()}
}

func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	if l.held {
		n, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
		if err != nil {
			return false, fmt.Errorf("janitor: renew lease %s: %w", l.key, err)
		}
		if n == 1 {
			return true, nil
		}
		l.held = false
	}
	ok, err := l.client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("janitor: acquire lease %s: %w", l.key, err)
	}
	l.held = ok
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("janitor: release lease %s: %w", l.key, err)
	}
	return nil
}
