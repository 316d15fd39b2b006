package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ageprobe/ageprobe/internal/repository"
)

var _ repository.LeaseStore = (*redisLeases)(nil)

const leaseKeyPrefix = "ageprobe:lease:"

// acquireScript takes a free lease, or extends one this owner already holds.
var acquireScript = goredis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if holder == false then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
if holder == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0`)

// releaseScript deletes the key only while it still holds our token, so an
// expired lease re-acquired by another process is left alone.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type redisLeases struct {
	client *goredis.Client
	owner  string
}

// NewRedisLeaseStore creates a Redis-backed lease store. Each store gets its
// own owner token.
func NewRedisLeaseStore(client *goredis.Client) repository.LeaseStore {
	return &redisLeases{client: client, owner: uuid.NewString()}
}

// AcquireLease takes the lease for ttl, or renews it for ttl when this store
// already holds it.
func (r *redisLeases) AcquireLease(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, r.client, []string{leaseKeyPrefix + name}, r.owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis: acquire lease %q: %w", name, err)
	}
	return n == 1, nil
}

func (r *redisLeases) ReleaseLease(ctx context.Context, name string) error {
	if err := releaseScript.Run(ctx, r.client, []string{leaseKeyPrefix + name}, r.owner).Err(); err != nil {
		return fmt.Errorf("redis: release lease %q: %w", name, err)
	}
	return nil
}

// Connect parses url, opens a client and pings it.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}
