package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/weftlabs/weft/core/pkg/contracts"
)

// redisReleaseScript deletes the lease only when the holder token still
// matches, so an expired lease taken over by another coordinator is never
// released by the old holder.
// KEYS[1] = lease key
// ARGV[1] = holder token
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// redisRenewScript extends the lease only for the current holder.
// KEYS[1] = lease key
// ARGV[1] = holder token
// ARGV[2] = ttl in milliseconds
var redisRenewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLease implements Lease across coordinator instances with a
// SET NX PX lock plus token-checked release and renewal.
type RedisLease struct {
	client     *redis.Client
	ttl        time.Duration
	retryEvery time.Duration
}

// NewRedisLease builds a RedisLease. ttl bounds how long a crashed holder
// can block an execution before the lease self-expires.
func NewRedisLease(client *redis.Client, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{
		client:     client,
		ttl:        ttl,
		retryEvery: 50 * time.Millisecond,
	}
}

func (l *RedisLease) Acquire(ctx context.Context, tenantID, executionID string) (func(), error) {
	key := leaseKey(tenantID, executionID)
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lease %s: %v: %w", key, err, contracts.ErrTransientInfra)
		}
		if ok {
			break
		}
		select {
		case <-time.After(l.retryEvery):
		case <-ctx.Done():
			return nil, fmt.Errorf("lease %s: %w", key, ctx.Err())
		}
	}

	// Renew in the background so long-running steps outlive the ttl.
	renewCtx, stopRenew := context.WithCancel(context.Background())
	go l.renewLoop(renewCtx, key, token)

	release := func() {
		stopRenew()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = redisReleaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, nil
}

func (l *RedisLease) renewLoop(ctx context.Context, key, token string) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := redisRenewScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int64()
			if err != nil || res == 0 {
				// Lost the lease; stop renewing. The in-flight work will
				// fail its next conditional write.
				return
			}
		}
	}
}
