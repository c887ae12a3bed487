package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes a lease key only if its value matches the caller's
// unique token. This prevents one holder from releasing another holder's
// lease after its own TTL lapsed.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// refreshLua extends the TTL only while the caller still owns the key.
const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// RedisManager implements Manager using Redis SETNX with a TTL and Lua-based
// conditional unlock and refresh.
type RedisManager struct {
	rdb       *redis.Client
	unlockSc  *redis.Script
	refreshSc *redis.Script
}

func NewRedisManager(rdb *redis.Client) *RedisManager {
	return &RedisManager{
		rdb:       rdb,
		unlockSc:  redis.NewScript(unlockLua),
		refreshSc: redis.NewScript(refreshLua),
	}
}

func leaseKey(treasuryID string) string {
	return "lease:treasury:" + treasuryID
}

func (m *RedisManager) Acquire(ctx context.Context, treasuryID string, ttl time.Duration) (Lease, error) {
	token := uuid.New().String()
	key := leaseKey(treasuryID)

	ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lease %s: %w", treasuryID, err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return &redisLease{manager: m, key: key, token: token}, nil
}

type redisLease struct {
	manager  *RedisManager
	key      string
	token    string
	released bool
}

func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	if l.released {
		return errors.New("lease already released")
	}
	extended, err := l.manager.refreshSc.Run(ctx, l.manager.rdb,
		[]string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis: refresh lease %s: %w", l.key, err)
	}
	if extended == 0 {
		return fmt.Errorf("lease %s expired or was taken over", l.key)
	}
	return nil
}

func (l *redisLease) Release() {
	if l.released {
		return
	}
	l.released = true

	// Use a background context so release succeeds even if the caller's
	// context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = l.manager.unlockSc.Run(ctx, l.manager.rdb, []string{l.key}, l.token).Err()
}

// Compile-time interface check.
var _ Manager = (*RedisManager)(nil)
