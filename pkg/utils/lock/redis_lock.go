package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DistributedLock 定义分布式锁接口
type DistributedLock interface {
	// Acquire 尝试获取锁
	// key: 锁的唯一标识
	// ttl: 锁的过期时间
	// 返回: (是否成功, error)
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release 释放锁
	Release(ctx context.Context, key string) error
}

var ErrNotOwner = errors.New("lock is held by another owner")

// 只删除属于自己的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock 基于 Redis SET NX 的实现，value 为实例 token
type RedisLock struct {
	client *redis.Client
	token  string
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client, token: uuid.NewString()}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	// SET key token NX PX ttl
	return l.client.SetNX(ctx, "lock:"+key, l.token, ttl).Result()
}

func (l *RedisLock) Release(ctx context.Context, key string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{"lock:" + key}, l.token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Nop 单实例部署时使用，总是获得锁
type Nop struct{}

func (Nop) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (Nop) Release(context.Context, string) error                       { return nil }
