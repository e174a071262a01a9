package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Jouleverse/audit/pkg/logger"
)

const lockPrefix = "jv:audit:job:lock:"

var errLockNotHeld = errors.New("lock not held")

// 只释放/续期自己持有的锁
var (
	unlockScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
	renewScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// DistributedLock 任务级分布式锁，防止多个实例同时跑同一个任务
type DistributedLock struct {
	client   redis.UniversalClient
	key      string
	value    string
	ttl      time.Duration
	watchdog bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// TryLock 尝试获取锁，已被其他实例持有时返回 false
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if ok && l.watchdog {
		l.startWatchdog(ctx)
	}
	return ok, nil
}

// Unlock 释放锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	if l.watchdog {
		close(l.stopCh)
		l.wg.Wait()
	}
	if err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// startWatchdog 每 ttl/3 续期一次
func (l *DistributedLock) startWatchdog(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopCh:
				return
			case <-ticker.C:
				if err := l.renew(ctx); err != nil {
					logger.Warn("failed to renew job lock",
						zap.String("key", l.key),
						zap.Error(err))
				}
			}
		}
	}()
}

func (l *DistributedLock) renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return errLockNotHeld
	}
	return nil
}

// LockManager 锁管理器
type LockManager struct {
	client redis.UniversalClient
}

// NewLockManager 创建锁管理器，client 为 nil 时不加锁
func NewLockManager(client redis.UniversalClient) *LockManager {
	return &LockManager{client: client}
}

// Enabled 是否配置了 Redis
func (m *LockManager) Enabled() bool {
	return m != nil && m.client != nil
}

// NewLock 创建任务锁
func (m *LockManager) NewLock(jobName string, ttl time.Duration, watchdog bool) *DistributedLock {
	return &DistributedLock{
		client:   m.client,
		key:      lockPrefix + jobName,
		value:    uuid.NewString(),
		ttl:      ttl,
		watchdog: watchdog,
		stopCh:   make(chan struct{}),
	}
}

// IsLocked 任务是否正被某个实例执行
func (m *LockManager) IsLocked(ctx context.Context, jobName string) (bool, error) {
	if !m.Enabled() {
		return false, nil
	}
	n, err := m.client.Exists(ctx, lockPrefix+jobName).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ForceUnlock 强制解锁 (运维操作)
func (m *LockManager) ForceUnlock(ctx context.Context, jobName string) error {
	if !m.Enabled() {
		return nil
	}
	return m.client.Del(ctx, lockPrefix+jobName).Err()
}
