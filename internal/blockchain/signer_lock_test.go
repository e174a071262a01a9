package blockchain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockNonceSource 模拟链上 nonce
type mockNonceSource struct {
	mu    sync.Mutex
	nonce uint64
}

func (m *mockNonceSource) PendingNonceAt(ctx context.Context, wallet common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonce, nil
}

// setupTestSignerLock 创建测试用的 SignerLock
func setupTestSignerLock(t *testing.T) (*SignerLock, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	lock := NewSignerLock(rdb, &mockNonceSource{nonce: 42}, &SignerLockConfig{
		Wallet:  common.HexToAddress("0x1234567890123456789012345678901234567890"),
		ChainID: 3666,
		TTL:     time.Minute,
	})
	return lock, mr
}

// TestSignerLock_Exclusive 同一时间只有一个持有者
func TestSignerLock_Exclusive(t *testing.T) {
	lock, mr := setupTestSignerLock(t)
	ctx := context.Background()

	lease, err := lock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, mr.Exists(lock.lockKey()))

	_, err = lock.Acquire(ctx)
	assert.ErrorIs(t, err, ErrSignerLockFailed)

	nonce, err := lease.Nonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), nonce)

	require.NoError(t, lease.RecordTx(ctx, nonce, "0xabc"))
	assert.Equal(t, "0xabc", mr.HGet(lock.txKey(), "tx_hash"))

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists(lock.lockKey()))

	lease2, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, lease2.Release(ctx))
}

// TestSignerLock_Expired 锁过期后被他人获取，原持有者不能继续使用也不能误删
func TestSignerLock_Expired(t *testing.T) {
	lock, mr := setupTestSignerLock(t)
	ctx := context.Background()

	lease, err := lock.Acquire(ctx)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	other, err := lock.Acquire(ctx)
	require.NoError(t, err)

	_, err = lease.Nonce(ctx)
	assert.ErrorIs(t, err, ErrSignerLockLost)

	require.NoError(t, lease.Release(ctx))
	assert.True(t, mr.Exists(lock.lockKey()), "stale lease must not delete new owner's lock")

	require.NoError(t, other.Release(ctx))
}

func TestSignerLock_Keys(t *testing.T) {
	lock, _ := setupTestSignerLock(t)
	assert.Equal(t, "jv:audit:signer:lock:0x1234567890123456789012345678901234567890:3666", lock.lockKey())
}

// TestLocalSignerLock 进程内签名锁
func TestLocalSignerLock(t *testing.T) {
	lock := NewLocalSignerLock(&mockNonceSource{nonce: 3}, common.Address{})
	ctx := context.Background()

	lease, err := lock.Acquire(ctx)
	require.NoError(t, err)
	_, err = lock.Acquire(ctx)
	assert.ErrorIs(t, err, ErrSignerLockFailed)

	n, err := lease.Nonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
	assert.NoError(t, lease.RecordTx(ctx, n, "0x1"))

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))

	lease, err = lock.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}
