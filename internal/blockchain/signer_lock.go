package blockchain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrSignerLockFailed = errors.New("failed to acquire signer lock")
	ErrSignerLockLost   = errors.New("signer lock lost")
)

// NonceSource 链上 pending nonce
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// SignerLease 持有签名账户期间的租约
type SignerLease interface {
	// Nonce 从链上读取 pending nonce
	Nonce(ctx context.Context) (uint64, error)
	// RecordTx 记录已广播的交易，便于超时后人工核对
	RecordTx(ctx context.Context, nonce uint64, txHash string) error
	Release(ctx context.Context) error
}

// unlockScript 只有持有者可以释放
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// SignerLock 基于 Redis SET NX 的签名账户互斥锁
//
// 覆盖 构建 -> 签名 -> 广播 -> 等待回执 整个过程，防止两个审计进程同时用
// 同一个账户写账本。去重仍由链上记录判断，这里只负责串行化。
type SignerLock struct {
	redis   *redis.Client
	nonces  NonceSource
	wallet  common.Address
	chainID int64
	ttl     time.Duration
}

// SignerLockConfig 配置
type SignerLockConfig struct {
	Wallet  common.Address
	ChainID int64
	TTL     time.Duration
}

// NewSignerLock 创建签名锁
func NewSignerLock(rdb *redis.Client, nonces NonceSource, cfg *SignerLockConfig) *SignerLock {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &SignerLock{
		redis:   rdb,
		nonces:  nonces,
		wallet:  cfg.Wallet,
		chainID: cfg.ChainID,
		ttl:     ttl,
	}
}

// lockKey 生成锁 key
func (l *SignerLock) lockKey() string {
	return fmt.Sprintf("jv:audit:signer:lock:%s:%d", l.wallet.Hex(), l.chainID)
}

// txKey 最近一次广播的交易
func (l *SignerLock) txKey() string {
	return fmt.Sprintf("jv:audit:signer:last_tx:%s:%d", l.wallet.Hex(), l.chainID)
}

// Acquire 获取签名锁，被占用时返回 ErrSignerLockFailed
func (l *SignerLock) Acquire(ctx context.Context) (SignerLease, error) {
	token := uuid.NewString()
	ok, err := l.redis.SetNX(ctx, l.lockKey(), token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSignerLockFailed
	}
	return &redisLease{lock: l, token: token}, nil
}

type redisLease struct {
	lock  *SignerLock
	token string
}

func (r *redisLease) Nonce(ctx context.Context) (uint64, error) {
	owner, err := r.lock.redis.Get(ctx, r.lock.lockKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	if owner != r.token {
		return 0, ErrSignerLockLost
	}
	return r.lock.nonces.PendingNonceAt(ctx, r.lock.wallet)
}

func (r *redisLease) RecordTx(ctx context.Context, nonce uint64, txHash string) error {
	return r.lock.redis.HSet(ctx, r.lock.txKey(),
		"nonce", nonce,
		"tx_hash", txHash,
		"sent_at", time.Now().UnixMilli(),
	).Err()
}

func (r *redisLease) Release(ctx context.Context) error {
	return unlockScript.Run(ctx, r.lock.redis, []string{r.lock.lockKey()}, r.token).Err()
}

// LocalSignerLock 单进程 (CLI) 场景下的签名锁
type LocalSignerLock struct {
	mu     sync.Mutex
	busy   bool
	nonces NonceSource
	wallet common.Address
}

// NewLocalSignerLock 创建进程内签名锁
func NewLocalSignerLock(nonces NonceSource, wallet common.Address) *LocalSignerLock {
	return &LocalSignerLock{nonces: nonces, wallet: wallet}
}

// Acquire 获取锁，被占用时返回 ErrSignerLockFailed
func (l *LocalSignerLock) Acquire(ctx context.Context) (SignerLease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy {
		return nil, ErrSignerLockFailed
	}
	l.busy = true
	return &localLease{lock: l}, nil
}

type localLease struct {
	lock *LocalSignerLock
	once sync.Once
}

func (l *localLease) Nonce(ctx context.Context) (uint64, error) {
	return l.lock.nonces.PendingNonceAt(ctx, l.lock.wallet)
}

func (l *localLease) RecordTx(context.Context, uint64, string) error {
	return nil
}

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		l.lock.mu.Lock()
		l.lock.busy = false
		l.lock.mu.Unlock()
	})
	return nil
}
