// Package blockchain Jouleverse 链客户端
//
// 在 ethclient 之上提供多端点故障切换与重试，并通过原始 RPC 暴露
// clique_status / admin_peers / admin_addPeer 等审计需要的管理接口。
package blockchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/Jouleverse/audit/pkg/logger"
)

var (
	ErrNoHealthyRPC  = errors.New("no healthy RPC endpoint available")
	ErrTxNotFound    = errors.New("transaction not found")
	ErrNoPrivateKey  = errors.New("private key not configured")
	ErrAdminDisabled = errors.New("admin namespace not available on endpoint")
)

// RPCEndpoint RPC 端点信息
type RPCEndpoint struct {
	URL        string
	IsHealthy  bool
	ErrorCount int
	LastCheck  time.Time
}

// Client 区块链客户端
type Client struct {
	chainID    int64
	privateKey *ecdsa.PrivateKey
	address    common.Address

	endpoints  []*RPCEndpoint
	currentIdx int
	mu         sync.RWMutex

	client *ethclient.Client
	raw    *rpc.Client

	// 配置
	maxRetries      int
	retryInterval   time.Duration
	callTimeout     time.Duration
	healthCheckFreq time.Duration
}

// ClientConfig 客户端配置
type ClientConfig struct {
	ChainID         int64
	PrivateKey      string
	RPCURLs         []string
	MaxRetries      int
	RetryInterval   time.Duration
	CallTimeout     time.Duration
	HealthCheckFreq time.Duration
}

// NewClient 创建区块链客户端
func NewClient(ctx context.Context, cfg *ClientConfig) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}

	var privateKey *ecdsa.PrivateKey
	var address common.Address

	if cfg.PrivateKey != "" {
		var err error
		privateKey, err = crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, err
		}
		address = crypto.PubkeyToAddress(privateKey.PublicKey)
	}

	endpoints := make([]*RPCEndpoint, len(cfg.RPCURLs))
	for i, url := range cfg.RPCURLs {
		endpoints[i] = &RPCEndpoint{
			URL:       url,
			IsHealthy: true,
		}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	retryInterval := cfg.RetryInterval
	if retryInterval == 0 {
		retryInterval = time.Second
	}

	callTimeout := cfg.CallTimeout
	if callTimeout == 0 {
		callTimeout = 15 * time.Second
	}

	healthCheckFreq := cfg.HealthCheckFreq
	if healthCheckFreq == 0 {
		healthCheckFreq = 30 * time.Second
	}

	c := &Client{
		chainID:         cfg.ChainID,
		privateKey:      privateKey,
		address:         address,
		endpoints:       endpoints,
		maxRetries:      maxRetries,
		retryInterval:   retryInterval,
		callTimeout:     callTimeout,
		healthCheckFreq: healthCheckFreq,
	}

	// 连接到第一个可用的 RPC
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// connect 连接到可用的 RPC
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.endpoints {
		idx := (c.currentIdx + i) % len(c.endpoints)
		ep := c.endpoints[idx]

		if !ep.IsHealthy && time.Since(ep.LastCheck) < c.healthCheckFreq {
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		raw, err := rpc.DialContext(dialCtx, ep.URL)
		if err != nil {
			cancel()
			c.markUnhealthy(ep, err)
			continue
		}
		client := ethclient.NewClient(raw)

		// 检查连接，同时校验链 ID
		chainID, err := client.ChainID(dialCtx)
		cancel()
		if err != nil {
			client.Close()
			c.markUnhealthy(ep, err)
			continue
		}
		if c.chainID != 0 && chainID.Int64() != c.chainID {
			client.Close()
			logger.Warn("rpc endpoint chain id mismatch",
				zap.String("url", ep.URL),
				zap.Int64("expected", c.chainID),
				zap.Int64("actual", chainID.Int64()))
			c.markUnhealthy(ep, nil)
			continue
		}
		if c.chainID == 0 {
			c.chainID = chainID.Int64()
		}

		if c.client != nil {
			c.client.Close()
		}

		c.client = client
		c.raw = raw
		c.currentIdx = idx
		ep.IsHealthy = true
		ep.ErrorCount = 0
		ep.LastCheck = time.Now()
		return nil
	}

	return ErrNoHealthyRPC
}

func (c *Client) markUnhealthy(ep *RPCEndpoint, err error) {
	ep.IsHealthy = false
	ep.ErrorCount++
	ep.LastCheck = time.Now()
	if err != nil {
		logger.Debug("rpc endpoint unavailable", zap.String("url", ep.URL), zap.Error(err))
	}
}

// getClient 获取客户端，如果不可用则尝试重连
func (c *Client) getClient(ctx context.Context) (*ethclient.Client, *rpc.Client, error) {
	c.mu.RLock()
	client, raw := c.client, c.raw
	c.mu.RUnlock()

	if client != nil {
		return client, raw, nil
	}

	if err := c.connect(ctx); err != nil {
		return nil, nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, c.raw, nil
}

// withRetry 带重试的操作，每次尝试有独立超时
func (c *Client) withRetry(ctx context.Context, fn func(ctx context.Context, client *ethclient.Client, raw *rpc.Client) error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		client, raw, err := c.getClient(ctx)
		if err != nil {
			lastErr = err
			if !c.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		err = fn(callCtx, client, raw)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		// 业务性错误不重试，也不影响端点健康状态
		if isPermanent(err) || ctx.Err() != nil {
			return err
		}

		// 标记当前端点为不健康
		c.mu.Lock()
		if c.currentIdx < len(c.endpoints) {
			c.endpoints[c.currentIdx].IsHealthy = false
			c.endpoints[c.currentIdx].ErrorCount++
			c.endpoints[c.currentIdx].LastCheck = time.Now()
		}
		c.mu.Unlock()

		// 尝试重连
		if i < c.maxRetries-1 {
			_ = c.connect(ctx)
			if !c.sleep(ctx) {
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (c *Client) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.retryInterval):
		return true
	}
}

// isPermanent 合约回滚、交易未找到等错误换端点也不会改变结果
func isPermanent(err error) bool {
	if errors.Is(err, ErrTxNotFound) || errors.Is(err, ethereum.NotFound) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "execution reverted") ||
		strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "already known") ||
		strings.Contains(msg, "insufficient funds")
}

// Address 返回审计账户地址
func (c *Client) Address() common.Address {
	return c.address
}

// HasSigner 是否加载了签名私钥
func (c *Client) HasSigner() bool {
	return c.privateKey != nil
}

// ChainID 返回链 ID
func (c *Client) ChainID() int64 {
	return c.chainID
}

// BlockNumber 获取最新区块号
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var blockNum uint64
	err := c.withRetry(ctx, func(ctx context.Context, client *ethclient.Client, _ *rpc.Client) error {
		var err error
		blockNum, err = client.BlockNumber(ctx)
		return err
	})
	return blockNum, err
}

// HeaderByNumber 获取区块头，number 为 nil 时返回最新区块
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var header *types.Header
	err := c.withRetry(ctx, func(ctx context.Context, client *ethclient.Client, _ *rpc.Client) error {
		var err error
		header, err = client.HeaderByNumber(ctx, number)
		return err
	})
	return header, err
}

// TransactionReceipt 获取交易回执，未上链返回 ErrTxNotFound
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.withRetry(ctx, func(ctx context.Context, client *ethclient.Client, _ *rpc.Client) error {
		var err error
		receipt, err = client.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			return ErrTxNotFound
		}
		return err
	})
	return receipt, err
}

// PendingNonceAt 获取待处理 Nonce
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.withRetry(ctx, func(ctx context.Context, client *ethclient.Client, _ *rpc.Client) error {
		var err error
		nonce, err = client.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

// SuggestGasPrice 获取建议 Gas 价格
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var gasPrice *big.Int
	err := c.withRetry(ctx, func(ctx context.Context, client *ethclient.Client, _ *rpc.Client) error {
		var err error
		gasPrice, err = client.SuggestGasPrice(ctx)
		return err
	})
	return gasPrice, err
}

// EstimateGas 估算 Gas
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.withRetry(ctx, func(ctx context.Context, client *ethclient.Client, _ *rpc.Client) error {
		var err error
		gas, err = client.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

// SendTransaction 发送交易
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.withRetry(ctx, func(ctx context.Context, client *ethclient.Client, _ *rpc.Client) error {
		return client.SendTransaction(ctx, tx)
	})
}

// FilterLogs 过滤日志
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.withRetry(ctx, func(ctx context.Context, client *ethclient.Client, _ *rpc.Client) error {
		var err error
		logs, err = client.FilterLogs(ctx, query)
		return err
	})
	return logs, err
}

// CallContract 调用合约
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var result []byte
	err := c.withRetry(ctx, func(ctx context.Context, client *ethclient.Client, _ *rpc.Client) error {
		var err error
		result, err = client.CallContract(ctx, msg, blockNumber)
		return err
	})
	return result, err
}

// SignTransaction 签名交易
func (c *Client) SignTransaction(tx *types.Transaction) (*types.Transaction, error) {
	if c.privateKey == nil {
		return nil, ErrNoPrivateKey
	}

	signer := types.NewEIP155Signer(big.NewInt(c.chainID))
	return types.SignTx(tx, signer, c.privateKey)
}

// Close 关闭客户端
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
		c.raw = nil
	}
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.BlockNumber(ctx)
	return err
}

// GetHealthyEndpoints 获取健康的端点列表
func (c *Client) GetHealthyEndpoints() []*RPCEndpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var healthy []*RPCEndpoint
	for _, ep := range c.endpoints {
		if ep.IsHealthy {
			healthy = append(healthy, ep)
		}
	}
	return healthy
}
