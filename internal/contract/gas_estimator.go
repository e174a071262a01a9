package contract

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Gas estimation errors
var (
	ErrGasPriceTooHigh = errors.New("gas price exceeds maximum")
	ErrGasLimitTooHigh = errors.New("gas limit exceeds maximum")
)

// GasEstimatorConfig is the configuration for the gas estimator.
type GasEstimatorConfig struct {
	// MaxGasPrice is the maximum gas price in wei.
	MaxGasPrice *big.Int
	// MaxGasLimit is the maximum gas limit.
	MaxGasLimit uint64
	// DefaultGasLimit is used when eth_estimateGas fails.
	DefaultGasLimit uint64
	// GasLimitMultiplier is applied to a successful estimate (1.2 = 20% buffer).
	GasLimitMultiplier decimal.Decimal
	// CacheTTL is the time-to-live for cached gas prices.
	CacheTTL time.Duration
}

// GasEstimate contains the result of gas estimation.
type GasEstimate struct {
	GasLimit uint64
	GasPrice *big.Int
	// EstimatedCost is GasLimit * GasPrice in wei.
	EstimatedCost *big.Int
	// Fallback is set when the default gas limit replaced a failed estimate.
	Fallback    bool
	EstimateErr error
}

// GasBackend is the chain client subset used for estimation.
type GasBackend interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// GasEstimator estimates gas for ledger transactions. Jouleverse is a
// legacy-fee Clique chain, so only the suggested gas price is used.
type GasEstimator struct {
	cfg     *GasEstimatorConfig
	backend GasBackend

	mu          sync.RWMutex
	cachedPrice *big.Int
	fetchedAt   time.Time
}

// NewGasEstimator creates a new gas estimator.
func NewGasEstimator(cfg *GasEstimatorConfig, backend GasBackend) *GasEstimator {
	if cfg == nil {
		cfg = &GasEstimatorConfig{}
	}

	// Set defaults
	if cfg.MaxGasPrice == nil {
		cfg.MaxGasPrice = big.NewInt(500e9) // 500 Gwei
	}
	if cfg.MaxGasLimit == 0 {
		cfg.MaxGasLimit = 30_000_000
	}
	if cfg.DefaultGasLimit == 0 {
		cfg.DefaultGasLimit = 3_000_000
	}
	if cfg.GasLimitMultiplier.IsZero() {
		cfg.GasLimitMultiplier = decimal.RequireFromString("1.2")
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Second
	}

	return &GasEstimator{
		cfg:     cfg,
		backend: backend,
	}
}

// GetGasPrice returns the suggested gas price, cached for CacheTTL.
func (e *GasEstimator) GetGasPrice(ctx context.Context) (*big.Int, error) {
	e.mu.RLock()
	if e.cachedPrice != nil && time.Since(e.fetchedAt) < e.cfg.CacheTTL {
		cached := new(big.Int).Set(e.cachedPrice)
		e.mu.RUnlock()
		return cached, nil
	}
	e.mu.RUnlock()

	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	if gasPrice.Cmp(e.cfg.MaxGasPrice) > 0 {
		return nil, ErrGasPriceTooHigh
	}

	e.mu.Lock()
	e.cachedPrice = new(big.Int).Set(gasPrice)
	e.fetchedAt = time.Now()
	e.mu.Unlock()

	return gasPrice, nil
}

// Estimate estimates gas for a call from -> to with data. A failed
// eth_estimateGas is not an error: the default gas limit is used and the
// estimate is flagged as a fallback.
func (e *GasEstimator) Estimate(ctx context.Context, from, to common.Address, data []byte) (*GasEstimate, error) {
	est := &GasEstimate{}

	gasLimit, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		est.Fallback = true
		est.EstimateErr = err
		gasLimit = e.cfg.DefaultGasLimit
	} else {
		gasLimit = decimal.NewFromInt(int64(gasLimit)).Mul(e.cfg.GasLimitMultiplier).Ceil().BigInt().Uint64()
	}

	if gasLimit > e.cfg.MaxGasLimit {
		return nil, ErrGasLimitTooHigh
	}
	est.GasLimit = gasLimit

	gasPrice, err := e.GetGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	est.GasPrice = gasPrice
	est.EstimatedCost = new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))

	return est, nil
}

// InvalidateCache invalidates the cached gas price.
func (e *GasEstimator) InvalidateCache() {
	e.mu.Lock()
	e.cachedPrice = nil
	e.mu.Unlock()
}
