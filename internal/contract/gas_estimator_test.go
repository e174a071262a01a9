package contract

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGasBackend struct {
	price       *big.Int
	priceErr    error
	gas         uint64
	gasErr      error
	priceCalled int
}

func (s *stubGasBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	s.priceCalled++
	return s.price, s.priceErr
}

func (s *stubGasBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return s.gas, s.gasErr
}

// TestGasEstimator_Estimate 测试估算并加缓冲
func TestGasEstimator_Estimate(t *testing.T) {
	b := &stubGasBackend{price: big.NewInt(1e9), gas: 100_000}
	e := NewGasEstimator(&GasEstimatorConfig{GasLimitMultiplier: decimal.RequireFromString("1.5")}, b)

	est, err := e.Estimate(context.Background(), common.Address{}, ledgerAddr, []byte{1})
	require.NoError(t, err)
	assert.Equal(t, uint64(150_000), est.GasLimit)
	assert.False(t, est.Fallback)
	assert.Equal(t, big.NewInt(150_000*1e9), est.EstimatedCost)
}

// TestGasEstimator_Fallback 测试估算失败回退到默认 gas limit
func TestGasEstimator_Fallback(t *testing.T) {
	b := &stubGasBackend{price: big.NewInt(1e9), gasErr: errors.New("execution reverted")}
	e := NewGasEstimator(&GasEstimatorConfig{DefaultGasLimit: 2_000_000}, b)

	est, err := e.Estimate(context.Background(), common.Address{}, ledgerAddr, nil)
	require.NoError(t, err)
	assert.True(t, est.Fallback)
	assert.Error(t, est.EstimateErr)
	assert.Equal(t, uint64(2_000_000), est.GasLimit)
}

// TestGasEstimator_Limits 测试上限校验
func TestGasEstimator_Limits(t *testing.T) {
	b := &stubGasBackend{price: big.NewInt(1000e9), gas: 21_000}
	e := NewGasEstimator(nil, b)
	_, err := e.Estimate(context.Background(), common.Address{}, ledgerAddr, nil)
	assert.ErrorIs(t, err, ErrGasPriceTooHigh)

	b = &stubGasBackend{price: big.NewInt(1e9), gas: 40_000_000}
	e = NewGasEstimator(nil, b)
	_, err = e.Estimate(context.Background(), common.Address{}, ledgerAddr, nil)
	assert.ErrorIs(t, err, ErrGasLimitTooHigh)
}

// TestGasEstimator_Cache 测试 gas price 缓存
func TestGasEstimator_Cache(t *testing.T) {
	b := &stubGasBackend{price: big.NewInt(1e9)}
	e := NewGasEstimator(nil, b)
	ctx := context.Background()

	_, err := e.GetGasPrice(ctx)
	require.NoError(t, err)
	_, err = e.GetGasPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.priceCalled)

	e.InvalidateCache()
	_, err = e.GetGasPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, b.priceCalled)
}
