package service

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/Jouleverse/audit/internal/blockchain"
	"github.com/Jouleverse/audit/internal/contract"
	"github.com/Jouleverse/audit/internal/metrics"
	"github.com/Jouleverse/audit/internal/model"
	apperrors "github.com/Jouleverse/audit/pkg/errors"
	"github.com/Jouleverse/audit/pkg/logger"
)

// TxBackend 签名与广播
type TxBackend interface {
	Address() common.Address
	HasSigner() bool
	SignTransaction(tx *types.Transaction) (*types.Transaction, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// GasEstimator gas 估算
type GasEstimator interface {
	Estimate(ctx context.Context, from, to common.Address, data []byte) (*contract.GasEstimate, error)
	// InvalidateCache 交易被拒后丢弃缓存的 gas price
	InvalidateCache()
}

// BatchEncoder recordBatch 编码
type BatchEncoder interface {
	Address() common.Address
	PackRecordBatch(p *model.BatchPayload) ([]byte, error)
}

// SignerLocker 签名账户互斥
type SignerLocker interface {
	Acquire(ctx context.Context) (blockchain.SignerLease, error)
}

// RecorderConfig 提交配置
type RecorderConfig struct {
	ReceiptTimeout  time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration
}

// BatchRecorder 构建、签名、广播 recordBatch 交易并等待回执
type BatchRecorder struct {
	backend TxBackend
	gas     GasEstimator
	ledger  BatchEncoder
	signer  SignerLocker
	cfg     RecorderConfig
}

// NewBatchRecorder 创建提交器
func NewBatchRecorder(backend TxBackend, gas GasEstimator, ledger BatchEncoder, signer SignerLocker, cfg RecorderConfig) *BatchRecorder {
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 120 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPollInterval <= 0 {
		cfg.MaxPollInterval = 8 * time.Second
	}
	return &BatchRecorder{
		backend: backend,
		gas:     gas,
		ledger:  ledger,
		signer:  signer,
		cfg:     cfg,
	}
}

// Submit 提交一个批次
//
// 返回的结果总是非空，State 为 NOOP/ABORTED/FAILED/TIMED_OUT/CONFIRMED 之一；
// 非 CONFIRMED/NOOP 时同时返回分类错误。
func (r *BatchRecorder) Submit(ctx context.Context, records []model.DailyRecord) (*model.TransactionResult, error) {
	result := &model.TransactionResult{State: model.CycleStateNoop, Entries: len(records)}
	if len(records) == 0 {
		return result, nil
	}

	abort := func(err error) (*model.TransactionResult, error) {
		result.State = model.CycleStateAborted
		result.Reason = err.Error()
		return result, err
	}

	if !r.backend.HasSigner() {
		return abort(apperrors.ErrMissingKey)
	}

	payload := model.NewBatchPayload(records)
	data, err := r.ledger.PackRecordBatch(payload)
	if err != nil {
		return abort(apperrors.Wrap(apperrors.ErrInvalidPayload, err))
	}

	lease, err := r.signer.Acquire(ctx)
	if err != nil {
		return abort(apperrors.Wrapf(apperrors.ErrSignerBusy, err, "signer %s", r.backend.Address().Hex()))
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			logger.Warn("failed to release signer lock", zap.Error(err))
		}
	}()

	nonce, err := lease.Nonce(ctx)
	if err != nil {
		if errors.Is(err, blockchain.ErrSignerLockLost) {
			return abort(apperrors.Wrap(apperrors.ErrSignerBusy, err))
		}
		return abort(apperrors.Wrapf(apperrors.ErrRPCUnreachable, err, "get pending nonce"))
	}

	to := r.ledger.Address()
	est, err := r.gas.Estimate(ctx, r.backend.Address(), to, data)
	if err != nil {
		return abort(apperrors.Wrapf(apperrors.ErrTxRejected, err, "gas estimation"))
	}
	if est.Fallback {
		logger.Warn("gas estimation failed, using default gas limit",
			zap.Uint64("gas_limit", est.GasLimit),
			zap.Error(est.EstimateErr))
	}
	result.GasLimit = est.GasLimit
	result.GasPrice = est.GasPrice.String()

	tx := types.NewTransaction(nonce, to, big.NewInt(0), est.GasLimit, est.GasPrice, data)
	signedTx, err := r.backend.SignTransaction(tx)
	if err != nil {
		return abort(apperrors.Wrapf(apperrors.ErrTxRejected, err, "sign transaction"))
	}
	result.State = model.CycleStateSigned
	result.TxHash = signedTx.Hash().Hex()

	if err := r.backend.SendTransaction(ctx, signedTx); err != nil {
		logger.Error("recordBatch rejected",
			zap.String("tx_hash", result.TxHash),
			zap.Uint64("nonce", nonce),
			zap.Error(err))
		r.gas.InvalidateCache()
		return abort(apperrors.Wrapf(apperrors.ErrTxRejected, err, "nonce %d", nonce))
	}
	result.State = model.CycleStateSubmitted
	sentAt := time.Now()

	if err := lease.RecordTx(ctx, nonce, result.TxHash); err != nil {
		logger.Warn("failed to record sent tx", zap.String("tx_hash", result.TxHash), zap.Error(err))
	}

	logger.Info("recordBatch sent",
		zap.String("tx_hash", result.TxHash),
		zap.Uint64("nonce", nonce),
		zap.Int("entries", len(records)),
		zap.Uint64("gas_limit", est.GasLimit),
		zap.String("gas_price", result.GasPrice))

	receipt, err := r.waitReceipt(ctx, signedTx.Hash())
	if err != nil {
		result.State = model.CycleStateTimedOut
		result.Reason = err.Error()
		logger.Error("recordBatch receipt not received",
			zap.String("tx_hash", result.TxHash),
			zap.Duration("timeout", r.cfg.ReceiptTimeout))
		return result, err
	}

	result.Status = receipt.Status
	result.GasUsed = receipt.GasUsed
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	metrics.RecordTx(receipt.GasUsed, time.Since(sentAt).Seconds())

	if receipt.Status != types.ReceiptStatusSuccessful {
		result.State = model.CycleStateFailed
		err := apperrors.ErrTxFailed.
			WithDetail("tx_hash", result.TxHash).
			WithMessagef("recordBatch reverted in block %d (gas used %d)", result.BlockNumber, receipt.GasUsed)
		result.Reason = err.Error()
		return result, err
	}

	result.State = model.CycleStateConfirmed
	logger.Info("recordBatch confirmed",
		zap.String("tx_hash", result.TxHash),
		zap.Uint64("block", result.BlockNumber),
		zap.Uint64("gas_used", receipt.GasUsed))
	return result, nil
}

// waitReceipt 指数退避轮询回执，直到超时
func (r *BatchRecorder) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.PollInterval
	b.Multiplier = 1.5
	b.MaxInterval = r.cfg.MaxPollInterval
	b.MaxElapsedTime = r.cfg.ReceiptTimeout

	var receipt *types.Receipt
	operation := func() error {
		rc, err := r.backend.TransactionReceipt(ctx, hash)
		if err != nil {
			if !errors.Is(err, blockchain.ErrTxNotFound) {
				logger.Debug("receipt poll failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
			}
			return err
		}
		receipt = rc
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrReceiptTimeout, err, "tx %s", hash.Hex())
	}
	return receipt, nil
}
