package report

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/Jouleverse/audit/internal/contract"
	"github.com/Jouleverse/audit/internal/model"
	apperrors "github.com/Jouleverse/audit/pkg/errors"
	"github.com/Jouleverse/audit/pkg/logger"
)

// EventSource 账本事件来源
type EventSource interface {
	FilterRecords(ctx context.Context, f contract.LogFilter) ([]model.LedgerEntry, error)
}

// HeadReader 读取最新区块
type HeadReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// ReplayConfig 事件回放配置
type ReplayConfig struct {
	FromBlock uint64
	ToBlock   uint64 // 0 表示当前最新区块
	Chunk     uint64 // 每次 eth_getLogs 覆盖的区块数
}

// Replayer 扫描账本事件生成月报
type Replayer struct {
	events EventSource
	head   HeadReader
	cfg    ReplayConfig
}

// NewReplayer 创建事件回放器
func NewReplayer(events EventSource, head HeadReader, cfg ReplayConfig) *Replayer {
	if cfg.Chunk == 0 {
		cfg.Chunk = 50_000
	}
	return &Replayer{events: events, head: head, cfg: cfg}
}

// Build 生成 month 的月报
//
// 任意一段扫描失败都返回错误，部分事件无法得到正确的覆盖顺序。
func (r *Replayer) Build(ctx context.Context, month model.BusinessMonth) (*model.MonthlyReport, error) {
	to := r.cfg.ToBlock
	if to == 0 {
		header, err := r.head.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrRPCUnreachable, err, "read chain head")
		}
		to = header.Number.Uint64()
	}
	if r.cfg.FromBlock > to {
		return Fold(month, nil), nil
	}

	var entries []model.LedgerEntry
	for from := r.cfg.FromBlock; from <= to; from += r.cfg.Chunk {
		end := from + r.cfg.Chunk - 1
		if end > to {
			end = to
		}
		chunk, err := r.events.FilterRecords(ctx, contract.LogFilter{
			FromBlock:        from,
			ToBlock:          end,
			IncludeOverrides: true,
		})
		if err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrRPCUnreachable, err, "filter ledger events %d-%d", from, end)
		}
		entries = append(entries, chunk...)
		logger.Debug("ledger events scanned",
			zap.Uint64("from", from),
			zap.Uint64("to", end),
			zap.Int("events", len(chunk)))
	}

	report := Fold(month, entries)
	report.Strategy = StrategyReplay
	logger.Info("monthly report built",
		zap.String("strategy", StrategyReplay),
		zap.Stringer("month", month),
		zap.Int("events", len(entries)),
		zap.Int("cores", len(report.Cores)))
	return report, nil
}
