package service

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/Jouleverse/audit/internal/contract"
	"github.com/Jouleverse/audit/internal/metrics"
	"github.com/Jouleverse/audit/internal/model"
	apperrors "github.com/Jouleverse/audit/pkg/errors"
	"github.com/Jouleverse/audit/pkg/logger"
)

// 去重判定来源
const (
	DedupSourceEvents = "events"
	DedupSourceSample = "sample"
	DedupSourceForced = "forced"
)

// LedgerReader 账本读取
type LedgerReader interface {
	FilterRecords(ctx context.Context, f contract.LogFilter) ([]model.LedgerEntry, error)
	GetCoreDailyRecords(ctx context.Context, coreID uint32, date model.BusinessDate) (*model.DailyRecordPair, error)
}

// DedupDecision 去重判定结果
type DedupDecision struct {
	Recorded bool
	Source   string
	Matches  int
}

// DedupConfig 去重配置
type DedupConfig struct {
	FromBlock  uint64
	ToBlock    uint64 // 0 表示 latest
	SampleSize int
}

// DedupGuard 提交前确认目标日期是否已上链
type DedupGuard struct {
	ledger LedgerReader
	cfg    DedupConfig
}

// NewDedupGuard 创建去重检查
func NewDedupGuard(ledger LedgerReader, cfg DedupConfig) *DedupGuard {
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 5
	}
	return &DedupGuard{ledger: ledger, cfg: cfg}
}

// AlreadyRecorded 判断 date 是否已有 DailyRecorded 事件
//
// 优先按 date topic 过滤事件；事件查询失败时回退到对 candidates 抽样读取
// getCoreDailyRecords。抽样全部失败返回 ErrDedupUnavailable，周期必须终止。
func (g *DedupGuard) AlreadyRecorded(ctx context.Context, date model.BusinessDate, candidates []uint32) (*DedupDecision, error) {
	entries, err := g.ledger.FilterRecords(ctx, contract.LogFilter{
		FromBlock: g.cfg.FromBlock,
		ToBlock:   g.cfg.ToBlock,
		Date:      date,
	})
	if err == nil {
		matches := 0
		for _, e := range entries {
			if e.Record.Date == date {
				matches++
			}
		}
		d := &DedupDecision{Recorded: matches > 0, Source: DedupSourceEvents, Matches: matches}
		metrics.RecordDedup(d.Source, d.Recorded)
		logger.Info("dedup check by events",
			zap.Stringer("date", date),
			zap.Int("matches", matches))
		return d, nil
	}

	metrics.RecordRPCError("eth_getLogs")
	logger.Warn("event query failed, falling back to sampled reads",
		zap.Stringer("date", date),
		zap.Error(err))
	return g.sample(ctx, date, candidates)
}

// sample 读取前 SampleSize 个候选参与者的记录
func (g *DedupGuard) sample(ctx context.Context, date model.BusinessDate, candidates []uint32) (*DedupDecision, error) {
	ids := append([]uint32(nil), candidates...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > g.cfg.SampleSize {
		ids = ids[:g.cfg.SampleSize]
	}
	if len(ids) == 0 {
		return nil, apperrors.ErrDedupUnavailable.WithMessagef("event query failed and no participants to sample")
	}

	d := &DedupDecision{Source: DedupSourceSample}
	failed := 0
	var lastErr error
	for _, id := range ids {
		pair, err := g.ledger.GetCoreDailyRecords(ctx, id, date)
		if err != nil {
			failed++
			lastErr = err
			logger.Warn("sampled read failed",
				zap.Uint32("core_id", id),
				zap.Error(err))
			continue
		}
		if pair.AnyExists() {
			d.Matches++
		}
	}
	if failed == len(ids) {
		return nil, apperrors.Wrapf(apperrors.ErrDedupUnavailable, lastErr, "all %d sampled reads failed", failed)
	}

	d.Recorded = d.Matches > 0
	metrics.RecordDedup(d.Source, d.Recorded)
	logger.Info("dedup check by sampling",
		zap.Stringer("date", date),
		zap.Int("sampled", len(ids)),
		zap.Int("failed", failed),
		zap.Int("matches", d.Matches))
	return d, nil
}
