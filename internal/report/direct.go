package report

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Jouleverse/audit/internal/model"
	apperrors "github.com/Jouleverse/audit/pkg/errors"
	"github.com/Jouleverse/audit/pkg/logger"
)

// DailyRecordReader 按 (coreId, date) 读取账本
type DailyRecordReader interface {
	GetCoreDailyRecords(ctx context.Context, coreID uint32, date model.BusinessDate) (*model.DailyRecordPair, error)
}

// DirectConfig 直接读取配置
type DirectConfig struct {
	Delay      time.Duration // 每次读取之间的间隔
	MaxRetries uint64
}

// DirectReader 逐日读取账本生成月报
type DirectReader struct {
	ledger DailyRecordReader
	cfg    DirectConfig
}

// NewDirectReader 创建直接读取器
func NewDirectReader(ledger DailyRecordReader, cfg DirectConfig) *DirectReader {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &DirectReader{ledger: ledger, cfg: cfg}
}

// Build 生成 month 的月报
//
// 任何 (coreId, date) 重试后仍读取失败都会终止生成，不输出缺数据的报表。
func (r *DirectReader) Build(ctx context.Context, month model.BusinessMonth, ids []uint32) (*model.MonthlyReport, error) {
	days := month.Days()
	entries := make([]model.LedgerEntry, 0, len(ids)*len(days)*2)

	for _, id := range ids {
		for _, d := range days {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			pair, err := r.read(ctx, id, d)
			if err != nil {
				logger.Error("read daily records failed",
					zap.Uint32("core_id", id),
					zap.Uint32("date", d.Uint32()),
					zap.Error(err))
				return nil, apperrors.Wrapf(apperrors.ErrRPCUnreachable, err,
					"getCoreDailyRecords(%d, %s)", id, d).
					WithDetail("core_id", strconv.FormatUint(uint64(id), 10)).
					WithDetail("date", d.String())
			}
			// 没有数据的 core 也出现在报表中
			entries = append(entries, pair.Entries(id, d)...)

			if r.cfg.Delay > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(r.cfg.Delay):
				}
			}
		}
	}

	report := Fold(month, entries)
	report.Strategy = StrategyDirect
	logger.Info("monthly report built",
		zap.String("strategy", StrategyDirect),
		zap.Stringer("month", month),
		zap.Int("cores", len(report.Cores)))
	return report, nil
}

func (r *DirectReader) read(ctx context.Context, id uint32, d model.BusinessDate) (*model.DailyRecordPair, error) {
	var pair *model.DailyRecordPair
	op := func() error {
		p, err := r.ledger.GetCoreDailyRecords(ctx, id, d)
		if err != nil {
			return err
		}
		pair = p
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.cfg.MaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return pair, nil
}
