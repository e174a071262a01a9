package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Jouleverse/audit/internal/model"
	"github.com/Jouleverse/audit/pkg/logger"
)

// SupplyReader JVCore 总量
type SupplyReader interface {
	TotalSupply(ctx context.Context) (uint64, error)
}

// DailyRecordReader 单个参与者单日记录
type DailyRecordReader interface {
	GetCoreDailyRecords(ctx context.Context, coreID uint32, date model.BusinessDate) (*model.DailyRecordPair, error)
}

// PreviewOptions 预览参数
type PreviewOptions struct {
	OnlyPositive bool
	// Delay 两次读取之间的间隔
	Delay time.Duration
}

// PreviewRow 一个参与者在目标日期的链上记录
type PreviewRow struct {
	CoreID uint32
	Pair   *model.DailyRecordPair
	Err    error
}

// Total 两个角色积分之和
func (r PreviewRow) Total() uint64 {
	if r.Pair == nil {
		return 0
	}
	return r.Pair.MinerPoints + r.Pair.WitnessPoints
}

// PreviewService 按 coreId 逐个读取某一天的账本记录
type PreviewService struct {
	supply SupplyReader
	ledger DailyRecordReader
}

// NewPreviewService 创建预览服务
func NewPreviewService(supply SupplyReader, ledger DailyRecordReader) *PreviewService {
	return &PreviewService{supply: supply, ledger: ledger}
}

// Preview 遍历 0..totalSupply-1；单个读取失败保留在结果中继续下一个
func (s *PreviewService) Preview(ctx context.Context, date model.BusinessDate, opts PreviewOptions) ([]PreviewRow, error) {
	total, err := s.supply.TotalSupply(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("previewing ledger records",
		zap.Stringer("date", date),
		zap.Uint64("total_supply", total))

	var rows []PreviewRow
	for id := uint64(0); id < total; id++ {
		if id > 0 && opts.Delay > 0 {
			select {
			case <-ctx.Done():
				return rows, ctx.Err()
			case <-time.After(opts.Delay):
			}
		}

		coreID := uint32(id)
		pair, err := s.ledger.GetCoreDailyRecords(ctx, coreID, date)
		if err != nil {
			logger.Warn("getCoreDailyRecords failed", zap.Uint32("core_id", coreID), zap.Error(err))
			rows = append(rows, PreviewRow{CoreID: coreID, Err: err})
			continue
		}
		row := PreviewRow{CoreID: coreID, Pair: pair}
		if opts.OnlyPositive && !pair.AnyExists() && row.Total() == 0 {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}
