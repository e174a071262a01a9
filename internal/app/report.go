package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Jouleverse/audit/internal/jobs"
	"github.com/Jouleverse/audit/internal/model"
	"github.com/Jouleverse/audit/internal/report"
	apperrors "github.com/Jouleverse/audit/pkg/errors"
	"github.com/Jouleverse/audit/pkg/logger"
)

// directBuilder 直接读取需要 coreId 列表，每次生成时重新获取
type directBuilder struct {
	reader *report.DirectReader
	ids    func(ctx context.Context) ([]uint32, error)
}

func (b *directBuilder) Build(ctx context.Context, month model.BusinessMonth) (*model.MonthlyReport, error) {
	ids, err := b.ids(ctx)
	if err != nil {
		return nil, err
	}
	return b.reader.Build(ctx, month, ids)
}

// ReportBuilder 按策略创建月报生成器
func (a *App) ReportBuilder(strategy string) (jobs.ReportBuilder, error) {
	rc := a.cfg.Report
	switch strategy {
	case "", report.StrategyDirect:
		return &directBuilder{
			reader: report.NewDirectReader(a.ledger, report.DirectConfig{
				Delay: time.Duration(rc.Delay) * time.Millisecond,
			}),
			ids: a.coreIDs,
		}, nil
	case report.StrategyReplay:
		return report.NewReplayer(a.ledger, a.chain, report.ReplayConfig{
			FromBlock: a.cfg.Audit.FromBlock,
			ToBlock:   a.cfg.Audit.ToBlock,
			Chunk:     rc.ScanChunk,
		}), nil
	default:
		return nil, apperrors.ErrInvalidConfig.WithMessagef("unknown report strategy %q", strategy)
	}
}

// ReportWriter dir 为空时使用配置的输出目录
func (a *App) ReportWriter(dir string) *report.Writer {
	if dir == "" {
		dir = a.cfg.Report.OutputDir
	}
	return report.NewWriter(dir)
}

// BuildReport 生成并写入月报，返回文件路径
func (a *App) BuildReport(ctx context.Context, month model.BusinessMonth, strategy, dir string) (string, error) {
	builder, err := a.ReportBuilder(strategy)
	if err != nil {
		return "", err
	}
	r, err := builder.Build(ctx, month)
	if err != nil {
		return "", err
	}
	return a.ReportWriter(dir).Write(r)
}

// coreIDs 优先读取配置的 coreId 列表，否则取 0..totalSupply-1
func (a *App) coreIDs(ctx context.Context) ([]uint32, error) {
	if path := a.cfg.Report.CoreIDsPath; path != "" {
		return report.LoadCoreIDs(path)
	}
	total, err := a.cores.TotalSupply(ctx)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrRPCUnreachable, err, "read totalSupply")
	}
	ids := make([]uint32, total)
	for i := range ids {
		ids[i] = uint32(i)
	}
	logger.Info("core ids from totalSupply", zap.Uint64("total", total))
	return ids, nil
}
