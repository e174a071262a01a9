package jobs

import (
	"context"
	"time"

	"github.com/Jouleverse/audit/internal/model"
	"github.com/Jouleverse/audit/internal/scheduler"
)

// ReportBuilder 生成指定月份的月报
type ReportBuilder interface {
	Build(ctx context.Context, month model.BusinessMonth) (*model.MonthlyReport, error)
}

// ReportSink 保存月报
type ReportSink interface {
	Write(report *model.MonthlyReport) (string, error)
}

// MonthlyReportJob 生成上个月的月报
type MonthlyReportJob struct {
	scheduler.BaseJob
	builder ReportBuilder
	sink    ReportSink
	now     func() time.Time
}

// NewMonthlyReportJob 创建月报任务
func NewMonthlyReportJob(builder ReportBuilder, sink ReportSink, timeout, lockTTL time.Duration) *MonthlyReportJob {
	return &MonthlyReportJob{
		BaseJob: scheduler.NewBaseJob(scheduler.JobNameMonthlyReport, timeout, lockTTL, false),
		builder: builder,
		sink:    sink,
		now:     time.Now,
	}
}

// PreviousMonth now 所在业务月的上一个月
func PreviousMonth(now time.Time) model.BusinessMonth {
	first := model.Today(now).Month().FirstDay()
	return first.AddDays(-1).Month()
}

// Execute 生成并写入月报
func (j *MonthlyReportJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	month := PreviousMonth(j.now())
	report, err := j.builder.Build(ctx, month)
	if err != nil {
		return nil, err
	}
	path, err := j.sink.Write(report)
	if err != nil {
		return nil, err
	}

	var points uint64
	for _, c := range report.Cores {
		points += c.TotalPoints
	}
	return &scheduler.JobResult{
		ProcessedCount: len(report.Cores),
		AffectedCount:  1,
		Details: map[string]interface{}{
			"month":        month.String(),
			"path":         path,
			"total_points": points,
		},
	}, nil
}
