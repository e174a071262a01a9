package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jouleverse/audit/internal/model"
	"github.com/Jouleverse/audit/internal/scheduler"
	"github.com/Jouleverse/audit/internal/service"
	apperrors "github.com/Jouleverse/audit/pkg/errors"
)

type stubRunner struct {
	opts   []service.CycleOptions
	report *service.CycleReport
	err    error
}

func (r *stubRunner) RunCycle(ctx context.Context, opts service.CycleOptions) (*service.CycleReport, error) {
	r.opts = append(r.opts, opts)
	return r.report, r.err
}

// TestDailyAuditJob 测试每日审计任务结果
func TestDailyAuditJob(t *testing.T) {
	runner := &stubRunner{report: &service.CycleReport{
		RunID:   "run-1",
		Date:    20240315,
		Mode:    "send",
		State:   model.CycleStateConfirmed,
		Records: make([]model.DailyRecord, 4),
		Result:  &model.TransactionResult{TxHash: "0xabc"},
	}}
	job := NewDailyAuditJob(runner, true, time.Minute, time.Minute)
	assert.Equal(t, scheduler.JobNameDailyAudit, job.Name())
	assert.True(t, job.UseWatchdog())

	result, err := job.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, result.ProcessedCount)
	assert.Equal(t, 4, result.AffectedCount)
	assert.Equal(t, "0xabc", result.Details["tx_hash"])
	assert.Equal(t, uint32(20240315), result.Details["date"])

	// 日期由服务决定为昨天
	require.Len(t, runner.opts, 1)
	assert.Equal(t, model.BusinessDate(0), runner.opts[0].Date)
	assert.True(t, runner.opts[0].Send)
}

// TestDailyAuditJob_NeedsAttention 需要人工介入的终态返回错误
func TestDailyAuditJob_NeedsAttention(t *testing.T) {
	runner := &stubRunner{
		report: &service.CycleReport{RunID: "run-2", Date: 20240315, State: model.CycleStateTimedOut},
		err:    apperrors.ErrReceiptTimeout,
	}
	result, err := NewDailyAuditJob(runner, true, time.Minute, 0).Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, result.ErrorCount)
	assert.Equal(t, 0, result.AffectedCount)

	runner = &stubRunner{err: errors.New("invalid date")}
	result, err = NewDailyAuditJob(runner, false, time.Minute, 0).Execute(context.Background())
	assert.Error(t, err)
	assert.Nil(t, result)
}

type stubBuilder struct {
	months []model.BusinessMonth
	err    error
}

func (b *stubBuilder) Build(ctx context.Context, month model.BusinessMonth) (*model.MonthlyReport, error) {
	b.months = append(b.months, month)
	if b.err != nil {
		return nil, b.err
	}
	return &model.MonthlyReport{Month: month, Cores: []model.CoreReport{
		{CoreID: 1, TotalPoints: 210},
		{CoreID: 2, TotalPoints: 10},
	}}, nil
}

type memorySink struct {
	written []*model.MonthlyReport
}

func (s *memorySink) Write(r *model.MonthlyReport) (string, error) {
	s.written = append(s.written, r)
	return "reports/report_" + r.Month.String() + ".json", nil
}

// TestPreviousMonth 业务月按 UTC+8 计算
func TestPreviousMonth(t *testing.T) {
	// UTC 2 月 29 日 16:00 已是 UTC+8 的 3 月 1 日
	assert.Equal(t, model.BusinessMonth(202402), PreviousMonth(time.Date(2024, 2, 29, 16, 0, 0, 0, time.UTC)))
	assert.Equal(t, model.BusinessMonth(202401), PreviousMonth(time.Date(2024, 2, 29, 15, 59, 0, 0, time.UTC)))
	assert.Equal(t, model.BusinessMonth(202312), PreviousMonth(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)))
}

// TestMonthlyReportJob 测试月报任务
func TestMonthlyReportJob(t *testing.T) {
	builder := &stubBuilder{}
	sink := &memorySink{}
	job := NewMonthlyReportJob(builder, sink, time.Minute, time.Minute)
	job.now = func() time.Time { return time.Date(2024, 4, 1, 1, 0, 0, 0, time.UTC) }

	result, err := job.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.BusinessMonth{202403}, builder.months)
	require.Len(t, sink.written, 1)
	assert.Equal(t, 2, result.ProcessedCount)
	assert.Equal(t, uint64(220), result.Details["total_points"])
	assert.Equal(t, "reports/report_202403.json", result.Details["path"])

	builder.err = errors.New("rpc down")
	_, err = job.Execute(context.Background())
	assert.Error(t, err)
	assert.Len(t, sink.written, 1)
}
