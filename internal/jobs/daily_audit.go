// Package jobs 守护进程注册的定时任务
package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Jouleverse/audit/internal/model"
	"github.com/Jouleverse/audit/internal/scheduler"
	"github.com/Jouleverse/audit/internal/service"
	"github.com/Jouleverse/audit/pkg/logger"
)

// CycleRunner 执行一次审计周期
type CycleRunner interface {
	RunCycle(ctx context.Context, opts service.CycleOptions) (*service.CycleReport, error)
}

// DailyAuditJob 每日审计任务，目标日期固定为 UTC+8 的昨天
type DailyAuditJob struct {
	scheduler.BaseJob
	runner CycleRunner
	send   bool
}

// NewDailyAuditJob 创建每日审计任务
//
// send 为 false 时只做 dry-run。审计周期持有签名锁直到回执返回，任务锁需要续期。
func NewDailyAuditJob(runner CycleRunner, send bool, timeout, lockTTL time.Duration) *DailyAuditJob {
	return &DailyAuditJob{
		BaseJob: scheduler.NewBaseJob(scheduler.JobNameDailyAudit, timeout, lockTTL, true),
		runner:  runner,
		send:    send,
	}
}

// Execute 执行审计周期
func (j *DailyAuditJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	report, err := j.runner.RunCycle(ctx, service.CycleOptions{Send: j.send})
	if report == nil {
		return nil, err
	}

	result := &scheduler.JobResult{
		ProcessedCount: len(report.Records),
		Details: map[string]interface{}{
			"run_id": report.RunID,
			"date":   report.Date.Uint32(),
			"state":  string(report.State),
			"mode":   report.Mode,
		},
	}
	if report.State == model.CycleStateConfirmed {
		result.AffectedCount = len(report.Records)
	}
	if report.Result != nil && report.Result.TxHash != "" {
		result.Details["tx_hash"] = report.Result.TxHash
	}
	if len(report.Reconciled) > 0 {
		result.Details["reconciled"] = report.Reconciled
	}
	if err != nil {
		result.ErrorCount = 1
	}

	logger.Info("daily audit finished",
		zap.String("run_id", report.RunID),
		zap.Stringer("date", report.Date),
		zap.String("state", string(report.State)))
	return result, err
}
