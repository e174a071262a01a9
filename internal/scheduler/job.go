package scheduler

import (
	"context"
	"time"

	"github.com/Jouleverse/audit/internal/model"
)

// Job 定时任务
type Job interface {
	Name() string
	Execute(ctx context.Context) (*JobResult, error)
	Timeout() time.Duration
	// LockTTL 为 0 表示不需要分布式锁
	LockTTL() time.Duration
	// UseWatchdog 长任务在执行期间自动续期锁
	UseWatchdog() bool
}

// JobResult 任务执行结果
type JobResult struct {
	ProcessedCount int
	AffectedCount  int
	ErrorCount     int
	Details        map[string]interface{}
}

// ToJSONResult 转换为 JSONResult
func (r *JobResult) ToJSONResult() model.JSONResult {
	if r == nil {
		return nil
	}
	result := model.JSONResult{
		"processed_count": r.ProcessedCount,
		"affected_count":  r.AffectedCount,
		"error_count":     r.ErrorCount,
	}
	for k, v := range r.Details {
		result[k] = v
	}
	return result
}

// BaseJob 基础任务实现
type BaseJob struct {
	name        string
	timeout     time.Duration
	lockTTL     time.Duration
	useWatchdog bool
}

// NewBaseJob 创建基础任务
func NewBaseJob(name string, timeout, lockTTL time.Duration, useWatchdog bool) BaseJob {
	return BaseJob{
		name:        name,
		timeout:     timeout,
		lockTTL:     lockTTL,
		useWatchdog: useWatchdog,
	}
}

func (j BaseJob) Name() string           { return j.name }
func (j BaseJob) Timeout() time.Duration { return j.timeout }
func (j BaseJob) LockTTL() time.Duration { return j.lockTTL }
func (j BaseJob) UseWatchdog() bool      { return j.useWatchdog }

// 任务名称
const (
	JobNameDailyAudit    = "daily-audit"
	JobNameMonthlyReport = "monthly-report"
)
