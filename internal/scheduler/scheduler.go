// Package scheduler 守护进程中的定时任务
//
// cron 表达式带秒，按 UTC+8 解析。需要锁的任务在执行前获取 Redis 锁，
// 每次执行写入 JobExecution 记录。
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Jouleverse/audit/internal/metrics"
	"github.com/Jouleverse/audit/internal/model"
	"github.com/Jouleverse/audit/pkg/logger"
)

// ExecutionStore 任务执行记录存储
type ExecutionStore interface {
	Create(ctx context.Context, exec *model.JobExecution) error
	Update(ctx context.Context, exec *model.JobExecution) error
	GetLatestByJobName(ctx context.Context, jobName string) (*model.JobExecution, error)
	MarkStaleRunningAsFailed(ctx context.Context, threshold time.Duration) (int64, error)
}

// Scheduler 任务调度器
type Scheduler struct {
	cron        *cron.Cron
	lockManager *LockManager
	execs       ExecutionStore // nil 表示不记录
	jobs        map[string]Job
	jobConfigs  map[string]JobConfig
	entries     map[string]cron.EntryID
	mu          sync.RWMutex
	location    *time.Location
	running     chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
}

// JobConfig 任务配置
type JobConfig struct {
	Cron    string
	Enabled bool
}

// Config 调度器配置
type Config struct {
	MaxConcurrentJobs int
	RedisClient       redis.UniversalClient
	Location          *time.Location
}

// NewScheduler 创建调度器
func NewScheduler(cfg *Config, execs ExecutionStore) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	loc := cfg.Location
	if loc == nil {
		loc = model.BusinessZone
	}

	return &Scheduler{
		cron:        cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		lockManager: NewLockManager(cfg.RedisClient),
		execs:       execs,
		jobs:        make(map[string]Job),
		jobConfigs:  make(map[string]JobConfig),
		entries:     make(map[string]cron.EntryID),
		location:    loc,
		running:     make(chan struct{}, maxConcurrent),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// RegisterJob 注册任务
func (s *Scheduler) RegisterJob(job Job, config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}
	s.jobs[job.Name()] = job
	s.jobConfigs[job.Name()] = config

	if !config.Enabled {
		logger.Info("job registered but disabled", zap.String("job", job.Name()))
		return nil
	}

	id, err := s.cron.AddFunc(config.Cron, func() { s.executeJob(job) })
	if err != nil {
		delete(s.jobs, job.Name())
		delete(s.jobConfigs, job.Name())
		return fmt.Errorf("failed to add cron job %s: %w", job.Name(), err)
	}
	s.entries[job.Name()] = id

	logger.Info("job registered",
		zap.String("job", job.Name()),
		zap.String("cron", config.Cron))
	return nil
}

// Start 启动调度器，遗留的 running 记录先标记为失败
func (s *Scheduler) Start() {
	if s.execs != nil {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		n, err := s.execs.MarkStaleRunningAsFailed(ctx, s.maxTimeout())
		cancel()
		if err != nil {
			logger.Warn("failed to mark stale job executions", zap.Error(err))
		} else if n > 0 {
			logger.Warn("stale job executions marked as failed", zap.Int64("count", n))
		}
	}
	s.cron.Start()
	logger.Info("scheduler started")
}

// Stop 停止调度器并等待执行中的任务结束
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	logger.Info("scheduler stopped")
}

// TriggerJob 手动触发任务
func (s *Scheduler) TriggerJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job %s not found", jobName)
	}
	go s.executeJob(job)
	return nil
}

func (s *Scheduler) maxTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var longest time.Duration
	for _, j := range s.jobs {
		if j.Timeout() > longest {
			longest = j.Timeout()
		}
	}
	if longest == 0 {
		longest = time.Hour
	}
	return 2 * longest
}

// executeJob 执行任务
func (s *Scheduler) executeJob(job Job) {
	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		logger.Warn("max concurrent jobs reached, skipping", zap.String("job", job.Name()))
		s.recordSkipped(job.Name(), "max concurrent jobs reached")
		return
	}

	select {
	case <-s.ctx.Done():
		return
	default:
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout())
	defer cancel()

	if job.LockTTL() > 0 && s.lockManager.Enabled() {
		lock := s.lockManager.NewLock(job.Name(), job.LockTTL(), job.UseWatchdog())
		acquired, err := lock.TryLock(ctx)
		if err != nil {
			logger.Error("failed to acquire job lock", zap.String("job", job.Name()), zap.Error(err))
			s.recordSkipped(job.Name(), "failed to acquire lock: "+err.Error())
			return
		}
		if !acquired {
			logger.Info("job is already running on another instance", zap.String("job", job.Name()))
			s.recordSkipped(job.Name(), "job is running on another instance")
			return
		}
		defer func() {
			if err := lock.Unlock(context.Background()); err != nil {
				logger.Error("failed to release job lock", zap.String("job", job.Name()), zap.Error(err))
			}
		}()
	}

	start := time.Now()
	exec := &model.JobExecution{
		JobName:   job.Name(),
		Status:    model.JobStatusRunning,
		StartedAt: start.UnixMilli(),
	}
	if s.execs != nil {
		if err := s.execs.Create(ctx, exec); err != nil {
			logger.Error("failed to record job start", zap.String("job", job.Name()), zap.Error(err))
		}
	}

	logger.Info("starting job", zap.String("job", job.Name()))
	result, err := job.Execute(ctx)

	finish := time.Now()
	duration := int(finish.Sub(start).Milliseconds())
	exec.FinishedAt = ptrInt64(finish.UnixMilli())
	exec.DurationMs = &duration

	if err != nil {
		exec.Status = model.JobStatusFailed
		msg := err.Error()
		exec.ErrorMessage = &msg
		logger.Error("job failed",
			zap.String("job", job.Name()),
			zap.Duration("duration", finish.Sub(start)),
			zap.Error(err))
	} else {
		exec.Status = model.JobStatusSuccess
		logger.Info("job completed",
			zap.String("job", job.Name()),
			zap.Duration("duration", finish.Sub(start)))
	}
	if result != nil {
		exec.Result = result.ToJSONResult()
	}
	metrics.RecordJob(job.Name(), string(exec.Status))

	if s.execs != nil && exec.ID != 0 {
		if err := s.execs.Update(context.Background(), exec); err != nil {
			logger.Error("failed to update job execution", zap.String("job", job.Name()), zap.Error(err))
		}
	}
}

// recordSkipped 记录未执行的调度
func (s *Scheduler) recordSkipped(jobName, message string) {
	metrics.RecordJob(jobName, string(model.JobStatusSkipped))
	if s.execs == nil {
		return
	}

	now := time.Now().UnixMilli()
	exec := &model.JobExecution{
		JobName:      jobName,
		Status:       model.JobStatusSkipped,
		StartedAt:    now,
		FinishedAt:   ptrInt64(now),
		DurationMs:   ptrInt(0),
		ErrorMessage: &message,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.execs.Create(ctx, exec); err != nil {
		logger.Error("failed to record job execution", zap.String("job", jobName), zap.Error(err))
	}
}

// JobStatus 任务状态
type JobStatus struct {
	Name           string
	Enabled        bool
	Cron           string
	Timeout        time.Duration
	IsLocked       bool
	NextRun        time.Time
	LastStatus     string
	LastStartedAt  int64
	LastDurationMs int
	LastError      string
}

// ListJobStatus 列出所有任务状态，按名称排序
func (s *Scheduler) ListJobStatus(ctx context.Context) ([]*JobStatus, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	statuses := make([]*JobStatus, 0, len(names))
	for _, name := range names {
		s.mu.RLock()
		job := s.jobs[name]
		cfg := s.jobConfigs[name]
		id, scheduled := s.entries[name]
		s.mu.RUnlock()

		status := &JobStatus{
			Name:    name,
			Enabled: cfg.Enabled,
			Cron:    cfg.Cron,
			Timeout: job.Timeout(),
		}
		if scheduled {
			// 调度器启动前 Entry.Next 为零值
			entry := s.cron.Entry(id)
			status.NextRun = entry.Next
			if status.NextRun.IsZero() && entry.Schedule != nil {
				status.NextRun = entry.Schedule.Next(time.Now().In(s.location))
			}
		}
		if locked, err := s.lockManager.IsLocked(ctx, name); err == nil {
			status.IsLocked = locked
		}
		if s.execs != nil {
			last, err := s.execs.GetLatestByJobName(ctx, name)
			if err != nil {
				return nil, err
			}
			if last != nil {
				status.LastStatus = string(last.Status)
				status.LastStartedAt = last.StartedAt
				if last.DurationMs != nil {
					status.LastDurationMs = *last.DurationMs
				}
				if last.ErrorMessage != nil {
					status.LastError = *last.ErrorMessage
				}
			}
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func ptrInt64(v int64) *int64 { return &v }

func ptrInt(v int) *int { return &v }
