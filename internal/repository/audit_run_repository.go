package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/Jouleverse/audit/internal/model"
)

var (
	ErrAuditRunNotFound   = errors.New("audit run not found")
	ErrInvalidTransition  = errors.New("invalid cycle state transition")
	ErrAuditRunIncomplete = errors.New("audit run has no run id")
)

// AuditRunRepository 审计周期仓储接口
type AuditRunRepository interface {
	// 周期
	Create(ctx context.Context, run *model.AuditRun) error
	GetByRunID(ctx context.Context, runID string) (*model.AuditRun, error)
	Finish(ctx context.Context, run *model.AuditRun) error
	UpdateState(ctx context.Context, runID string, from, to model.CycleState) error
	ListByDate(ctx context.Context, date model.BusinessDate) ([]*model.AuditRun, error)
	ListByState(ctx context.Context, state model.CycleState, sinceDate model.BusinessDate) ([]*model.AuditRun, error)

	// 周期内的记录
	SaveRecords(ctx context.Context, runID string, records []model.DailyRecord) error
	ListRecords(ctx context.Context, runID string) ([]model.DailyRecord, error)
}

// auditRunRepository 审计周期仓储实现
type auditRunRepository struct {
	*Repository
}

// NewAuditRunRepository 创建审计周期仓储
func NewAuditRunRepository(db *gorm.DB) AuditRunRepository {
	return &auditRunRepository{
		Repository: NewRepository(db),
	}
}

func (r *auditRunRepository) Create(ctx context.Context, run *model.AuditRun) error {
	if run.RunID == "" {
		return ErrAuditRunIncomplete
	}
	now := time.Now().UnixMilli()
	if run.StartedAt == 0 {
		run.StartedAt = now
	}
	run.CreatedAt = now
	run.UpdatedAt = now
	return r.DB(ctx).Create(run).Error
}

func (r *auditRunRepository) GetByRunID(ctx context.Context, runID string) (*model.AuditRun, error) {
	var run model.AuditRun
	err := r.DB(ctx).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAuditRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Finish 写入周期终态与交易结果
func (r *auditRunRepository) Finish(ctx context.Context, run *model.AuditRun) error {
	now := time.Now().UnixMilli()
	if run.FinishedAt == 0 {
		run.FinishedAt = now
	}
	run.UpdatedAt = now

	result := r.DB(ctx).Model(&model.AuditRun{}).
		Where("run_id = ?", run.RunID).
		Updates(map[string]interface{}{
			"state":         run.State,
			"entries":       run.Entries,
			"participants":  run.Participants,
			"unregistered":  run.Unregistered,
			"dedup_source":  run.DedupSource,
			"tx_hash":       run.TxHash,
			"block_number":  run.BlockNumber,
			"gas_used":      run.GasUsed,
			"error_message": truncate(run.ErrorMessage, 500),
			"finished_at":   run.FinishedAt,
			"updated_at":    run.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAuditRunNotFound
	}
	return nil
}

// UpdateState 乐观锁式状态迁移，from 不匹配时不更新
func (r *auditRunRepository) UpdateState(ctx context.Context, runID string, from, to model.CycleState) error {
	if !from.CanTransitionTo(to) {
		return ErrInvalidTransition
	}
	result := r.DB(ctx).Model(&model.AuditRun{}).
		Where("run_id = ? AND state = ?", runID, from).
		Updates(map[string]interface{}{
			"state":      to,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAuditRunNotFound
	}
	return nil
}

func (r *auditRunRepository) ListByDate(ctx context.Context, date model.BusinessDate) ([]*model.AuditRun, error) {
	var runs []*model.AuditRun
	err := r.DB(ctx).
		Where("date = ?", date.Uint32()).
		Order("started_at DESC").
		Find(&runs).Error
	return runs, err
}

func (r *auditRunRepository) ListByState(ctx context.Context, state model.CycleState, sinceDate model.BusinessDate) ([]*model.AuditRun, error) {
	var runs []*model.AuditRun
	err := r.DB(ctx).
		Where("state = ? AND date >= ?", state, sinceDate.Uint32()).
		Order("date ASC, started_at ASC").
		Find(&runs).Error
	return runs, err
}

func (r *auditRunRepository) SaveRecords(ctx context.Context, runID string, records []model.DailyRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	rows := make([]*model.AuditRecord, 0, len(records))
	for _, rec := range records {
		rows = append(rows, model.NewAuditRecord(runID, rec, now))
	}
	// 一个周期的记录要么全部写入要么都不写
	return r.TransactionWithRetry(ctx, 3, func(ctx context.Context) error {
		return r.DB(ctx).CreateInBatches(rows, 200).Error
	})
}

func (r *auditRunRepository) ListRecords(ctx context.Context, runID string) ([]model.DailyRecord, error) {
	var rows []*model.AuditRecord
	err := r.DB(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.DailyRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ToDailyRecord())
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
