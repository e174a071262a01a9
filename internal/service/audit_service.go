package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Jouleverse/audit/internal/audit"
	"github.com/Jouleverse/audit/internal/checkin"
	"github.com/Jouleverse/audit/internal/kafka"
	"github.com/Jouleverse/audit/internal/metrics"
	"github.com/Jouleverse/audit/internal/model"
	"github.com/Jouleverse/audit/internal/repository"
	apperrors "github.com/Jouleverse/audit/pkg/errors"
	"github.com/Jouleverse/audit/pkg/logger"
)

// SnapshotCollector 网络观测
type SnapshotCollector interface {
	Collect(ctx context.Context) (*Snapshot, error)
}

// CheckinResolver 批量签到解析
type CheckinResolver interface {
	ResolveAll(ctx context.Context, ids []uint32, monthStart time.Time) map[uint32]checkin.Result
}

// RecordedChecker 去重检查
type RecordedChecker interface {
	AlreadyRecorded(ctx context.Context, date model.BusinessDate, candidates []uint32) (*DedupDecision, error)
}

// BatchSubmitter 批次提交
type BatchSubmitter interface {
	Submit(ctx context.Context, records []model.DailyRecord) (*model.TransactionResult, error)
}

// CycleOptions 单次周期参数
type CycleOptions struct {
	// Date 目标业务日期，0 表示 UTC+8 的昨天
	Date  model.BusinessDate
	Send  bool
	Force bool
}

// CycleReport 周期的全部中间结果与终态
type CycleReport struct {
	RunID       string
	Date        model.BusinessDate
	Mode        string
	Forced      bool
	State       model.CycleState
	Snapshot    *Snapshot
	Aggregation *audit.Aggregation
	Checkins    map[uint32]checkin.Result
	Records     []model.DailyRecord
	Payload     *model.BatchPayload
	Dedup       *DedupDecision
	Result      *model.TransactionResult
	Reconciled  []string
	Err         error
	StartedAt   time.Time
	FinishedAt  time.Time
}

// transition 状态机迁移，非法迁移属于程序错误
func (r *CycleReport) transition(next model.CycleState) error {
	if r.State != "" && !r.State.CanTransitionTo(next) {
		return apperrors.ErrInternal.WithMessagef("illegal cycle transition %s -> %s", r.State, next)
	}
	r.State = next
	return nil
}

// AuditServiceConfig 编排配置
type AuditServiceConfig struct {
	PayloadSampleSize int
	ReconcileDays     int
}

// AuditService 审计周期编排
type AuditService struct {
	collector SnapshotCollector
	checkins  CheckinResolver
	dedup     RecordedChecker
	recorder  BatchSubmitter
	runs      repository.AuditRunRepository
	publisher kafka.EventPublisher
	printer   *Printer
	cfg       AuditServiceConfig
	now       func() time.Time
}

// NewAuditService 创建编排服务；runs 与 publisher 可为 nil
func NewAuditService(
	collector SnapshotCollector,
	checkins CheckinResolver,
	dedup RecordedChecker,
	recorder BatchSubmitter,
	runs repository.AuditRunRepository,
	publisher kafka.EventPublisher,
	printer *Printer,
	cfg AuditServiceConfig,
) *AuditService {
	if publisher == nil {
		publisher = kafka.NoopPublisher{}
	}
	if printer == nil {
		printer = NewPrinter(nil)
	}
	if cfg.PayloadSampleSize <= 0 {
		cfg.PayloadSampleSize = 3
	}
	if cfg.ReconcileDays <= 0 {
		cfg.ReconcileDays = 7
	}
	return &AuditService{
		collector: collector,
		checkins:  checkins,
		dedup:     dedup,
		recorder:  recorder,
		runs:      runs,
		publisher: publisher,
		printer:   printer,
		cfg:       cfg,
		now:       time.Now,
	}
}

// ResolveDate 校验目标日期，0 取昨天；不允许晚于明天
func ResolveDate(date model.BusinessDate, now time.Time) (model.BusinessDate, error) {
	if date == 0 {
		return model.Yesterday(now), nil
	}
	if !date.Valid() {
		return 0, apperrors.ErrInvalidDate.WithMessagef("invalid date %d", date.Uint32())
	}
	if limit := model.MaxTargetDate(now); date > limit {
		return 0, apperrors.ErrInvalidDate.WithMessagef("date %s is after %s", date, limit)
	}
	return date, nil
}

// CheckinMonthStart 签到截止取链上最新区块时间所在的业务月，与目标日期无关。
// 区块时间缺失时用观测时间。
func CheckinMonthStart(snap *Snapshot) time.Time {
	ref := snap.HeadTime
	if ref.IsZero() {
		ref = snap.ObservedAt
	}
	return model.BusinessDateOf(ref).Month().MonthStartUTC()
}

// RunCycle 执行一个完整周期
//
// 返回的 report 总是非空。FAILED/TIMED_OUT/ABORTED 时同时返回错误，
// 不做自动重试；超时周期在后续周期开始前对账。
func (s *AuditService) RunCycle(ctx context.Context, opts CycleOptions) (*CycleReport, error) {
	report := &CycleReport{
		RunID:     uuid.NewString(),
		Forced:    opts.Force,
		Mode:      "dry-run",
		StartedAt: s.now(),
	}
	if opts.Send {
		report.Mode = "send"
	}
	ctx = logger.NewContext(ctx, zap.String("run_id", report.RunID))
	log := logger.WithContext(ctx)

	date, err := ResolveDate(opts.Date, report.StartedAt)
	if err != nil {
		report.State = model.CycleStateAborted
		report.Err = err
		return report, err
	}
	report.Date = date
	metrics.SetTargetDate(date.Uint32())

	log.Info("audit cycle started",
		zap.Stringer("date", date),
		zap.String("mode", report.Mode),
		zap.Bool("force", opts.Force))

	report.Reconciled = s.reconcile(ctx)

	s.run(ctx, report, opts)

	report.FinishedAt = s.now()
	s.finish(ctx, report)
	s.printer.PrintResult(report)

	if report.State.NeedsAttention() {
		return report, report.Err
	}
	return report, nil
}

// run 推进状态机，任何阶段失败都写入 report.Err 并置为终态
func (s *AuditService) run(ctx context.Context, report *CycleReport, opts CycleOptions) {
	log := logger.WithContext(ctx)
	abort := func(err error) {
		report.Err = err
		report.State = model.CycleStateAborted
		log.Error("audit cycle aborted",
			zap.String("kind", string(apperrors.KindOf(err))),
			zap.Error(err))
	}

	snap, err := s.collector.Collect(ctx)
	if err != nil {
		abort(err)
		s.persistStart(ctx, report)
		return
	}
	report.Snapshot = snap

	agg := audit.Aggregate(snap.Nodes, snap.Statuses)
	report.Aggregation = agg

	monthStart := CheckinMonthStart(snap)
	report.Checkins = s.checkins.ResolveAll(ctx, agg.SortedIDs(), monthStart)
	audit.ApplyCheckins(agg, checkin.CheckedInSet(report.Checkins))

	report.Records = audit.BuildRecords(agg, report.Date)
	report.Payload = model.NewBatchPayload(report.Records)
	if err := report.transition(model.CycleStateCollected); err != nil {
		abort(err)
		return
	}

	s.printer.PrintSnapshot(snap, report.Checkins)
	s.printer.PrintAggregation(agg)
	s.printer.PrintPayload(report.Date, report.Payload, s.cfg.PayloadSampleSize)
	s.persistStart(ctx, report)

	if len(report.Records) == 0 {
		_ = report.transition(model.CycleStateNoop)
		log.Info("no participants, nothing to record")
		return
	}

	if opts.Force {
		report.Dedup = &DedupDecision{Source: DedupSourceForced}
		metrics.RecordDedup(DedupSourceForced, false)
		log.Warn("dedup guard bypassed by force flag", zap.Stringer("date", report.Date))
	} else {
		decision, err := s.dedup.AlreadyRecorded(ctx, report.Date, agg.SortedIDs())
		if err != nil {
			abort(err)
			return
		}
		report.Dedup = decision
	}
	_ = report.transition(model.CycleStateDedupChecked)

	if report.Dedup.Recorded {
		_ = report.transition(model.CycleStateSkipped)
		log.Info("date already recorded on chain, skipping",
			zap.Stringer("date", report.Date),
			zap.String("source", report.Dedup.Source),
			zap.Int("matches", report.Dedup.Matches))
		return
	}

	if !opts.Send {
		_ = report.transition(model.CycleStateDryRun)
		log.Info("dry-run, payload not sent", zap.Int("entries", report.Payload.Len()))
		return
	}

	result, err := s.recorder.Submit(ctx, report.Records)
	report.Result = result
	report.Err = err
	s.applyResult(report, result)
}

// applyResult 把提交结果映射到周期状态机
func (s *AuditService) applyResult(report *CycleReport, result *model.TransactionResult) {
	if result == nil {
		report.State = model.CycleStateAborted
		return
	}
	switch result.State {
	case model.CycleStateConfirmed, model.CycleStateFailed, model.CycleStateTimedOut:
		_ = report.transition(model.CycleStateSigned)
		_ = report.transition(model.CycleStateSubmitted)
		_ = report.transition(result.State)
	case model.CycleStateAborted:
		if result.TxHash != "" {
			_ = report.transition(model.CycleStateSigned)
		}
		_ = report.transition(model.CycleStateAborted)
	default:
		report.State = model.CycleStateAborted
		if report.Err == nil {
			report.Err = apperrors.ErrInternal.WithMessagef("unexpected submission state %s", result.State)
		}
	}
}

func (s *AuditService) persistStart(ctx context.Context, report *CycleReport) {
	if s.runs == nil {
		return
	}
	run := s.toRun(report)
	if err := s.runs.Create(ctx, run); err != nil {
		logger.Warn("failed to persist audit run", zap.String("run_id", report.RunID), zap.Error(err))
		return
	}
	if len(report.Records) > 0 {
		if err := s.runs.SaveRecords(ctx, report.RunID, report.Records); err != nil {
			logger.Warn("failed to persist audit records", zap.String("run_id", report.RunID), zap.Error(err))
		}
	}
}

func (s *AuditService) toRun(report *CycleReport) *model.AuditRun {
	run := &model.AuditRun{
		RunID:     report.RunID,
		Date:      report.Date.Uint32(),
		State:     report.State,
		Mode:      report.Mode,
		Forced:    report.Forced,
		Entries:   len(report.Records),
		StartedAt: report.StartedAt.UnixMilli(),
	}
	if report.Aggregation != nil {
		run.Participants = report.Aggregation.Len()
		run.Unregistered = len(report.Aggregation.Unregistered)
	}
	if report.Dedup != nil {
		run.DedupSource = report.Dedup.Source
	}
	if r := report.Result; r != nil {
		run.TxHash = r.TxHash
		run.BlockNumber = int64(r.BlockNumber)
		run.GasUsed = int64(r.GasUsed)
	}
	if report.Err != nil {
		run.ErrorMessage = report.Err.Error()
	}
	if !report.FinishedAt.IsZero() {
		run.FinishedAt = report.FinishedAt.UnixMilli()
	}
	return run
}

// finish 持久化终态、发布事件、记录指标
func (s *AuditService) finish(ctx context.Context, report *CycleReport) {
	log := logger.WithContext(ctx)

	if s.runs != nil {
		if err := s.runs.Finish(ctx, s.toRun(report)); err != nil {
			log.Warn("failed to persist cycle result", zap.Error(err))
		}
	}

	event := &model.CycleCompletedEvent{
		RunID:      report.RunID,
		Date:       report.Date.Uint32(),
		State:      report.State,
		Entries:    len(report.Records),
		FinishedAt: report.FinishedAt.UnixMilli(),
	}
	if report.Aggregation != nil {
		event.Participants = report.Aggregation.Len()
	}
	if r := report.Result; r != nil {
		event.TxHash = r.TxHash
		event.GasUsed = r.GasUsed
	}
	if report.Err != nil {
		event.Error = report.Err.Error()
	}
	if err := s.publisher.PublishCycleCompleted(ctx, event); err != nil {
		log.Warn("failed to publish cycle event", zap.Error(err))
	}

	if report.State == model.CycleStateConfirmed {
		events := make([]*model.RecordEvent, 0, len(report.Records))
		for _, r := range report.Records {
			events = append(events, &model.RecordEvent{
				RunID:    report.RunID,
				CoreID:   r.ParticipantID,
				Date:     r.Date.Uint32(),
				NodeType: uint8(r.Role),
				Liveness: r.Alive,
				Checkin:  r.CheckedIn,
				Points:   r.Points,
				TxHash:   event.TxHash,
			})
		}
		if err := s.publisher.PublishRecords(ctx, events); err != nil {
			log.Warn("failed to publish record events", zap.Error(err))
		}
	}

	metrics.RecordCycle(string(report.State), report.FinishedAt.Sub(report.StartedAt).Seconds(), len(report.Records))

	fields := []zap.Field{
		zap.Stringer("date", report.Date),
		zap.String("state", string(report.State)),
		zap.Int("entries", len(report.Records)),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	}
	if report.State.NeedsAttention() {
		log.Error("audit cycle needs attention", append(fields, zap.Error(report.Err))...)
		return
	}
	log.Info("audit cycle finished", fields...)
}

// reconcile 对最近的 TIMED_OUT 周期重新检查链上记录，已上链的改为 CONFIRMED
func (s *AuditService) reconcile(ctx context.Context) []string {
	if s.runs == nil {
		return nil
	}
	log := logger.WithContext(ctx)
	since := model.Today(s.now()).AddDays(-s.cfg.ReconcileDays)
	pending, err := s.runs.ListByState(ctx, model.CycleStateTimedOut, since)
	if err != nil {
		log.Warn("failed to list timed out runs", zap.Error(err))
		return nil
	}

	var confirmed []string
	for _, run := range pending {
		records, err := s.runs.ListRecords(ctx, run.RunID)
		if err != nil || len(records) == 0 {
			continue
		}
		ids := uniqueIDs(records)
		decision, err := s.dedup.AlreadyRecorded(ctx, model.BusinessDate(run.Date), ids)
		if err != nil {
			log.Warn("reconcile check failed", zap.String("timed_out_run", run.RunID), zap.Error(err))
			continue
		}
		if !decision.Recorded {
			log.Warn("timed out run still not on chain",
				zap.String("timed_out_run", run.RunID),
				zap.String("tx_hash", run.TxHash))
			continue
		}
		if err := s.runs.UpdateState(ctx, run.RunID, model.CycleStateTimedOut, model.CycleStateConfirmed); err != nil {
			log.Warn("failed to confirm timed out run", zap.String("timed_out_run", run.RunID), zap.Error(err))
			continue
		}
		confirmed = append(confirmed, run.RunID)
		log.Info("timed out run confirmed on chain",
			zap.String("timed_out_run", run.RunID),
			zap.String("tx_hash", run.TxHash),
			zap.Uint32("date", run.Date))

		_ = s.publisher.PublishCycleCompleted(ctx, &model.CycleCompletedEvent{
			RunID:      run.RunID,
			Date:       run.Date,
			State:      model.CycleStateConfirmed,
			Entries:    run.Entries,
			TxHash:     run.TxHash,
			FinishedAt: s.now().UnixMilli(),
		})
	}
	return confirmed
}

func uniqueIDs(records []model.DailyRecord) []uint32 {
	seen := make(map[uint32]bool)
	ids := make([]uint32, 0, len(records)/2)
	for _, r := range records {
		if !seen[r.ParticipantID] {
			seen[r.ParticipantID] = true
			ids = append(ids, r.ParticipantID)
		}
	}
	return ids
}
