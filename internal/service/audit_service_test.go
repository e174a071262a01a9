package service

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Jouleverse/audit/internal/checkin"
	"github.com/Jouleverse/audit/internal/contract"
	"github.com/Jouleverse/audit/internal/model"
	"github.com/Jouleverse/audit/internal/repository"
	apperrors "github.com/Jouleverse/audit/pkg/errors"
)

// 2024-03-16 10:00 UTC+8，昨天为 20240315
var cycleNow = time.Date(2024, 3, 16, 2, 0, 0, 0, time.UTC)

type stubCollector struct {
	snap *Snapshot
	err  error
}

func (s *stubCollector) Collect(ctx context.Context) (*Snapshot, error) {
	return s.snap, s.err
}

type stubCheckins struct {
	checked map[uint32]bool
	months  []time.Time
}

func (s *stubCheckins) ResolveAll(ctx context.Context, ids []uint32, monthStart time.Time) map[uint32]checkin.Result {
	s.months = append(s.months, monthStart)
	out := make(map[uint32]checkin.Result, len(ids))
	for _, id := range ids {
		out[id] = checkin.Result{CheckedIn: s.checked[id]}
	}
	return out
}

type stubDedup struct {
	decision *DedupDecision
	err      error
	dates    []model.BusinessDate
}

func (s *stubDedup) AlreadyRecorded(ctx context.Context, date model.BusinessDate, candidates []uint32) (*DedupDecision, error) {
	s.dates = append(s.dates, date)
	if s.err != nil {
		return nil, s.err
	}
	if s.decision == nil {
		return &DedupDecision{Source: DedupSourceEvents}, nil
	}
	return s.decision, nil
}

type stubSubmitter struct {
	result *model.TransactionResult
	err    error
	calls  [][]model.DailyRecord
}

func (s *stubSubmitter) Submit(ctx context.Context, records []model.DailyRecord) (*model.TransactionResult, error) {
	s.calls = append(s.calls, records)
	return s.result, s.err
}

type capturePublisher struct {
	cycles  []*model.CycleCompletedEvent
	records []*model.RecordEvent
}

func (p *capturePublisher) PublishCycleCompleted(ctx context.Context, e *model.CycleCompletedEvent) error {
	p.cycles = append(p.cycles, e)
	return nil
}

func (p *capturePublisher) PublishRecords(ctx context.Context, events []*model.RecordEvent) error {
	p.records = append(p.records, events...)
	return nil
}

func setupRunRepo(t *testing.T) repository.AuditRunRepository {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repository.AutoMigrate(db))
	return repository.NewAuditRunRepository(db)
}

// core 7 仅有一个出块率 0.05 的矿工；core 0 有一个存活 witness
func cycleSnapshot() *Snapshot {
	nodes := []model.PhysicalNode{
		{ID: "m7", Type: model.NodeTypeMiner, Participant: model.SomeParticipant(7), Owner: "alice"},
		{ID: "w0", Type: model.NodeTypeWitness, Participant: model.SomeParticipant(0), Owner: "bob"},
		{ID: "nokyc", Type: model.NodeTypeWitness, Participant: model.NoParticipant(), Owner: "carol"},
	}
	return &Snapshot{
		Head:       1000,
		HeadTime:   cycleNow,
		ObservedAt: cycleNow,
		Nodes:      nodes,
		Statuses: model.StatusMap{
			"m7":    {NodeID: "m7", SealRate: decimal.RequireFromString("0.05"), Alive: true},
			"w0":    {NodeID: "w0", Height: 998, Alive: true},
			"nokyc": {NodeID: "nokyc", Height: 1000, Alive: true},
		},
		freshness: time.Minute,
	}
}

type cycleFixture struct {
	collector *stubCollector
	checkins  *stubCheckins
	dedup     *stubDedup
	submitter *stubSubmitter
	runs      repository.AuditRunRepository
	publisher *capturePublisher
	out       *bytes.Buffer
	svc       *AuditService
}

func newCycleFixture(t *testing.T) *cycleFixture {
	f := &cycleFixture{
		collector: &stubCollector{snap: cycleSnapshot()},
		checkins:  &stubCheckins{checked: map[uint32]bool{7: true}},
		dedup:     &stubDedup{},
		submitter: &stubSubmitter{},
		runs:      setupRunRepo(t),
		publisher: &capturePublisher{},
		out:       &bytes.Buffer{},
	}
	f.svc = NewAuditService(f.collector, f.checkins, f.dedup, f.submitter, f.runs, f.publisher,
		NewPrinter(f.out), AuditServiceConfig{})
	f.svc.now = func() time.Time { return cycleNow }
	return f
}

// TestRunCycle_DryRun 测试默认 dry-run
func TestRunCycle_DryRun(t *testing.T) {
	f := newCycleFixture(t)

	report, err := f.svc.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.CycleStateDryRun, report.State)
	assert.Equal(t, model.BusinessDate(20240315), report.Date)

	require.Len(t, report.Records, 4)
	assert.Equal(t, model.DailyRecord{ParticipantID: 0, Date: 20240315, Role: model.RoleMiner}, report.Records[0])
	assert.Equal(t, model.DailyRecord{ParticipantID: 0, Date: 20240315, Role: model.RoleWitness, Alive: true, Points: 10}, report.Records[1])
	assert.Equal(t, model.DailyRecord{ParticipantID: 7, Date: 20240315, Role: model.RoleMiner, Alive: true, CheckedIn: true, Points: 100}, report.Records[2])
	assert.Equal(t, model.DailyRecord{ParticipantID: 7, Date: 20240315, Role: model.RoleWitness, CheckedIn: true}, report.Records[3])

	// 签到月份为目标日期所在月
	require.Len(t, f.checkins.months, 1)
	assert.Equal(t, time.Date(2024, 2, 29, 16, 0, 0, 0, time.UTC), f.checkins.months[0].UTC())

	assert.Empty(t, f.submitter.calls)
	assert.Equal(t, []model.BusinessDate{20240315}, f.dedup.dates)

	run, err := f.runs.GetByRunID(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.CycleStateDryRun, run.State)
	assert.Equal(t, "dry-run", run.Mode)
	assert.Equal(t, 2, run.Participants)
	assert.Equal(t, 1, run.Unregistered)

	saved, err := f.runs.ListRecords(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, report.Records, saved)

	out := f.out.String()
	assert.Contains(t, out, "Payload entries: 4")
	assert.Contains(t, out, "NO CHECK-IN: bob")
	assert.Contains(t, out, "NO KYC: carol")

	require.Len(t, f.publisher.cycles, 1)
	assert.Equal(t, model.CycleStateDryRun, f.publisher.cycles[0].State)
	assert.Empty(t, f.publisher.records)
}

// TestRunCycle_SendConfirmed 测试发送并确认
func TestRunCycle_SendConfirmed(t *testing.T) {
	f := newCycleFixture(t)
	f.submitter.result = &model.TransactionResult{
		State: model.CycleStateConfirmed, TxHash: "0xabc", Status: 1, GasUsed: 90000, BlockNumber: 1005, Entries: 4,
	}

	report, err := f.svc.RunCycle(context.Background(), CycleOptions{Date: 20240314, Send: true})
	require.NoError(t, err)
	assert.Equal(t, model.CycleStateConfirmed, report.State)
	require.Len(t, f.submitter.calls, 1)
	assert.Len(t, f.submitter.calls[0], 4)

	run, err := f.runs.GetByRunID(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.CycleStateConfirmed, run.State)
	assert.Equal(t, "0xabc", run.TxHash)
	assert.Equal(t, int64(90000), run.GasUsed)

	assert.Len(t, f.publisher.records, 4)
	assert.Equal(t, "0xabc", f.publisher.records[0].TxHash)
	assert.Contains(t, f.out.String(), "0xabc")
}

// TestRunCycle_Skipped 已上链的日期跳过
func TestRunCycle_Skipped(t *testing.T) {
	f := newCycleFixture(t)
	f.dedup.decision = &DedupDecision{Recorded: true, Source: DedupSourceEvents, Matches: 4}

	report, err := f.svc.RunCycle(context.Background(), CycleOptions{Send: true})
	require.NoError(t, err)
	assert.Equal(t, model.CycleStateSkipped, report.State)
	assert.Empty(t, f.submitter.calls)
}

// TestRunCycle_Force 强制模式不做去重
func TestRunCycle_Force(t *testing.T) {
	f := newCycleFixture(t)
	f.dedup.decision = &DedupDecision{Recorded: true}
	f.submitter.result = &model.TransactionResult{State: model.CycleStateConfirmed, TxHash: "0x1", Status: 1}

	report, err := f.svc.RunCycle(context.Background(), CycleOptions{Send: true, Force: true})
	require.NoError(t, err)
	assert.Equal(t, model.CycleStateConfirmed, report.State)
	assert.Empty(t, f.dedup.dates)
	assert.Equal(t, DedupSourceForced, report.Dedup.Source)
}

// TestRunCycle_DedupUnavailable 去重不可用时终止
func TestRunCycle_DedupUnavailable(t *testing.T) {
	f := newCycleFixture(t)
	f.dedup.err = apperrors.ErrDedupUnavailable

	report, err := f.svc.RunCycle(context.Background(), CycleOptions{Send: true})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindDedup))
	assert.Equal(t, model.CycleStateAborted, report.State)
	assert.Empty(t, f.submitter.calls)
}

// TestRunCycle_CollectFailure 链头不可读时终止
func TestRunCycle_CollectFailure(t *testing.T) {
	f := newCycleFixture(t)
	f.collector.snap = nil
	f.collector.err = apperrors.Wrap(apperrors.ErrRPCUnreachable, errors.New("dial tcp: refused"))

	report, err := f.svc.RunCycle(context.Background(), CycleOptions{})
	require.Error(t, err)
	assert.Equal(t, model.CycleStateAborted, report.State)

	run, err := f.runs.GetByRunID(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.CycleStateAborted, run.State)
	assert.Contains(t, run.ErrorMessage, "RPC_UNREACHABLE")
}

// TestRunCycle_Noop 没有参与者
func TestRunCycle_Noop(t *testing.T) {
	f := newCycleFixture(t)
	f.collector.snap = &Snapshot{Statuses: model.StatusMap{}, ObservedAt: cycleNow, HeadTime: cycleNow}

	report, err := f.svc.RunCycle(context.Background(), CycleOptions{Send: true})
	require.NoError(t, err)
	assert.Equal(t, model.CycleStateNoop, report.State)
	assert.Empty(t, f.dedup.dates)
	assert.Empty(t, f.submitter.calls)
}

// TestRunCycle_InvalidDate 目标日期晚于明天
func TestRunCycle_InvalidDate(t *testing.T) {
	f := newCycleFixture(t)

	_, err := f.svc.RunCycle(context.Background(), CycleOptions{Date: 20240318})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidDate))

	// 明天允许
	report, err := f.svc.RunCycle(context.Background(), CycleOptions{Date: 20240317})
	require.NoError(t, err)
	assert.Equal(t, model.BusinessDate(20240317), report.Date)
}

// TestRunCycle_TimedOutThenReconciled 超时周期在下一轮确认
func TestRunCycle_TimedOutThenReconciled(t *testing.T) {
	f := newCycleFixture(t)
	f.submitter.result = &model.TransactionResult{State: model.CycleStateTimedOut, TxHash: "0xslow"}
	f.submitter.err = apperrors.ErrReceiptTimeout

	first, err := f.svc.RunCycle(context.Background(), CycleOptions{Send: true})
	require.Error(t, err)
	assert.Equal(t, model.CycleStateTimedOut, first.State)

	// 下一轮：交易已经上链
	f.dedup.decision = &DedupDecision{Recorded: true, Source: DedupSourceEvents, Matches: 4}
	second, err := f.svc.RunCycle(context.Background(), CycleOptions{Send: true})
	require.NoError(t, err)
	assert.Equal(t, model.CycleStateSkipped, second.State)
	assert.Equal(t, []string{first.RunID}, second.Reconciled)

	run, err := f.runs.GetByRunID(context.Background(), first.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.CycleStateConfirmed, run.State)
}

// TestResolveDate 测试目标日期选择
func TestResolveDate(t *testing.T) {
	d, err := ResolveDate(0, cycleNow)
	require.NoError(t, err)
	assert.Equal(t, model.BusinessDate(20240315), d)

	_, err = ResolveDate(20240230, cycleNow)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidDate))
}

// TestRunCycle_CheckinMonthAtBoundary 月初 00:10 审计上月最后一天时，签到按当前业务月判断
func TestRunCycle_CheckinMonthAtBoundary(t *testing.T) {
	// 2024-04-01 00:10 UTC+8，默认目标日期 20240331
	now := time.Date(2024, 3, 31, 16, 10, 0, 0, time.UTC)
	aprilStart := time.Date(2024, 3, 31, 16, 0, 0, 0, time.UTC)

	f := newCycleFixture(t)
	f.svc.now = func() time.Time { return now }
	f.collector.snap.HeadTime = now.Add(-5 * time.Second)
	f.collector.snap.ObservedAt = now

	report, err := f.svc.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.BusinessDate(20240331), report.Date)
	require.Len(t, f.checkins.months, 1)
	assert.Equal(t, aprilStart, f.checkins.months[0].UTC())

	// 补录历史日期同样按当前业务月
	_, err = f.svc.RunCycle(context.Background(), CycleOptions{Date: 20240215})
	require.NoError(t, err)
	require.Len(t, f.checkins.months, 2)
	assert.Equal(t, aprilStart, f.checkins.months[1].UTC())
}

// TestCheckinMonthStart 区块时间缺失时使用观测时间
func TestCheckinMonthStart(t *testing.T) {
	head := time.Date(2024, 3, 31, 15, 59, 59, 0, time.UTC) // 2024-03-31 23:59:59 UTC+8
	assert.Equal(t, time.Date(2024, 2, 29, 16, 0, 0, 0, time.UTC),
		CheckinMonthStart(&Snapshot{HeadTime: head, ObservedAt: head.Add(time.Minute)}).UTC())
	assert.Equal(t, time.Date(2024, 3, 31, 16, 0, 0, 0, time.UTC),
		CheckinMonthStart(&Snapshot{ObservedAt: head.Add(time.Minute)}).UTC())
}

// memoryLedger 内存账本，按提交顺序生成事件
type memoryLedger struct {
	entries []model.LedgerEntry
}

func (l *memoryLedger) FilterRecords(ctx context.Context, f contract.LogFilter) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	for _, e := range l.entries {
		if f.Date == 0 || e.Record.Date == f.Date {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *memoryLedger) GetCoreDailyRecords(ctx context.Context, coreID uint32, date model.BusinessDate) (*model.DailyRecordPair, error) {
	return &model.DailyRecordPair{}, nil
}

// ledgerSubmitter 提交成功后把记录写入账本
type ledgerSubmitter struct {
	ledger *memoryLedger
	calls  int
}

func (s *ledgerSubmitter) Submit(ctx context.Context, records []model.DailyRecord) (*model.TransactionResult, error) {
	s.calls++
	block := uint64(1000 + s.calls)
	for i, r := range records {
		s.ledger.entries = append(s.ledger.entries, model.LedgerEntry{
			Record: r, Exists: true, BlockNumber: block, LogIndex: uint(i),
		})
	}
	return &model.TransactionResult{
		State: model.CycleStateConfirmed, TxHash: "0xfeed", Status: 1,
		BlockNumber: block, Entries: len(records),
	}, nil
}

// TestRunCycle_SecondRunSkippedByLedger 同一日期第二次发送被账本事件拦截
func TestRunCycle_SecondRunSkippedByLedger(t *testing.T) {
	f := newCycleFixture(t)
	ledger := &memoryLedger{}
	submitter := &ledgerSubmitter{ledger: ledger}
	svc := NewAuditService(f.collector, f.checkins, NewDedupGuard(ledger, DedupConfig{}), submitter,
		f.runs, f.publisher, NewPrinter(f.out), AuditServiceConfig{})
	svc.now = func() time.Time { return cycleNow }
	ctx := context.Background()

	first, err := svc.RunCycle(ctx, CycleOptions{Send: true})
	require.NoError(t, err)
	assert.Equal(t, model.CycleStateConfirmed, first.State)
	assert.Equal(t, 1, submitter.calls)
	assert.Len(t, ledger.entries, 4)

	second, err := svc.RunCycle(ctx, CycleOptions{Send: true})
	require.NoError(t, err)
	assert.Equal(t, model.CycleStateSkipped, second.State)
	require.NotNil(t, second.Dedup)
	assert.Equal(t, DedupSourceEvents, second.Dedup.Source)
	assert.Equal(t, 4, second.Dedup.Matches)
	assert.Equal(t, 1, submitter.calls)

	// 其他日期不受影响
	other, err := svc.RunCycle(ctx, CycleOptions{Date: 20240314, Send: true})
	require.NoError(t, err)
	assert.Equal(t, model.CycleStateConfirmed, other.State)
	assert.Equal(t, 2, submitter.calls)
}
