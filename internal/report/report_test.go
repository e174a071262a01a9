package report

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jouleverse/audit/internal/contract"
	"github.com/Jouleverse/audit/internal/model"
	apperrors "github.com/Jouleverse/audit/pkg/errors"
)

const march = model.BusinessMonth(202403)

func recorded(block uint64, idx uint, id uint32, date model.BusinessDate, role model.Role, alive bool, points uint64) model.LedgerEntry {
	return model.LedgerEntry{
		Record: model.DailyRecord{
			ParticipantID: id, Date: date, Role: role,
			Alive: alive, CheckedIn: true, Points: points,
		},
		Exists:      true,
		BlockNumber: block,
		LogIndex:    idx,
	}
}

// fakeLedger 同时提供事件和按天读取，按天读取的结果由事件折叠得到
type fakeLedger struct {
	events    []model.LedgerEntry
	filters   []contract.LogFilter
	filterErr error
	readErr   map[uint32]error
	failDate  model.BusinessDate
	reads     int
}

func (f *fakeLedger) FilterRecords(ctx context.Context, lf contract.LogFilter) ([]model.LedgerEntry, error) {
	f.filters = append(f.filters, lf)
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	var out []model.LedgerEntry
	for _, e := range f.events {
		if e.BlockNumber >= lf.FromBlock && e.BlockNumber <= lf.ToBlock {
			if e.Override && !lf.IncludeOverrides {
				continue
			}
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLedger) GetCoreDailyRecords(ctx context.Context, coreID uint32, date model.BusinessDate) (*model.DailyRecordPair, error) {
	f.reads++
	if err := f.readErr[coreID]; err != nil {
		return nil, err
	}
	if date == f.failDate {
		return nil, errors.New("connection reset by peer")
	}
	pair := &model.DailyRecordPair{}
	for _, e := range f.events {
		r := e.Record
		if r.ParticipantID != coreID || r.Date != date {
			continue
		}
		if r.Role == model.RoleMiner {
			pair.MinerExists, pair.MinerLiveness, pair.MinerCheckin, pair.MinerPoints = true, r.Alive, r.CheckedIn, r.Points
		} else {
			pair.WitnessExists, pair.WitnessLiveness, pair.WitnessCheckin, pair.WitnessPoints = true, r.Alive, r.CheckedIn, r.Points
		}
	}
	return pair, nil
}

type fixedHead uint64

func (h fixedHead) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(uint64(h))}, nil
}

func sampleEvents() []model.LedgerEntry {
	return []model.LedgerEntry{
		recorded(10, 0, 1, 20240301, model.RoleMiner, true, 100),
		recorded(10, 1, 1, 20240301, model.RoleWitness, false, 0),
		recorded(20, 0, 1, 20240302, model.RoleMiner, true, 100),
		recorded(20, 1, 1, 20240302, model.RoleWitness, true, 10),
		recorded(20, 2, 2, 20240302, model.RoleMiner, false, 0),
		recorded(20, 3, 2, 20240302, model.RoleWitness, true, 10),
		// 上个月与下个月的记录不计入
		recorded(5, 0, 1, 20240229, model.RoleMiner, true, 100),
		recorded(30, 0, 2, 20240401, model.RoleWitness, true, 10),
	}
}

// TestFold 测试月报汇总
func TestFold(t *testing.T) {
	report := Fold(march, sampleEvents())

	assert.Equal(t, march, report.Month)
	require.Len(t, report.Cores, 2)

	c1 := report.Cores[0]
	assert.Equal(t, uint32(1), c1.CoreID)
	assert.Equal(t, uint64(200), c1.MinerTotal)
	assert.Equal(t, uint64(10), c1.WitnessTotal)
	assert.Equal(t, uint64(210), c1.TotalPoints)
	assert.Equal(t, 2, c1.Days)
	assert.Equal(t, uint32(20240301), c1.Details[0].Date)
	assert.Equal(t, uint64(110), c1.Details[1].TotalPoints)

	c2 := report.Cores[1]
	assert.Equal(t, uint64(10), c2.TotalPoints)
	assert.Equal(t, 1, c2.Days)
	assert.False(t, c2.Details[0].MinerLiveness)
	assert.True(t, c2.Details[0].WitnessLiveness)
}

// TestFold_Override 覆盖事件以链上顺序生效
func TestFold_Override(t *testing.T) {
	override := recorded(50, 0, 1, 20240302, model.RoleMiner, false, 0)
	override.Override = true
	// 乱序输入
	entries := append([]model.LedgerEntry{override}, sampleEvents()...)

	report := Fold(march, entries)
	c1 := report.Cores[0]
	assert.Equal(t, uint64(100), c1.MinerTotal)
	assert.Equal(t, uint64(10), c1.Details[1].TotalPoints)
	assert.False(t, c1.Details[1].MinerLiveness)
}

// TestFold_Empty 没有记录
func TestFold_Empty(t *testing.T) {
	report := Fold(march, nil)
	assert.NotNil(t, report.Cores)
	assert.Empty(t, report.Cores)
}

// TestDirectAndReplay_Equivalent 没有覆盖时两种方式结果一致
func TestDirectAndReplay_Equivalent(t *testing.T) {
	ledger := &fakeLedger{events: sampleEvents()}
	ctx := context.Background()

	direct, err := NewDirectReader(ledger, DirectConfig{}).Build(ctx, march, []uint32{1, 2})
	require.NoError(t, err)
	assert.Equal(t, StrategyDirect, direct.Strategy)
	assert.Equal(t, 2*31, ledger.reads)

	replayed, err := NewReplayer(ledger, fixedHead(35), ReplayConfig{Chunk: 15}).Build(ctx, march)
	require.NoError(t, err)
	assert.Equal(t, StrategyReplay, replayed.Strategy)

	assert.Equal(t, direct.Cores, replayed.Cores)

	// 0-14, 15-29, 30-35
	require.Len(t, ledger.filters, 3)
	assert.Equal(t, uint64(14), ledger.filters[0].ToBlock)
	assert.Equal(t, uint64(35), ledger.filters[2].ToBlock)
	assert.True(t, ledger.filters[0].IncludeOverrides)
}

// TestDirect_ZeroCore 没有任何记录的 core 也出现在报表中
func TestDirect_ZeroCore(t *testing.T) {
	ledger := &fakeLedger{events: sampleEvents()}
	report, err := NewDirectReader(ledger, DirectConfig{MaxRetries: 1}).Build(context.Background(), march, []uint32{1, 2, 9})
	require.NoError(t, err)
	require.Len(t, report.Cores, 3)
	assert.Equal(t, uint32(9), report.Cores[2].CoreID)
	assert.Equal(t, 0, report.Cores[2].Days)
	assert.Empty(t, report.Cores[2].Details)
}

// TestDirect_ReadFailure 某一天重试后仍读取失败时不生成报表
func TestDirect_ReadFailure(t *testing.T) {
	ledger := &fakeLedger{events: sampleEvents(), failDate: 20240305}
	report, err := NewDirectReader(ledger, DirectConfig{MaxRetries: 1}).Build(context.Background(), march, []uint32{1, 2})
	require.Error(t, err)
	assert.Nil(t, report)
	assert.True(t, apperrors.Is(err, apperrors.ErrRPCUnreachable))

	var appErr *apperrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "1", appErr.Details["core_id"])
	assert.Equal(t, "20240305", appErr.Details["date"])

	// 第 1 个 core 的前 4 天各读一次，第 5 天首次读取加一次重试，之后不再读取
	assert.Equal(t, 4+2, ledger.reads)

	ledger = &fakeLedger{events: sampleEvents(), readErr: map[uint32]error{3: errors.New("execution reverted")}}
	_, err = NewDirectReader(ledger, DirectConfig{MaxRetries: 1}).Build(context.Background(), march, []uint32{1, 3})
	require.Error(t, err)
}

// TestReplay_FilterError 扫描失败
func TestReplay_FilterError(t *testing.T) {
	ledger := &fakeLedger{filterErr: errors.New("limit exceeded")}
	_, err := NewReplayer(ledger, fixedHead(100), ReplayConfig{}).Build(context.Background(), march)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrRPCUnreachable))
}

// TestWriter 测试输出文件与月份索引
func TestWriter(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	_, err := w.Write(Fold(march, sampleEvents()))
	require.NoError(t, err)
	path, err := w.Write(Fold(model.BusinessMonth(202402), sampleEvents()))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report_202402.json"), path)
	_, err = w.Write(Fold(march, sampleEvents()))
	require.NoError(t, err)

	months, err := w.Months()
	require.NoError(t, err)
	assert.Equal(t, []model.BusinessMonth{202402, 202403}, months)

	raw, err := os.ReadFile(filepath.Join(dir, "months.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `[202402, 202403]`, string(raw))

	latest, err := os.ReadFile(filepath.Join(dir, "report.json"))
	require.NoError(t, err)
	assert.Contains(t, string(latest), `"month": 202403`)
	assert.FileExists(t, filepath.Join(dir, "report_202403.json"))
}

// TestLoadCoreIDs 测试读取 coreId 列表
func TestLoadCoreIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core_ids.json")
	require.NoError(t, os.WriteFile(path, []byte("[5, 0, 3]\n"), 0o644))

	ids, err := LoadCoreIDs(path)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 3, 5}, ids)

	_, err = LoadCoreIDs(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, apperrors.IsKind(err, apperrors.KindConfig))
}
