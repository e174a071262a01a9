// Package report 月度积分报表
//
// 两种重建方式输出同一结构:
//
//   - DirectReader: 对每个 coreId 的每一天调用 getCoreDailyRecords
//   - Replayer: 扫描 DailyRecorded 与 DailyRecordOverridden 事件，按 (block, logIndex)
//     排序后折叠，同一 (coreId, nodeType, date) 后出现的事件覆盖先出现的
//
// 没有覆盖事件时两者结果一致。
package report

import (
	"sort"
	"time"

	"github.com/Jouleverse/audit/internal/model"
)

// 重建方式
const (
	StrategyDirect = "direct"
	StrategyReplay = "replay"
)

// Fold 把账本条目折叠为月报
//
// entries 中不属于 month 的条目被忽略；同一键按链上顺序保留最后一条。
// 直接读取得到的条目没有链上位置，按输入顺序处理。
func Fold(month model.BusinessMonth, entries []model.LedgerEntry) *model.MonthlyReport {
	ordered := make([]model.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		if e.Record.Date.Month() == month {
			ordered = append(ordered, e)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].BlockNumber != ordered[j].BlockNumber {
			return ordered[i].BlockNumber < ordered[j].BlockNumber
		}
		return ordered[i].LogIndex < ordered[j].LogIndex
	})

	latest := make(map[model.RecordKey]model.LedgerEntry, len(ordered))
	cores := make(map[uint32]bool)
	for _, e := range ordered {
		latest[e.Record.Key()] = e
		cores[e.Record.ParticipantID] = true
	}

	ids := make([]uint32, 0, len(cores))
	for id := range cores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	report := &model.MonthlyReport{
		Month:       month,
		GeneratedAt: time.Now().In(model.BusinessZone).Format(time.RFC3339),
		Cores:       make([]model.CoreReport, 0, len(ids)),
	}
	days := month.Days()
	for _, id := range ids {
		core := model.CoreReport{CoreID: id, Details: []model.DayDetail{}}
		for _, d := range days {
			miner, hasMiner := latest[model.RecordKey{ParticipantID: id, Role: model.RoleMiner, Date: d}]
			witness, hasWitness := latest[model.RecordKey{ParticipantID: id, Role: model.RoleWitness, Date: d}]
			if !hasMiner && !hasWitness {
				continue
			}

			detail := model.DayDetail{
				Date:            d.Uint32(),
				MinerLiveness:   miner.Record.Alive,
				WitnessLiveness: witness.Record.Alive,
				MinerPoints:     miner.Record.Points,
				WitnessPoints:   witness.Record.Points,
			}
			detail.TotalPoints = detail.MinerPoints + detail.WitnessPoints
			core.MinerTotal += detail.MinerPoints
			core.WitnessTotal += detail.WitnessPoints

			if miner.Exists || witness.Exists || detail.TotalPoints > 0 {
				core.Details = append(core.Details, detail)
			}
		}
		core.TotalPoints = core.MinerTotal + core.WitnessTotal
		core.Days = len(core.Details)
		report.Cores = append(report.Cores, core)
	}
	return report
}
