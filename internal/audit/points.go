package audit

import (
	"github.com/Jouleverse/audit/internal/model"
)

// 每个角色每日积分
const (
	PointsAliveCheckedIn uint64 = 100
	PointsAliveOnly      uint64 = 10
	PointsDead           uint64 = 0
)

// PointsFor 积分表：存活且签到 100，仅存活 10，不存活 0
func PointsFor(alive, checkedIn bool) uint64 {
	switch {
	case alive && checkedIn:
		return PointsAliveCheckedIn
	case alive:
		return PointsAliveOnly
	default:
		return PointsDead
	}
}

// BuildRecords 每个参与者生成 MINER 与 WITNESS 两条记录，按 coreId 升序
func BuildRecords(agg *Aggregation, date model.BusinessDate) []model.DailyRecord {
	records := make([]model.DailyRecord, 0, agg.Len()*2)
	for _, id := range agg.SortedIDs() {
		p := agg.Participants[id]
		records = append(records,
			model.DailyRecord{
				ParticipantID: id,
				Date:          date,
				Role:          model.RoleMiner,
				Alive:         p.MinerAlive,
				CheckedIn:     p.CheckedIn,
				Points:        PointsFor(p.MinerAlive, p.CheckedIn),
			},
			model.DailyRecord{
				ParticipantID: id,
				Date:          date,
				Role:          model.RoleWitness,
				Alive:         p.WitnessAlive,
				CheckedIn:     p.CheckedIn,
				Points:        PointsFor(p.WitnessAlive, p.CheckedIn),
			},
		)
	}
	return records
}

// ApplyCheckins 将签到结果写回参与者，缺失的视为未签到
func ApplyCheckins(agg *Aggregation, checkins map[uint32]bool) {
	for id, p := range agg.Participants {
		p.CheckedIn = checkins[id]
	}
}
