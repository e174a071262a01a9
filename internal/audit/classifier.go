// Package audit 审计核心逻辑：存活判定、参与者聚合与积分计算
//
// 全部为纯函数，不做任何 I/O；链上观测由 service 层采集后传入。
package audit

import (
	"github.com/shopspring/decimal"

	"github.com/Jouleverse/audit/internal/model"
)

// WitnessDriftTolerance witness 高度与参考高度允许的最大偏差 (不含)
const WitnessDriftTolerance uint64 = 10

// ClassifyMiner 出块率严格大于 0 即存活
func ClassifyMiner(rate decimal.Decimal) bool {
	return rate.IsPositive()
}

// ClassifyWitness 观测高度 > 0 且与参考高度偏差 < 10
//
// 不可达节点的高度为 0，必然判定为不存活。
func ClassifyWitness(observed, reference uint64) bool {
	if observed == 0 {
		return false
	}
	return absDiff(observed, reference) < WitnessDriftTolerance
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// Classify 按角色判定并写回 status.Alive，备用矿工与未知类型恒为 false
func Classify(node model.PhysicalNode, status *model.NodeStatus, reference uint64) bool {
	role, ok := node.Role()
	switch {
	case !ok:
		status.Alive = false
	case role == model.RoleMiner:
		status.Alive = ClassifyMiner(status.SealRate)
	default:
		status.Alive = ClassifyWitness(status.Height, reference)
	}
	return status.Alive
}

// ClassifyAll 对整个周期的状态表做判定
func ClassifyAll(nodes []model.PhysicalNode, statuses model.StatusMap, reference uint64) {
	for _, n := range nodes {
		s, ok := statuses[n.ID]
		if !ok || s == nil {
			s = statuses.Get(n.ID)
			statuses[n.ID] = s
		}
		Classify(n, s, reference)
	}
}
