package audit

import (
	"sort"

	"github.com/Jouleverse/audit/internal/model"
)

// Aggregation 节点按 coreId 聚合的结果
type Aggregation struct {
	Participants map[uint32]*model.Participant
	// Unregistered 缺少 coreId 的节点 (NO KYC)，仅用于展示
	Unregistered []model.PhysicalNode
}

// Aggregate 将节点存活结果折叠到参与者
//
// 同一角色多个节点取逻辑或；结果与节点顺序无关。备用矿工不计入任何角色，
// 但仍会出现在参与者集合中 (若它是该 core 唯一的节点，则两个角色均不存活)。
func Aggregate(nodes []model.PhysicalNode, statuses model.StatusMap) *Aggregation {
	agg := &Aggregation{
		Participants: make(map[uint32]*model.Participant),
	}

	for _, n := range nodes {
		id, ok := n.Participant.Get()
		if !ok {
			agg.Unregistered = append(agg.Unregistered, n)
			continue
		}

		p, exists := agg.Participants[id]
		if !exists {
			p = &model.Participant{ID: id}
			agg.Participants[id] = p
		}

		role, scored := n.Role()
		if !scored {
			continue
		}
		alive := statuses.Get(n.ID).Alive
		switch role {
		case model.RoleMiner:
			p.HasMiner = true
			p.MinerAlive = p.MinerAlive || alive
		case model.RoleWitness:
			p.HasWitness = true
			p.WitnessAlive = p.WitnessAlive || alive
		}
	}

	sort.SliceStable(agg.Unregistered, func(i, j int) bool {
		return agg.Unregistered[i].ID < agg.Unregistered[j].ID
	})
	return agg
}

// SortedIDs 升序的 coreId 列表，保证 payload 顺序确定
func (a *Aggregation) SortedIDs() []uint32 {
	ids := make([]uint32, 0, len(a.Participants))
	for id := range a.Participants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len 参与者数量
func (a *Aggregation) Len() int {
	return len(a.Participants)
}
