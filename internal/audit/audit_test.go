package audit

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jouleverse/audit/internal/model"
)

func minerNode(id string, core model.ParticipantID) model.PhysicalNode {
	return model.PhysicalNode{ID: id, Type: model.NodeTypeMiner, Participant: core}
}

func witnessNode(id string, core model.ParticipantID) model.PhysicalNode {
	return model.PhysicalNode{ID: id, Type: model.NodeTypeWitness, Participant: core}
}

// TestClassifyMiner 测试矿工存活判定
func TestClassifyMiner(t *testing.T) {
	assert.True(t, ClassifyMiner(decimal.RequireFromString("0.05")))
	assert.True(t, ClassifyMiner(decimal.RequireFromString("0.0001")))
	assert.False(t, ClassifyMiner(decimal.Zero))
	assert.False(t, ClassifyMiner(decimal.NewFromInt(-1)))
}

// TestClassifyWitness 测试 witness 高度偏差判定
func TestClassifyWitness(t *testing.T) {
	tests := []struct {
		name      string
		observed  uint64
		reference uint64
		want      bool
	}{
		{"in sync", 1000, 1000, true},
		{"behind by 9", 991, 1000, true},
		{"behind by 10", 990, 1000, false},
		{"ahead by 9", 1009, 1000, true},
		{"ahead by 10", 1010, 1000, false},
		{"unreachable", 0, 5, false},
		{"zero height near genesis", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyWitness(tt.observed, tt.reference))
		})
	}
}

func TestClassify_StandbyMinerNeverAlive(t *testing.T) {
	node := model.PhysicalNode{ID: "s", Type: model.NodeTypeStandbyMiner}
	status := &model.NodeStatus{SealRate: decimal.NewFromInt(1)}
	assert.False(t, Classify(node, status, 100))
	assert.False(t, status.Alive)
}

func TestClassifyAll_FillsMissingStatus(t *testing.T) {
	nodes := []model.PhysicalNode{minerNode("m", model.NoParticipant()), witnessNode("w", model.NoParticipant())}
	statuses := model.StatusMap{"w": {NodeID: "w", Height: 100}}

	ClassifyAll(nodes, statuses, 105)

	require.Contains(t, statuses, "m")
	assert.False(t, statuses["m"].Alive)
	assert.True(t, statuses["w"].Alive)
}

// TestPointsFor 测试积分表
func TestPointsFor(t *testing.T) {
	assert.Equal(t, uint64(100), PointsFor(true, true))
	assert.Equal(t, uint64(10), PointsFor(true, false))
	assert.Equal(t, uint64(0), PointsFor(false, true))
	assert.Equal(t, uint64(0), PointsFor(false, false))

	for _, alive := range []bool{true, false} {
		for _, checked := range []bool{true, false} {
			p := PointsFor(alive, checked)
			assert.Contains(t, []uint64{0, 10, 100}, p)
		}
	}
}

// TestAggregate_OrSemantics 一个死矿工与一个活矿工，参与者矿工角色存活
func TestAggregate_OrSemantics(t *testing.T) {
	core := model.SomeParticipant(3)
	nodes := []model.PhysicalNode{minerNode("dead", core), minerNode("alive", core)}
	statuses := model.StatusMap{
		"dead":  {NodeID: "dead", Alive: false},
		"alive": {NodeID: "alive", Alive: true},
	}

	agg := Aggregate(nodes, statuses)
	require.Contains(t, agg.Participants, uint32(3))
	p := agg.Participants[3]
	assert.True(t, p.MinerAlive)
	assert.True(t, p.HasMiner)
	assert.False(t, p.HasWitness)
	assert.False(t, p.WitnessAlive)
}

// TestAggregate_OrderIndependent 结果与节点顺序无关
func TestAggregate_OrderIndependent(t *testing.T) {
	nodes := []model.PhysicalNode{
		minerNode("m1", model.SomeParticipant(1)),
		minerNode("m2", model.SomeParticipant(1)),
		witnessNode("w1", model.SomeParticipant(1)),
		witnessNode("w2", model.SomeParticipant(2)),
		minerNode("m3", model.SomeParticipant(0)),
		witnessNode("w3", model.NoParticipant()),
	}
	statuses := model.StatusMap{
		"m1": {Alive: false}, "m2": {Alive: true}, "w1": {Alive: false},
		"w2": {Alive: true}, "m3": {Alive: true}, "w3": {Alive: true},
	}
	want := Aggregate(nodes, statuses)

	r := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := append([]model.PhysicalNode(nil), nodes...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := Aggregate(shuffled, statuses)
		assert.Equal(t, want, got)
	}
}

// TestAggregate_ZeroIDAndUnregistered coreId 0 参与聚合，缺失 coreId 进入未登记列表
func TestAggregate_ZeroIDAndUnregistered(t *testing.T) {
	nodes := []model.PhysicalNode{
		witnessNode("w0", model.SomeParticipant(0)),
		witnessNode("nokyc", model.NoParticipant()),
	}
	statuses := model.StatusMap{"w0": {Alive: true}, "nokyc": {Alive: true}}

	agg := Aggregate(nodes, statuses)
	require.Contains(t, agg.Participants, uint32(0))
	assert.True(t, agg.Participants[0].WitnessAlive)
	require.Len(t, agg.Unregistered, 1)
	assert.Equal(t, "nokyc", agg.Unregistered[0].ID)
	assert.Equal(t, []uint32{0}, agg.SortedIDs())
}

func TestAggregate_StandbyOnlyParticipant(t *testing.T) {
	nodes := []model.PhysicalNode{{ID: "s", Type: model.NodeTypeStandbyMiner, Participant: model.SomeParticipant(9)}}
	agg := Aggregate(nodes, model.StatusMap{"s": {Alive: true}})

	require.Contains(t, agg.Participants, uint32(9))
	assert.False(t, agg.Participants[9].MinerAlive)
	assert.False(t, agg.Participants[9].HasMiner)
}

// TestEndToEnd_Participant7 core 7 仅有一个出块率 0.05 的矿工，本月已签到
func TestEndToEnd_Participant7(t *testing.T) {
	nodes := []model.PhysicalNode{minerNode("m7", model.SomeParticipant(7))}
	statuses := model.StatusMap{"m7": {NodeID: "m7", SealRate: decimal.RequireFromString("0.05")}}

	ClassifyAll(nodes, statuses, 1000)
	agg := Aggregate(nodes, statuses)
	ApplyCheckins(agg, map[uint32]bool{7: true})
	records := BuildRecords(agg, 20240315)

	require.Len(t, records, 2)
	assert.Equal(t, model.DailyRecord{
		ParticipantID: 7, Date: 20240315, Role: model.RoleMiner, Alive: true, CheckedIn: true, Points: 100,
	}, records[0])
	assert.Equal(t, model.DailyRecord{
		ParticipantID: 7, Date: 20240315, Role: model.RoleWitness, Alive: false, CheckedIn: true, Points: 0,
	}, records[1])
}

func TestBuildRecords_Empty(t *testing.T) {
	agg := Aggregate(nil, model.StatusMap{})
	assert.Empty(t, BuildRecords(agg, 20240315))
}

func TestBuildRecords_SortedByCore(t *testing.T) {
	nodes := []model.PhysicalNode{
		witnessNode("b", model.SomeParticipant(20)),
		witnessNode("a", model.SomeParticipant(5)),
	}
	agg := Aggregate(nodes, model.StatusMap{})
	ApplyCheckins(agg, nil)
	records := BuildRecords(agg, 20240101)

	require.Len(t, records, 4)
	assert.Equal(t, uint32(5), records[0].ParticipantID)
	assert.Equal(t, uint32(20), records[2].ParticipantID)
	for _, r := range records {
		assert.False(t, r.CheckedIn)
		assert.Zero(t, r.Points)
	}
}
