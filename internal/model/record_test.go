package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestCycleState_Transitions 测试周期状态机
func TestCycleState_Transitions(t *testing.T) {
	assert.True(t, CycleStateCollected.CanTransitionTo(CycleStateDedupChecked))
	assert.True(t, CycleStateCollected.CanTransitionTo(CycleStateNoop))
	assert.True(t, CycleStateDedupChecked.CanTransitionTo(CycleStateSkipped))
	assert.True(t, CycleStateDedupChecked.CanTransitionTo(CycleStateSigned))
	assert.True(t, CycleStateSigned.CanTransitionTo(CycleStateSubmitted))
	assert.True(t, CycleStateSubmitted.CanTransitionTo(CycleStateTimedOut))
	assert.True(t, CycleStateTimedOut.CanTransitionTo(CycleStateConfirmed))

	assert.False(t, CycleStateCollected.CanTransitionTo(CycleStateSigned))
	assert.False(t, CycleStateConfirmed.CanTransitionTo(CycleStateFailed))
	assert.False(t, CycleStateFailed.CanTransitionTo(CycleStateSubmitted))
}

func TestCycleState_Classes(t *testing.T) {
	for _, s := range []CycleState{CycleStateSkipped, CycleStateConfirmed, CycleStateNoop, CycleStateDryRun} {
		assert.True(t, s.IsTerminal(), s)
		assert.True(t, s.IsSuccess(), s)
		assert.False(t, s.NeedsAttention(), s)
	}
	for _, s := range []CycleState{CycleStateFailed, CycleStateTimedOut, CycleStateAborted} {
		assert.True(t, s.NeedsAttention(), s)
	}
	assert.False(t, CycleStateSubmitted.IsTerminal())
}

// TestNewBatchPayload 测试平行数组构建
func TestNewBatchPayload(t *testing.T) {
	records := []DailyRecord{
		{ParticipantID: 7, Date: 20240315, Role: RoleMiner, Alive: true, CheckedIn: true, Points: 100},
		{ParticipantID: 7, Date: 20240315, Role: RoleWitness, Alive: false, CheckedIn: true, Points: 0},
		{ParticipantID: 0, Date: 20240315, Role: RoleMiner, Alive: true, CheckedIn: false, Points: 10},
	}
	p := NewBatchPayload(records)

	assert.Equal(t, 3, p.Len())
	assert.Equal(t, []uint32{7, 7, 0}, p.CoreIDs)
	assert.Equal(t, []uint32{20240315, 20240315, 20240315}, p.Dates)
	assert.Equal(t, []uint8{0, 1, 0}, p.NodeTypes)
	assert.Equal(t, []bool{true, false, true}, p.Livenesses)
	assert.Equal(t, []bool{true, true, false}, p.Checkins)
	assert.Equal(t, []uint64{100, 0, 10}, p.Points)

	assert.Equal(t, 2, p.Sample(2).Len())
	assert.Equal(t, 3, p.Sample(10).Len())
}

func TestDailyRecordPair_Entries(t *testing.T) {
	pair := DailyRecordPair{MinerExists: true, MinerLiveness: true, MinerPoints: 10}
	assert.True(t, pair.AnyExists())

	entries := pair.Entries(3, 20240301)
	assert.Len(t, entries, 2)
	assert.Equal(t, RoleMiner, entries[0].Record.Role)
	assert.Equal(t, uint64(10), entries[0].Record.Points)
	assert.False(t, entries[1].Exists)
	assert.Equal(t, RecordKey{ParticipantID: 3, Role: RoleWitness, Date: 20240301}, entries[1].Record.Key())

	assert.False(t, DailyRecordPair{}.AnyExists())
}
