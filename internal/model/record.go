package model

import (
	"fmt"
)

// Participant 一个 core 在单个周期内的聚合结果
type Participant struct {
	ID           uint32 `json:"core_id"`
	HasMiner     bool   `json:"has_miner"`
	HasWitness   bool   `json:"has_witness"`
	MinerAlive   bool   `json:"miner_alive"`
	WitnessAlive bool   `json:"witness_alive"`
	CheckedIn    bool   `json:"checked_in"`
}

// DailyRecord 上链的最小单元
type DailyRecord struct {
	ParticipantID uint32       `json:"core_id"`
	Date          BusinessDate `json:"date"`
	Role          Role         `json:"node_type"`
	Alive         bool         `json:"liveness"`
	CheckedIn     bool         `json:"checkin"`
	Points        uint64       `json:"points"`
}

// Key (participant, role, date)
func (r DailyRecord) Key() RecordKey {
	return RecordKey{ParticipantID: r.ParticipantID, Role: r.Role, Date: r.Date}
}

func (r DailyRecord) String() string {
	return fmt.Sprintf("core=%d date=%s role=%s alive=%t checkin=%t points=%d",
		r.ParticipantID, r.Date, r.Role, r.Alive, r.CheckedIn, r.Points)
}

// RecordKey 账本上唯一生效记录的键
type RecordKey struct {
	ParticipantID uint32
	Role          Role
	Date          BusinessDate
}

// BatchPayload recordBatch 的平行数组
type BatchPayload struct {
	CoreIDs    []uint32 `json:"coreId"`
	Dates      []uint32 `json:"date"`
	NodeTypes  []uint8  `json:"nodeType"`
	Livenesses []bool   `json:"liveness"`
	Checkins   []bool   `json:"checkin"`
	Points     []uint64 `json:"points"`
}

// NewBatchPayload 由记录构建平行数组，顺序保持不变
func NewBatchPayload(records []DailyRecord) *BatchPayload {
	p := &BatchPayload{
		CoreIDs:    make([]uint32, 0, len(records)),
		Dates:      make([]uint32, 0, len(records)),
		NodeTypes:  make([]uint8, 0, len(records)),
		Livenesses: make([]bool, 0, len(records)),
		Checkins:   make([]bool, 0, len(records)),
		Points:     make([]uint64, 0, len(records)),
	}
	for _, r := range records {
		p.CoreIDs = append(p.CoreIDs, r.ParticipantID)
		p.Dates = append(p.Dates, r.Date.Uint32())
		p.NodeTypes = append(p.NodeTypes, uint8(r.Role))
		p.Livenesses = append(p.Livenesses, r.Alive)
		p.Checkins = append(p.Checkins, r.CheckedIn)
		p.Points = append(p.Points, r.Points)
	}
	return p
}

// Len 条目数
func (p *BatchPayload) Len() int {
	return len(p.CoreIDs)
}

// Sample 前 n 条，用于控制台展示
func (p *BatchPayload) Sample(n int) *BatchPayload {
	if n > p.Len() {
		n = p.Len()
	}
	return &BatchPayload{
		CoreIDs:    p.CoreIDs[:n],
		Dates:      p.Dates[:n],
		NodeTypes:  p.NodeTypes[:n],
		Livenesses: p.Livenesses[:n],
		Checkins:   p.Checkins[:n],
		Points:     p.Points[:n],
	}
}

// CycleState 单个审计周期的状态机
//
//	COLLECTED -> DEDUP_CHECKED -> SKIPPED
//	                           -> SIGNED -> SUBMITTED -> CONFIRMED | FAILED | TIMED_OUT
type CycleState string

const (
	CycleStateCollected    CycleState = "COLLECTED"
	CycleStateDedupChecked CycleState = "DEDUP_CHECKED"
	CycleStateSkipped      CycleState = "SKIPPED"
	CycleStateNoop         CycleState = "NOOP"
	CycleStateDryRun       CycleState = "DRY_RUN"
	CycleStateSigned       CycleState = "SIGNED"
	CycleStateSubmitted    CycleState = "SUBMITTED"
	CycleStateConfirmed    CycleState = "CONFIRMED"
	CycleStateFailed       CycleState = "FAILED"
	CycleStateTimedOut     CycleState = "TIMED_OUT"
	CycleStateAborted      CycleState = "ABORTED"
)

var cycleTransitions = map[CycleState][]CycleState{
	CycleStateCollected:    {CycleStateDedupChecked, CycleStateNoop, CycleStateAborted},
	CycleStateDedupChecked: {CycleStateSkipped, CycleStateDryRun, CycleStateSigned, CycleStateAborted},
	CycleStateSigned:       {CycleStateSubmitted, CycleStateAborted},
	CycleStateSubmitted:    {CycleStateConfirmed, CycleStateFailed, CycleStateTimedOut},
	// 超时的周期在下一轮对账后可以被确认
	CycleStateTimedOut: {CycleStateConfirmed},
}

// CanTransitionTo 状态迁移校验
func (s CycleState) CanTransitionTo(next CycleState) bool {
	for _, allowed := range cycleTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal 是否终态
func (s CycleState) IsTerminal() bool {
	switch s {
	case CycleStateSkipped, CycleStateNoop, CycleStateDryRun, CycleStateConfirmed,
		CycleStateFailed, CycleStateTimedOut, CycleStateAborted:
		return true
	}
	return false
}

// IsSuccess SKIPPED/CONFIRMED 等无需人工介入的终态
func (s CycleState) IsSuccess() bool {
	switch s {
	case CycleStateSkipped, CycleStateNoop, CycleStateDryRun, CycleStateConfirmed:
		return true
	}
	return false
}

// NeedsAttention FAILED/TIMED_OUT/ABORTED 需要运维处理，不自动重试
func (s CycleState) NeedsAttention() bool {
	return s.IsTerminal() && !s.IsSuccess()
}

// TransactionResult 一次提交的结果
type TransactionResult struct {
	State       CycleState `json:"state"`
	TxHash      string     `json:"tx_hash,omitempty"`
	BlockNumber uint64     `json:"block_number,omitempty"`
	GasUsed     uint64     `json:"gas_used,omitempty"`
	GasLimit    uint64     `json:"gas_limit,omitempty"`
	GasPrice    string     `json:"gas_price,omitempty"`
	Status      uint64     `json:"status"`
	Entries     int        `json:"entries"`
	Reason      string     `json:"reason,omitempty"`
}

// LedgerEntry 从账本事件或直接读取重建的记录，带链上顺序
type LedgerEntry struct {
	Record      DailyRecord
	Exists      bool
	Override    bool
	BlockNumber uint64
	LogIndex    uint
}

// DailyRecordPair getCoreDailyRecords 的返回值
type DailyRecordPair struct {
	MinerExists     bool
	MinerLiveness   bool
	MinerCheckin    bool
	MinerPoints     uint64
	WitnessExists   bool
	WitnessLiveness bool
	WitnessCheckin  bool
	WitnessPoints   uint64
}

// AnyExists 任一角色已记录
func (p DailyRecordPair) AnyExists() bool {
	return p.MinerExists || p.WitnessExists
}

// Entries 拆成两条角色记录
func (p DailyRecordPair) Entries(coreID uint32, date BusinessDate) []LedgerEntry {
	return []LedgerEntry{
		{
			Exists: p.MinerExists,
			Record: DailyRecord{ParticipantID: coreID, Date: date, Role: RoleMiner,
				Alive: p.MinerLiveness, CheckedIn: p.MinerCheckin, Points: p.MinerPoints},
		},
		{
			Exists: p.WitnessExists,
			Record: DailyRecord{ParticipantID: coreID, Date: date, Role: RoleWitness,
				Alive: p.WitnessLiveness, CheckedIn: p.WitnessCheckin, Points: p.WitnessPoints},
		},
	}
}
