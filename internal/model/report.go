package model

// MonthlyReport 月度积分报表
type MonthlyReport struct {
	Month       BusinessMonth `json:"month"`
	GeneratedAt string        `json:"generatedAt"`
	Strategy    string        `json:"strategy,omitempty"`
	Cores       []CoreReport  `json:"cores"`
}

// CoreReport 单个 core 的月度汇总
type CoreReport struct {
	CoreID       uint32      `json:"coreId"`
	TotalPoints  uint64      `json:"totalPoints"`
	MinerTotal   uint64      `json:"minerTotal"`
	WitnessTotal uint64      `json:"witnessTotal"`
	Days         int         `json:"days"`
	Details      []DayDetail `json:"details"`
}

// DayDetail 有记录或有积分的一天
type DayDetail struct {
	Date            uint32 `json:"date"`
	MinerLiveness   bool   `json:"minerLiveness"`
	WitnessLiveness bool   `json:"witnessLiveness"`
	MinerPoints     uint64 `json:"minerPoints"`
	WitnessPoints   uint64 `json:"witnessPoints"`
	TotalPoints     uint64 `json:"totalPoints"`
}

// CycleCompletedEvent 审计周期结束事件 (发送到 Kafka)
type CycleCompletedEvent struct {
	RunID        string     `json:"run_id"`
	Date         uint32     `json:"date"`
	State        CycleState `json:"state"`
	Entries      int        `json:"entries"`
	Participants int        `json:"participants"`
	TxHash       string     `json:"tx_hash,omitempty"`
	GasUsed      uint64     `json:"gas_used,omitempty"`
	Error        string     `json:"error,omitempty"`
	FinishedAt   int64      `json:"finished_at"`
}

// RecordEvent 单条记录事件 (发送到 Kafka)
type RecordEvent struct {
	RunID    string `json:"run_id"`
	CoreID   uint32 `json:"core_id"`
	Date     uint32 `json:"date"`
	NodeType uint8  `json:"node_type"`
	Liveness bool   `json:"liveness"`
	Checkin  bool   `json:"checkin"`
	Points   uint64 `json:"points"`
	TxHash   string `json:"tx_hash,omitempty"`
}
