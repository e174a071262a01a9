package model

// AuditRun 一次审计周期的持久化记录
type AuditRun struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID        string     `gorm:"column:run_id;type:varchar(64);uniqueIndex;not null" json:"run_id"`
	Date         uint32     `gorm:"column:date;type:int;index;not null" json:"date"`
	State        CycleState `gorm:"column:state;type:varchar(20);index;not null" json:"state"`
	Mode         string     `gorm:"column:mode;type:varchar(10);not null" json:"mode"` // dry-run / send
	Forced       bool       `gorm:"column:forced;not null;default:false" json:"forced"`
	Entries      int        `gorm:"column:entries;type:int;not null;default:0" json:"entries"`
	Participants int        `gorm:"column:participants;type:int;not null;default:0" json:"participants"`
	Unregistered int        `gorm:"column:unregistered;type:int;not null;default:0" json:"unregistered"`
	DedupSource  string     `gorm:"column:dedup_source;type:varchar(20)" json:"dedup_source"`
	TxHash       string     `gorm:"column:tx_hash;type:varchar(66)" json:"tx_hash"`
	BlockNumber  int64      `gorm:"column:block_number;type:bigint" json:"block_number"`
	GasUsed      int64      `gorm:"column:gas_used;type:bigint" json:"gas_used"`
	ErrorMessage string     `gorm:"column:error_message;type:varchar(500)" json:"error_message"`
	StartedAt    int64      `gorm:"column:started_at;type:bigint;not null" json:"started_at"`
	FinishedAt   int64      `gorm:"column:finished_at;type:bigint" json:"finished_at"`
	CreatedAt    int64      `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt    int64      `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (AuditRun) TableName() string {
	return "audit_runs"
}

// AuditRecord 周期内计算出的每条 DailyRecord
type AuditRecord struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID     string `gorm:"column:run_id;type:varchar(64);index;not null" json:"run_id"`
	CoreID    uint32 `gorm:"column:core_id;type:bigint;not null;index:idx_audit_records_key" json:"core_id"`
	Date      uint32 `gorm:"column:date;type:int;not null;index:idx_audit_records_key" json:"date"`
	NodeType  uint8  `gorm:"column:node_type;type:smallint;not null;index:idx_audit_records_key" json:"node_type"`
	Liveness  bool   `gorm:"column:liveness;not null" json:"liveness"`
	Checkin   bool   `gorm:"column:checkin;not null" json:"checkin"`
	Points    int64  `gorm:"column:points;type:bigint;not null" json:"points"`
	CreatedAt int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (AuditRecord) TableName() string {
	return "audit_records"
}

// NewAuditRecord 由 DailyRecord 构建
func NewAuditRecord(runID string, r DailyRecord, now int64) *AuditRecord {
	return &AuditRecord{
		RunID:     runID,
		CoreID:    r.ParticipantID,
		Date:      r.Date.Uint32(),
		NodeType:  uint8(r.Role),
		Liveness:  r.Alive,
		Checkin:   r.CheckedIn,
		Points:    int64(r.Points),
		CreatedAt: now,
	}
}

// ToDailyRecord 还原
func (r *AuditRecord) ToDailyRecord() DailyRecord {
	return DailyRecord{
		ParticipantID: r.CoreID,
		Date:          BusinessDate(r.Date),
		Role:          Role(r.NodeType),
		Alive:         r.Liveness,
		CheckedIn:     r.Checkin,
		Points:        uint64(r.Points),
	}
}
