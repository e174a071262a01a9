package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// JobStatus 定时任务执行状态
type JobStatus string

const (
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
	JobStatusSkipped JobStatus = "skipped"
)

// JobExecution 定时任务执行记录
type JobExecution struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement"`
	JobName      string     `gorm:"column:job_name;type:varchar(100);not null;index"`
	Status       JobStatus  `gorm:"column:status;type:varchar(20);not null"`
	StartedAt    int64      `gorm:"column:started_at;not null"`
	FinishedAt   *int64     `gorm:"column:finished_at"`
	DurationMs   *int       `gorm:"column:duration_ms"`
	ErrorMessage *string    `gorm:"column:error_message;type:text"`
	Result       JSONResult `gorm:"column:result;type:jsonb"`
	CreatedAt    int64      `gorm:"column:created_at;not null"`
}

// TableName 表名
func (JobExecution) TableName() string {
	return "audit_job_executions"
}

// JSONResult JSON 结果
type JSONResult map[string]interface{}

// Value 实现 driver.Valuer 接口
func (j JSONResult) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan 实现 sql.Scanner 接口
func (j *JSONResult) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return errors.New("type assertion to []byte failed")
	}
}
