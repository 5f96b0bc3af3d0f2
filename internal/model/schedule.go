package model

import "time"

// Schedule runs a job on a cron expression.
type Schedule struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	JobID          uint       `json:"job_id" gorm:"not null;index"`
	CronExpression string     `json:"cron_expression" gorm:"size:100;not null"`
	IsActive       bool       `json:"is_active" gorm:"not null"`
	LastRun        *time.Time `json:"last_run"`
	NextRun        *time.Time `json:"next_run"`
	CreatedAt      time.Time  `json:"created_at"`

	Job SyncJob `json:"-" gorm:"foreignKey:JobID"`
}

func (Schedule) TableName() string { return "batch_schedule" }

// QueryHistory records an ad-hoc query run against a server.
type QueryHistory struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	ServerName    string    `json:"server_name" gorm:"size:100;not null"`
	Query         string    `json:"query" gorm:"type:text;not null"`
	ResultCount   int       `json:"result_count"`
	ExecutionTime float64   `json:"execution_time"`
	Status        string    `json:"status" gorm:"size:20;not null"`
	ErrorMessage  string    `json:"error_message" gorm:"type:text"`
	ExecutedAt    time.Time `json:"executed_at"`
}

func (QueryHistory) TableName() string { return "query_history" }
