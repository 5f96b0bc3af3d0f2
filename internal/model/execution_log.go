package model

import "time"

// ExecutionLog is the durable record of one job run.
type ExecutionLog struct {
	ID              uint       `json:"id" gorm:"primaryKey"`
	RunID           string     `json:"run_id" gorm:"size:36;index"`
	JobID           uint       `json:"job_id" gorm:"not null;index"`
	ScheduleID      *uint      `json:"schedule_id" gorm:"index"`
	Status          RunStatus  `json:"status" gorm:"size:20;not null"`
	TotalRows       int        `json:"total_rows"`
	TotalSizeMB     float64    `json:"total_size_mb"`
	DurationSeconds float64    `json:"duration_seconds"`
	RowsPerSecond   float64    `json:"rows_per_second"`
	MBPerSecond     float64    `json:"mb_per_second"`
	ErrorMessage    string     `json:"error_message" gorm:"type:text"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
}

func (ExecutionLog) TableName() string { return "batch_log" }

// Finish moves the log to a terminal status and fills in the throughput
// figures. It fails if the log is not running.
func (l *ExecutionLog) Finish(status RunStatus, rows int, bytes int64, completed time.Time, errMsg string) error {
	if err := l.Status.Transition(status); err != nil {
		return err
	}
	l.Status = status
	l.TotalRows = rows
	l.TotalSizeMB = float64(bytes) / (1024 * 1024)
	l.DurationSeconds = completed.Sub(l.StartedAt).Seconds()
	l.RowsPerSecond, l.MBPerSecond = 0, 0
	if l.DurationSeconds > 0 {
		l.RowsPerSecond = float64(rows) / l.DurationSeconds
		l.MBPerSecond = l.TotalSizeMB / l.DurationSeconds
	}
	l.ErrorMessage = errMsg
	l.CompletedAt = &completed
	return nil
}
