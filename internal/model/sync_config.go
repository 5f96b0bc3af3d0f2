package model

import "time"

// SyncJob describes one source query → target table copy.
//
// LastSyncValue is the only field the executor mutates; it is written in the
// same transaction that finalizes a successful run.
type SyncJob struct {
	ID           uint   `json:"id" gorm:"primaryKey"`
	Name         string `json:"name" gorm:"size:100;not null"`
	Description  string `json:"description" gorm:"type:text"`
	SourceServer string `json:"source_server" gorm:"size:100;not null"`
	Query        string `json:"query" gorm:"type:text;not null"`
	TargetServer string `json:"target_server" gorm:"size:100;not null"`
	TargetTable  string `json:"target_table" gorm:"size:100;not null"`
	ChunkSize    int    `json:"chunk_size"`
	NumWorkers   int    `json:"num_workers" gorm:"default:4"`
	IsActive     bool   `json:"is_active" gorm:"not null"`

	// 增量同步
	IncrementalSync bool     `json:"incremental_sync" gorm:"default:false"`
	SyncKeyColumn   string   `json:"sync_key_column" gorm:"size:100"`
	LastSyncValue   string   `json:"last_sync_value" gorm:"size:200"`
	SyncStrategy    Strategy `json:"sync_strategy" gorm:"size:50;default:timestamp"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the table name stable regardless of naming strategy.
func (SyncJob) TableName() string { return "batch_job" }

// EffectiveStrategy returns the strategy the executor applies. Jobs that are
// not incremental, or are missing a key column for a watermark strategy,
// fall back to a full sync.
func (j *SyncJob) EffectiveStrategy() Strategy {
	if !j.IncrementalSync || j.SyncStrategy == "" {
		return StrategyFull
	}
	switch j.SyncStrategy {
	case StrategyHash:
		return StrategyHash
	case StrategyTimestamp, StrategySequence:
		if j.SyncKeyColumn == "" {
			return StrategyFull
		}
		return j.SyncStrategy
	}
	return StrategyFull
}

// BatchSize returns the insert batch size, falling back to def when the job
// does not set a usable chunk size.
func (j *SyncJob) BatchSize(def int) int {
	if j.ChunkSize > 0 {
		return j.ChunkSize
	}
	return def
}
