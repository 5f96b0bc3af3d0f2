package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatus_Transition(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusRunning, StatusSuccess, true},
		{StatusRunning, StatusFailed, true},
		{StatusPending, StatusSuccess, false},
		{StatusSuccess, StatusFailed, false},
		{StatusFailed, StatusRunning, false},
		{StatusRunning, StatusRunning, false},
	}
	for _, tt := range tests {
		err := tt.from.Transition(tt.to)
		if tt.ok {
			assert.NoError(t, err, "%s -> %s", tt.from, tt.to)
		} else {
			assert.True(t, errors.Is(err, ErrInvalidTransition), "%s -> %s", tt.from, tt.to)
		}
	}
}

func TestSyncJob_EffectiveStrategy(t *testing.T) {
	tests := []struct {
		name string
		job  SyncJob
		want Strategy
	}{
		{"not incremental", SyncJob{SyncStrategy: StrategyHash}, StrategyFull},
		{"hash", SyncJob{IncrementalSync: true, SyncStrategy: StrategyHash}, StrategyHash},
		{"timestamp", SyncJob{IncrementalSync: true, SyncStrategy: StrategyTimestamp, SyncKeyColumn: "updated_at"}, StrategyTimestamp},
		{"timestamp without key", SyncJob{IncrementalSync: true, SyncStrategy: StrategyTimestamp}, StrategyFull},
		{"sequence", SyncJob{IncrementalSync: true, SyncStrategy: StrategySequence, SyncKeyColumn: "id"}, StrategySequence},
		{"unknown", SyncJob{IncrementalSync: true, SyncStrategy: "rowversion", SyncKeyColumn: "id"}, StrategyFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.job.EffectiveStrategy())
		})
	}
}

func TestExecutionLog_Finish(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := &ExecutionLog{Status: StatusRunning, StartedAt: start}

	require.NoError(t, l.Finish(StatusSuccess, 100, 2*1024*1024, start.Add(2*time.Second), ""))
	assert.Equal(t, StatusSuccess, l.Status)
	assert.Equal(t, 100, l.TotalRows)
	assert.InDelta(t, 2.0, l.TotalSizeMB, 1e-9)
	assert.InDelta(t, 2.0, l.DurationSeconds, 1e-9)
	assert.InDelta(t, 50.0, l.RowsPerSecond, 1e-9)
	assert.InDelta(t, 1.0, l.MBPerSecond, 1e-9)
	require.NotNil(t, l.CompletedAt)

	// finalized exactly once
	assert.Error(t, l.Finish(StatusFailed, 0, 0, start, "boom"))
	assert.Equal(t, StatusSuccess, l.Status)
}

func TestParseFamily(t *testing.T) {
	assert.Equal(t, FamilyPostgres, ParseFamily("PostgreSQL"))
	assert.Equal(t, FamilyPostgres, ParseFamily("pg"))
	assert.Equal(t, FamilyAltibase, ParseFamily(" altibase "))
	assert.Equal(t, FamilyInformix, ParseFamily("INFORMIX"))
	assert.Equal(t, Family("oracle"), ParseFamily("oracle"))
}
