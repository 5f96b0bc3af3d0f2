package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchsync/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", "file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedJob(t *testing.T, s *Store, active bool) *model.SyncJob {
	t.Helper()
	job := &model.SyncJob{
		Name:            "orders",
		SourceServer:    "src",
		Query:           "SELECT * FROM orders",
		TargetServer:    "dst",
		TargetTable:     "orders_copy",
		IsActive:        active,
		IncrementalSync: true,
		SyncKeyColumn:   "updated_at",
		SyncStrategy:    model.StrategyTimestamp,
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func TestUpsertServer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertServer(ctx, &model.ServerConfig{
		Name: "src", Type: model.FamilyPostgres, Host: "10.0.0.1", Port: 5432,
		Database: "app", User: "reader", Password: "secret",
	}))
	require.NoError(t, s.UpsertServer(ctx, &model.ServerConfig{
		Name: "src", Type: model.FamilyPostgres, Host: "10.0.0.2", Port: 5433,
		Database: "app", User: "reader", Password: "rotated",
	}))

	servers, err := s.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "10.0.0.2", servers[0].Host)
	assert.Equal(t, 5433, servers[0].Port)
	assert.Equal(t, "rotated", servers[0].Password)

	_, err = s.GetServer(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGetJob_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob(context.Background(), 42)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCreateJob_RejectsUnknownStrategy(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateJob(context.Background(), &model.SyncJob{Name: "x", SyncStrategy: "cdc"})
	assert.Error(t, err)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, true)

	started := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	run, err := s.StartRun(ctx, job.ID, nil, started)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, run.Status)
	assert.NotEmpty(t, run.RunID)

	require.NoError(t, run.Finish(model.StatusSuccess, 3, 3*1024*1024, started.Add(2*time.Second), ""))
	watermark := "2024-01-02 00:00:00"
	require.NoError(t, s.FinishRun(ctx, run, &watermark))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, watermark, got.LastSyncValue)

	latest, err := s.LatestLog(ctx, job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, latest.Status)
	assert.Equal(t, 3, latest.TotalRows)
	assert.InDelta(t, 1.5, latest.RowsPerSecond, 1e-9)
	assert.InDelta(t, 1.5, latest.MBPerSecond, 1e-9)
	require.NotNil(t, latest.CompletedAt)
}

func TestFinishRun_RequiresTerminalStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, true)

	run, err := s.StartRun(ctx, job.ID, nil, time.Now())
	require.NoError(t, err)
	err = s.FinishRun(ctx, run, nil)
	assert.True(t, errors.Is(err, model.ErrInvalidTransition))
}

func TestFinishRun_FailedKeepsWatermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, true)

	run, err := s.StartRun(ctx, job.ID, nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, run.Finish(model.StatusFailed, 0, 0, time.Now(), "connection refused"))
	require.NoError(t, s.FinishRun(ctx, run, nil))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LastSyncValue)

	latest, err := s.LatestLog(ctx, job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, latest.Status)
	assert.Equal(t, "connection refused", latest.ErrorMessage)
}

func TestSchedulesAndLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	active := seedJob(t, s, true)
	inactive := seedJob(t, s, false)

	onActive := &model.Schedule{JobID: active.ID, CronExpression: "*/5 * * * *", IsActive: true}
	paused := &model.Schedule{JobID: active.ID, CronExpression: "0 * * * *", IsActive: false}
	onInactive := &model.Schedule{JobID: inactive.ID, CronExpression: "0 0 * * *", IsActive: true}
	for _, sc := range []*model.Schedule{onActive, paused, onInactive} {
		require.NoError(t, s.CreateSchedule(ctx, sc))
	}

	schedules, err := s.ListActiveSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, onActive.ID, schedules[0].ID)
	assert.Equal(t, "orders", schedules[0].Job.Name)

	all, err := s.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "orders", all[2].Job.Name)

	last := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateNextRun(ctx, onActive.ID, last))
	sc, err := s.GetSchedule(ctx, onActive.ID)
	require.NoError(t, err)
	assert.Nil(t, sc.LastRun)
	require.NotNil(t, sc.NextRun)
	assert.True(t, sc.NextRun.Equal(last))

	require.NoError(t, s.UpdateScheduleRun(ctx, onActive.ID, last, last.Add(5*time.Minute)))
	sc, err = s.GetSchedule(ctx, onActive.ID)
	require.NoError(t, err)
	require.NotNil(t, sc.LastRun)
	require.NotNil(t, sc.NextRun)
	assert.True(t, sc.NextRun.Equal(last.Add(5*time.Minute)))

	require.NoError(t, s.DeleteSchedule(ctx, paused.ID))
	assert.True(t, errors.Is(s.DeleteSchedule(ctx, paused.ID), ErrNotFound))

	// one manual run and two scheduled runs
	for i, sid := range []*uint{nil, &onActive.ID, &onActive.ID} {
		run, err := s.StartRun(ctx, active.ID, sid, last.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		require.NoError(t, run.Finish(model.StatusSuccess, i, 0, run.StartedAt.Add(time.Second), ""))
		require.NoError(t, s.FinishRun(ctx, run, nil))
	}

	latest, err := s.LatestLog(ctx, active.ID, &onActive.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.TotalRows)

	_, err = s.LatestLog(ctx, inactive.ID, nil)
	assert.True(t, errors.Is(err, ErrNotFound))

	logs, total, err := s.ListLogs(ctx, active.ID, 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, logs, 2)
	assert.Equal(t, 2, logs[0].TotalRows)
	assert.Equal(t, 1, logs[1].TotalRows)
}

func TestRecordQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordQuery(ctx, &model.QueryHistory{
		ServerName: "src", Query: "SELECT 1", ResultCount: 1, Status: "success",
	}))
	require.NoError(t, s.RecordQuery(ctx, &model.QueryHistory{
		ServerName: "src", Query: "SELEC 1", Status: "failed", ErrorMessage: "syntax error",
	}))

	history, err := s.ListQueries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "failed", history[0].Status)
}

func TestDeleteJob_RemovesSchedules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, true)
	require.NoError(t, s.CreateSchedule(ctx, &model.Schedule{JobID: job.ID, CronExpression: "@hourly", IsActive: true}))

	require.NoError(t, s.DeleteJob(ctx, job.ID))
	schedules, err := s.ListActiveSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, schedules)
	assert.True(t, errors.Is(s.DeleteJob(ctx, job.ID), ErrNotFound))
}
