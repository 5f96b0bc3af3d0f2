package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchsync/internal/adapter"
	"batchsync/internal/config"
	"batchsync/internal/identity"
	"batchsync/internal/model"
	"batchsync/internal/service"
	"batchsync/internal/store"
)

// mockOpener hands out Postgres adapters over sqlmock connections.
type mockOpener map[string]*sql.DB

func (o mockOpener) Open(ctx context.Context, conn model.Connection) (adapter.Adapter, error) {
	db, ok := o[conn.Name]
	if !ok {
		return nil, errors.New("dial tcp: connection refused")
	}
	return adapter.New(db, adapter.Postgres), nil
}

func newTestApp(t *testing.T, opener adapter.Opener) *app {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open("sqlite", filepath.Join(dir, "batchsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{Sync: config.SyncConfig{
		BatchSize:    100,
		QueryTimeout: time.Second,
		LockTimeout:  20 * time.Millisecond,
	}}
	a := &app{
		cfg:      cfg,
		store:    st,
		mirror:   config.NewMirror(filepath.Join(dir, "db_servers.ini")),
		adapters: opener,
	}
	a.exec = service.NewBatchExecutor(st, a.mirror, opener, cfg.Sync)
	return a
}

func execute(a *app, build func(func() *app) *cobra.Command, args ...string) (string, error) {
	cmd := build(func() *app { return a })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedServers(t *testing.T, a *app, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, a.store.UpsertServer(context.Background(), &model.ServerConfig{
			Name: name, Type: model.FamilyPostgres, Host: name + ".local", Port: 5432,
			Database: "app", User: "sync", Password: "pw",
		}))
	}
}

func TestJobsCommands(t *testing.T) {
	a := newTestApp(t, mockOpener{})
	ctx := context.Background()

	out, err := execute(a, jobsCmd, "add", "--name", "events", "--source", "src",
		"--query", "SELECT id, name FROM events", "--target", "dst", "--table", "staging.events")
	require.NoError(t, err)
	assert.Contains(t, out, "job 1 created")

	job, err := a.store.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.True(t, job.IsActive)
	assert.Equal(t, model.StrategyFull, job.EffectiveStrategy())
	assert.Equal(t, "staging.events", job.TargetTable)

	out, err = execute(a, jobsCmd, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "events")
	assert.Contains(t, out, "dst.staging.events")

	_, err = execute(a, jobsCmd, "edit", "1", "--strategy", "timestamp", "--key", "updated_at", "--chunk-size", "500")
	require.NoError(t, err)
	job, err = a.store.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StrategyTimestamp, job.EffectiveStrategy())
	assert.Equal(t, "updated_at", job.SyncKeyColumn)
	assert.Equal(t, 500, job.ChunkSize)
	assert.Equal(t, "SELECT id, name FROM events", job.Query)

	_, err = execute(a, jobsCmd, "edit", "1", "--active=false")
	require.NoError(t, err)
	job, err = a.store.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.False(t, job.IsActive)

	_, err = execute(a, jobsCmd, "delete", "1")
	require.NoError(t, err)
	_, err = a.store.GetJob(ctx, 1)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestJobsCommands_Rejects(t *testing.T) {
	a := newTestApp(t, mockOpener{})
	base := []string{"add", "--name", "e", "--source", "src", "--query", "SELECT 1", "--target", "dst"}

	tests := []struct {
		name string
		args []string
	}{
		{"missing table", base},
		{"bad table", append(append([]string{}, base...), "--table", "t; DROP TABLE x")},
		{"bad strategy", append(append([]string{}, base...), "--table", "t", "--strategy", "cdc")},
		{"timestamp without key", append(append([]string{}, base...), "--table", "t", "--strategy", "timestamp")},
		{"edit unknown job", []string{"edit", "42", "--name", "x"}},
		{"delete bad id", []string{"delete", "abc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(a, jobsCmd, tt.args...)
			assert.Error(t, err)
		})
	}
	jobs, err := a.store.ListJobs(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSchedulesCommands(t *testing.T) {
	a := newTestApp(t, mockOpener{})
	ctx := context.Background()
	_, err := execute(a, jobsCmd, "add", "--name", "events", "--source", "src",
		"--query", "SELECT 1", "--target", "dst", "--table", "t")
	require.NoError(t, err)

	out, err := execute(a, schedulesCmd, "add", "--job", "1", "--cron", "*/5 * * * *")
	require.NoError(t, err)
	assert.Contains(t, out, "schedule 1 created")

	_, err = execute(a, schedulesCmd, "add", "--job", "1", "--cron", "every tuesday")
	assert.Error(t, err)
	_, err = execute(a, schedulesCmd, "add", "--job", "7", "--cron", "@hourly")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = execute(a, schedulesCmd, "add", "--job", "1", "--cron", "@daily", "--inactive")
	require.NoError(t, err)
	active, err := a.store.ListActiveSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	out, err = execute(a, schedulesCmd, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "*/5 * * * *")
	assert.Contains(t, out, "@daily")
	assert.Contains(t, out, "1 events")

	_, err = execute(a, schedulesCmd, "delete", "1")
	require.NoError(t, err)
	all, err := a.store.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "@daily", all[0].CronExpression)
}

func TestServersDelete(t *testing.T) {
	a := newTestApp(t, mockOpener{})
	seedServers(t, a, "src", "dst", "spare")
	_, err := execute(a, jobsCmd, "add", "--name", "events", "--source", "src",
		"--query", "SELECT 1", "--target", "dst", "--table", "t")
	require.NoError(t, err)

	_, err = execute(a, serversCmd, "delete", "src")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "used by job 1")

	out, err := execute(a, serversCmd, "delete", "spare")
	require.NoError(t, err)
	assert.Contains(t, out, "server spare deleted")

	_, err = execute(a, serversCmd, "delete", "spare")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	servers, err := a.store.ListServers(context.Background())
	require.NoError(t, err)
	assert.Len(t, servers, 2)
}

func TestQueryHistory(t *testing.T) {
	a := newTestApp(t, mockOpener{})
	ctx := context.Background()
	require.NoError(t, a.store.RecordQuery(ctx, &model.QueryHistory{
		ServerName: "src", Query: "SELECT 1", ResultCount: 1, Status: "success", ExecutedAt: time.Now(),
	}))
	require.NoError(t, a.store.RecordQuery(ctx, &model.QueryHistory{
		ServerName: "src", Query: "SELEC 1", Status: "failed", ErrorMessage: "syntax error", ExecutedAt: time.Now(),
	}))

	out, err := execute(a, queryCmd, "--history")
	require.NoError(t, err)
	assert.Contains(t, out, "SELEC 1")
	assert.Contains(t, out, "syntax error")

	_, err = execute(a, queryCmd, "--history", "src")
	assert.Error(t, err)
	_, err = execute(a, queryCmd, "src")
	assert.Error(t, err)
}

func TestQuery_RecordsHistory(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()
	a := newTestApp(t, mockOpener{"src": db})
	seedServers(t, a, "src")

	mock.ExpectQuery("SELECT id FROM events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)))

	out, err := execute(a, queryCmd, "src", "SELECT id FROM events")
	require.NoError(t, err)
	assert.Contains(t, out, "id")

	history, err := a.store.ListQueries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "success", history[0].Status)
	assert.Equal(t, 2, history[0].ResultCount)
}

func TestAuditCommand(t *testing.T) {
	srcDB, src, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer srcDB.Close()
	dstDB, dst, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer dstDB.Close()

	a := newTestApp(t, mockOpener{"src": srcDB, "dst": dstDB})
	seedServers(t, a, "src", "dst")
	_, err = execute(a, jobsCmd, "add", "--name", "events", "--source", "src",
		"--query", "SELECT id, name FROM events", "--target", "dst", "--table", "events_copy")
	require.NoError(t, err)

	kept, err := identity.Tag([]string{"id", "name"}, [][]any{{int64(1), "a"}})
	require.NoError(t, err)

	src.ExpectQuery("SELECT id, name FROM events").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "a").AddRow(int64(2), "b"))
	dst.ExpectQuery(adapter.Postgres.TableExistsQuery).WithArgs("events_copy").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	dst.ExpectQuery("SELECT * FROM events_copy").
		WillReturnRows(sqlmock.NewRows([]string{identity.HashColumn, "id", "name"}).
			AddRow(kept.Rows[0][0], int64(1), "a").
			AddRow("0123456789abcdef", int64(7), "gone"))

	out, err := execute(a, auditCmd, "1", "--rows", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "job 1: added=1 updated=0 deleted=1")
	assert.Contains(t, out, "0123456789abcdef")
	assert.NoError(t, src.ExpectationsWereMet())
	assert.NoError(t, dst.ExpectationsWereMet())
}
