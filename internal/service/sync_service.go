// Package service runs sync jobs: it reads a job's source query, tags rows
// with their content hash, writes them to the target table and records the
// outcome in the metadata store.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"batchsync/internal/adapter"
	"batchsync/internal/config"
	"batchsync/internal/identity"
	"batchsync/internal/model"
	"batchsync/internal/strategy"
)

// Store is the part of the metadata store the executor uses.
type Store interface {
	GetJob(ctx context.Context, id uint) (*model.SyncJob, error)
	GetSchedule(ctx context.Context, id uint) (*model.Schedule, error)
	ListServers(ctx context.Context) ([]model.ServerConfig, error)
	StartRun(ctx context.Context, jobID uint, scheduleID *uint, started time.Time) (*model.ExecutionLog, error)
	FinishRun(ctx context.Context, run *model.ExecutionLog, watermark *string) error
	LatestLog(ctx context.Context, jobID uint, scheduleID *uint) (*model.ExecutionLog, error)
}

// ServerResolver mirrors server configs and resolves connections from the
// mirror.
type ServerResolver interface {
	Write(servers []model.ServerConfig) error
	Resolve(name string) (model.Connection, error)
}

// Run is one execution of a job, as seen by observers.
type Run struct {
	Job *model.SyncJob
	Log *model.ExecutionLog
}

type outcome struct {
	rows      int
	bytes     int64
	watermark *string
}

// BatchExecutor executes sync jobs. It is safe for concurrent use; runs of
// the same job are serialized.
type BatchExecutor struct {
	store    Store
	servers  ServerResolver
	adapters adapter.Opener
	locks    *RunLocker
	cfg      config.SyncConfig

	observers []SyncObserver
	mutex     sync.RWMutex

	now func() time.Time
}

// NewBatchExecutor 创建执行器
func NewBatchExecutor(store Store, servers ServerResolver, adapters adapter.Opener, cfg config.SyncConfig) *BatchExecutor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &BatchExecutor{
		store:    store,
		servers:  servers,
		adapters: adapters,
		locks:    NewRunLocker(),
		cfg:      cfg,
		now:      time.Now,
	}
}

// RegisterObserver 注册观察者
func (e *BatchExecutor) RegisterObserver(observer SyncObserver) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.observers = append(e.observers, observer)
}

// RunJob runs a job once and reports whether it succeeded. It never panics;
// the outcome is recorded in the job's execution log.
func (e *BatchExecutor) RunJob(ctx context.Context, jobID uint) bool {
	return e.run(ctx, jobID, nil)
}

// RunScheduled runs the job of a schedule and records the schedule on the
// execution log.
func (e *BatchExecutor) RunScheduled(ctx context.Context, scheduleID uint) bool {
	sched, err := e.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		logrus.WithField("schedule", scheduleID).WithError(err).Error("load schedule")
		return false
	}
	return e.run(ctx, sched.JobID, &sched.ID)
}

// LatestLog returns the newest execution log of a job or schedule.
func (e *BatchExecutor) LatestLog(ctx context.Context, jobID uint, scheduleID *uint) (*model.ExecutionLog, error) {
	return e.store.LatestLog(ctx, jobID, scheduleID)
}

func (e *BatchExecutor) run(ctx context.Context, jobID uint, scheduleID *uint) (ok bool) {
	entry := logrus.WithField("job_id", jobID)
	var run *Run
	defer func() {
		if p := recover(); p != nil {
			entry.WithFields(logrus.Fields{"panic": p, "stack": string(debug.Stack())}).Error("run aborted")
			// 日志已创建但未落终态时记为失败
			if run != nil && !run.Log.Status.Terminal() {
				if err := e.saveFailed(ctx, run, 0, 0, fmt.Errorf("panic: %v", p)); err != nil {
					entry.WithError(err).Error("save aborted run")
				}
			}
			ok = false
		}
	}()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		entry.WithError(err).Error("load job")
		return false
	}

	release, err := e.locks.Acquire(ctx, job.ID, e.cfg.LockTimeout)
	if err != nil {
		entry.WithError(err).Warn("run skipped")
		return false
	}
	defer release()

	log, err := e.store.StartRun(ctx, job.ID, scheduleID, e.now())
	if err != nil {
		entry.WithError(err).Error("start run")
		return false
	}
	run = &Run{Job: job, Log: log}
	e.notifyStart(run)

	out, runErr := e.safeExecute(ctx, job, entry.WithField("run", log.RunID))
	return e.finish(ctx, run, out, runErr)
}

// safeExecute turns a panic inside a run into a failed run.
func (e *BatchExecutor) safeExecute(ctx context.Context, job *model.SyncJob, entry *logrus.Entry) (out *outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			entry.WithField("stack", string(debug.Stack())).Error("run panicked")
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return e.execute(ctx, job, entry)
}

func (e *BatchExecutor) execute(ctx context.Context, job *model.SyncJob, entry *logrus.Entry) (*outcome, error) {
	// 1. 同步服务器配置到镜像文件
	if err := e.refreshMirror(ctx); err != nil {
		return nil, err
	}

	src, err := e.open(ctx, job.SourceServer, ErrSourceQuery)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	// 2. 解析有效查询
	strat := job.EffectiveStrategy()
	plan, err := strategy.Build(strategy.Input{
		BaseQuery:     job.Query,
		Strategy:      strat,
		KeyColumn:     job.SyncKeyColumn,
		LastSyncValue: job.LastSyncValue,
	}, src.Bind())
	if err != nil {
		return nil, classify(ErrConfiguration, err)
	}
	entry.WithFields(logrus.Fields{"strategy": strat, "query": plan.Rendered}).Debug("effective query")

	// 3. 执行源查询并计算行哈希
	rows, err := e.readSource(ctx, src, plan)
	if err != nil {
		return nil, err
	}
	if strat == model.StrategyTimestamp || strat == model.StrategySequence {
		if rows.Len() > 0 && rows.ColumnIndex(job.SyncKeyColumn) < 0 {
			return nil, classify(ErrConfiguration, fmt.Errorf("sync key column %q is not in the query result", job.SyncKeyColumn))
		}
	}

	dst, err := e.open(ctx, job.TargetServer, ErrTargetWrite)
	if err != nil {
		return nil, err
	}
	defer dst.Close()

	// 4. 哈希策略: 过滤目标表已有的行
	if plan.FilterByHash {
		existing, err := dst.ExistingHashes(ctx, job.TargetTable)
		if err != nil {
			return nil, classify(ErrTargetWrite, err)
		}
		before := rows.Len()
		rows = rows.ExcludeExisting(existing)
		entry.WithFields(logrus.Fields{"source": before, "new": rows.Len()}).Debug("filtered by hash")
		if rows.Len() == 0 {
			return &outcome{}, nil
		}
	}

	out := &outcome{bytes: rows.Bytes}
	if rows.Len() > 0 {
		// 5. 写入目标表
		out.rows, err = writeTarget(ctx, dst, job.TargetTable, rows, plan.Mode, job.BatchSize(e.cfg.BatchSize))
		if err != nil {
			return out, classify(ErrTargetWrite, err)
		}
	} else if plan.Mode == strategy.Replace {
		// 6. 全量同步且源为空: 目标表也清空
		if err := emptyTarget(ctx, dst, job.TargetTable, rows.Columns); err != nil {
			return out, classify(ErrTargetWrite, err)
		}
	}

	// 7. 推进水位
	if strat.Incremental() {
		adv := strategy.NextWatermark(strat, job.SyncKeyColumn, job.LastSyncValue, rows)
		if adv.Unordered {
			entry.WithField("key", job.SyncKeyColumn).Warn("source rows are not ordered by the sync key; watermark follows the last row")
		}
		if adv.Changed {
			out.watermark = &adv.Value
		}
	}
	return out, nil
}

func (e *BatchExecutor) readSource(ctx context.Context, src adapter.Adapter, plan *strategy.Plan) (*identity.Tagged, error) {
	if e.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.QueryTimeout)
		defer cancel()
	}
	res, err := src.Query(ctx, plan.Query, plan.Args...)
	if err != nil {
		return nil, classify(ErrSourceQuery, err)
	}
	rows, err := identity.Tag(res.Columns, res.Rows)
	if err != nil {
		return nil, classify(ErrSourceQuery, err)
	}
	return rows, nil
}

// Audit compares the complete result of a job's query with the rows stored
// in its target table, matching rows by hash. The watermark is ignored and
// nothing is written.
func (e *BatchExecutor) Audit(ctx context.Context, jobID uint) (*identity.Changes, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := e.refreshMirror(ctx); err != nil {
		return nil, err
	}

	src, err := e.open(ctx, job.SourceServer, ErrSourceQuery)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	plan, err := strategy.Build(strategy.Input{BaseQuery: job.Query, Strategy: model.StrategyFull}, src.Bind())
	if err != nil {
		return nil, classify(ErrConfiguration, err)
	}
	rows, err := e.readSource(ctx, src, plan)
	if err != nil {
		return nil, err
	}

	dst, err := e.open(ctx, job.TargetServer, ErrTargetWrite)
	if err != nil {
		return nil, err
	}
	defer dst.Close()
	stored, err := readTarget(ctx, dst, job.TargetTable)
	if err != nil {
		return nil, classify(ErrTargetWrite, err)
	}
	return identity.Diff(rows.Rows, stored), nil
}

func (e *BatchExecutor) refreshMirror(ctx context.Context) error {
	servers, err := e.store.ListServers(ctx)
	if err != nil {
		return classify(ErrConfiguration, err)
	}
	if err := e.servers.Write(servers); err != nil {
		return classify(ErrConfiguration, err)
	}
	return nil
}

// open resolves a server through the mirror and connects to it. Unknown
// servers and families are configuration errors; connection failures take
// the class of the side being opened.
func (e *BatchExecutor) open(ctx context.Context, server string, class error) (adapter.Adapter, error) {
	conn, err := e.servers.Resolve(server)
	if err != nil {
		return nil, classify(ErrConfiguration, err)
	}
	a, err := e.adapters.Open(ctx, conn)
	if err != nil {
		if errors.Is(err, adapter.ErrUnsupportedFamily) {
			return nil, classify(ErrConfiguration, err)
		}
		return nil, classify(class, err)
	}
	return a, nil
}

// finish finalizes the log and, on success, the watermark in one store
// transaction.
func (e *BatchExecutor) finish(ctx context.Context, run *Run, out *outcome, runErr error) bool {
	status, msg := model.StatusSuccess, ""
	if runErr != nil {
		status, msg = model.StatusFailed, runErr.Error()
	}
	var (
		rows      int
		bytes     int64
		watermark *string
	)
	if out != nil {
		rows, bytes = out.rows, out.bytes
		if runErr == nil {
			watermark = out.watermark
		}
	}

	entry := logrus.WithFields(logrus.Fields{"job": run.Job.Name, "run": run.Log.RunID})
	if err := run.Log.Finish(status, rows, bytes, e.now(), msg); err != nil {
		entry.WithError(err).Error("finish run")
		return false
	}
	// 取消的上下文也要能落盘终态
	if err := e.store.FinishRun(context.WithoutCancel(ctx), run.Log, watermark); err != nil {
		entry.WithError(err).Error("save run")
		saveErr := fmt.Errorf("save run: %w", err)
		if err := e.saveFailed(ctx, run, rows, bytes, saveErr); err != nil {
			entry.WithError(err).Error("save failed run")
		}
		e.notifyError(run, saveErr)
		return false
	}
	if watermark != nil {
		run.Job.LastSyncValue = *watermark
	}

	if runErr != nil {
		e.notifyError(run, runErr)
		return false
	}
	e.notifyComplete(run)
	return true
}

// saveFailed records run as failed without moving the watermark. It is the
// fallback when the regular finalization could not be saved or never ran.
func (e *BatchExecutor) saveFailed(ctx context.Context, run *Run, rows int, bytes int64, cause error) error {
	failed := *run.Log
	failed.Status = model.StatusRunning
	if err := failed.Finish(model.StatusFailed, rows, bytes, e.now(), cause.Error()); err != nil {
		return err
	}
	if err := e.store.FinishRun(context.WithoutCancel(ctx), &failed, nil); err != nil {
		return err
	}
	*run.Log = failed
	return nil
}

// 通知方法
func (e *BatchExecutor) notifyStart(run *Run) {
	e.notify(run, "start", func(o SyncObserver) { o.OnSyncStart(run) })
}

func (e *BatchExecutor) notifyComplete(run *Run) {
	e.notify(run, "complete", func(o SyncObserver) { o.OnSyncComplete(run) })
}

func (e *BatchExecutor) notifyError(run *Run, err error) {
	e.notify(run, "error", func(o SyncObserver) { o.OnSyncError(run, err) })
}

// notify calls every observer; a panicking observer is logged and skipped.
func (e *BatchExecutor) notify(run *Run, event string, call func(SyncObserver)) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	for _, observer := range e.observers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					logrus.WithFields(logrus.Fields{
						"job":   run.Job.Name,
						"run":   run.Log.RunID,
						"event": event,
						"panic": p,
					}).Error("observer panicked")
				}
			}()
			call(observer)
		}()
	}
}
