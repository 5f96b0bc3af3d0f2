// Package scheduler fires sync jobs from the cron expressions of their
// schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"batchsync/internal/model"
)

// Runner runs the job of a schedule.
type Runner interface {
	RunScheduled(ctx context.Context, scheduleID uint) bool
}

type Store interface {
	ListActiveSchedules(ctx context.Context) ([]model.Schedule, error)
	UpdateScheduleRun(ctx context.Context, id uint, last, next time.Time) error
	UpdateNextRun(ctx context.Context, id uint, next time.Time) error
}

// Scheduler registers one cron entry per active schedule.
type Scheduler struct {
	store  Store
	runner Runner
	loc    *time.Location
	cron   *cron.Cron
	log    *logrus.Entry

	mu      sync.Mutex
	ctx     context.Context
	entries map[uint]cron.EntryID
}

func New(store Store, runner Runner, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	log := logrus.WithField("component", "scheduler")
	cl := cronLogger{log}
	return &Scheduler{
		store:  store,
		runner: runner,
		loc:    loc,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:     log,
		ctx:     context.Background(),
		entries: make(map[uint]cron.EntryID),
	}
}

// Start loads the active schedules and starts firing them. Runs use ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop stops firing and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Reload replaces the registered entries with the store's active schedules.
// Schedules with an invalid expression are skipped.
func (s *Scheduler) Reload(ctx context.Context) error {
	schedules, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}

	now := time.Now().In(s.loc)
	for _, sched := range schedules {
		spec, err := cron.ParseStandard(sched.CronExpression)
		if err != nil {
			s.log.WithFields(logrus.Fields{"schedule": sched.ID, "cron": sched.CronExpression}).
				WithError(err).Warn("invalid cron expression")
			continue
		}
		id := sched.ID
		s.entries[id] = s.cron.Schedule(spec, cron.FuncJob(func() { s.fire(id, spec) }))

		if err := s.store.UpdateNextRun(ctx, id, spec.Next(now)); err != nil {
			s.log.WithField("schedule", id).WithError(err).Warn("record next run")
		}
		s.log.WithFields(logrus.Fields{"schedule": id, "job": sched.Job.Name, "cron": sched.CronExpression}).Info("schedule registered")
	}
	return nil
}

// Len returns the number of registered schedules.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) fire(id uint, spec cron.Schedule) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	started := time.Now().In(s.loc)
	ok := s.runner.RunScheduled(ctx, id)
	next := spec.Next(time.Now().In(s.loc))
	if err := s.store.UpdateScheduleRun(context.WithoutCancel(ctx), id, started, next); err != nil {
		s.log.WithField("schedule", id).WithError(err).Warn("record schedule run")
	}
	s.log.WithFields(logrus.Fields{"schedule": id, "ok": ok, "next": next}).Debug("schedule fired")
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kv(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kv(keysAndValues)).WithError(err).Error(msg)
}

func kv(pairs []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(pairs); i += 2 {
		f[fmt.Sprint(pairs[i])] = pairs[i+1]
	}
	return f
}
