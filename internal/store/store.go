// Package store persists servers, jobs, schedules and execution logs.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"batchsync/internal/model"
)

var ErrNotFound = errors.New("record not found")

// Store is the job metadata store.
type Store struct {
	db *gorm.DB
}

// Open connects to the metadata database and migrates its schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(logrus.StandardLogger(), logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true, // 使用单数表名
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// 设置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// 内存库每个连接都是独立的库
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	s := New(db)
	if err := s.Migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(
		&model.ServerConfig{},
		&model.SyncJob{},
		&model.Schedule{},
		&model.ExecutionLog{},
		&model.QueryHistory{},
	); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what string, key any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %v: %w", what, key, ErrNotFound)
	}
	return fmt.Errorf("load %s %v: %w", what, key, err)
}

// --- servers ---

func (s *Store) ListServers(ctx context.Context) ([]model.ServerConfig, error) {
	var servers []model.ServerConfig
	if err := s.db.WithContext(ctx).Order("name").Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	return servers, nil
}

func (s *Store) GetServer(ctx context.Context, name string) (*model.ServerConfig, error) {
	var server model.ServerConfig
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&server).Error; err != nil {
		return nil, notFound(err, "server", name)
	}
	return &server, nil
}

// UpsertServer inserts server or updates the one with the same name.
func (s *Store) UpsertServer(ctx context.Context, server *model.ServerConfig) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"type", "host", "port", "database", "user", "password", "updated_at"}),
	}).Create(server).Error
	if err != nil {
		return fmt.Errorf("save server %s: %w", server.Name, err)
	}
	return nil
}

func (s *Store) DeleteServer(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Where("name = ?", name).Delete(&model.ServerConfig{})
	if res.Error != nil {
		return fmt.Errorf("delete server %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("server %s: %w", name, ErrNotFound)
	}
	return nil
}

// --- jobs ---

func (s *Store) CreateJob(ctx context.Context, job *model.SyncJob) error {
	if !job.SyncStrategy.IsValid() && job.SyncStrategy != "" {
		return fmt.Errorf("job %s: unknown sync strategy %q", job.Name, job.SyncStrategy)
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("create job %s: %w", job.Name, err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uint) (*model.SyncJob, error) {
	var job model.SyncJob
	if err := s.db.WithContext(ctx).First(&job, id).Error; err != nil {
		return nil, notFound(err, "job", id)
	}
	return &job, nil
}

func (s *Store) ListJobs(ctx context.Context, activeOnly bool) ([]model.SyncJob, error) {
	var jobs []model.SyncJob
	q := s.db.WithContext(ctx).Order("id")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJob saves every field of job.
func (s *Store) UpdateJob(ctx context.Context, job *model.SyncJob) error {
	if err := s.db.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("update job %d: %w", job.ID, err)
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", id).Delete(&model.Schedule{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&model.SyncJob{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("job %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// --- schedules ---

func (s *Store) CreateSchedule(ctx context.Context, sched *model.Schedule) error {
	if err := s.db.WithContext(ctx).Omit("Job").Create(sched).Error; err != nil {
		return fmt.Errorf("create schedule for job %d: %w", sched.JobID, err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id uint) (*model.Schedule, error) {
	var sched model.Schedule
	if err := s.db.WithContext(ctx).Preload("Job").First(&sched, id).Error; err != nil {
		return nil, notFound(err, "schedule", id)
	}
	return &sched, nil
}

// ListSchedules returns every schedule with its job.
func (s *Store) ListSchedules(ctx context.Context) ([]model.Schedule, error) {
	var schedules []model.Schedule
	if err := s.db.WithContext(ctx).Preload("Job").Order("id").Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return schedules, nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&model.Schedule{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete schedule %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListActiveSchedules returns active schedules whose job is active too.
func (s *Store) ListActiveSchedules(ctx context.Context) ([]model.Schedule, error) {
	var schedules []model.Schedule
	err := s.db.WithContext(ctx).
		Preload("Job").
		Joins("JOIN batch_job ON batch_job.id = batch_schedule.job_id").
		Where("batch_schedule.is_active = ? AND batch_job.is_active = ?", true, true).
		Order("batch_schedule.id").
		Find(&schedules).Error
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return schedules, nil
}

// UpdateScheduleRun records when a schedule last fired and fires next.
func (s *Store) UpdateScheduleRun(ctx context.Context, id uint, last, next time.Time) error {
	err := s.db.WithContext(ctx).Model(&model.Schedule{}).Where("id = ?", id).
		Updates(map[string]any{"last_run": last, "next_run": next}).Error
	if err != nil {
		return fmt.Errorf("update schedule %d: %w", id, err)
	}
	return nil
}

// UpdateNextRun records when a schedule fires next and leaves last_run as
// it is.
func (s *Store) UpdateNextRun(ctx context.Context, id uint, next time.Time) error {
	err := s.db.WithContext(ctx).Model(&model.Schedule{}).Where("id = ?", id).
		Update("next_run", next).Error
	if err != nil {
		return fmt.Errorf("update schedule %d: %w", id, err)
	}
	return nil
}

// --- execution logs ---

// StartRun persists a running log for jobID.
func (s *Store) StartRun(ctx context.Context, jobID uint, scheduleID *uint, started time.Time) (*model.ExecutionLog, error) {
	run := &model.ExecutionLog{
		RunID:      uuid.NewString(),
		JobID:      jobID,
		ScheduleID: scheduleID,
		Status:     model.StatusPending,
		StartedAt:  started,
	}
	if err := run.Status.Transition(model.StatusRunning); err != nil {
		return nil, err
	}
	run.Status = model.StatusRunning
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("start run of job %d: %w", jobID, err)
	}
	return run, nil
}

// FinishRun saves a finished log and, when watermark is set, the job's new
// last sync value in one transaction.
func (s *Store) FinishRun(ctx context.Context, run *model.ExecutionLog, watermark *string) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("finish run %s: %w: status %s", run.RunID, model.ErrInvalidTransition, run.Status)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(run).Error; err != nil {
			return fmt.Errorf("save run %s: %w", run.RunID, err)
		}
		if watermark == nil {
			return nil
		}
		err := tx.Model(&model.SyncJob{}).Where("id = ?", run.JobID).Update("last_sync_value", *watermark).Error
		if err != nil {
			return fmt.Errorf("update watermark of job %d: %w", run.JobID, err)
		}
		return nil
	})
}

// LatestLog returns the newest log of a job, limited to one schedule when
// scheduleID is set.
func (s *Store) LatestLog(ctx context.Context, jobID uint, scheduleID *uint) (*model.ExecutionLog, error) {
	q := s.db.WithContext(ctx).Where("job_id = ?", jobID)
	if scheduleID != nil {
		q = q.Where("schedule_id = ?", *scheduleID)
	}
	var run model.ExecutionLog
	if err := q.Order("started_at DESC").Order("id DESC").First(&run).Error; err != nil {
		return nil, notFound(err, "log of job", jobID)
	}
	return &run, nil
}

// ListLogs pages through logs, newest first. jobID 0 lists every job.
func (s *Store) ListLogs(ctx context.Context, jobID uint, page, size int) ([]model.ExecutionLog, int64, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	q := s.db.WithContext(ctx).Model(&model.ExecutionLog{})
	if jobID != 0 {
		q = q.Where("job_id = ?", jobID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count logs: %w", err)
	}
	var logs []model.ExecutionLog
	err := q.Order("started_at DESC").Order("id DESC").
		Offset((page - 1) * size).Limit(size).
		Find(&logs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list logs: %w", err)
	}
	return logs, total, nil
}

// --- query history ---

func (s *Store) RecordQuery(ctx context.Context, h *model.QueryHistory) error {
	if h.ExecutedAt.IsZero() {
		h.ExecutedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(h).Error; err != nil {
		return fmt.Errorf("record query: %w", err)
	}
	return nil
}

func (s *Store) ListQueries(ctx context.Context, limit int) ([]model.QueryHistory, error) {
	var out []model.QueryHistory
	if err := s.db.WithContext(ctx).Order("executed_at DESC").Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	return out, nil
}
