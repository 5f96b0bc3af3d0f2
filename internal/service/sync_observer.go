package service

import (
	"github.com/sirupsen/logrus"
)

// SyncObserver 同步观察者接口
type SyncObserver interface {
	OnSyncStart(run *Run)
	OnSyncComplete(run *Run)
	OnSyncError(run *Run, err error)
}

// LogObserver 把运行事件写入 logrus
type LogObserver struct {
	Logger logrus.FieldLogger
}

func (o *LogObserver) logger() logrus.FieldLogger {
	if o.Logger == nil {
		return logrus.StandardLogger()
	}
	return o.Logger
}

func (o *LogObserver) fields(run *Run) logrus.Fields {
	f := logrus.Fields{
		"job":    run.Job.Name,
		"run":    run.Log.RunID,
		"source": run.Job.SourceServer,
		"target": run.Job.TargetServer + "." + run.Job.TargetTable,
	}
	if run.Log.ScheduleID != nil {
		f["schedule"] = *run.Log.ScheduleID
	}
	return f
}

func (o *LogObserver) OnSyncStart(run *Run) {
	o.logger().WithFields(o.fields(run)).
		WithField("strategy", run.Job.EffectiveStrategy()).
		Info("sync started")
}

func (o *LogObserver) OnSyncComplete(run *Run) {
	o.logger().WithFields(o.fields(run)).WithFields(logrus.Fields{
		"rows":     run.Log.TotalRows,
		"size_mb":  run.Log.TotalSizeMB,
		"duration": run.Log.DurationSeconds,
		"rows_s":   run.Log.RowsPerSecond,
	}).Info("sync completed")
}

func (o *LogObserver) OnSyncError(run *Run, err error) {
	o.logger().WithFields(o.fields(run)).WithError(err).Error("sync failed")
}
