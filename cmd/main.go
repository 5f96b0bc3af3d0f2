package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"batchsync/internal/adapter"
	"batchsync/internal/config"
	"batchsync/internal/scheduler"
	"batchsync/internal/service"
	"batchsync/internal/store"
)

// app holds everything a command needs. It is built once per process.
type app struct {
	cfg      *config.Config
	store    *store.Store
	mirror   *config.Mirror
	adapters adapter.Opener
	exec     *service.BatchExecutor
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	cfg.SetupLogging()

	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		store:    st,
		mirror:   config.NewMirror(cfg.Mirror.Path),
		adapters: adapter.NewFactory(),
	}
	a.exec = service.NewBatchExecutor(st, a.mirror, a.adapters, cfg.Sync)
	a.exec.RegisterObserver(&service.LogObserver{})
	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

func main() {
	var (
		configPath string
		a          *app
	)

	root := &cobra.Command{
		Use:           "batchsync",
		Short:         "Copy query results between heterogeneous databases",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			a, err = newApp(configPath)
			return err
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml)")

	appFn := func() *app { return a }
	root.AddCommand(
		serveCmd(appFn),
		runCmd(appFn),
		logsCmd(appFn),
		jobsCmd(appFn),
		schedulesCmd(appFn),
		serversCmd(appFn),
		queryCmd(appFn),
		auditCmd(appFn),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := root.ExecuteContext(ctx)
	if a != nil {
		a.Close()
	}
	if err != nil {
		logrus.WithError(err).Error("batchsync")
		os.Exit(1)
	}
}

func serveCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			ctx := cmd.Context()
			if !a.cfg.Scheduler.Enabled {
				return fmt.Errorf("scheduler is disabled in config")
			}

			sched := scheduler.New(a.store, a.exec, a.cfg.Location())
			if err := sched.Start(ctx); err != nil {
				return err
			}
			logrus.WithField("schedules", sched.Len()).Info("batchsync 启动成功")

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			for {
				select {
				case <-ctx.Done():
					logrus.Info("stopping scheduler")
					sched.Stop()
					return nil
				case <-hup:
					if err := sched.Reload(ctx); err != nil {
						logrus.WithError(err).Error("reload schedules")
						continue
					}
					logrus.WithField("schedules", sched.Len()).Info("schedules reloaded")
				}
			}
		},
	}
}
