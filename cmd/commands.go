package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"batchsync/internal/identity"
	"batchsync/internal/model"
	"batchsync/internal/strategy"
)

func runCmd(current func() *app) *cobra.Command {
	var (
		jobIDs   []uint
		all      bool
		parallel int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run jobs once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			ctx := cmd.Context()

			if all {
				jobs, err := a.store.ListJobs(ctx, true)
				if err != nil {
					return err
				}
				jobIDs = jobIDs[:0]
				for _, j := range jobs {
					jobIDs = append(jobIDs, j.ID)
				}
			}
			if len(jobIDs) == 0 {
				return errors.New("no job given: use --job or --all")
			}

			results := make([]bool, len(jobIDs))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(max(parallel, 1))
			for i, id := range jobIDs {
				i, id := i, id
				g.Go(func() error {
					results[i] = a.exec.RunJob(gctx, id)
					return nil
				})
			}
			_ = g.Wait()

			out := cmd.OutOrStdout()
			failed := 0
			for i, ok := range results {
				l, err := a.exec.LatestLog(ctx, jobIDs[i], nil)
				if err != nil {
					fmt.Fprintf(out, "job %d: %v\n", jobIDs[i], err)
					failed++
					continue
				}
				fmt.Fprintf(out, "job %d: %s rows=%d %.2fs %s\n", jobIDs[i], l.Status, l.TotalRows, l.DurationSeconds, l.ErrorMessage)
				if !ok {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d jobs failed", failed, len(jobIDs))
			}
			return nil
		},
	}
	cmd.Flags().UintSliceVarP(&jobIDs, "job", "j", nil, "job id (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "run every active job")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "jobs run at the same time")
	return cmd
}

func logsCmd(current func() *app) *cobra.Command {
	var (
		jobID      uint
		page, size int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List execution logs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, total, err := current().store.ListLogs(cmd.Context(), jobID, page, size)
			if err != nil {
				return err
			}
			table := newTable(cmd.OutOrStdout(), "RUN", "JOB", "SCHEDULE", "STATUS", "ROWS", "MB", "SECONDS", "ROWS/S", "STARTED", "ERROR")
			for _, l := range logs {
				sched := "-"
				if l.ScheduleID != nil {
					sched = cast.ToString(*l.ScheduleID)
				}
				table.Append([]string{
					l.RunID, cast.ToString(l.JobID), sched, string(l.Status), cast.ToString(l.TotalRows),
					fmt.Sprintf("%.3f", l.TotalSizeMB), fmt.Sprintf("%.2f", l.DurationSeconds),
					fmt.Sprintf("%.1f", l.RowsPerSecond), l.StartedAt.Format(time.DateTime), oneLine(l.ErrorMessage),
				})
			}
			table.SetCaption(true, fmt.Sprintf("page %d, %d logs total", page, total))
			table.Render()
			return nil
		},
	}
	cmd.Flags().UintVarP(&jobID, "job", "j", 0, "only logs of this job")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "size", 20, "page size")
	return cmd
}

func jobsCmd(current func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage sync jobs",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := current().store.ListJobs(cmd.Context(), false)
			if err != nil {
				return err
			}
			table := newTable(cmd.OutOrStdout(), "ID", "NAME", "ACTIVE", "STRATEGY", "SOURCE", "TARGET", "WATERMARK")
			for _, j := range jobs {
				table.Append([]string{
					cast.ToString(j.ID), j.Name, cast.ToString(j.IsActive), string(j.EffectiveStrategy()),
					j.SourceServer, j.TargetServer + "." + j.TargetTable, j.LastSyncValue,
				})
			}
			table.Render()
			return nil
		},
	}

	var add jobFlags
	create := &cobra.Command{
		Use:   "add",
		Short: "Create a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			job := &model.SyncJob{IsActive: true, SyncStrategy: model.StrategyFull}
			if err := add.apply(cmd, job); err != nil {
				return err
			}
			for _, f := range []string{"name", "source", "query", "target", "table"} {
				if !cmd.Flags().Changed(f) {
					return fmt.Errorf("--%s is required", f)
				}
			}
			if err := current().store.CreateJob(cmd.Context(), job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d created\n", job.ID)
			return nil
		},
	}
	add.register(create)

	var edit jobFlags
	update := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change the given fields of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			job, err := a.store.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			if err := edit.apply(cmd, job); err != nil {
				return err
			}
			if err := a.store.UpdateJob(cmd.Context(), job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d updated\n", job.ID)
			return nil
		},
	}
	edit.register(update)

	remove := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a job and its schedules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := current().store.DeleteJob(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d deleted\n", id)
			return nil
		},
	}

	cmd.AddCommand(list, create, update, remove)
	return cmd
}

// jobFlags are the editable fields of a job. Only flags given on the
// command line are applied.
type jobFlags struct {
	name, description string
	source, query     string
	target, table     string
	strategy, key     string
	watermark         string
	chunkSize         int
	active            bool
}

func (f *jobFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.name, "name", "", "job name")
	fs.StringVar(&f.description, "description", "", "free text")
	fs.StringVar(&f.source, "source", "", "source server name")
	fs.StringVar(&f.query, "query", "", "source SELECT statement")
	fs.StringVar(&f.target, "target", "", "target server name")
	fs.StringVar(&f.table, "table", "", "target table, optionally schema-qualified")
	fs.StringVar(&f.strategy, "strategy", string(model.StrategyFull), "full, timestamp, sequence or hash")
	fs.StringVar(&f.key, "key", "", "sync key column of timestamp and sequence jobs")
	fs.StringVar(&f.watermark, "watermark", "", "last synced key value")
	fs.IntVar(&f.chunkSize, "chunk-size", 0, "insert batch size, 0 uses the configured default")
	fs.BoolVar(&f.active, "active", true, "whether runs and schedules pick the job up")
}

func (f *jobFlags) apply(cmd *cobra.Command, job *model.SyncJob) error {
	fs := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	set("name", &job.Name, f.name)
	set("description", &job.Description, f.description)
	set("source", &job.SourceServer, f.source)
	set("query", &job.Query, f.query)
	set("target", &job.TargetServer, f.target)
	set("table", &job.TargetTable, f.table)
	set("key", &job.SyncKeyColumn, f.key)
	set("watermark", &job.LastSyncValue, f.watermark)
	if fs.Changed("strategy") {
		s := model.Strategy(strings.ToLower(f.strategy))
		if !s.IsValid() {
			return fmt.Errorf("unknown strategy %q", f.strategy)
		}
		job.SyncStrategy = s
		job.IncrementalSync = s.Incremental()
	}
	if fs.Changed("chunk-size") {
		job.ChunkSize = f.chunkSize
	}
	if fs.Changed("active") {
		job.IsActive = f.active
	}
	if job.TargetTable != "" && !strategy.ValidIdentifier(job.TargetTable) {
		return fmt.Errorf("invalid target table %q", job.TargetTable)
	}
	if job.SyncKeyColumn != "" && !strategy.ValidIdentifier(job.SyncKeyColumn) {
		return fmt.Errorf("invalid sync key column %q", job.SyncKeyColumn)
	}
	watermarked := job.SyncStrategy == model.StrategyTimestamp || job.SyncStrategy == model.StrategySequence
	if job.IncrementalSync && watermarked && job.SyncKeyColumn == "" {
		return fmt.Errorf("--key is required for %s jobs", job.SyncStrategy)
	}
	return nil
}

func schedulesCmd(current func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Manage cron schedules",
	}
	var (
		jobID    uint
		expr     string
		inactive bool
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Schedule a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			if _, err := cron.ParseStandard(expr); err != nil {
				return fmt.Errorf("cron expression %q: %w", expr, err)
			}
			if _, err := a.store.GetJob(cmd.Context(), jobID); err != nil {
				return err
			}
			sched := &model.Schedule{JobID: jobID, CronExpression: expr, IsActive: !inactive}
			if err := a.store.CreateSchedule(cmd.Context(), sched); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schedule %d created\n", sched.ID)
			return nil
		},
	}
	add.Flags().UintVarP(&jobID, "job", "j", 0, "job id")
	add.Flags().StringVar(&expr, "cron", "", "cron expression (5 fields or @every/@hourly...)")
	add.Flags().BoolVar(&inactive, "inactive", false, "create the schedule paused")
	_ = add.MarkFlagRequired("job")
	_ = add.MarkFlagRequired("cron")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List schedules",
			RunE: func(cmd *cobra.Command, args []string) error {
				schedules, err := current().store.ListSchedules(cmd.Context())
				if err != nil {
					return err
				}
				table := newTable(cmd.OutOrStdout(), "ID", "JOB", "CRON", "ACTIVE", "LAST RUN", "NEXT RUN")
				for _, sc := range schedules {
					table.Append([]string{
						cast.ToString(sc.ID), cast.ToString(sc.JobID) + " " + sc.Job.Name, sc.CronExpression,
						cast.ToString(sc.IsActive), formatTime(sc.LastRun), formatTime(sc.NextRun),
					})
				}
				table.Render()
				return nil
			},
		},
		add,
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a schedule",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				if err := current().store.DeleteSchedule(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schedule %d deleted\n", id)
				return nil
			},
		},
	)
	return cmd
}

func auditCmd(current func() *app) *cobra.Command {
	var show int
	cmd := &cobra.Command{
		Use:   "audit <job>",
		Short: "Compare a job's source rows with its target table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			changes, err := current().exec.Audit(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "job %d: added=%d updated=%d deleted=%d\n",
				id, len(changes.Added), len(changes.Updated), len(changes.Deleted))
			if show <= 0 || changes.Empty() {
				return nil
			}

			table := newTable(out, "CHANGE", "HASH", "ROW")
			appendRows := func(kind string, rows [][]any) {
				for i, row := range rows {
					if i >= show {
						break
					}
					table.Append([]string{kind, identity.HashOf(row), oneLine(identity.Render(row[1:]))})
				}
			}
			appendRows("added", changes.Added)
			updated := make([][]any, len(changes.Updated))
			for i, u := range changes.Updated {
				updated[i] = u.New
			}
			appendRows("updated", updated)
			appendRows("deleted", changes.Deleted)
			table.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&show, "rows", 0, "print up to this many rows of each change kind")
	return cmd
}

func parseID(s string) (uint, error) {
	id, err := cast.ToUintE(s)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.DateTime)
}

func serversCmd(current func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage server connections",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List servers",
			RunE: func(cmd *cobra.Command, args []string) error {
				servers, err := current().store.ListServers(cmd.Context())
				if err != nil {
					return err
				}
				table := newTable(cmd.OutOrStdout(), "NAME", "TYPE", "HOST", "PORT", "DATABASE", "USER")
				for _, sv := range servers {
					table.Append([]string{sv.Name, string(sv.Type), sv.Host, cast.ToString(sv.Port), sv.Database, sv.User})
				}
				table.Render()
				return nil
			},
		},
		&cobra.Command{
			Use:   "import",
			Short: "Upsert the servers of the INI mirror into the store",
			RunE: func(cmd *cobra.Command, args []string) error {
				a := current()
				servers, err := a.mirror.Read()
				if err != nil {
					return err
				}
				for i := range servers {
					if err := a.store.UpsertServer(cmd.Context(), &servers[i]); err != nil {
						return err
					}
				}
				logrus.WithFields(logrus.Fields{"servers": len(servers), "file": a.mirror.Path()}).Info("servers imported")
				return nil
			},
		},
		&cobra.Command{
			Use:   "export",
			Short: "Write the store's servers to the INI mirror",
			RunE: func(cmd *cobra.Command, args []string) error {
				a := current()
				servers, err := a.store.ListServers(cmd.Context())
				if err != nil {
					return err
				}
				if err := a.mirror.Write(servers); err != nil {
					return err
				}
				logrus.WithFields(logrus.Fields{"servers": len(servers), "file": a.mirror.Path()}).Info("servers exported")
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Remove a server from the store",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a := current()
				name := args[0]
				jobs, err := a.store.ListJobs(cmd.Context(), false)
				if err != nil {
					return err
				}
				for _, j := range jobs {
					if j.SourceServer == name || j.TargetServer == name {
						return fmt.Errorf("server %s is used by job %d (%s)", name, j.ID, j.Name)
					}
				}
				if err := a.store.DeleteServer(cmd.Context(), name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "server %s deleted\n", name)
				return nil
			},
		},
		&cobra.Command{
			Use:   "test <name>",
			Short: "Check that a server accepts connections",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a := current()
				server, err := a.store.GetServer(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Sync.QueryTimeout)
				defer cancel()
				db, err := a.adapters.Open(ctx, server.Connection())
				if err != nil {
					return err
				}
				defer db.Close()
				if err := db.Ping(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) ok\n", server.Name, db.Family())
				return nil
			},
		},
	)
	return cmd
}

func queryCmd(current func() *app) *cobra.Command {
	var (
		limit   int
		history bool
	)
	cmd := &cobra.Command{
		Use:   "query <server> <sql>",
		Short: "Run an ad-hoc query and record it in the history",
		Args: func(cmd *cobra.Command, args []string) error {
			if history {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			if history {
				return printHistory(cmd, a, limit)
			}
			name, query := args[0], args[1]
			server, err := a.store.GetServer(cmd.Context(), name)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Sync.QueryTimeout)
			defer cancel()
			entry := &model.QueryHistory{ServerName: name, Query: query, Status: "success"}
			started := time.Now()

			db, err := a.adapters.Open(ctx, server.Connection())
			if err == nil {
				defer db.Close()
				result, qerr := db.Query(ctx, query)
				if qerr == nil {
					entry.ResultCount = len(result.Rows)
					printRows(cmd.OutOrStdout(), result.Columns, result.Rows, limit)
				}
				err = qerr
			}
			entry.ExecutionTime = time.Since(started).Seconds()
			entry.ExecutedAt = started
			if err != nil {
				entry.Status = "failed"
				entry.ErrorMessage = err.Error()
			}
			if rerr := a.store.RecordQuery(context.WithoutCancel(ctx), entry); rerr != nil {
				logrus.WithError(rerr).Warn("record query history")
			}
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "rows printed")
	cmd.Flags().BoolVar(&history, "history", false, "list recent ad-hoc queries instead of running one")
	return cmd
}

func printHistory(cmd *cobra.Command, a *app, limit int) error {
	entries, err := a.store.ListQueries(cmd.Context(), limit)
	if err != nil {
		return err
	}
	table := newTable(cmd.OutOrStdout(), "ID", "SERVER", "STATUS", "ROWS", "SECONDS", "EXECUTED", "QUERY", "ERROR")
	for _, h := range entries {
		table.Append([]string{
			cast.ToString(h.ID), h.ServerName, h.Status, cast.ToString(h.ResultCount),
			fmt.Sprintf("%.3f", h.ExecutionTime), h.ExecutedAt.Format(time.DateTime),
			oneLine(h.Query), oneLine(h.ErrorMessage),
		})
	}
	table.Render()
	return nil
}

func printRows(w io.Writer, columns []string, rows [][]any, limit int) {
	table := newTable(w, columns...)
	for i, row := range rows {
		if limit > 0 && i >= limit {
			break
		}
		cells := make([]string, len(row))
		for j, v := range row {
			if v == nil {
				cells[j] = "NULL"
				continue
			}
			cells[j] = oneLine(cast.ToString(v))
		}
		table.Append(cells)
	}
	if limit > 0 && len(rows) > limit {
		table.SetCaption(true, fmt.Sprintf("%d of %d rows", limit, len(rows)))
	}
	table.Render()
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	return table
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
