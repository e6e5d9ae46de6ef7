package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedules cron 表达式（5 段或 @hourly 等描述符），空字符串表示不调度该任务
type Schedules struct {
	Expiry    string
	Reminders string
	Retention string
	Webhooks  string
}

// DefaultSchedules 默认调度
func DefaultSchedules() Schedules {
	return Schedules{
		Expiry:    "0 * * * *",
		Reminders: "0 9 * * *",
		Retention: "30 3 * * 0",
		Webhooks:  "*/15 * * * *",
	}
}

func (s Schedules) byJob() map[string]string {
	return map[string]string{
		JobExpiry:    s.Expiry,
		JobReminders: s.Reminders,
		JobRetention: s.Retention,
		JobWebhooks:  s.Webhooks,
	}
}

// Scheduler runs the sweeper jobs on their cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	run    func(ctx context.Context, job string, now time.Time) error
	logger *slog.Logger
	now    func() time.Time

	// 所有任务的父 context，Run 退出时取消
	base   context.Context
	cancel context.CancelFunc
}

// NewScheduler registers every job with a non-empty schedule.
func NewScheduler(sw *Sweeper, schedules Schedules, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	base, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		run: func(ctx context.Context, job string, now time.Time) error {
			_, err := sw.Run(ctx, job, now)
			return err
		},
		logger: logger,
		now:    time.Now,
		base:   base,
		cancel: cancel,
	}

	for job, spec := range schedules.byJob() {
		if spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(spec, func() { s.runJob(job) }); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid schedule %q for job %s: %w", spec, job, err)
		}
		logger.Info("sweep job scheduled", "job", job, "schedule", spec)
	}
	return s, nil
}

func (s *Scheduler) runJob(job string) {
	// 每次任务单独限时，避免卡住后续调度
	ctx, cancel := context.WithTimeout(s.base, 10*time.Minute)
	defer cancel()
	if err := s.run(ctx, job, s.now()); err != nil {
		s.logger.Error("scheduled sweep failed", "job", job, "error", err)
	}
}

// Run starts the scheduler and blocks until ctx is done, then cancels running jobs and waits for them.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("⏱️ scheduler started", "entries", len(s.cron.Entries()))
	<-ctx.Done()
	stopped := s.cron.Stop()
	s.cancel()
	<-stopped.Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
