package runtime

import (
	"context"
	"time"

	"lunchrun/app/core/scheduler"
	"lunchrun/app/pkg/logger"

	"go.uber.org/zap"
)

const (
	JobDispatchDue  = "task-dispatch-due"
	JobRemindDue    = "task-remind-due"
	JobRecoverStale = "task-recover-stale"
)

type TaskJobOptions struct {
	PollInterval   time.Duration
	Timeout        time.Duration
	RecoverEvery   time.Duration
	RemindersOn    bool
	RecoverOnStart bool
}

// TaskRunner is the part of the schedule service driven by background jobs.
type TaskRunner interface {
	DispatchDue(ctx context.Context) (int, error)
	RemindDue(ctx context.Context) (int, error)
	Recover(ctx context.Context) (int, error)
}

func DefaultTaskJobOptions() TaskJobOptions {
	return TaskJobOptions{
		PollInterval:   time.Minute,
		Timeout:        5 * time.Minute,
		RecoverEvery:   10 * time.Minute,
		RemindersOn:    true,
		RecoverOnStart: true,
	}
}

// RegisterTaskJobs adds the due-task poller, the deadline reminder and the
// stale-claim recovery to jobScheduler.
func RegisterTaskJobs(jobScheduler *scheduler.Scheduler, tasks TaskRunner, options TaskJobOptions) error {
	if jobScheduler == nil || tasks == nil {
		return nil
	}
	opts := sanitizeTaskJobOptions(options)

	jobs := []scheduler.JobSpec{
		{
			Name:     JobDispatchDue,
			Interval: opts.PollInterval,
			Timeout:  opts.Timeout,
			Run:      logCount(JobDispatchDue, tasks.DispatchDue),
		},
		{
			Name:       JobRecoverStale,
			Interval:   opts.RecoverEvery,
			Timeout:    opts.Timeout,
			RunOnStart: opts.RecoverOnStart,
			Run:        logCount(JobRecoverStale, tasks.Recover),
		},
	}
	if opts.RemindersOn {
		jobs = append(jobs, scheduler.JobSpec{
			Name:     JobRemindDue,
			Interval: opts.PollInterval,
			Timeout:  opts.Timeout,
			Run:      logCount(JobRemindDue, tasks.RemindDue),
		})
	}
	for _, job := range jobs {
		if err := jobScheduler.Register(job); err != nil {
			return err
		}
	}
	return nil
}

func logCount(name string, run func(context.Context) (int, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := run(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.L().Info("[Runtime] job handled tasks", zap.String("job", name), zap.Int("count", n))
		}
		return nil
	}
}

func sanitizeTaskJobOptions(options TaskJobOptions) TaskJobOptions {
	defaults := DefaultTaskJobOptions()
	if options.PollInterval <= 0 {
		options.PollInterval = defaults.PollInterval
	}
	if options.Timeout <= 0 {
		options.Timeout = defaults.Timeout
	}
	if options.RecoverEvery <= 0 {
		options.RecoverEvery = defaults.RecoverEvery
	}
	return options
}
