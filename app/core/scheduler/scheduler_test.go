package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func countingJob(name string, every time.Duration, n *atomic.Int32) JobSpec {
	return JobSpec{
		Name:     name,
		Interval: every,
		Run: func(context.Context) error {
			n.Add(1)
			return nil
		},
	}
}

func statusOf(t *testing.T, s *Scheduler, name string) JobStatus {
	t.Helper()
	for _, st := range s.Snapshot() {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("job %s not registered", name)
	return JobStatus{}
}

func TestSafeRun(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, safeRun(ctx, func(context.Context) error { return nil }))

	locked := errors.New("database is locked")
	assert.ErrorIs(t, safeRun(ctx, func(context.Context) error { return locked }), locked)

	var err error
	require.NotPanics(t, func() {
		err = safeRun(ctx, func(context.Context) error {
			var tasks map[string]int
			tasks["agg-1"]++
			return nil
		})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job panic")
}

func TestRegisterRejectsInvalidJobs(t *testing.T) {
	noop := func(context.Context) error { return nil }
	cases := []struct {
		name string
		job  JobSpec
	}{
		{name: "missing name", job: JobSpec{Interval: time.Minute, Run: noop}},
		{name: "zero interval", job: JobSpec{Name: "task-dispatch-due", Run: noop}},
		{name: "missing run", job: JobSpec{Name: "task-dispatch-due", Interval: time.Minute}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, New().Register(tc.job))
		})
	}

	s := New()
	job := JobSpec{Name: "task-dispatch-due", Interval: time.Minute, Run: noop}
	require.NoError(t, s.Register(job))
	assert.ErrorIs(t, s.Register(job), ErrJobExists)
	assert.ErrorIs(t, s.Unregister("task-remind-due"), ErrJobNotFound)
}

func TestRecoveryRunsBeforeFirstPoll(t *testing.T) {
	var dispatched, recovered atomic.Int32
	recoverJob := countingJob("task-recover-stale", time.Hour, &recovered)
	recoverJob.RunOnStart = true

	s := New()
	require.NoError(t, s.Register(countingJob("task-dispatch-due", time.Hour, &dispatched)))
	require.NoError(t, s.Register(recoverJob))
	require.NoError(t, s.Start(context.Background()))
	defer func() { require.NoError(t, s.Stop(time.Second)) }()

	require.Eventually(t, func() bool { return recovered.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), dispatched.Load(), "the poller waits for its first tick")
	assert.Zero(t, statusOf(t, s, "task-dispatch-due").Runs)
}

func TestDispatchAndRemindRunEveryInterval(t *testing.T) {
	var dispatched, reminded atomic.Int32
	s := New()
	require.NoError(t, s.Register(countingJob("task-dispatch-due", 10*time.Millisecond, &dispatched)))
	require.NoError(t, s.Register(countingJob("task-remind-due", 10*time.Millisecond, &reminded)))
	require.NoError(t, s.Start(context.Background()))
	defer func() { require.NoError(t, s.Stop(time.Second)) }()

	require.Eventually(t, func() bool {
		return dispatched.Load() >= 3 && reminded.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	st := statusOf(t, s, "task-dispatch-due")
	assert.GreaterOrEqual(t, st.Runs, int64(3))
	assert.Zero(t, st.Failures)
	assert.False(t, st.LastStartAt.IsZero())
	assert.False(t, st.LastEndAt.IsZero())
}

func TestFailuresCountErrorsAndPanics(t *testing.T) {
	var calls atomic.Int32
	s := New()
	require.NoError(t, s.Register(JobSpec{
		Name:       "task-dispatch-due",
		Interval:   5 * time.Millisecond,
		RunOnStart: true,
		Run: func(context.Context) error {
			switch calls.Add(1) {
			case 1:
				return errors.New("notify: push rejected")
			case 2:
				panic("nil task row")
			}
			return nil
		},
	}))
	require.NoError(t, s.Start(context.Background()))
	defer func() { require.NoError(t, s.Stop(time.Second)) }()

	require.Eventually(t, func() bool {
		return statusOf(t, s, "task-dispatch-due").Runs >= 3
	}, 2*time.Second, 5*time.Millisecond)

	st := statusOf(t, s, "task-dispatch-due")
	assert.Equal(t, int64(2), st.Failures, "one error and one panic")
	assert.Empty(t, st.LastError, "a clean run clears the last error")
}

func TestPanicIsReportedAsLastError(t *testing.T) {
	s := New()
	require.NoError(t, s.Register(JobSpec{
		Name:       "task-remind-due",
		Interval:   time.Hour,
		RunOnStart: true,
		Run:        func(context.Context) error { panic("reminder template missing") },
	}))
	require.NoError(t, s.Start(context.Background()))
	defer func() { require.NoError(t, s.Stop(time.Second)) }()

	require.Eventually(t, func() bool {
		return statusOf(t, s, "task-remind-due").Failures == 1
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, statusOf(t, s, "task-remind-due").LastError, "reminder template missing")
	assert.True(t, s.Health().Started, "a panicking job does not stop the scheduler")
}

func TestJobTimeoutCancelsDispatch(t *testing.T) {
	cancelled := make(chan error, 1)
	s := New()
	require.NoError(t, s.Register(JobSpec{
		Name:       "task-dispatch-due",
		Interval:   time.Hour,
		Timeout:    20 * time.Millisecond,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			cancelled <- ctx.Err()
			return ctx.Err()
		},
	}))
	require.NoError(t, s.Start(context.Background()))
	defer func() { require.NoError(t, s.Stop(time.Second)) }()

	select {
	case err := <-cancelled:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("claim lease did not cancel the dispatch")
	}
}

func TestStopReportsStuckJob(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s := New()
	require.NoError(t, s.Register(JobSpec{
		Name:       "task-dispatch-due",
		Interval:   time.Hour,
		RunOnStart: true,
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	}))
	require.NoError(t, s.Start(context.Background()))
	<-started

	err := s.Stop(20 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop timeout")
	assert.False(t, s.Health().Started)

	close(release)
	s.wg.Wait()
}

func TestRegisterAfterStartAndUnregister(t *testing.T) {
	s := New()
	require.NoError(t, s.Start(context.Background()))
	defer func() { require.NoError(t, s.Stop(time.Second)) }()

	var reminded atomic.Int32
	job := countingJob("task-remind-due", 5*time.Millisecond, &reminded)
	job.RunOnStart = true
	require.NoError(t, s.Register(job))
	require.Eventually(t, func() bool { return reminded.Load() > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Health().RunningJobs)

	require.NoError(t, s.Unregister("task-remind-due"))
	assert.Empty(t, s.Snapshot())
	assert.Equal(t, 0, s.Health().RunningJobs)

	// Allow an in-flight tick to finish before sampling.
	time.Sleep(20 * time.Millisecond)
	after := reminded.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, reminded.Load())
}

func TestHealthFollowsLifecycle(t *testing.T) {
	var dispatched atomic.Int32
	s := New()
	require.NoError(t, s.Register(countingJob("task-dispatch-due", time.Hour, &dispatched)))

	pre := s.Health()
	assert.False(t, pre.Started)
	assert.Equal(t, 1, pre.RegisteredJobs)
	assert.Zero(t, pre.RunningJobs)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerStart)
	post := s.Health()
	assert.True(t, post.Started)
	assert.False(t, post.StartedAt.IsZero())
	assert.Equal(t, 1, post.RunningJobs)

	require.NoError(t, s.Stop(time.Second))
	assert.Equal(t, Health{RegisteredJobs: 1}, s.Health())
	assert.NoError(t, s.Stop(time.Second), "stopping twice is a no-op")
}
