package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"lunchrun/app/core/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingRunner struct {
	dispatched atomic.Int32
	reminded   atomic.Int32
	recovered  atomic.Int32
	err        error
}

func (r *countingRunner) DispatchDue(context.Context) (int, error) {
	r.dispatched.Add(1)
	return 1, r.err
}

func (r *countingRunner) RemindDue(context.Context) (int, error) {
	r.reminded.Add(1)
	return 0, nil
}

func (r *countingRunner) Recover(context.Context) (int, error) {
	r.recovered.Add(1)
	return 2, nil
}

func jobNames(s *scheduler.Scheduler) []string {
	var names []string
	for _, st := range s.Snapshot() {
		names = append(names, st.Name)
	}
	return names
}

func TestRegisterTaskJobs(t *testing.T) {
	s := scheduler.New()
	require.NoError(t, RegisterTaskJobs(s, &countingRunner{}, TaskJobOptions{RemindersOn: true}))
	assert.Equal(t, []string{JobDispatchDue, JobRecoverStale, JobRemindDue}, jobNames(s))

	withoutReminders := scheduler.New()
	require.NoError(t, RegisterTaskJobs(withoutReminders, &countingRunner{}, TaskJobOptions{}))
	assert.Equal(t, []string{JobDispatchDue, JobRecoverStale}, jobNames(withoutReminders))

	assert.NoError(t, RegisterTaskJobs(nil, &countingRunner{}, TaskJobOptions{}))
	assert.NoError(t, RegisterTaskJobs(scheduler.New(), nil, TaskJobOptions{}))
}

func TestRegisterTaskJobsTwiceFails(t *testing.T) {
	s := scheduler.New()
	require.NoError(t, RegisterTaskJobs(s, &countingRunner{}, TaskJobOptions{}))
	err := RegisterTaskJobs(s, &countingRunner{}, TaskJobOptions{})
	assert.ErrorIs(t, err, scheduler.ErrJobExists)
}

func TestRecoveryRunsOnStart(t *testing.T) {
	runner := &countingRunner{}
	s := scheduler.New()
	require.NoError(t, RegisterTaskJobs(s, runner, TaskJobOptions{
		PollInterval:   time.Hour,
		RecoverEvery:   time.Hour,
		RecoverOnStart: true,
	}))
	require.NoError(t, s.Start(context.Background()))
	defer func() { require.NoError(t, s.Stop(time.Second)) }()

	require.Eventually(t, func() bool { return runner.recovered.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), runner.dispatched.Load())
}

func TestLogCountPropagatesErrors(t *testing.T) {
	runner := &countingRunner{err: errors.New("database is locked")}
	err := logCount(JobDispatchDue, runner.DispatchDue)(context.Background())
	assert.EqualError(t, err, "database is locked")
	assert.NoError(t, logCount(JobRecoverStale, runner.Recover)(context.Background()))
}
