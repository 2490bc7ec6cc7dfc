package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name string
	runs atomic.Int32
	err  error
	fn   func(ctx context.Context)
}

func (j *countingJob) Name() string        { return j.name }
func (j *countingJob) Description() string { return "test job" }
func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.fn != nil {
		j.fn(ctx)
	}
	return j.err
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := NewScheduler(SchedulerConfig{StopTimeout: 2 * time.Second})
	require.NoError(t, err)
	return s
}

func TestRegister_Validation(t *testing.T) {
	s := newTestScheduler(t)

	assert.ErrorIs(t, s.Register(nil, Every(time.Minute)), ErrNilJob)
	assert.ErrorIs(t, s.Register(&countingJob{name: "a"}, Schedule{}), ErrInvalidSchedule)
	assert.ErrorIs(t, s.Register(&countingJob{name: "a"}, Schedule{Interval: time.Minute, Cron: "* * * * *"}), ErrInvalidSchedule)

	require.NoError(t, s.Register(&countingJob{name: "a"}, Every(time.Minute)))
	assert.ErrorIs(t, s.Register(&countingJob{name: "a"}, Every(time.Hour)), ErrJobAlreadyExists)
}

func TestRegister_BadCronExpression(t *testing.T) {
	s := newTestScheduler(t)
	assert.Error(t, s.Register(&countingJob{name: "a"}, Cron("not a cron")))
}

func TestRunNow_RecordsResult(t *testing.T) {
	s := newTestScheduler(t)
	failing := &countingJob{name: "failing", err: errors.New("boom")}
	require.NoError(t, s.Register(failing, Every(time.Hour)))
	before := testutil.ToFloat64(jobRuns.WithLabelValues("failing", "error"))

	result, err := s.RunNow("failing")
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.Manual)
	assert.Equal(t, before+1, testutil.ToFloat64(jobRuns.WithLabelValues("failing", "error")))

	last, ok := s.LastResult("failing")
	require.True(t, ok)
	assert.EqualError(t, last.Error, "boom")

	info := s.Jobs()
	require.Len(t, info, 1)
	assert.Equal(t, int64(1), info[0].RunCount)
	assert.Equal(t, int64(1), info[0].FailCount)

	_, err = s.RunNow("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRunNow_RecoversPanics(t *testing.T) {
	s := newTestScheduler(t)
	job := &countingJob{name: "panics", fn: func(context.Context) { panic("bad") }}
	require.NoError(t, s.Register(job, Every(time.Hour)))

	_, err := s.RunNow("panics")
	assert.ErrorContains(t, err, "panicked")
}

func TestStart_RunsImmediatelyAndStopCancels(t *testing.T) {
	s := newTestScheduler(t)
	cancelled := make(chan struct{})
	job := &countingJob{name: "sweep", fn: func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	}}
	require.NoError(t, s.Register(job, Schedule{Interval: time.Hour, Immediately: true}))

	var completed atomic.Int32
	s.OnJobComplete(func(JobResult) { completed.Add(1) })

	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrSchedulerAlreadyRunning)
	require.Eventually(t, func() bool { return job.runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("job context was not cancelled")
	}
	assert.False(t, s.IsRunning())
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
	assert.ErrorIs(t, s.Start(), ErrSchedulerStopped)
	assert.Eventually(t, func() bool { return completed.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHistory_IsBounded(t *testing.T) {
	s, err := NewScheduler(SchedulerConfig{MaxHistorySize: 2})
	require.NoError(t, err)
	require.NoError(t, s.Register(&countingJob{name: "a"}, Every(time.Hour)))

	for i := 0; i < 4; i++ {
		_, err := s.RunNow("a")
		require.NoError(t, err)
	}
	assert.Len(t, s.History(), 2)
}

func TestSchedule_String(t *testing.T) {
	assert.Equal(t, "every 1h0m0s (run on start)", Schedule{Interval: time.Hour, Immediately: true}.String())
	assert.Equal(t, "0 3 * * *", Cron("0 3 * * *").String())
}
