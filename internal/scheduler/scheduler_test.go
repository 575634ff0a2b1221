package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingJob tracks invocations.
type countingJob struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingJob) run(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func (c *countingJob) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

var base = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func newTestScheduler() *Scheduler {
	s := NewScheduler(time.Minute, nil)
	s.now = func() time.Time { return base }
	return s
}

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler()

	next, err := sched.CalculateNextRun("0 * * * *", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("*/15 * * * *", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("@daily", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("invalid cron", base)
	require.Error(t, err)
}

func TestAdd(t *testing.T) {
	sched := newTestScheduler()
	j := &countingJob{}

	require.NoError(t, sched.Add("refresh", "*/15 * * * *", j.run))

	err := sched.Add("refresh", "*/5 * * * *", j.run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	require.Error(t, sched.Add("bad", "not a cron", j.run))
	require.Error(t, sched.Add("", "* * * * *", j.run))

	jobs := sched.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "refresh", jobs[0].Name)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), jobs[0].NextRunAt)
	assert.True(t, jobs[0].LastRunAt.IsZero())
}

func TestTickRunsDueJobs(t *testing.T) {
	sched := newTestScheduler()
	due := &countingJob{}
	later := &countingJob{}
	require.NoError(t, sched.Add("due", "*/15 * * * *", due.run))
	require.NoError(t, sched.Add("later", "0 * * * *", later.run))

	ctx := context.Background()
	assert.Equal(t, 0, sched.tick(ctx, base.Add(10*time.Minute)))

	ran := sched.tick(ctx, base.Add(15*time.Minute))
	assert.Equal(t, 1, ran)
	assert.Equal(t, 1, due.count())
	assert.Equal(t, 0, later.count())

	jobs := sched.Jobs()
	assert.Equal(t, "success", jobs[0].LastRunStatus)
	assert.Equal(t, base.Add(30*time.Minute), jobs[0].NextRunAt)
}

func TestJobRunFailure(t *testing.T) {
	sched := newTestScheduler()
	j := &countingJob{err: assert.AnError}
	require.NoError(t, sched.Add("flaky", "*/15 * * * *", j.run))

	sched.tick(context.Background(), base.Add(time.Hour))

	jobs := sched.Jobs()
	assert.Equal(t, "error", jobs[0].LastRunStatus)
	assert.True(t, jobs[0].NextRunAt.After(base.Add(time.Hour)))
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	sched := newTestScheduler()
	j := &countingJob{}
	require.NoError(t, sched.Add("refresh", "*/15 * * * *", j.run))
	ctx := context.Background()

	assert.True(t, sched.tryAcquire("refresh"))
	sched.tick(ctx, base.Add(time.Hour))
	assert.Equal(t, 0, j.count())

	err := sched.RunNow(ctx, "refresh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	sched.releaseJob("refresh")
	sched.tick(ctx, base.Add(time.Hour))
	assert.Equal(t, 1, j.count())
}

func TestRunNow(t *testing.T) {
	sched := newTestScheduler()
	j := &countingJob{}
	require.NoError(t, sched.Add("refresh", "0 0 * * *", j.run))

	require.NoError(t, sched.RunNow(context.Background(), "refresh"))
	assert.Equal(t, 1, j.count())
	assert.Equal(t, "success", sched.Jobs()[0].LastRunStatus)

	require.Error(t, sched.RunNow(context.Background(), "missing"))
}

func TestStartStop(t *testing.T) {
	sched := NewScheduler(10*time.Millisecond, nil)
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}
