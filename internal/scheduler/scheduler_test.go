package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"opsgate/internal/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestScheduleRunsRepeatedly(t *testing.T) {
	r := NewRegistry(logging.Discard(), 0)
	defer r.Stop()

	var runs atomic.Int32
	r.Schedule("tick", 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestNoOverlap(t *testing.T) {
	r := NewRegistry(logging.Discard(), 0)

	var active, maxActive, runs atomic.Int32
	release := make(chan struct{})
	r.Schedule("slow", 2*time.Millisecond, func(ctx context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		runs.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	assert.Eventually(t, func() bool {
		jobs := r.ListJobs()
		return len(jobs) == 1 && jobs[0].Skipped >= 3
	}, time.Second, time.Millisecond)
	close(release)
	r.Stop()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Positive(t, runs.Load())
}

func TestRescheduledJobWaitsForPreviousRun(t *testing.T) {
	r := NewRegistry(logging.Discard(), 0)

	var active, maxActive, runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	slow := func(ctx context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		runs.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	r.Schedule("correlate:acme", 2*time.Millisecond, slow)
	<-started

	r.Schedule("correlate:acme", 3*time.Millisecond, slow)
	assert.Eventually(t, func() bool {
		jobs := r.ListJobs()
		return len(jobs) == 1 && jobs[0].Skipped >= 3
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	close(release)
	r.Stop()
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestUnscheduleAndReplace(t *testing.T) {
	r := NewRegistry(logging.Discard(), 0)
	defer r.Stop()

	r.Schedule("correlate:acme", time.Hour, func(context.Context) error { return nil })
	r.Schedule("decide:acme", time.Hour, func(context.Context) error { return nil })
	r.Schedule("correlate:globex", time.Hour, func(context.Context) error { return nil })
	assert.Equal(t, []string{"correlate:acme", "correlate:globex"}, r.Names("correlate:"))

	r.Schedule("correlate:acme", time.Minute, func(context.Context) error { return nil })
	assert.Len(t, r.ListJobs(), 3)

	r.Unschedule("correlate:acme")
	r.Unschedule("missing")
	assert.Equal(t, []string{"correlate:globex"}, r.Names("correlate:"))
}

func TestStopWaitsForRunningJob(t *testing.T) {
	r := NewRegistry(logging.Discard(), 0)

	started := make(chan struct{}, 1)
	var finished atomic.Bool
	r.Schedule("long", time.Millisecond, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	})
	<-started
	r.Stop()
	assert.True(t, finished.Load())

	// Scheduling after Stop is a no-op.
	r.Schedule("late", time.Millisecond, func(context.Context) error { return nil })
	assert.Empty(t, r.ListJobs())
}

func TestFailingAndPanickingJobsKeepRunning(t *testing.T) {
	r := NewRegistry(logging.Discard(), 50*time.Millisecond)
	defer r.Stop()

	var runs atomic.Int32
	r.Schedule("flaky", 2*time.Millisecond, func(context.Context) error {
		if runs.Add(1)%2 == 0 {
			panic("boom")
		}
		return errors.New("transient")
	})
	assert.Eventually(t, func() bool { return runs.Load() >= 4 }, time.Second, time.Millisecond)
}
