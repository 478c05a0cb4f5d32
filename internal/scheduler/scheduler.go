// Package scheduler runs named periodic jobs. A tick that arrives while the
// previous run of the same job is still executing is skipped.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Func is one run of a job.
type Func func(ctx context.Context) error

type Registry struct {
	mu      sync.Mutex
	jobs    map[string]*job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
	timeout time.Duration
}

type job struct {
	name     string
	interval time.Duration
	fn       Func
	stop     chan struct{}
	// running is shared with any job that replaces this one under the same
	// name, so a rescheduled job never overlaps the run it replaced.
	running *atomic.Bool
	skipped atomic.Int64
}

type JobInfo struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Skipped  int64         `json:"skipped"`
}

// NewRegistry returns an empty registry. timeout bounds each run; zero
// means runs are bounded only by Stop.
func NewRegistry(logger *slog.Logger, timeout time.Duration) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		jobs:    map[string]*job{},
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With("component", "scheduler"),
		timeout: timeout,
	}
}

// Schedule starts name on interval, replacing a job with the same name.
func (r *Registry) Schedule(name string, interval time.Duration, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return
	}
	running := new(atomic.Bool)
	if existing, ok := r.jobs[name]; ok {
		if existing.interval == interval {
			existing.fn = fn
			return
		}
		close(existing.stop)
		running = existing.running
	}
	j := &job{name: name, interval: interval, fn: fn, stop: make(chan struct{}), running: running}
	r.jobs[name] = j
	r.wg.Add(1)
	go r.runTicker(j)
}

func (r *Registry) Unschedule(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[name]; ok {
		close(j.stop)
		delete(r.jobs, name)
	}
}

// Stop cancels every job and waits for running ones to return.
func (r *Registry) Stop() {
	r.cancel()
	r.mu.Lock()
	for _, j := range r.jobs {
		close(j.stop)
	}
	r.jobs = map[string]*job{}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Registry) ListJobs() []JobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := make([]JobInfo, 0, len(r.jobs))
	for name, j := range r.jobs {
		jobs = append(jobs, JobInfo{Name: name, Interval: j.interval, Skipped: j.skipped.Load()})
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Name < jobs[k].Name })
	return jobs
}

// Names returns the scheduled job names matching prefix.
func (r *Registry) Names(prefix string) []string {
	var names []string
	for _, j := range r.ListJobs() {
		if strings.HasPrefix(j.Name, prefix) {
			names = append(names, j.Name)
		}
	}
	return names
}

func (r *Registry) runTicker(j *job) {
	defer r.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !j.running.CompareAndSwap(false, true) {
				j.skipped.Add(1)
				continue
			}
			r.mu.Lock()
			fn := j.fn
			r.mu.Unlock()
			r.wg.Add(1)
			go r.execute(j, fn)
		case <-j.stop:
			return
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Registry) execute(j *job, fn Func) {
	defer r.wg.Done()
	defer j.running.Store(false)
	ctx := r.ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("job panicked", "job", j.name, "panic", p)
		}
	}()
	if err := fn(ctx); err != nil && r.ctx.Err() == nil {
		r.logger.Error("job failed", "job", j.name, "err", err)
	}
}
