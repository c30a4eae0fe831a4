// Package worker runs per-server inference tasks on a bounded pool.
// A polling cycle submits one task per server and waits for all of them
// before the next cycle starts, so cycles never overlap and no two workers
// ever handle the same server at once.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Prometheus metrics
var (
	tasksSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_tasks_submitted_total",
		Help: "Total number of server tasks submitted to the pool",
	})

	tasksProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_tasks_processed_total",
		Help: "Total number of server tasks that completed successfully",
	})

	tasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_tasks_failed_total",
		Help: "Total number of server tasks that returned an error or panicked",
	})

	tasksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_tasks_dropped_total",
		Help: "Total number of server tasks dropped because the pool was stopping",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_worker_queue_depth",
		Help: "Current depth of the worker queue",
	})

	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracker_task_duration_seconds",
		Help:    "Duration of a single server task",
		Buckets: prometheus.DefBuckets,
	})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracker_cycle_duration_seconds",
		Help:    "Duration of a full submit-and-drain cycle",
		Buckets: prometheus.DefBuckets,
	})
)

// Task is one unit of work, usually one server's cycle.
type Task struct {
	Key string
	Run func(ctx context.Context) error
}

type job struct {
	task Task
	done func(error)
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	WorkerCount int
	QueueSize   int
	// TaskTimeout bounds a single task; zero means no limit.
	TaskTimeout time.Duration
	Logger      *zap.Logger
}

// Pool manages a fixed set of workers draining a shared queue.
type Pool struct {
	config   PoolConfig
	jobQueue chan job
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.SugaredLogger
	stopOnce sync.Once
}

// NewPool creates a new worker pool
func NewPool(cfg PoolConfig) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Pool{
		config:   cfg,
		jobQueue: make(chan job, cfg.QueueSize),
		logger:   cfg.Logger.Sugar(),
	}
}

// Start launches the worker goroutines. Tasks inherit ctx's values but not
// its cancellation: in-flight tasks are only canceled by Stop's timeout.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for i := 0; i < p.config.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	go p.reportQueueDepth()

	p.logger.Infow("Worker pool started",
		"workers", p.config.WorkerCount,
		"queueSize", p.config.QueueSize,
		"taskTimeout", p.config.TaskTimeout,
	)
}

// Stop closes the queue and waits up to timeout for in-flight tasks. If they
// do not finish in time their context is canceled and Stop returns false.
func (p *Pool) Stop(timeout time.Duration) bool {
	clean := true
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool...")
		close(p.jobQueue)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			clean = false
			p.logger.Warnw("Worker pool did not drain in time, canceling in-flight tasks",
				"timeout", timeout,
			)
			p.cancel()
			<-done
		}
		p.cancel()
		p.logger.Infow("Worker pool stopped", "clean", clean)
	})
	return clean
}

// Enqueue adds a task to the queue, blocking while the queue is full. It
// returns false if ctx ends or the pool stops first; done is then never called.
func (p *Pool) Enqueue(ctx context.Context, t Task, done func(error)) (ok bool) {
	// Protect against sending on closed channel
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warnw("Failed to enqueue task (pool stopped)", "task", t.Key, "error", r)
			tasksDropped.Inc()
			ok = false
		}
	}()

	select {
	case p.jobQueue <- job{task: t, done: done}:
		tasksSubmitted.Inc()
		return true
	case <-ctx.Done():
		tasksDropped.Inc()
		return false
	case <-p.ctx.Done():
		p.logger.Warnw("Worker pool context canceled, dropping task", "task", t.Key)
		tasksDropped.Inc()
		return false
	}
}

// CycleReport summarizes one RunCycle.
type CycleReport struct {
	Submitted int
	Succeeded int
	Failed    int
	Dropped   int
	Duration  time.Duration
}

// RunCycle submits every task and blocks until all submitted tasks finish.
func (p *Pool) RunCycle(ctx context.Context, tasks []Task) CycleReport {
	start := time.Now()

	var (
		mu     sync.Mutex
		report CycleReport
		wg     sync.WaitGroup
	)
	for _, t := range tasks {
		wg.Add(1)
		queued := p.Enqueue(ctx, t, func(err error) {
			mu.Lock()
			if err != nil {
				report.Failed++
			} else {
				report.Succeeded++
			}
			mu.Unlock()
			wg.Done()
		})
		if !queued {
			wg.Done()
			mu.Lock()
			report.Dropped++
			mu.Unlock()
			continue
		}
		mu.Lock()
		report.Submitted++
		mu.Unlock()
	}
	wg.Wait()

	report.Duration = time.Since(start)
	cycleDuration.Observe(report.Duration.Seconds())
	return report
}

// QueueDepth returns current queue size
func (p *Pool) QueueDepth() int {
	return len(p.jobQueue)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for j := range p.jobQueue {
		start := time.Now()
		err := p.run(j.task)
		taskDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			tasksFailed.Inc()
			p.logger.Errorw("Task failed",
				"worker", id,
				"task", j.task.Key,
				"duration", time.Since(start),
				"error", err,
			)
		} else {
			tasksProcessed.Inc()
		}
		if j.done != nil {
			j.done(err)
		}
	}
}

func (p *Pool) run(t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Key, r)
		}
	}()

	ctx := p.ctx
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}
	return t.Run(ctx)
}

func (p *Pool) reportQueueDepth() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			queueDepth.Set(float64(len(p.jobQueue)))
		case <-p.ctx.Done():
			return
		}
	}
}
