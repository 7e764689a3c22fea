// Package workers provides the bounded worker pools the webhook
// handler and the signal router enqueue onto: a fixed number of
// goroutines pull tasks off a fixed-size channel, so a burst of traffic
// backs up behind a bounded queue and then sheds load by rejecting new
// work, rather than spawning unbounded goroutines per request. Grounded
// on internal/scheduler's goroutine-ownership style — a pool's workers are
// spawned through the same Spawn handle so they're cancelled together
// with every other background task on shutdown.
package workers

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Status is a snapshot of a pool's counters, for the monitoring endpoints.
type Status struct {
	Queued    int64
	Running   int64
	Completed int64
	Dropped   int64
	Failed    int64
}

// Pool runs up to Workers goroutines pulling from a channel of capacity
// QueueSize. Submit never blocks: a full queue drops the task and counts
// it rather than applying backpressure to the caller. SubmitWait instead
// blocks up to a deadline, for callers that can tolerate a short wait in
// exchange for not shedding load on a brief burst.
type Pool struct {
	name    string
	queue   chan func(ctx context.Context)
	log     zerolog.Logger
	running int64
	done    int64
	dropped int64
	failed  int64
}

// New builds a Pool and returns it unstarted; call Spawn (via the
// scheduler) with pool.Run to start its workers.
func New(name string, workers, queueSize int, log zerolog.Logger) *Pool {
	return &Pool{
		name:  name,
		queue: make(chan func(ctx context.Context), queueSize),
		log:   log.With().Str("component", "workers").Str("pool", name).Logger(),
	}
}

// Submit enqueues task, reporting false (and incrementing Dropped)
// when the queue is full.
func (p *Pool) Submit(task func(ctx context.Context)) bool {
	select {
	case p.queue <- task:
		return true
	default:
		atomic.AddInt64(&p.dropped, 1)
		p.log.Warn().Msg("queue full, task dropped")
		return false
	}
}

// SubmitWait enqueues task, blocking up to deadline for room in the queue
// before giving up. ExecPool.Enqueue uses this instead of Submit: a task
// that finds no queue room within the deadline (IngestEnqueueDeadline,
// ~500ms) is dropped, counted and logged, but a brief queue-full burst
// that clears within the deadline is absorbed instead of shedding load it
// didn't need to shed.
func (p *Pool) SubmitWait(ctx context.Context, task func(ctx context.Context), deadline time.Duration) bool {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case p.queue <- task:
		return true
	default:
	}

	select {
	case p.queue <- task:
		return true
	case <-timer.C:
		atomic.AddInt64(&p.dropped, 1)
		p.log.Warn().Msg("queue full past enqueue deadline, task dropped")
		return false
	case <-ctx.Done():
		atomic.AddInt64(&p.dropped, 1)
		return false
	}
}

// Run starts workerCount goroutines draining the queue until ctx is
// cancelled; call via scheduler.Spawn so Stop waits for in-flight tasks
// to finish before the process exits.
func (p *Pool) Run(ctx context.Context, workerCount int) {
	done := make(chan struct{})
	for i := 0; i < workerCount; i++ {
		go p.worker(ctx, done)
	}
	for i := 0; i < workerCount; i++ {
		<-done
	}
}

func (p *Pool) worker(ctx context.Context, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.runTask(ctx, task)
		}
	}
}

// runTask recovers a panicking task so one bad task never kills a worker
// goroutine and starves the rest of the pool.
func (p *Pool) runTask(ctx context.Context, task func(ctx context.Context)) {
	atomic.AddInt64(&p.running, 1)
	defer atomic.AddInt64(&p.running, -1)
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.failed, 1)
			p.log.Error().Interface("panic", r).Msg("task panicked")
		}
	}()
	task(ctx)
	atomic.AddInt64(&p.done, 1)
}

func (p *Pool) Status() Status {
	return Status{
		Queued:    int64(len(p.queue)),
		Running:   atomic.LoadInt64(&p.running),
		Completed: atomic.LoadInt64(&p.done),
		Dropped:   atomic.LoadInt64(&p.dropped),
		Failed:    atomic.LoadInt64(&p.failed),
	}
}
