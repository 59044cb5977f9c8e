package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evanharte/playsync/internal/logger"
)

// Executor runs one job to completion. Implementations report per-item
// failures through the job itself; a returned error fails the whole job.
type Executor interface {
	Execute(ctx context.Context, job *Job) error
}

// SchedulePoller is consulted once per loop iteration before the queue is
// drained, giving scheduled syncs a chance to enqueue themselves
type SchedulePoller interface {
	Check(ctx context.Context, now time.Time)
}

const defaultIdleSleep = 2 * time.Second

// Worker drains the queue with exactly one goroutine so jobs never overlap
type Worker struct {
	queue    *Queue
	executor Executor
	poller   SchedulePoller
	idle     time.Duration
	log      *logger.Logger

	startOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewWorker creates a worker over the given queue and executor. poller may
// be nil when no scheduled syncs are wanted.
func NewWorker(q *Queue, executor Executor, poller SchedulePoller) *Worker {
	return &Worker{
		queue:    q,
		executor: executor,
		poller:   poller,
		idle:     defaultIdleSleep,
		log:      logger.Get(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetIdleInterval changes how long the worker sleeps when the queue is
// empty. Must be called before EnsureStarted.
func (w *Worker) SetIdleInterval(d time.Duration) {
	if d > 0 {
		w.idle = d
	}
}

// EnsureStarted launches the worker goroutine. Calling it again is a no-op;
// there is never more than one worker.
func (w *Worker) EnsureStarted(ctx context.Context) {
	w.startOnce.Do(func() {
		go w.run(ctx)
	})
}

// Stop signals the worker to exit after the current job and waits for it
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	w.log.Info("Sync worker started", nil)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Sync worker stopping", map[string]interface{}{"reason": "context cancelled"})
			return
		case <-w.stop:
			w.log.Info("Sync worker stopping", nil)
			return
		default:
		}

		if w.poller != nil {
			w.poller.Check(ctx, time.Now())
		}

		job := w.queue.Pop()
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-time.After(w.idle):
			}
			continue
		}

		w.runJob(ctx, job)
	}
}

// runJob executes one job with a recover boundary so a panicking job fails
// alone and the worker keeps draining the queue
func (w *Worker) runJob(ctx context.Context, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("job panicked: %v", r)
			w.log.Error("Sync job panicked", map[string]interface{}{
				"task_id": job.TaskID,
				"kind":    job.Kind,
				"panic":   fmt.Sprintf("%v", r),
			})
			job.MarkFailed(msg)
		}
	}()

	job.MarkRunning()
	w.log.Info("Sync job started", map[string]interface{}{
		"task_id": job.TaskID,
		"kind":    job.Kind,
		"user_id": job.UserID,
	})

	if err := w.executor.Execute(ctx, job); err != nil {
		w.log.Error("Sync job failed", map[string]interface{}{
			"task_id": job.TaskID,
			"kind":    job.Kind,
			"error":   err.Error(),
		})
		job.MarkFailed(err.Error())
		return
	}

	job.MarkCompleted("sync completed")
	w.log.Info("Sync job completed", map[string]interface{}{
		"task_id":   job.TaskID,
		"kind":      job.Kind,
		"processed": job.Snapshot().Processed,
	})
}
