package queue

import "sync"

// Queue is a FIFO of pending jobs plus a lookup table of every job ever
// enqueued, so status stays queryable after completion
type Queue struct {
	mu      sync.Mutex
	pending []*Job
	jobs    map[string]*Job
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{jobs: make(map[string]*Job)}
}

// Enqueue appends a job to the tail of the queue
func (q *Queue) Enqueue(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, job)
	q.jobs[job.TaskID] = job
}

// Pop removes and returns the oldest pending job, or nil when the queue is
// empty
func (q *Queue) Pop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	return job
}

// Get returns the job with the given task ID, or nil when unknown
func (q *Queue) Get(taskID string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs[taskID]
}

// Len returns the number of pending jobs
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
