// Package queue provides the in-memory FIFO job queue and the single worker
// that drains it.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job kinds
const (
	KindListen    = "listen"    // reconcile listening sessions
	KindItem      = "item"      // sync a single item
	KindFull      = "full"      // sync every known item
	KindComposite = "composite" // listen pass followed by a full pass
)

// Job statuses. Transitions only move forward: started, running, then a
// terminal completed or failed.
const (
	StatusStarted   = "started"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const maxActivityEntries = 50

// Job is one unit of queued sync work. All mutation goes through methods
// holding the job's own mutex; the worker and status readers share it.
type Job struct {
	mu sync.Mutex

	TaskID   string
	Kind     string
	UserID   string
	ItemID   string
	ItemRefs []string

	// Composite-only overrides forcing one half of the pair
	ForceCatalog   bool
	ForceListening bool

	// Listening cursor captured at enqueue time. Runs that advance the
	// persisted last-run marker cannot narrow a job already queued.
	UpdatedAfter *time.Time

	Status    string
	Message   string
	Processed int
	Total     int
	Unmatched int
	Activity  []string
	Errors    []string
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

// NewJob creates a queued job of the given kind for a user
func NewJob(kind, userID string) *Job {
	return &Job{
		TaskID:    uuid.New().String(),
		Kind:      kind,
		UserID:    userID,
		Status:    StatusStarted,
		CreatedAt: time.Now(),
	}
}

// NewItemJob creates a queued single-item job
func NewItemJob(userID, itemID string) *Job {
	j := NewJob(KindItem, userID)
	j.ItemID = itemID
	return j
}

// MarkRunning transitions the job to running. A job already past running is
// left alone.
func (j *Job) MarkRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status != StatusStarted {
		return
	}
	j.Status = StatusRunning
	now := time.Now()
	j.StartedAt = &now
}

// MarkCompleted transitions the job to its terminal completed state
func (j *Job) MarkCompleted(message string) {
	j.finish(StatusCompleted, message)
}

// MarkFailed transitions the job to its terminal failed state
func (j *Job) MarkFailed(message string) {
	j.finish(StatusFailed, message)
}

func (j *Job) finish(status, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status == StatusCompleted || j.Status == StatusFailed {
		return
	}
	j.Status = status
	j.Message = message
	now := time.Now()
	j.EndedAt = &now
}

// SetTotal records how many units of work the job covers
func (j *Job) SetTotal(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Total = n
}

// Step advances the processed counter and records an activity line
func (j *Job) Step(activity string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Processed++
	j.appendActivityLocked(activity)
}

// AddActivity records an activity line without advancing the counter
func (j *Job) AddActivity(activity string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.appendActivityLocked(activity)
}

func (j *Job) appendActivityLocked(activity string) {
	if activity == "" {
		return
	}
	j.Activity = append(j.Activity, activity)
	if len(j.Activity) > maxActivityEntries {
		j.Activity = j.Activity[len(j.Activity)-maxActivityEntries:]
	}
}

// AddUnmatched counts an item that could not be mapped to a catalog book
func (j *Job) AddUnmatched() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Unmatched++
}

// AddError records a non-fatal per-item error
func (j *Job) AddError(err string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Errors = append(j.Errors, err)
}

// Snapshot is a point-in-time copy of a job's state, safe to hand to
// callers while the worker keeps mutating the job
type Snapshot struct {
	TaskID    string     `json:"task_id"`
	Kind      string     `json:"kind"`
	UserID    string     `json:"user_id,omitempty"`
	ItemID    string     `json:"item_id,omitempty"`
	Status    string     `json:"status"`
	Message   string     `json:"message,omitempty"`
	Processed int        `json:"processed"`
	Total     int        `json:"total"`
	Unmatched int        `json:"unmatched,omitempty"`
	Activity  []string   `json:"activity,omitempty"`
	Errors    []string   `json:"errors,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Snapshot copies the job's current state
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap := Snapshot{
		TaskID:    j.TaskID,
		Kind:      j.Kind,
		UserID:    j.UserID,
		ItemID:    j.ItemID,
		Status:    j.Status,
		Message:   j.Message,
		Processed: j.Processed,
		Total:     j.Total,
		Unmatched: j.Unmatched,
		CreatedAt: j.CreatedAt,
		StartedAt: j.StartedAt,
		EndedAt:   j.EndedAt,
	}
	if len(j.Activity) > 0 {
		snap.Activity = append([]string(nil), j.Activity...)
	}
	if len(j.Errors) > 0 {
		snap.Errors = append([]string(nil), j.Errors...)
	}
	return snap
}
