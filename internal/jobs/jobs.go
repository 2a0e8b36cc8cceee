// Package jobs implements the durable delayed-job queue the escalation
// cascade runs on. Jobs live in Redis: a delayed set ordered by run time, a
// ready set ordered by priority, an active set ordered by lease expiry, and
// completed/failed buckets ordered by finish time. Every mutation that moves
// a job between sets is a Lua script, so concurrent workers and process
// restarts cannot observe a job in two sets at once.
package jobs

import (
	"errors"
	"time"
)

// Job states as stored in the per-job hash.
const (
	StateDelayed   = "delayed"
	StateReady     = "ready"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCanceled  = "canceled"
)

// DefaultMaxAttempts bounds retries before a job lands in the failed bucket.
const DefaultMaxAttempts = 5

// ErrJobNotFound indicates the job hash no longer exists.
var ErrJobNotFound = errors.New("jobs: job not found")

// Job is one unit of queued work.
type Job struct {
	ID          string
	Queue       string
	Payload     []byte
	State       string
	Priority    int
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	EnqueuedAt  time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	LastError   string
}

type enqueueOptions struct {
	jobID       string
	priority    int
	maxAttempts int
}

// EnqueueOption customises a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// WithJobID supplies a caller-chosen identifier. Enqueueing an ID that is
// already pending (delayed, ready, or active) is a no-op that returns the
// existing identifier; handlers rely on this for idempotent scheduling.
func WithJobID(id string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.jobID = id
	}
}

// WithPriority orders ready jobs within a queue. Lower runs first; the
// default is 0.
func WithPriority(priority int) EnqueueOption {
	return func(o *enqueueOptions) {
		if priority < 0 {
			priority = 0
		}
		if priority > maxPriority {
			priority = maxPriority
		}
		o.priority = priority
	}
}

// WithMaxAttempts overrides DefaultMaxAttempts for this job.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// maxPriority keeps the packed ready-set score (priority above arrival
// millis) inside float64's exact-integer range.
const maxPriority = 1 << 10

func keyDelayed(queue string) string   { return "jobs:" + queue + ":delayed" }
func keyReady(queue string) string     { return "jobs:" + queue + ":ready" }
func keyActive(queue string) string    { return "jobs:" + queue + ":active" }
func keyCompleted(queue string) string { return "jobs:" + queue + ":completed" }
func keyFailed(queue string) string    { return "jobs:" + queue + ":failed" }
func keyJobPrefix(queue string) string { return "jobs:" + queue + ":job:" }
func keyJob(queue, id string) string   { return keyJobPrefix(queue) + id }
