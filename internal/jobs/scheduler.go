package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shiftfill/escalation-engine/pkg/logging"
)

var schedulerTracer = otel.Tracer("escalation.internal.jobs")

// Scheduler enqueues, cancels, and inspects durable jobs. Workers are
// created via NewWorker or the Process convenience.
type Scheduler struct {
	rdb    *redis.Client
	logger *logging.Logger
	now    func() time.Time
}

// SchedulerOption customises a Scheduler.
type SchedulerOption func(*Scheduler)

// WithClock overrides the scheduler's notion of now. Tests use this to move
// jobs through their delays without sleeping.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler creates a Scheduler backed by the given Redis client.
func NewScheduler(rdb *redis.Client, logger *logging.Logger, opts ...SchedulerOption) *Scheduler {
	if rdb == nil {
		panic("jobs: redis client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Scheduler{rdb: rdb, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// enqueueScript inserts the job hash and delayed-set entry unless the ID is
// already pending. A terminal hash under the same ID is replaced.
var enqueueScript = redis.NewScript(`
local jobKey = KEYS[1]
local state = redis.call('HGET', jobKey, 'state')
if state == 'delayed' or state == 'ready' or state == 'active' then
	return 0
end
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('DEL', jobKey)
redis.call('HSET', jobKey,
	'id', ARGV[1],
	'payload', ARGV[2],
	'state', 'delayed',
	'run_at', ARGV[3],
	'priority', ARGV[4],
	'attempts', '0',
	'max_attempts', ARGV[5],
	'enqueued_at', ARGV[6],
	'last_error', '')
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), ARGV[1])
return 1
`)

// cancelScript removes a not-yet-running job. Active jobs are left alone;
// the epoch check at dispatch covers them.
var cancelScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[2], ARGV[1]) + redis.call('ZREM', KEYS[3], ARGV[1])
if removed > 0 then
	redis.call('HSET', KEYS[1], 'state', 'canceled', 'finished_at', ARGV[2])
	redis.call('EXPIRE', KEYS[1], 3600)
	return 1
end
return 0
`)

// Enqueue schedules payload on queue at runAt. It returns the job ID —
// caller-supplied via WithJobID, otherwise generated.
func (s *Scheduler) Enqueue(ctx context.Context, queue string, payload []byte, runAt time.Time, opts ...EnqueueOption) (string, error) {
	if queue == "" {
		return "", fmt.Errorf("jobs: queue name required")
	}
	o := enqueueOptions{maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if o.jobID == "" {
		o.jobID = uuid.NewString()
	}

	ctx, span := schedulerTracer.Start(ctx, "jobs.enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("escalation.queue", queue),
		attribute.String("escalation.job_id", o.jobID),
	)

	keys := []string{keyJob(queue, o.jobID), keyDelayed(queue), keyCompleted(queue), keyFailed(queue)}
	args := []interface{}{
		o.jobID,
		string(payload),
		strconv.FormatInt(runAt.UnixMilli(), 10),
		strconv.Itoa(o.priority),
		strconv.Itoa(o.maxAttempts),
		strconv.FormatInt(s.now().UnixMilli(), 10),
	}
	added, err := enqueueScript.Run(ctx, s.rdb, keys, args...).Int64()
	if err != nil {
		return "", fmt.Errorf("jobs: enqueue %s: %w", queue, err)
	}
	if added == 0 {
		s.logger.Debug("job already pending", "queue", queue, "job_id", o.jobID)
	}
	return o.jobID, nil
}

// Cancel removes a delayed or ready job. It reports whether the job was
// removed; false means the job already ran, is running, or never existed.
func (s *Scheduler) Cancel(ctx context.Context, queue, jobID string) (bool, error) {
	if queue == "" || jobID == "" {
		return false, fmt.Errorf("jobs: queue and job id required")
	}
	keys := []string{keyJob(queue, jobID), keyDelayed(queue), keyReady(queue)}
	removed, err := cancelScript.Run(ctx, s.rdb, keys,
		jobID, strconv.FormatInt(s.now().UnixMilli(), 10)).Int64()
	if err != nil {
		return false, fmt.Errorf("jobs: cancel %s/%s: %w", queue, jobID, err)
	}
	return removed == 1, nil
}

// Job loads a job hash.
func (s *Scheduler) Job(ctx context.Context, queue, jobID string) (*Job, error) {
	fields, err := s.rdb.HGetAll(ctx, keyJob(queue, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("jobs: load %s/%s: %w", queue, jobID, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return parseJob(queue, fields), nil
}

// ListFailed returns up to limit jobs from the failed bucket, oldest first.
func (s *Scheduler) ListFailed(ctx context.Context, queue string, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.rdb.ZRange(ctx, keyFailed(queue), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("jobs: list failed %s: %w", queue, err)
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Job(ctx, queue, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// Process starts a worker pool on queue and returns it. The pool runs until
// ctx is cancelled; call Wait on the returned worker to block on drain.
func (s *Scheduler) Process(ctx context.Context, queue string, concurrency int, handler Handler, opts ...WorkerOption) *Worker {
	all := append([]WorkerOption{WithConcurrency(concurrency)}, opts...)
	w := NewWorker(s, queue, handler, all...)
	w.Start(ctx)
	return w
}

func parseJob(queue string, fields map[string]string) *Job {
	job := &Job{
		ID:        fields["id"],
		Queue:     queue,
		Payload:   []byte(fields["payload"]),
		State:     fields["state"],
		LastError: fields["last_error"],
	}
	job.Priority, _ = strconv.Atoi(fields["priority"])
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	job.RunAt = parseMillis(fields["run_at"])
	job.EnqueuedAt = parseMillis(fields["enqueued_at"])
	job.StartedAt = parseMillis(fields["started_at"])
	job.FinishedAt = parseMillis(fields["finished_at"])
	return job
}

func parseMillis(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
