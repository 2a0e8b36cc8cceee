package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shiftfill/escalation-engine/internal/observability/metrics"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

// Handler processes one job. A nil return completes the job; an error (or a
// panic) schedules a retry until the attempt cap, then the failed bucket.
type Handler func(ctx context.Context, job *Job) error

// Alerter hears about jobs that exhausted their retries. Satisfied by
// notify.Service.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// readyScoreBase packs priority above arrival time in the ready set:
// score = priority*2^42 + readyAtMillis, so claims order by priority first
// and arrival second.
const readyScoreBase = 1 << 42

// promoteScript moves due jobs from the delayed set into the ready set.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	local prio = tonumber(redis.call('HGET', ARGV[2] .. id, 'priority') or '0')
	redis.call('ZADD', KEYS[2], prio * 4398046511104 + tonumber(ARGV[1]), id)
	redis.call('HSET', ARGV[2] .. id, 'state', 'ready')
end
return #due
`)

// claimScript pops the best ready job into the active set under a lease.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], tonumber(ARGV[1]) + tonumber(ARGV[2]), id)
redis.call('HSET', ARGV[3] .. id, 'state', 'active', 'started_at', ARGV[1])
redis.call('HINCRBY', ARGV[3] .. id, 'attempts', 1)
return id
`)

var completeScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'completed', 'finished_at', ARGV[2])
return 1
`)

// retryScript either re-delays a failed attempt or moves the job to the
// failed bucket once attempts reach the cap.
var retryScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
local attempts = tonumber(redis.call('HGET', KEYS[4], 'attempts') or '0')
local max = tonumber(redis.call('HGET', KEYS[4], 'max_attempts') or '1')
redis.call('HSET', KEYS[4], 'last_error', ARGV[3])
if attempts >= max then
	redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), ARGV[1])
	redis.call('HSET', KEYS[4], 'state', 'failed', 'finished_at', ARGV[2])
	return 'failed'
end
redis.call('ZADD', KEYS[2], tonumber(ARGV[4]), ARGV[1])
redis.call('HSET', KEYS[4], 'state', 'delayed', 'run_at', ARGV[4])
return 'retried'
`)

// stalledScript requeues active jobs whose lease expired, preserving their
// priority. Delivery is therefore at-least-once; handlers must be idempotent.
var stalledScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[1], id)
	local prio = tonumber(redis.call('HGET', ARGV[2] .. id, 'priority') or '0')
	redis.call('ZADD', KEYS[2], prio * 4398046511104 + tonumber(ARGV[1]), id)
	redis.call('HSET', ARGV[2] .. id, 'state', 'ready')
end
return #expired
`)

type workerConfig struct {
	concurrency     int
	pollInterval    time.Duration
	lease           time.Duration
	baseBackoff     time.Duration
	maxBackoff      time.Duration
	retention       time.Duration
	failedRetention time.Duration
	sweepInterval   time.Duration
}

// WorkerOption customises a Worker.
type WorkerOption func(*workerConfig)

// WithConcurrency sets the number of claiming goroutines.
func WithConcurrency(n int) WorkerOption {
	return func(c *workerConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithPollInterval sets the idle sleep between empty claims.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(c *workerConfig) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithLease sets the active-job lease; a worker that dies mid-job has its
// job requeued once the lease expires.
func WithLease(d time.Duration) WorkerOption {
	return func(c *workerConfig) {
		if d > 0 {
			c.lease = d
		}
	}
}

// WithBackoff sets the retry backoff base and cap.
func WithBackoff(base, max time.Duration) WorkerOption {
	return func(c *workerConfig) {
		if base > 0 {
			c.baseBackoff = base
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithRetention sets how long completed jobs stay visible before reaping.
func WithRetention(d time.Duration) WorkerOption {
	return func(c *workerConfig) {
		if d > 0 {
			c.retention = d
		}
	}
}

// WithFailedRetention sets how long failed jobs stay in the failed bucket.
func WithFailedRetention(d time.Duration) WorkerOption {
	return func(c *workerConfig) {
		if d > 0 {
			c.failedRetention = d
		}
	}
}

// Worker drains one queue with a pool of goroutines plus a sweeper that
// requeues stalled jobs and reaps expired buckets.
type Worker struct {
	sched   *Scheduler
	queue   string
	handler Handler
	logger  *logging.Logger
	metrics *metrics.JobMetrics
	alerter Alerter
	config  workerConfig
	wg      sync.WaitGroup
}

// NewWorker creates a worker for queue. The metrics argument may be nil.
func NewWorker(sched *Scheduler, queue string, handler Handler, opts ...WorkerOption) *Worker {
	if sched == nil {
		panic("jobs: scheduler required")
	}
	if queue == "" {
		panic("jobs: queue name required")
	}
	if handler == nil {
		panic("jobs: handler required")
	}
	cfg := workerConfig{
		concurrency:     1,
		pollInterval:    time.Second,
		lease:           2 * time.Minute,
		baseBackoff:     2 * time.Second,
		maxBackoff:      5 * time.Minute,
		retention:       24 * time.Hour,
		failedRetention: 7 * 24 * time.Hour,
		sweepInterval:   15 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{
		sched:   sched,
		queue:   queue,
		handler: handler,
		logger:  sched.logger,
		config:  cfg,
	}
}

// SetMetrics attaches job metrics. Safe to skip; all observations are
// nil-safe.
func (w *Worker) SetMetrics(m *metrics.JobMetrics) {
	w.metrics = m
}

// SetAlerter attaches an operator alerter for jobs that land in the failed
// bucket. Safe to skip.
func (w *Worker) SetAlerter(a Alerter) {
	w.alerter = a
}

// Start launches the claim goroutines and the sweeper. It returns
// immediately; cancel the context to stop and Wait to drain.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.config.concurrency; i++ {
		w.wg.Add(1)
		go func(workerID int) {
			defer w.wg.Done()
			w.run(ctx, workerID)
		}(i)
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.sweep(ctx)
	}()
}

// Wait blocks until all goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	logger := w.logger.With("queue", w.queue, "worker_id", workerID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", "error", err)
			w.idle(ctx, 5*time.Second)
			continue
		}
		if job == nil {
			w.idle(ctx, w.config.pollInterval)
			continue
		}
		w.handle(ctx, job, logger)
	}
}

func (w *Worker) idle(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// claim promotes due delayed jobs and pops the best ready job, returning nil
// when the queue is idle.
func (w *Worker) claim(ctx context.Context) (*Job, error) {
	nowMs := strconv.FormatInt(w.sched.now().UnixMilli(), 10)
	prefix := keyJobPrefix(w.queue)

	_, err := promoteScript.Run(ctx, w.sched.rdb,
		[]string{keyDelayed(w.queue), keyReady(w.queue)}, nowMs, prefix).Result()
	if err != nil {
		return nil, fmt.Errorf("jobs: promote: %w", err)
	}

	id, err := claimScript.Run(ctx, w.sched.rdb,
		[]string{keyReady(w.queue), keyActive(w.queue)},
		nowMs, strconv.FormatInt(w.config.lease.Milliseconds(), 10), prefix).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobs: claim: %w", err)
	}

	job, err := w.sched.Job(ctx, w.queue, id)
	if err != nil {
		return nil, fmt.Errorf("jobs: claimed %s: %w", id, err)
	}
	return job, nil
}

func (w *Worker) handle(ctx context.Context, job *Job, logger *logging.Logger) {
	start := time.Now()
	err := w.invoke(ctx, job)
	w.metrics.ObserveHandler(w.queue, time.Since(start).Seconds())

	nowMs := strconv.FormatInt(w.sched.now().UnixMilli(), 10)
	if err == nil {
		_, cerr := completeScript.Run(ctx, w.sched.rdb,
			[]string{keyActive(w.queue), keyCompleted(w.queue), keyJob(w.queue, job.ID)},
			job.ID, nowMs).Result()
		if cerr != nil {
			logger.Error("complete failed", "job_id", job.ID, "error", cerr)
			return
		}
		w.metrics.ObserveProcessed(w.queue, "completed")
		logger.Debug("job completed", "job_id", job.ID, "attempts", job.Attempts)
		return
	}

	retryAt := w.sched.now().Add(w.backoff(job.Attempts))
	state, serr := retryScript.Run(ctx, w.sched.rdb,
		[]string{keyActive(w.queue), keyDelayed(w.queue), keyFailed(w.queue), keyJob(w.queue, job.ID)},
		job.ID, nowMs, err.Error(), strconv.FormatInt(retryAt.UnixMilli(), 10)).Text()
	if serr != nil {
		logger.Error("retry bookkeeping failed", "job_id", job.ID, "error", serr)
		return
	}
	w.metrics.ObserveProcessed(w.queue, state)
	if state == StateFailed {
		logger.Error("job moved to failed bucket",
			"job_id", job.ID, "attempts", job.Attempts, "error", err)
		w.alertFailed(ctx, job, err)
		return
	}
	logger.Warn("job retry scheduled",
		"job_id", job.ID, "attempts", job.Attempts, "retry_at", retryAt, "error", err)
}

// alertFailed tells the operator a job gave up. The failed bucket is the
// end of the line; nothing retries from there without a human.
func (w *Worker) alertFailed(ctx context.Context, job *Job, cause error) {
	if w.alerter == nil {
		return
	}
	subject := fmt.Sprintf("Job failed on queue %s: %s", w.queue, job.ID)
	body := fmt.Sprintf("Job %s gave up after %d attempts.\n\nLast error: %v\n\nPayload: %s",
		job.ID, job.Attempts, cause, job.Payload)
	if aerr := w.alerter.Alert(ctx, subject, body); aerr != nil {
		w.logger.Error("failed-job alert failed", "job_id", job.ID, "error", aerr)
	}
}

// invoke runs the handler, converting a panic into an error so one bad job
// cannot kill the claim goroutine.
func (w *Worker) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobs: handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := w.config.baseBackoff << (attempts - 1)
	if d <= 0 || d > w.config.maxBackoff {
		d = w.config.maxBackoff
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// sweep periodically requeues stalled jobs and reaps expired bucket entries.
func (w *Worker) sweep(ctx context.Context) {
	ticker := time.NewTicker(w.config.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *Worker) sweepOnce(ctx context.Context) {
	nowMs := strconv.FormatInt(w.sched.now().UnixMilli(), 10)
	stalled, err := stalledScript.Run(ctx, w.sched.rdb,
		[]string{keyActive(w.queue), keyReady(w.queue)}, nowMs, keyJobPrefix(w.queue)).Int64()
	if err != nil {
		w.logger.Error("stalled sweep failed", "queue", w.queue, "error", err)
	} else if stalled > 0 {
		for i := int64(0); i < stalled; i++ {
			w.metrics.ObserveStalled(w.queue)
		}
		w.logger.Warn("requeued stalled jobs", "queue", w.queue, "count", stalled)
	}

	w.reap(ctx, keyCompleted(w.queue), w.config.retention)
	w.reap(ctx, keyFailed(w.queue), w.config.failedRetention)
}

func (w *Worker) reap(ctx context.Context, bucket string, retention time.Duration) {
	cutoff := strconv.FormatInt(w.sched.now().Add(-retention).UnixMilli(), 10)
	ids, err := w.sched.rdb.ZRangeByScore(ctx, bucket, &redis.ZRangeBy{
		Min: "-inf", Max: cutoff, Count: 100,
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	pipe := w.sched.rdb.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, bucket, id)
		pipe.Del(ctx, keyJob(w.queue, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Error("reap failed", "queue", w.queue, "error", err)
	}
}
