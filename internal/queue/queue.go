// Package queue implements a durable named-job queue on Redis.
//
// Each job name gets a waiting list and a delayed zset. Workers move jobs
// from waiting to an active list (RPOPLPUSH, so a crashed worker leaves the
// job inspectable rather than lost), run the bound handler, and either
// archive the job or reschedule it with exponential backoff. Cron patterns
// register recurring producers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Retry policy defaults.
const (
	DefaultMaxAttempts      = 3
	DefaultRetryBackoffBase = 2 * time.Second

	// Retention for inspection lists.
	keepCompleted = 100
	keepFailed    = 500
)

// Job is the unit of work carried through Redis.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"` // 1-based; incremented on each retry
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Options tune a single Enqueue call.
type Options struct {
	// Priority pushes the job ahead of already-waiting jobs of the same name.
	Priority bool

	// Delay defers the job's first execution.
	Delay time.Duration

	// CronPattern registers a recurring producer instead of a one-shot job.
	CronPattern string
}

// Handler processes one job attempt. A non-nil error triggers the retry
// policy; job.Attempt tells the handler which attempt this is.
type Handler func(ctx context.Context, job *Job) error

// Stats are the queue-wide counters.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Config tunes worker behaviour. Zero values take the package defaults.
type Config struct {
	Concurrency      int           // goroutines per registered name (default 5)
	RateMax          int           // max jobs per rate window per worker pool
	RateWindow       time.Duration // rate window (default 1 s)
	PollInterval     time.Duration // waiting-list poll interval (default 250 ms)
	MaxAttempts      int
	RetryBackoffBase time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.RateMax <= 0 {
		c.RateMax = 50
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = DefaultRetryBackoffBase
	}
	return c
}

// Queue is the durable job queue. Construct with New, bind handlers with
// RegisterWorker, then Start. Enqueue may be called at any point.
type Queue struct {
	client *redis.Client
	cfg    Config
	log    zerolog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	pools   map[string]*workerPool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a queue on top of the shared Redis client.
func New(client *redis.Client, cfg Config, log zerolog.Logger) *Queue {
	return &Queue{
		client: client,
		cfg:    cfg.withDefaults(),
		log:    log,
		cron:   cron.New(),
		pools:  make(map[string]*workerPool),
	}
}

// ─── Key layout ─────────────────────────────────────────────

func waitingKey(name string) string   { return "jobs:" + name + ":waiting" }
func delayedKey(name string) string   { return "jobs:" + name + ":delayed" }
func activeKey(name string) string    { return "jobs:" + name + ":active" }
func completedKey(name string) string { return "jobs:" + name + ":completed" }
func failedKey(name string) string    { return "jobs:" + name + ":failed" }

const (
	completedCounter = "jobs:stats:completed"
	failedCounter    = "jobs:stats:failed"
)

// ─── Producing ──────────────────────────────────────────────

// Enqueue appends a job for the given name. With CronPattern set, it
// registers a recurring producer instead and returns its schedule entry id.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts *Options) (string, error) {
	if opts == nil {
		opts = &Options{}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal payload for %q: %w", name, err)
	}

	if opts.CronPattern != "" {
		entryID, err := q.cron.AddFunc(opts.CronPattern, func() {
			if _, err := q.Enqueue(context.Background(), name, json.RawMessage(raw), nil); err != nil {
				q.log.Error().Err(err).Str("job", name).Msg("cron enqueue failed")
			}
		})
		if err != nil {
			return "", fmt.Errorf("queue: bad cron pattern %q for %q: %w", opts.CronPattern, name, err)
		}
		q.log.Info().Str("job", name).Str("cron", opts.CronPattern).Msg("recurring job registered")
		return fmt.Sprintf("cron:%d", entryID), nil
	}

	job := Job{
		ID:          uuid.NewString(),
		Name:        name,
		Payload:     raw,
		Attempt:     1,
		MaxAttempts: q.cfg.MaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: marshal job %q: %w", name, err)
	}

	if opts.Delay > 0 {
		readyAt := float64(time.Now().Add(opts.Delay).UnixMilli())
		if err := q.client.ZAdd(ctx, delayedKey(name), redis.Z{Score: readyAt, Member: encoded}).Err(); err != nil {
			return "", fmt.Errorf("queue: enqueue delayed %q: %w", name, err)
		}
		return job.ID, nil
	}

	// Workers pop from the right; LPUSH keeps FIFO, RPUSH jumps the line.
	push := q.client.LPush
	if opts.Priority {
		push = q.client.RPush
	}
	if err := push(ctx, waitingKey(name), encoded).Err(); err != nil {
		return "", fmt.Errorf("queue: enqueue %q: %w", name, err)
	}
	return job.ID, nil
}

// ─── Lifecycle ──────────────────────────────────────────────

// RegisterWorker binds a handler to jobs of the given name. Must be called
// before Start; a second registration for the same name replaces the first.
func (q *Queue) RegisterWorker(name string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pools[name] = newWorkerPool(q, name, handler)
}

// Start launches all registered worker pools and the cron scheduler.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for _, pool := range q.pools {
		pool.start(runCtx, &q.wg)
	}
	q.cron.Start()
	q.log.Info().Int("pools", len(q.pools)).Msg("job queue started")
}

// Shutdown stops intake, waits for active jobs to drain or the context to
// expire, and stops the cron scheduler.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()

	cronCtx := q.cron.Stop()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		<-cronCtx.Done()
		close(done)
	}()

	select {
	case <-done:
		q.log.Info().Msg("job queue drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: shutdown timed out: %w", ctx.Err())
	}
}

// Stats aggregates counters across all registered job names.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	q.mu.Lock()
	names := make([]string, 0, len(q.pools))
	for name := range q.pools {
		names = append(names, name)
	}
	q.mu.Unlock()

	stats := &Stats{}
	for _, name := range names {
		waiting, err := q.client.LLen(ctx, waitingKey(name)).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: stats for %q: %w", name, err)
		}
		active, err := q.client.LLen(ctx, activeKey(name)).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: stats for %q: %w", name, err)
		}
		delayed, err := q.client.ZCard(ctx, delayedKey(name)).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: stats for %q: %w", name, err)
		}
		stats.Waiting += waiting
		stats.Active += active
		stats.Delayed += delayed
	}

	completed, err := q.client.Get(ctx, completedCounter).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("queue: completed counter: %w", err)
	}
	failed, err := q.client.Get(ctx, failedCounter).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("queue: failed counter: %w", err)
	}
	stats.Completed = completed
	stats.Failed = failed
	return stats, nil
}
