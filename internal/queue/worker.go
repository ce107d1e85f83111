package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// workerPool runs the handler for one job name: a promoter goroutine that
// moves due delayed jobs into the waiting list, and Concurrency consumer
// goroutines sharing one token-bucket rate limiter.
type workerPool struct {
	queue   *Queue
	name    string
	handler Handler
	limiter *rate.Limiter
	log     zerolog.Logger
}

func newWorkerPool(q *Queue, name string, handler Handler) *workerPool {
	cfg := q.cfg
	perSecond := float64(cfg.RateMax) / cfg.RateWindow.Seconds()
	return &workerPool{
		queue:   q,
		name:    name,
		handler: handler,
		limiter: rate.NewLimiter(rate.Limit(perSecond), cfg.RateMax),
		log:     q.log.With().Str("job", name).Logger(),
	}
}

func (p *workerPool) start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return p.promoteLoop(gctx) })
		for i := 0; i < p.queue.cfg.Concurrency; i++ {
			g.Go(func() error { return p.consumeLoop(gctx) })
		}
		if err := g.Wait(); err != nil && err != context.Canceled {
			p.log.Error().Err(err).Msg("worker pool stopped")
		}
	}()
}

// promoteLoop moves delayed jobs whose readiness time has passed into the
// waiting list. Runs on the poll interval; losing a race with another
// promoter is harmless because ZRem is checked before the push.
func (p *workerPool) promoteLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.queue.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.promoteDue(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Msg("delayed job promotion failed")
			}
		}
	}
}

func (p *workerPool) promoteDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := p.queue.client.ZRangeByScore(ctx, delayedKey(p.name), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range due {
		removed, err := p.queue.client.ZRem(ctx, delayedKey(p.name), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another promoter won the race
		}
		if err := p.queue.client.LPush(ctx, waitingKey(p.name), member).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (p *workerPool) consumeLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		raw, err := p.queue.client.RPopLPush(ctx, waitingKey(p.name), activeKey(p.name)).Result()
		if err == redis.Nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.queue.cfg.PollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn().Err(err).Msg("queue pop failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.queue.cfg.PollInterval):
			}
			continue
		}

		p.process(ctx, raw)
	}
}

// process runs one job attempt and settles its fate: archive on success,
// reschedule with backoff or archive as failed on error. The active-list
// entry is removed in every path. The job runs on a detached context so a
// shutdown lets in-flight work drain instead of cancelling it mid-handler.
func (p *workerPool) process(parent context.Context, raw string) {
	ctx := context.WithoutCancel(parent)

	defer func() {
		if err := p.queue.client.LRem(ctx, activeKey(p.name), 1, raw).Err(); err != nil {
			p.log.Warn().Err(err).Msg("active list cleanup failed")
		}
	}()

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		p.log.Error().Err(err).Msg("poisonous job payload dropped")
		p.archive(ctx, failedKey(p.name), raw, keepFailed, failedCounter)
		return
	}

	err := p.runHandler(ctx, &job)
	if err == nil {
		done, _ := json.Marshal(job)
		p.archive(ctx, completedKey(p.name), string(done), keepCompleted, completedCounter)
		return
	}

	p.log.Warn().Err(err).Str("id", job.ID).Int("attempt", job.Attempt).Msg("job attempt failed")

	if job.Attempt >= job.MaxAttempts {
		job.LastError = err.Error()
		dead, _ := json.Marshal(job)
		p.archive(ctx, failedKey(p.name), string(dead), keepFailed, failedCounter)
		return
	}

	// Exponential backoff: base, 2×base, 4×base, ... per failed attempt.
	delay := p.queue.cfg.RetryBackoffBase << (job.Attempt - 1)
	job.Attempt++
	job.LastError = err.Error()
	retry, _ := json.Marshal(job)
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := p.queue.client.ZAdd(ctx, delayedKey(p.name), redis.Z{Score: readyAt, Member: retry}).Err(); err != nil {
		p.log.Error().Err(err).Str("id", job.ID).Msg("retry reschedule failed, job lost")
	}
}

// runHandler shields the pool from panicking handlers.
func (p *workerPool) runHandler(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

// archive pushes onto a capped inspection list and bumps the counter.
func (p *workerPool) archive(ctx context.Context, key, raw string, keep int64, counter string) {
	pipe := p.queue.client.Pipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, keep-1)
	pipe.Incr(ctx, counter)
	if _, err := pipe.Exec(ctx); err != nil {
		p.log.Warn().Err(err).Str("key", key).Msg("job archive failed")
	}
}
