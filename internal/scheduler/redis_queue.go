package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/daily-quiz/internal/clock"
)

// markerTTL keeps the "already scheduled" marker after a job completes so planner passes
// do not schedule it again. Exhausted jobs drop their marker.
const markerTTL = 48 * time.Hour

var (
	// KEYS: marker, jobs, pending. ARGV: id, payload, due ms, marker ttl ms.
	scheduleScript = redis.NewScript(`
		if redis.call("set", KEYS[1], "1", "NX", "PX", ARGV[4]) then
			redis.call("hset", KEYS[2], ARGV[1], ARGV[2])
			redis.call("zadd", KEYS[3], ARGV[3], ARGV[1])
			return 1
		end
		return 0
	`)

	// KEYS: pending, processing. ARGV: now ms, lease until ms, limit.
	claimScript = redis.NewScript(`
		local ids = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[3]))
		for _, id in ipairs(ids) do
			redis.call("zrem", KEYS[1], id)
			redis.call("zadd", KEYS[2], ARGV[2], id)
		end
		return ids
	`)

	// KEYS: processing, pending. ARGV: now ms.
	reapScript = redis.NewScript(`
		local ids = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1])
		for _, id in ipairs(ids) do
			redis.call("zrem", KEYS[1], id)
			redis.call("zadd", KEYS[2], ARGV[1], id)
		end
		return #ids
	`)
)

// RedisQueue is a durable delayed-job queue. Jobs wait in a sorted set keyed by due time and
// move to a processing set under a lease while a worker handles them; expired leases are
// returned to the pending set so a crashed worker's jobs are redelivered.
type RedisQueue struct {
	redis  *redis.Client
	clock  clock.Clock
	opts   StrategyOptions
	logger zerolog.Logger
}

// NewRedisQueue creates the durable queue strategy.
func NewRedisQueue(rdb *redis.Client, clk clock.Clock, opts StrategyOptions, logger zerolog.Logger) *RedisQueue {
	if clk == nil {
		clk = clock.Real{}
	}
	return &RedisQueue{
		redis:  rdb,
		clock:  clk,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "scheduler_queue").Logger(),
	}
}

// Name implements Strategy.
func (q *RedisQueue) Name() string { return ModeQueue }

// Schedule implements Strategy.
func (q *RedisQueue) Schedule(ctx context.Context, jobs ...Job) error {
	for _, job := range jobs {
		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", job.ID, err)
		}
		added, err := scheduleScript.Run(ctx, q.redis,
			[]string{q.markerKey(job.ID), q.jobsKey(), q.pendingKey()},
			job.ID, payload, job.DueAt.UnixMilli(), markerTTL.Milliseconds(),
		).Int()
		if err != nil {
			return fmt.Errorf("schedule job %s: %w", job.ID, err)
		}
		if added == 1 {
			q.logger.Info().Str("job_id", job.ID).Time("due_at", job.DueAt).Msg("job scheduled")
		}
	}
	return nil
}

// Run implements Strategy.
func (q *RedisQueue) Run(ctx context.Context, handle Handler) error {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := q.poll(ctx, handle); err != nil && ctx.Err() == nil {
			q.logger.Warn().Err(err).Msg("poll failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) poll(ctx context.Context, handle Handler) error {
	now := q.clock.Now()
	reaped, err := reapScript.Run(ctx, q.redis, []string{q.processingKey(), q.pendingKey()}, now.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("reap: %w", err)
	}
	if reaped > 0 {
		q.logger.Warn().Int("jobs", reaped).Msg("requeued jobs with expired leases")
	}

	ids, err := claimScript.Run(ctx, q.redis, []string{q.pendingKey(), q.processingKey()},
		now.UnixMilli(), now.Add(q.opts.JobLease).UnixMilli(), 32).StringSlice()
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}

	for _, id := range ids {
		job, err := q.load(ctx, id)
		if err != nil {
			q.logger.Error().Err(err).Str("job_id", id).Msg("dropping unreadable job")
			q.finish(ctx, id)
			continue
		}
		if err := handle(ctx, job); err != nil {
			var deferred *DeferError
			if errors.As(err, &deferred) {
				q.requeue(ctx, job.ID, deferred.Until)
				continue
			}
			q.retry(ctx, job, err)
			continue
		}
		q.finish(ctx, id)
	}
	return nil
}

func (q *RedisQueue) load(ctx context.Context, id string) (Job, error) {
	raw, err := q.redis.HGet(ctx, q.jobsKey(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, fmt.Errorf("payload missing")
	}
	if err != nil {
		return Job{}, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *RedisQueue) retry(ctx context.Context, job Job, cause error) {
	attempts, err := q.redis.HIncrBy(ctx, q.attemptsKey(), job.ID, 1).Result()
	if err != nil {
		q.logger.Warn().Err(err).Str("job_id", job.ID).Msg("attempt counter unavailable")
	}
	if attempts >= int64(q.opts.MaxAttempts) {
		q.logger.Error().Err(cause).Str("job_id", job.ID).Int64("attempts", attempts).Msg("job exhausted retries; released for replanning")
		q.forget(ctx, job.ID)
		return
	}

	due := q.clock.Now().Add(q.opts.RetryBackoff * time.Duration(attempts))
	if q.requeue(ctx, job.ID, due) {
		q.logger.Warn().Err(cause).Str("job_id", job.ID).Int64("attempt", attempts).Time("retry_at", due).Msg("job failed; retrying")
	}
}

// requeue moves a claimed job back to pending with a new due time.
func (q *RedisQueue) requeue(ctx context.Context, id string, due time.Time) bool {
	pipe := q.redis.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), id)
	pipe.ZAdd(ctx, q.pendingKey(), redis.Z{Score: float64(due.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn().Err(err).Str("job_id", id).Msg("requeue failed; lease expiry will redeliver")
		return false
	}
	return true
}

// forget drops a job together with its schedule marker so the planner can register it again.
func (q *RedisQueue) forget(ctx context.Context, id string) {
	pipe := q.redis.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), id)
	pipe.HDel(ctx, q.jobsKey(), id)
	pipe.HDel(ctx, q.attemptsKey(), id)
	pipe.Del(ctx, q.markerKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn().Err(err).Str("job_id", id).Msg("forget failed")
	}
}

func (q *RedisQueue) finish(ctx context.Context, id string) {
	pipe := q.redis.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), id)
	pipe.HDel(ctx, q.jobsKey(), id)
	pipe.HDel(ctx, q.attemptsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn().Err(err).Str("job_id", id).Msg("ack failed")
	}
}

// Pending returns the number of jobs waiting for their due time.
func (q *RedisQueue) Pending(ctx context.Context) (int64, error) {
	return q.redis.ZCard(ctx, q.pendingKey()).Result()
}

func (q *RedisQueue) pendingKey() string    { return q.opts.KeyPrefix + ":pending" }
func (q *RedisQueue) processingKey() string { return q.opts.KeyPrefix + ":processing" }
func (q *RedisQueue) jobsKey() string       { return q.opts.KeyPrefix + ":jobs" }
func (q *RedisQueue) attemptsKey() string   { return q.opts.KeyPrefix + ":attempts" }
func (q *RedisQueue) markerKey(id string) string {
	return q.opts.KeyPrefix + ":scheduled:" + id
}
