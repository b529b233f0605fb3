package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key. Defaults to "intel:jobs".
	Prefix string
	Options
}

// Redis keeps pending job ids in a sorted set scored by due time and
// priority, job bodies in a hash and per-job progress under expiring keys.
type Redis struct {
	client *redis.Client
	opts   Options
	prefix string
	now    func() time.Time
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return newRedis(client, cfg), nil
}

func newRedis(client *redis.Client, cfg RedisConfig) *Redis {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "intel:jobs"
	}
	return &Redis{client: client, opts: cfg.Options.withDefaults(), prefix: prefix, now: time.Now}
}

func (q *Redis) Close() error {
	return q.client.Close()
}

func (q *Redis) pendingKey() string       { return q.prefix + ":pending" }
func (q *Redis) dataKey() string          { return q.prefix + ":data" }
func (q *Redis) processingKey() string    { return q.prefix + ":processing" }
func (q *Redis) workersKey() string       { return q.prefix + ":workers" }
func (q *Redis) countKey(s Status) string { return q.prefix + ":count:" + string(s) }
func (q *Redis) statusKey(id string) string {
	return q.prefix + ":status:" + id
}

func (q *Redis) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := q.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.dataKey(), job.ID, string(data))
		pipe.ZAdd(ctx, q.pendingKey(), redis.Z{Score: score(now, job.Priority), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}

	progress := &Progress{JobID: job.ID, RawID: job.RawID, Status: StatusPending, UpdatedAt: now}
	if err := q.save(ctx, progress); err != nil {
		return fmt.Errorf("initializing progress: %w", err)
	}
	return nil
}

func (q *Redis) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	now := q.now().UTC()
	ids, err := q.client.ZRangeByScore(ctx, q.pendingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeuing job: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// Whoever removes the id owns the job.
	removed, err := q.client.ZRem(ctx, q.pendingKey(), ids[0]).Result()
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	if removed == 0 {
		return nil, nil
	}

	data, err := q.client.HGet(ctx, q.dataKey(), ids[0]).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", ids[0], err)
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}

	if err := q.client.HSet(ctx, q.processingKey(), job.ID, workerID).Err(); err != nil {
		q.client.ZAdd(ctx, q.pendingKey(), redis.Z{Score: score(now, job.Priority), Member: job.ID})
		return nil, fmt.Errorf("marking job as processing: %w", err)
	}

	progress := q.load(ctx, job)
	progress.Status = StatusRunning
	progress.StartedAt = &now
	progress.WorkerID = workerID
	progress.Attempts = job.Attempts
	_ = q.save(ctx, progress)

	return &job, nil
}

func (q *Redis) Complete(ctx context.Context, job *Job, status Status, reason string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.processingKey(), job.ID)
		pipe.HDel(ctx, q.dataKey(), job.ID)
		pipe.Incr(ctx, q.countKey(status))
		return nil
	})
	if err != nil {
		return fmt.Errorf("marking job %s: %w", status, err)
	}

	now := q.now().UTC()
	progress := q.load(ctx, *job)
	progress.Status = status
	progress.Attempts = job.Attempts
	progress.CompletedAt = &now
	if reason != "" {
		progress.Errors = append(progress.Errors, reason)
	}
	return q.save(ctx, progress)
}

func (q *Redis) Fail(ctx context.Context, job *Job, reason string) error {
	job.Attempts++
	if job.Attempts >= q.opts.MaxAttempts {
		return q.Complete(ctx, job, StatusFailed, reason)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	due := q.now().Add(time.Duration(job.Attempts) * q.opts.RetryBackoff)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.processingKey(), job.ID)
		pipe.HSet(ctx, q.dataKey(), job.ID, string(data))
		pipe.ZAdd(ctx, q.pendingKey(), redis.Z{Score: score(due, 0), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeuing job: %w", err)
	}

	progress := q.load(ctx, *job)
	progress.Status = StatusPending
	progress.Attempts = job.Attempts
	progress.Errors = append(progress.Errors, reason)
	return q.save(ctx, progress)
}

func (q *Redis) Cancel(ctx context.Context, jobID string) (bool, error) {
	removed, err := q.client.ZRem(ctx, q.pendingKey(), jobID).Result()
	if err != nil {
		return false, fmt.Errorf("cancelling job: %w", err)
	}
	if removed == 0 {
		if _, err := q.Status(ctx, jobID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, q.Complete(ctx, &Job{ID: jobID}, StatusCancelled, "")
}

func (q *Redis) Status(ctx context.Context, jobID string) (*Progress, error) {
	data, err := q.client.Get(ctx, q.statusKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting progress: %w", err)
	}

	var progress Progress
	if err := json.Unmarshal([]byte(data), &progress); err != nil {
		return nil, fmt.Errorf("unmarshaling progress: %w", err)
	}
	return &progress, nil
}

func (q *Redis) UpdateProgress(ctx context.Context, p *Progress) error {
	cur, err := q.Status(ctx, p.JobID)
	if err != nil {
		return err
	}
	mergeCounters(cur, p)
	return q.save(ctx, cur)
}

// load returns the stored progress of job, or a fresh one.
func (q *Redis) load(ctx context.Context, job Job) *Progress {
	p, err := q.Status(ctx, job.ID)
	if err != nil {
		return &Progress{JobID: job.ID, RawID: job.RawID}
	}
	return p
}

func (q *Redis) save(ctx context.Context, p *Progress) error {
	p.UpdatedAt = q.now().UTC()
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling progress: %w", err)
	}
	if err := q.client.Set(ctx, q.statusKey(p.JobID), string(data), q.opts.StatusTTL).Err(); err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}
	return nil
}

func (q *Redis) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)

	pending, err := q.client.ZCard(ctx, q.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("counting pending jobs: %w", err)
	}
	processing, _ := q.client.HLen(ctx, q.processingKey()).Result()
	stats["pending"] = pending
	stats["processing"] = processing

	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		n, err := q.client.Get(ctx, q.countKey(s)).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("counting %s jobs: %w", s, err)
		}
		stats[string(s)] = n
	}
	return stats, nil
}

func (q *Redis) Heartbeat(ctx context.Context, workerID string) error {
	return q.client.HSet(ctx, q.workersKey(), workerID, q.now().Unix()).Err()
}

func (q *Redis) ActiveWorkers(ctx context.Context, timeout time.Duration) ([]string, error) {
	workers, err := q.client.HGetAll(ctx, q.workersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("getting workers: %w", err)
	}

	var active []string
	cutoff := q.now().Add(-timeout).Unix()
	for workerID, lastSeen := range workers {
		ts, err := strconv.ParseInt(lastSeen, 10, 64)
		if err == nil && ts > cutoff {
			active = append(active, workerID)
		}
	}
	return active, nil
}

// ReapStale requeues processing jobs whose progress has not moved within
// timeout.
func (q *Redis) ReapStale(ctx context.Context, timeout time.Duration) (int, error) {
	processing, err := q.client.HKeys(ctx, q.processingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("getting processing jobs: %w", err)
	}

	reaped := 0
	for _, id := range processing {
		progress, err := q.Status(ctx, id)
		if err != nil || q.now().Sub(progress.UpdatedAt) <= timeout {
			continue
		}
		data, err := q.client.HGet(ctx, q.dataKey(), id).Result()
		if err != nil {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			continue
		}
		if err := q.Fail(ctx, &job, "worker timed out"); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

func (q *Redis) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
