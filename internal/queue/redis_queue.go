package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"image-upload-pipeline/internal/config"
)

// RedisQueue coordinates ready, in-flight, and scheduled job queues in Redis.
// A job is tracked from Enqueue until Ack, DeadLetter or Cancel; enqueueing a tracked id is a no-op.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	visibilityTTL time.Duration
	dlqKey        string
	batchSize     int64
}

var (
	_ Enqueuer      = (*RedisQueue)(nil)
	_ Consumer      = (*RedisQueue)(nil)
	_ Canceler      = (*RedisQueue)(nil)
	_ DepthReporter = (*RedisQueue)(nil)
)

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue on client using the configured names and visibility timeout.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	name := cfg.QueueName
	if name == "" {
		name = "uploads"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 6 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = name + ":dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      fmt.Sprintf("queue:%s:ready", name),
		inflightKey:   fmt.Sprintf("queue:%s:inflight", name),
		scheduledKey:  fmt.Sprintf("queue:%s:scheduled", name),
		jobMetaPrefix: fmt.Sprintf("queue:%s:meta:", name),
		visibilityTTL: visibility,
		dlqKey:        dlq,
		batchSize:     100,
	}
}

func (q *RedisQueue) metaKey(id string) string {
	return q.jobMetaPrefix + id
}

// Enqueue pushes the id onto the ready list unless it is already tracked.
func (q *RedisQueue) Enqueue(ctx context.Context, uploadID string) error {
	return enqueueScript.Run(ctx, q.client, []string{q.metaKey(uploadID), q.readyKey},
		uploadID, time.Now().UnixMilli()).Err()
}

// Receive reclaims expired leases, promotes due retries, then leases the next ready job.
func (q *RedisQueue) Receive(ctx context.Context) (Delivery, bool, error) {
	now := time.Now()
	if _, err := q.PromoteScheduled(ctx, now, q.batchSize); err != nil {
		return Delivery{}, false, fmt.Errorf("promote scheduled: %w", err)
	}
	if _, err := q.RequeueExpired(ctx, now, q.batchSize); err != nil {
		return Delivery{}, false, fmt.Errorf("requeue expired: %w", err)
	}

	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey},
		now.Add(q.visibilityTTL).UnixMilli(), q.jobMetaPrefix).Result()
	if err == redis.Nil {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return Delivery{}, false, fmt.Errorf("unexpected reply from dequeue script: %T", res)
	}
	id, ok := arr[0].(string)
	if !ok {
		return Delivery{}, false, fmt.Errorf("unexpected job id type: %T", arr[0])
	}
	attempt, _ := arr[1].(int64)
	return Delivery{UploadID: id, Attempt: int(attempt)}, true, nil
}

// PromoteScheduled moves due retries into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.moveDue(ctx, q.scheduledKey, now, limit)
	return len(ids), err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

func (q *RedisQueue) moveDue(ctx context.Context, from string, now time.Time, limit int64) ([]string, error) {
	res, err := moveDueScript.Run(ctx, q.client, []string{from, q.readyKey}, now.UnixMilli(), limit).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	return res, err
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, d Delivery, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: d.UploadID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, d.UploadID)
	pipe.Del(ctx, q.metaKey(d.UploadID))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry releases the lease and schedules the job to become ready after delay.
// The attempt counter is kept so the next lease reports the following attempt.
func (q *RedisQueue) Retry(ctx context.Context, d Delivery, delay time.Duration) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, d.UploadID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: d.UploadID})
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetter stops tracking the job, appends it to the dead-letter list and records why.
func (q *RedisQueue) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, d.UploadID)
	pipe.Del(ctx, q.metaKey(d.UploadID))
	pipe.RPush(ctx, q.dlqKey, d.UploadID)
	pipe.HSet(ctx, q.dlqReasonKey(), d.UploadID, reason)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) dlqReasonKey() string {
	return q.dlqKey + ":reason"
}

// DLQReason returns the recorded cause for a dead-lettered upload, or "" when none is stored.
func (q *RedisQueue) DLQReason(ctx context.Context, uploadID string) (string, error) {
	v, err := q.client.HGet(ctx, q.dlqReasonKey(), uploadID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// Cancel removes a job from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, uploadID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, uploadID)
	pipe.ZRem(ctx, q.inflightKey, uploadID)
	pipe.ZRem(ctx, q.scheduledKey, uploadID)
	pipe.Del(ctx, q.metaKey(uploadID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered upload ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// Attempts reports how many times a tracked job has been leased.
func (q *RedisQueue) Attempts(ctx context.Context, uploadID string) (int, error) {
	v, err := q.client.HGet(ctx, q.metaKey(uploadID), "attempts").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], 'enqueued_at', ARGV[2]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'attempts', 0)
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if not job then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], job)
local attempts = redis.call('HINCRBY', ARGV[2] .. job, 'attempts', 1)
return {job, attempts}
`)

var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return ids
`)
