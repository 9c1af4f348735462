package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Dalcio/pixelforge/models"
)

// ErrEmpty is returned by Reserve when no delivery arrived before the timeout.
var ErrEmpty = errors.New("queue: no delivery available")

// ErrMalformed is returned by Reserve for an envelope that cannot be decoded.
// The entry has already been removed from the processing list.
var ErrMalformed = errors.New("queue: malformed envelope")

var ErrNoDelivery = errors.New("queue: no delivery recorded")

// Delivery states kept in the per-job hash.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateDiscarded = "discarded"
)

type Keys struct {
	Pending        string
	Processing     string
	Failed         string
	Delayed        string
	DeliveryPrefix string
}

func (k Keys) delivery(jobID string) string {
	return k.DeliveryPrefix + jobID
}

type EnqueueOptions struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Envelope wraps a queue message with its delivery bookkeeping.
type Envelope struct {
	Message     models.QueueMessage `json:"message"`
	Attempt     int                 `json:"attempt"`
	MaxAttempts int                 `json:"maxAttempts"`
	Backoff     time.Duration       `json:"backoff"`
	EnqueuedAt  time.Time           `json:"enqueuedAt"`

	raw string
}

func (e *Envelope) JobID() string {
	return e.Message.JobID
}

// Delivery is the recorded state of a job's latest delivery.
type Delivery struct {
	State     string
	Attempt   int
	StartedAt time.Time
	Error     string
}

// A delivery that is waiting, active or delayed blocks a second enqueue.
var enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'waiting' or state == 'active' or state == 'delayed' then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'state', 'waiting', 'attempt', 0, 'updated_at', ARGV[2])
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// promoteScript marks each delivery waiting before its envelope becomes
// reservable, so a worker's active state is never overwritten.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  local ok, env = pcall(cjson.decode, member)
  if ok and type(env) == 'table' and type(env.message) == 'table' and type(env.message.jobId) == 'string' then
    redis.call('HSET', ARGV[3] .. env.message.jobId, 'state', ARGV[4], 'updated_at', ARGV[1])
  end
  redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// RedisQueue is a reliable work queue: a reserved envelope sits on the
// processing list until it is acked, failed or discarded.
type RedisQueue struct {
	client redis.UniversalClient
	keys   Keys
	now    func() time.Time
}

func NewRedisQueue(client redis.UniversalClient, keys Keys) *RedisQueue {
	return &RedisQueue{client: client, keys: keys, now: time.Now}
}

// Enqueue records a new delivery for msg.JobID and pushes it onto the pending
// list. It reports false without writing when a delivery for the job is
// already in flight.
func (q *RedisQueue) Enqueue(ctx context.Context, msg models.QueueMessage, opts EnqueueOptions) (bool, error) {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	env := Envelope{
		Message:     msg,
		Attempt:     1,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		EnqueuedAt:  q.now().UTC(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("encode envelope: %w", err)
	}

	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.keys.delivery(msg.JobID), q.keys.Pending},
		string(raw), q.now().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue job %s: %w", msg.JobID, err)
	}
	return res == 1, nil
}

// Reserve blocks up to timeout for the next envelope and moves it to the
// processing list.
func (q *RedisQueue) Reserve(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	raw, err := q.client.BRPopLPush(ctx, q.keys.Pending, q.keys.Processing, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}

	env, err := decodeEnvelope(raw)
	if err != nil {
		q.client.LRem(ctx, q.keys.Processing, 1, raw)
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	now := q.now().UnixMilli()
	err = q.client.HSet(ctx, q.keys.delivery(env.JobID()),
		"state", StateActive,
		"attempt", env.Attempt,
		"started_at", now,
		"updated_at", now,
	).Err()
	if err != nil {
		return nil, fmt.Errorf("mark delivery active: %w", err)
	}
	return env, nil
}

func (q *RedisQueue) Ack(ctx context.Context, env *Envelope) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.keys.Processing, 1, env.raw)
		pipe.HSet(ctx, q.keys.delivery(env.JobID()),
			"state", StateCompleted,
			"updated_at", q.now().UnixMilli(),
		)
		pipe.HDel(ctx, q.keys.delivery(env.JobID()), "error")
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job %s: %w", env.JobID(), err)
	}
	return nil
}

// Fail ends the current attempt. While attempts remain the next one is
// scheduled on the delayed set after Backoff*2^(attempt-1); otherwise the
// envelope is moved to the failed list. It reports whether a retry was
// scheduled.
func (q *RedisQueue) Fail(ctx context.Context, env *Envelope, cause error) (bool, error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	now := q.now()
	key := q.keys.delivery(env.JobID())

	if env.Attempt < env.MaxAttempts {
		next := *env
		next.Attempt++
		raw, err := json.Marshal(next)
		if err != nil {
			return false, fmt.Errorf("encode envelope: %w", err)
		}
		due := now.Add(Backoff(env.Backoff, env.Attempt))

		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.keys.Processing, 1, env.raw)
			pipe.ZAdd(ctx, q.keys.Delayed, redis.Z{Score: float64(due.UnixMilli()), Member: string(raw)})
			pipe.HSet(ctx, key,
				"state", StateDelayed,
				"error", reason,
				"updated_at", now.UnixMilli(),
			)
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("schedule retry for job %s: %w", env.JobID(), err)
		}
		return true, nil
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.keys.Processing, 1, env.raw)
		pipe.LPush(ctx, q.keys.Failed, env.raw)
		pipe.HSet(ctx, key,
			"state", StateFailed,
			"error", reason,
			"updated_at", now.UnixMilli(),
		)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("dead-letter job %s: %w", env.JobID(), err)
	}
	return false, nil
}

// Discard drops a delivery whose job no longer exists.
func (q *RedisQueue) Discard(ctx context.Context, env *Envelope) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.keys.Processing, 1, env.raw)
		pipe.HSet(ctx, q.keys.delivery(env.JobID()),
			"state", StateDiscarded,
			"updated_at", q.now().UnixMilli(),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("discard job %s: %w", env.JobID(), err)
	}
	return nil
}

// PromoteDue moves up to limit delayed envelopes whose time has come back
// onto the pending list.
func (q *RedisQueue) PromoteDue(ctx context.Context, limit int) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.keys.Delayed, q.keys.Pending},
		q.now().UnixMilli(), limit, q.keys.DeliveryPrefix, StateWaiting,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	return n, nil
}

// RecoverStale fails processing entries whose attempt started more than
// olderThan ago. Their worker is assumed dead.
func (q *RedisQueue) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	entries, err := q.client.LRange(ctx, q.keys.Processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("read processing list: %w", err)
	}

	cutoff := q.now().Add(-olderThan)
	recovered := 0
	for _, raw := range entries {
		env, err := decodeEnvelope(raw)
		if err != nil {
			q.client.LRem(ctx, q.keys.Processing, 1, raw)
			continue
		}

		started := env.EnqueuedAt
		if d, err := q.Delivery(ctx, env.JobID()); err == nil && !d.StartedAt.IsZero() {
			started = d.StartedAt
		}
		if started.After(cutoff) {
			continue
		}

		if _, err := q.Fail(ctx, env, fmt.Errorf("delivery stalled for more than %s", olderThan)); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// Delivery returns the recorded state of a job's latest delivery.
func (q *RedisQueue) Delivery(ctx context.Context, jobID string) (Delivery, error) {
	fields, err := q.client.HGetAll(ctx, q.keys.delivery(jobID)).Result()
	if err != nil {
		return Delivery{}, err
	}
	if len(fields) == 0 {
		return Delivery{}, ErrNoDelivery
	}

	d := Delivery{State: fields["state"], Error: fields["error"]}
	d.Attempt, _ = strconv.Atoi(fields["attempt"])
	if ms, err := strconv.ParseInt(fields["started_at"], 10, 64); err == nil {
		d.StartedAt = time.UnixMilli(ms).UTC()
	}
	return d, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Backoff returns the delay before the attempt that follows attempt.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

func decodeEnvelope(raw string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, err
	}
	if env.Message.JobID == "" {
		return nil, errors.New("missing job id")
	}
	env.raw = raw
	return &env, nil
}
