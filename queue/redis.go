package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"shortsDownloader/pool"
)

// Lists: wait (LPUSH in, BLMOVE out from the right), active, dead.
// Sorted sets: delayed (score = ready time ms), leases (score = visibility deadline ms).
type redisKeys struct {
	wait, active, dead, delayed, leases string
}

func newRedisKeys(name string) redisKeys {
	prefix := "queue:" + name + ":"
	return redisKeys{
		wait:    prefix + "wait",
		active:  prefix + "active",
		dead:    prefix + "dead",
		delayed: prefix + "delayed",
		leases:  prefix + "leases",
	}
}

// finishScript settles an active payload only if this consumer still owns it.
var finishScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if removed == 0 then
	return 0
end
if ARGV[2] == 'delay' then
	redis.call('ZADD', KEYS[3], ARGV[4], ARGV[3])
elseif ARGV[2] == 'push' then
	redis.call('LPUSH', KEYS[3], ARGV[3])
elseif ARGV[2] == 'front' then
	redis.call('RPUSH', KEYS[3], ARGV[3])
end
return 1
`)

var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, m in ipairs(due) do
	redis.call('ZREM', KEYS[1], m)
	redis.call('LPUSH', KEYS[2], m)
end
return #due
`)

var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, m in ipairs(expired) do
	redis.call('ZREM', KEYS[1], m)
	if redis.call('LREM', KEYS[2], 1, m) > 0 then
		redis.call('RPUSH', KEYS[3], m)
	end
end
return #expired
`)

type RedisOptions struct {
	Name              string
	Policy            RetryPolicy
	VisibilityTimeout time.Duration
	Concurrency       int
	EnqueueTimeout    time.Duration
	PollTimeout       time.Duration
	MaintainInterval  time.Duration
}

// RedisQueue is a durable queue on Redis lists and sorted sets. A delivery
// stays leased for VisibilityTimeout; if the worker dies without settling
// it, the lease expires and the message goes back to the wait list.
type RedisQueue struct {
	client *redis.Client
	keys   redisKeys
	opts   RedisOptions
	logger *zap.Logger
}

func NewRedisQueue(client *redis.Client, opts RedisOptions, logger *zap.Logger) *RedisQueue {
	if opts.Name == "" {
		opts.Name = "video-download"
	}
	opts.Policy = opts.Policy.Normalize()
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 10 * time.Minute
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 5 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 2 * time.Second
	}
	if opts.MaintainInterval <= 0 {
		opts.MaintainInterval = time.Second
	}

	return &RedisQueue{
		client: client,
		keys:   newRedisKeys(opts.Name),
		opts:   opts,
		logger: logger,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg *Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, q.opts.EnqueueTimeout)
	defer cancel()

	return q.client.LPush(ctx, q.keys.wait, payload).Err()
}

func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	if err := q.adoptOrphans(ctx); err != nil {
		q.logger.Warn("Failed to adopt orphaned deliveries", zap.Error(err))
	}

	go q.maintain(ctx)

	p := pool.NewWorkerPool(q.opts.Concurrency)
	defer p.Wait()

	for {
		if !p.Acquire(ctx) {
			return nil
		}

		payload, msg, err := q.receive(ctx)
		if err != nil {
			p.Release()
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, redis.Nil) {
				q.logger.Error("Failed to receive message", zap.Error(err))
				sleep(ctx, time.Second)
			}
			continue
		}
		if msg == nil {
			p.Release()
			continue
		}

		p.Go(func() { q.handle(ctx, payload, msg, handler) })
	}
}

// receive moves the next payload from wait to active and leases it. An
// undecodable payload is dead-lettered and returned with a nil message.
func (q *RedisQueue) receive(ctx context.Context) (string, *Message, error) {
	payload, err := q.client.BLMove(ctx, q.keys.wait, q.keys.active, "RIGHT", "LEFT", q.opts.PollTimeout).Result()
	if err != nil {
		return "", nil, err
	}

	if err := q.lease(ctx, payload); err != nil {
		q.logger.Warn("Failed to lease message", zap.Error(err))
	}

	msg, err := Decode([]byte(payload))
	if err != nil {
		q.logger.Error("Dropping undecodable message to dead letters", zap.Error(err))
		q.settle(ctx, payload, "push", q.keys.dead, payload, 0)
		return payload, nil, nil
	}
	return payload, msg, nil
}

func (q *RedisQueue) handle(ctx context.Context, payload string, msg *Message, handler Handler) {
	stop := q.keepLeased(ctx, payload)
	err := handler(ctx, msg)
	stop()

	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted the handler; hand the delivery back untouched.
		q.settle(ctx, payload, "front", q.keys.wait, payload, 0)
		return
	}

	outcome, delay := q.opts.Policy.Decide(msg.Attempt, err)
	switch outcome {
	case OutcomeAck:
		q.settle(ctx, payload, "ack", q.keys.dead, "", 0)
	case OutcomeRetry:
		next := msg.retry(err, delay, time.Now())
		data, encErr := Encode(next)
		if encErr != nil {
			q.logger.Error("Failed to encode retry", zap.String("job_id", msg.JobID), zap.Error(encErr))
			return
		}
		q.logger.Info("Scheduling retry",
			zap.String("job_id", msg.JobID),
			zap.Int("attempt", next.Attempt),
			zap.Duration("delay", delay),
		)
		q.settle(ctx, payload, "delay", q.keys.delayed, string(data), next.NotBefore.UnixMilli())
	case OutcomeRequeue:
		next := msg.requeue(err, delay, time.Now())
		data, encErr := Encode(next)
		if encErr != nil {
			q.logger.Error("Failed to encode requeue", zap.String("job_id", msg.JobID), zap.Error(encErr))
			return
		}
		q.logger.Warn("Requeueing attempt",
			zap.String("job_id", msg.JobID),
			zap.Int("attempt", msg.Attempt),
			zap.Error(err),
		)
		q.settle(ctx, payload, "delay", q.keys.delayed, string(data), next.NotBefore.UnixMilli())
	case OutcomeDeadLetter:
		data, encErr := Encode(msg.dead(err))
		if encErr != nil {
			data = []byte(payload)
		}
		q.logger.Warn("Message dead-lettered",
			zap.String("job_id", msg.JobID),
			zap.Int("attempt", msg.Attempt),
			zap.Error(err),
		)
		q.settle(ctx, payload, "push", q.keys.dead, string(data), 0)
	}
}

// settle runs finishScript with a context that outlives shutdown. It reports
// whether this consumer still owned the delivery.
func (q *RedisQueue) settle(ctx context.Context, payload, mode, target, next string, score int64) bool {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	owned, err := finishScript.Run(sctx, q.client,
		[]string{q.keys.active, q.keys.leases, target},
		payload, mode, next, strconv.FormatInt(score, 10),
	).Int()
	if err != nil {
		q.logger.Error("Failed to settle message", zap.String("mode", mode), zap.Error(err))
		return false
	}
	if owned == 0 {
		q.logger.Warn("Delivery was already reclaimed", zap.String("mode", mode))
		return false
	}
	return true
}

func (q *RedisQueue) lease(ctx context.Context, payload string) error {
	deadline := time.Now().Add(q.opts.VisibilityTimeout).UnixMilli()
	return q.client.ZAdd(ctx, q.keys.leases, redis.Z{Score: float64(deadline), Member: payload}).Err()
}

// keepLeased extends the lease while the handler runs.
func (q *RedisQueue) keepLeased(ctx context.Context, payload string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(q.opts.VisibilityTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(q.opts.VisibilityTimeout).UnixMilli()
				err := q.client.ZAddXX(ctx, q.keys.leases, redis.Z{Score: float64(deadline), Member: payload}).Err()
				if err != nil {
					q.logger.Warn("Failed to extend lease", zap.Error(err))
				}
			}
		}
	}()
	return func() { close(done) }
}

// adoptOrphans gives a lease to active payloads that lost theirs, e.g. when a
// worker died between BLMOVE and ZADD.
func (q *RedisQueue) adoptOrphans(ctx context.Context) error {
	payloads, err := q.client.LRange(ctx, q.keys.active, 0, -1).Result()
	if err != nil {
		return err
	}
	deadline := float64(time.Now().Add(q.opts.VisibilityTimeout).UnixMilli())
	for _, payload := range payloads {
		if err := q.client.ZAddNX(ctx, q.keys.leases, redis.Z{Score: deadline, Member: payload}).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) maintain(ctx context.Context) {
	ticker := time.NewTicker(q.opts.MaintainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tick(ctx, time.Now())
		}
	}
}

// tick promotes delayed messages that are due at now and returns expired
// leases to the wait list.
func (q *RedisQueue) tick(ctx context.Context, now time.Time) (promoted, reaped int) {
	ms := strconv.FormatInt(now.UnixMilli(), 10)

	promoted, err := promoteScript.Run(ctx, q.client, []string{q.keys.delayed, q.keys.wait}, ms, 100).Int()
	if err != nil && ctx.Err() == nil {
		q.logger.Error("Failed to promote delayed messages", zap.Error(err))
	} else if promoted > 0 {
		q.logger.Debug("Promoted delayed messages", zap.Int("count", promoted))
	}

	reaped, err = reapScript.Run(ctx, q.client, []string{q.keys.leases, q.keys.active, q.keys.wait}, ms, 100).Int()
	if err != nil && ctx.Err() == nil {
		q.logger.Error("Failed to reap expired leases", zap.Error(err))
	} else if reaped > 0 {
		q.logger.Warn("Redelivering messages with expired leases", zap.Int("count", reaped))
	}
	return promoted, reaped
}

// DeadLetters returns up to limit dead-lettered messages, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]*Message, error) {
	payloads, err := q.client.LRange(ctx, q.keys.dead, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*Message, 0, len(payloads))
	for _, payload := range payloads {
		msg, err := Decode([]byte(payload))
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
