package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DelayQueue parks payloads in a Redis sorted set scored by their
// deliver-at time. PumpDue pops everything that has matured and feeds
// it to a handler; the pop is atomic per member so two pumps never hand
// out the same payload.
type DelayQueue struct {
	rdb  redis.UniversalClient
	key  string
	log  zerolog.Logger
	tick time.Duration
}

// NewDelayQueue builds a delay lane under the given sorted-set key.
func NewDelayQueue(rdb redis.UniversalClient, key string, log zerolog.Logger) *DelayQueue {
	return &DelayQueue{
		rdb:  rdb,
		key:  key,
		log:  log.With().Str("component", "delay").Str("key", key).Logger(),
		tick: time.Second,
	}
}

// PublishDelayed implements Delayer.
func (q *DelayQueue) PublishDelayed(ctx context.Context, value []byte, deliverAt time.Time) error {
	err := q.rdb.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(deliverAt.UnixMilli()),
		Member: string(value),
	}).Err()
	if err != nil {
		return fmt.Errorf("broker: delay enqueue: %w", err)
	}
	return nil
}

// PumpDue pops matured payloads and calls handle for each until ctx is
// cancelled. A handler error requeues the payload for one tick later.
func (q *DelayQueue) PumpDue(ctx context.Context, handle func(ctx context.Context, value []byte) error) {
	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			member, ok := q.popDue(ctx)
			if !ok {
				break
			}
			if err := handle(ctx, []byte(member)); err != nil {
				q.log.Warn().Err(err).Msg("delayed message handling failed, requeueing")
				if rerr := q.PublishDelayed(ctx, []byte(member), time.Now().Add(q.tick)); rerr != nil {
					q.log.Error().Err(rerr).Msg("delayed message requeue failed, dropping")
				}
			}
		}
	}
}

func (q *DelayQueue) popDue(ctx context.Context) (string, bool) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	// Scripted pop keeps the read and remove atomic.
	const script = `
local v = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #v == 0 then return false end
redis.call('ZREM', KEYS[1], v[1])
return v[1]`
	res, err := q.rdb.Eval(ctx, script, []string{q.key}, now).Result()
	if err == redis.Nil || res == nil {
		return "", false
	}
	if err != nil {
		q.log.Warn().Err(err).Msg("delay pop failed")
		return "", false
	}
	s, ok := res.(string)
	return s, ok && s != ""
}
