package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// promoteScript moves up to ARGV[2] delayed jobs whose due time (ms) is at or
// before ARGV[1] onto the ready list.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, payload in ipairs(due) do
	redis.call('ZREM', KEYS[1], payload)
	redis.call('RPUSH', KEYS[2], payload)
end
return #due
`)

// RedisBroker keeps ready jobs in a list and delayed jobs in a sorted set
// scored by due time.
type RedisBroker struct {
	rdb     *redis.Client
	ready   string
	delayed string
	dead    string
}

func NewRedisBroker(rdb *redis.Client, name string) *RedisBroker {
	return &RedisBroker{
		rdb:     rdb,
		ready:   name + ":ready",
		delayed: name + ":delayed",
		dead:    name + ":dead",
	}
}

// OpenRedis parses a redis:// URL and pings the server.
func OpenRedis(ctx context.Context, url, name string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisBroker(rdb, name), nil
}

func (b *RedisBroker) Publish(ctx context.Context, job *Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if delay <= 0 {
		return b.rdb.RPush(ctx, b.ready, payload).Err()
	}
	due := time.Now().Add(delay).UnixMilli()
	return b.rdb.ZAdd(ctx, b.delayed, &redis.Z{Score: float64(due), Member: string(payload)}).Err()
}

func (b *RedisBroker) Receive(ctx context.Context, wait time.Duration) (*Delivery, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := promoteScript.Run(ctx, b.rdb, []string{b.delayed, b.ready}, now, 100).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("promote delayed: %w", err)
	}

	if wait < time.Second {
		wait = time.Second
	}
	res, err := b.rdb.BLPop(ctx, wait, b.ready).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		_ = b.rdb.RPush(ctx, b.dead, res[1]).Err()
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &Delivery{Job: &job}, nil
}

func (b *RedisBroker) Dead(ctx context.Context, job *Job, reason string) error {
	cp := *job
	cp.LastError = reason
	payload, err := json.Marshal(&cp)
	if err != nil {
		return err
	}
	return b.rdb.RPush(ctx, b.dead, payload).Err()
}

// DeadLen reports how many jobs are parked.
func (b *RedisBroker) DeadLen(ctx context.Context) (int64, error) {
	return b.rdb.LLen(ctx, b.dead).Result()
}

func (b *RedisBroker) Close() error { return b.rdb.Close() }
