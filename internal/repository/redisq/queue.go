// Package redisq implements the automation work queue on Redis.
//
// Layout under the key prefix:
//
//	<prefix>ready        ZSET  id scored by not_before (unix ms)
//	<prefix>claimed      ZSET  id scored by claimed_at (unix ms)
//	<prefix>item:<id>    HASH  data (JSON), not_before, attempts, last_error,
//	                           claimed_by, claimed_at
//
// Every operation runs as a Lua script so a move between the two sets and
// the hash update happen atomically. Enqueue never overwrites an existing
// item. Ack and Retry only act while the caller's claimed_by still matches.
// Items with the same not_before are claimed in id order.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces the queue keys.
const DefaultPrefix = "flow-engine:queue:"

var (
	enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
	return 0
end
redis.call("HSET", KEYS[2], "data", ARGV[1], "not_before", ARGV[2], "attempts", ARGV[3], "last_error", ARGV[4])
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[5])
return 1
`)

	claimScript = redis.NewScript(`
while true do
	local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
	if #ids == 0 then
		return false
	end
	local id = ids[1]
	redis.call("ZREM", KEYS[1], id)
	local key = ARGV[3] .. id
	if redis.call("EXISTS", key) == 1 then
		redis.call("ZADD", KEYS[2], ARGV[1], id)
		redis.call("HSET", key, "claimed_by", ARGV[2], "claimed_at", ARGV[1])
		return redis.call("HGETALL", key)
	end
end
`)

	ackScript = redis.NewScript(`
local key = ARGV[2] .. ARGV[1]
if redis.call("HGET", key, "claimed_by") ~= ARGV[3] then
	return 0
end
redis.call("DEL", key)
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return 1
`)

	retryScript = redis.NewScript(`
local key = ARGV[5] .. ARGV[1]
if redis.call("HGET", key, "claimed_by") ~= ARGV[6] then
	return 0
end
redis.call("HSET", key, "not_before", ARGV[2], "attempts", ARGV[3], "last_error", ARGV[4])
redis.call("HDEL", key, "claimed_by", "claimed_at")
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
return 1
`)

	recoverScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", "(" .. ARGV[1])
local n = 0
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[2], id)
	local key = ARGV[2] .. id
	if redis.call("EXISTS", key) == 1 then
		redis.call("HDEL", key, "claimed_by", "claimed_at")
		redis.call("HINCRBY", key, "attempts", 1)
		local last = redis.call("HGET", key, "last_error")
		if not last or last == "" then
			redis.call("HSET", key, "last_error", ARGV[3])
		end
		redis.call("ZADD", KEYS[1], redis.call("HGET", key, "not_before"), id)
		n = n + 1
	end
end
return n
`)
)

// claimExpired is recorded on recovered items that have no earlier error.
const claimExpired = "claim expired"

// Queue implements automation.Queue.
type Queue struct {
	client  *redis.Client
	ready   string
	claimed string
	items   string
}

// NewQueue creates a queue whose keys live under prefix (DefaultPrefix when
// empty).
func NewQueue(client *redis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Queue{
		client:  client,
		ready:   prefix + "ready",
		claimed: prefix + "claimed",
		items:   prefix + "item:",
	}
}

func (q *Queue) itemKey(id string) string { return q.items + id }

func (q *Queue) Enqueue(ctx context.Context, item *domain.QueueItem) error {
	c := *item
	c.ClaimedAt = nil
	c.ClaimedBy = ""
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}

	err = enqueueScript.Run(ctx, q.client,
		[]string{q.ready, q.itemKey(c.ID)},
		data, c.NotBefore.UnixMilli(), c.Attempts, c.LastError, c.ID,
	).Err()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", c.ID, err)
	}
	return nil
}

func (q *Queue) Claim(ctx context.Context, now time.Time, claimToken string) (*domain.QueueItem, error) {
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.ready, q.claimed},
		now.UnixMilli(), claimToken, q.items,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	return decodeItem(res)
}

func (q *Queue) Ack(ctx context.Context, item *domain.QueueItem) error {
	if item.ClaimedBy == "" {
		return automation.ErrClaimLost
	}
	n, err := ackScript.Run(ctx, q.client,
		[]string{q.ready, q.claimed},
		item.ID, q.items, item.ClaimedBy,
	).Int()
	if err != nil {
		return fmt.Errorf("ack %s: %w", item.ID, err)
	}
	if n == 0 {
		return automation.ErrClaimLost
	}
	return nil
}

func (q *Queue) Retry(ctx context.Context, item *domain.QueueItem, notBefore time.Time, lastErr string) error {
	if item.ClaimedBy == "" {
		return automation.ErrClaimLost
	}
	n, err := retryScript.Run(ctx, q.client,
		[]string{q.ready, q.claimed},
		item.ID, notBefore.UnixMilli(), item.Attempts+1, lastErr, q.items, item.ClaimedBy,
	).Int()
	if err != nil {
		return fmt.Errorf("retry %s: %w", item.ID, err)
	}
	if n == 0 {
		return automation.ErrClaimLost
	}
	return nil
}

func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := recoverScript.Run(ctx, q.client,
		[]string{q.ready, q.claimed},
		olderThan.UnixMilli(), q.items, claimExpired,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("recover stale claims: %w", err)
	}
	return n, nil
}

// Depth returns the number of ready and claimed items.
func (q *Queue) Depth(ctx context.Context) (ready, claimed int64, err error) {
	pipe := q.client.Pipeline()
	r := pipe.ZCard(ctx, q.ready)
	c := pipe.ZCard(ctx, q.claimed)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return r.Val(), c.Val(), nil
}

// decodeItem rebuilds an item from a flattened HGETALL reply.
func decodeItem(flat []string) (*domain.QueueItem, error) {
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		fields[flat[i]] = flat[i+1]
	}

	var it domain.QueueItem
	if err := json.Unmarshal([]byte(fields["data"]), &it); err != nil {
		return nil, fmt.Errorf("decode queue item: %w", err)
	}
	if ms, err := strconv.ParseInt(fields["not_before"], 10, 64); err == nil {
		it.NotBefore = time.UnixMilli(ms).UTC()
	}
	if n, err := strconv.Atoi(fields["attempts"]); err == nil {
		it.Attempts = n
	}
	it.LastError = fields["last_error"]
	it.ClaimedBy = fields["claimed_by"]
	if ms, err := strconv.ParseInt(fields["claimed_at"], 10, 64); err == nil {
		at := time.UnixMilli(ms).UTC()
		it.ClaimedAt = &at
	}
	return &it, nil
}
