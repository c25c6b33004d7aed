// Package queue is a small durable Redis queue shared by the job and
// webhook engines: a list for ready work plus a sorted set for delayed
// retries, scored by the unix time the entry becomes due. CELERY_BROKER_URL
// names the Redis instance these queues live on.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrClosed is returned by Pop once ctx is cancelled.
var ErrClosed = errors.New("queue: closed")

// Queue is one named work queue. Multiple processes may Push and Pop
// concurrently; each entry is handed to exactly one popper (BRPOP). There
// is no acknowledgement: an entry popped by a consumer that then crashes is
// lost, so the queue by itself delivers each entry at most once. Callers
// get retries only by re-enqueueing explicitly.
type Queue struct {
	rdb     *redis.Client
	list    string
	delayed string
	clock   func() time.Time
}

// New builds a queue named name. The backing keys are "q:<name>" and
// "q:<name>:delayed".
func New(rdb *redis.Client, name string) *Queue {
	return &Queue{
		rdb:     rdb,
		list:    "q:" + name,
		delayed: "q:" + name + ":delayed",
		clock:   time.Now,
	}
}

// Push appends payload to the ready list.
func (q *Queue) Push(ctx context.Context, payload []byte) error {
	if err := q.rdb.LPush(ctx, q.list, payload).Err(); err != nil {
		return fmt.Errorf("queue: push %s: %w", q.list, err)
	}
	return nil
}

// PushDelayed schedules payload to become ready after d. Used by the
// engines' retry paths; the entry surfaces via Pop once due.
func (q *Queue) PushDelayed(ctx context.Context, payload []byte, d time.Duration) error {
	due := float64(q.clock().Add(d).UnixMilli())
	if err := q.rdb.ZAdd(ctx, q.delayed, redis.Z{Score: due, Member: payload}).Err(); err != nil {
		return fmt.Errorf("queue: push delayed %s: %w", q.delayed, err)
	}
	return nil
}

// Pop blocks for up to wait, returning the next ready payload. Before
// blocking it promotes any due delayed entries onto the ready list.
// Returns (nil, nil) when wait elapses with nothing to hand out, and
// ErrClosed once ctx is cancelled.
func (q *Queue) Pop(ctx context.Context, wait time.Duration) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, ErrClosed
	}
	if err := q.promoteDue(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	res, err := q.rdb.BRPop(ctx, wait, q.list).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, ErrClosed
	case err != nil:
		return nil, fmt.Errorf("queue: pop %s: %w", q.list, err)
	}
	// BRPop returns [key, value].
	return []byte(res[1]), nil
}

// promoteDue moves every delayed entry whose due time has passed onto the
// ready list. Entries are removed from the sorted set one at a time so a
// concurrent promoter can't duplicate them.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(q.clock().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		removed, err := q.rdb.ZRem(ctx, q.delayed, m).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another promoter got it first
		}
		if err := q.rdb.LPush(ctx, q.list, m).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the ready-list depth. Used by tests.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.list).Result()
}
