package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlarmStore is a durable alternative to Scheduler's default in-process
// time.AfterFunc timers, so armed schedules survive a process restart. When
// a Scheduler is constructed with one, arming a schedule writes its
// next-fire time here instead of starting a local timer, and a poll loop
// pops due alarms on every replica running against the same store.
type AlarmStore interface {
	// Arm records that scheduleID should next fire at "at".
	Arm(ctx context.Context, agencyID, scheduleID string, at time.Time) error
	// Disarm removes scheduleID's pending alarm, if any.
	Disarm(ctx context.Context, agencyID, scheduleID string) error
	// PopDue removes and returns every scheduleID whose armed time is <= now.
	// The read and the removal need not be one atomic step (RedisAlarmStore's
	// are not), so a due alarm can be returned more than once.
	PopDue(ctx context.Context, agencyID string, now time.Time) ([]string, error)
}

// RedisAlarmStore implements AlarmStore on a Redis sorted set: ZADD stores
// scheduleID members scored by their next-fire Unix-millisecond time, and
// PopDue uses ZRANGEBYSCORE + ZREM to claim due members.
type RedisAlarmStore struct {
	client *redis.Client
	prefix string
}

// NewRedisAlarmStore constructs a RedisAlarmStore. prefix namespaces the
// sorted-set keys (e.g. "agencyhq:alarms") so multiple deployments can share
// one Redis instance.
func NewRedisAlarmStore(client *redis.Client, prefix string) *RedisAlarmStore {
	if prefix == "" {
		prefix = "agencyhq:alarms"
	}
	return &RedisAlarmStore{client: client, prefix: prefix}
}

func (r *RedisAlarmStore) key(agencyID string) string {
	return fmt.Sprintf("%s:%s", r.prefix, agencyID)
}

// Arm implements AlarmStore.
func (r *RedisAlarmStore) Arm(ctx context.Context, agencyID, scheduleID string, at time.Time) error {
	return r.client.ZAdd(ctx, r.key(agencyID), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: scheduleID,
	}).Err()
}

// Disarm implements AlarmStore.
func (r *RedisAlarmStore) Disarm(ctx context.Context, agencyID, scheduleID string) error {
	return r.client.ZRem(ctx, r.key(agencyID), scheduleID).Err()
}

// PopDue implements AlarmStore. It claims due members with ZRANGEBYSCORE
// then ZREM rather than a single atomic op; firing is at-least-once, and
// the Scheduler already guards against duplicate concurrent runs via
// overlapPolicy.
func (r *RedisAlarmStore) PopDue(ctx context.Context, agencyID string, now time.Time) ([]string, error) {
	key := r.key(agencyID)
	ids, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scheduler: pop due alarms: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := r.client.ZRem(ctx, key, members...).Err(); err != nil {
		return nil, fmt.Errorf("scheduler: claim due alarms: %w", err)
	}
	return ids, nil
}
