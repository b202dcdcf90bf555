package jobqueue

import (
	"strconv"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/heraldbot/herald/common"
	"github.com/mediocregopher/radix/v3"
)

// RedisBackend stores the queue in redis: a sorted set of scheduled job ids
// scored by their next run time, a sorted set of active job ids scored by
// their stall deadline, and one hash per job definition.
type RedisBackend struct {
	pool  *radix.Pool
	queue string
}

var _ Backend = (*RedisBackend)(nil)

func NewRedisBackend(pool *radix.Pool, queue string) *RedisBackend {
	return &RedisBackend{
		pool:  pool,
		queue: queue,
	}
}

func (rb *RedisBackend) keyScheduled() string { return "jobs:" + rb.queue + ":scheduled" }
func (rb *RedisBackend) keyActive() string    { return "jobs:" + rb.queue + ":active" }
func (rb *RedisBackend) keyDef(id string) string {
	return "jobs:" + rb.queue + ":def:" + id
}
func (rb *RedisBackend) keyClaimLock() string { return "jobs:" + rb.queue + ":claim_lock" }

func unixMS(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func (rb *RedisBackend) Upsert(job *Job, runAt time.Time) error {
	err := rb.pool.Do(radix.FlatCmd(nil, "HSET", rb.keyDef(job.ID),
		"name", job.Name,
		"payload", job.Payload,
		"repeat_ms", int64(job.Repeat/time.Millisecond),
		"max_attempts", job.MaxAttempts,
		"created_at", job.CreatedAt.UTC().Unix()))
	if err != nil {
		return errors.WithStackIf(err)
	}

	err = rb.pool.Do(radix.FlatCmd(nil, "HSETNX", rb.keyDef(job.ID), "attempts", 0))
	if err != nil {
		return errors.WithStackIf(err)
	}

	// don't schedule a second run for a job that is currently executing
	var activeScore *string
	err = rb.pool.Do(radix.Cmd(&activeScore, "ZSCORE", rb.keyActive(), job.ID))
	if err != nil {
		return errors.WithStackIf(err)
	}
	if activeScore != nil {
		return nil
	}

	// NX keeps the existing schedule on re-registration
	err = rb.pool.Do(radix.FlatCmd(nil, "ZADD", rb.keyScheduled(), "NX", unixMS(runAt), job.ID))
	return errors.WithStackIf(err)
}

func (rb *RedisBackend) Remove(jobID string) error {
	err := rb.pool.Do(radix.Cmd(nil, "ZREM", rb.keyScheduled(), jobID))
	if err != nil {
		return errors.WithStackIf(err)
	}

	err = rb.pool.Do(radix.Cmd(nil, "ZREM", rb.keyActive(), jobID))
	if err != nil {
		return errors.WithStackIf(err)
	}

	err = rb.pool.Do(radix.Cmd(nil, "DEL", rb.keyDef(jobID)))
	return errors.WithStackIf(err)
}

func (rb *RedisBackend) Claim(now time.Time, limit int, stallDeadline time.Time) ([]*Job, error) {
	// claiming is guarded by a short lock so multiple workers don't grab the
	// same due jobs; losing the race just means catching the next poll
	locked, err := common.TryLockRedisKey(rb.keyClaimLock(), 10)
	if err != nil {
		return nil, errors.WithStackIf(err)
	}
	if !locked {
		return nil, nil
	}
	defer common.UnlockRedisKey(rb.keyClaimLock())

	var ids []string
	err = rb.pool.Do(radix.FlatCmd(&ids, "ZRANGEBYSCORE", rb.keyScheduled(),
		"-inf", unixMS(now), "LIMIT", 0, limit))
	if err != nil {
		return nil, errors.WithStackIf(err)
	}

	claimed := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := rb.readJob(id)
		if err != nil {
			logger.WithError(err).WithField("job", id).Error("failed reading job definition")
			continue
		}

		if job == nil {
			// orphaned schedule entry
			rb.pool.Do(radix.Cmd(nil, "ZREM", rb.keyScheduled(), id))
			continue
		}

		err = rb.pool.Do(radix.FlatCmd(&job.Attempts, "HINCRBY", rb.keyDef(id), "attempts", 1))
		if err != nil {
			return claimed, errors.WithStackIf(err)
		}

		err = rb.pool.Do(radix.Cmd(nil, "ZREM", rb.keyScheduled(), id))
		if err != nil {
			return claimed, errors.WithStackIf(err)
		}

		err = rb.pool.Do(radix.FlatCmd(nil, "ZADD", rb.keyActive(), unixMS(stallDeadline), id))
		if err != nil {
			return claimed, errors.WithStackIf(err)
		}

		claimed = append(claimed, job)
	}

	return claimed, nil
}

func (rb *RedisBackend) readJob(id string) (*Job, error) {
	var fields map[string]string
	err := rb.pool.Do(radix.Cmd(&fields, "HGETALL", rb.keyDef(id)))
	if err != nil {
		return nil, err
	}

	if len(fields) == 0 {
		return nil, nil
	}

	repeatMS, _ := strconv.ParseInt(fields["repeat_ms"], 10, 64)
	maxAttempts, _ := strconv.Atoi(fields["max_attempts"])
	attempts, _ := strconv.Atoi(fields["attempts"])
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)

	return &Job{
		ID:          id,
		Name:        fields["name"],
		Payload:     []byte(fields["payload"]),
		Repeat:      time.Duration(repeatMS) * time.Millisecond,
		MaxAttempts: maxAttempts,
		Attempts:    attempts,
		CreatedAt:   time.Unix(createdAt, 0),
	}, nil
}

func (rb *RedisBackend) Done(job *Job, next time.Time) error {
	err := rb.pool.Do(radix.Cmd(nil, "ZREM", rb.keyActive(), job.ID))
	if err != nil {
		return errors.WithStackIf(err)
	}

	if job.Repeat > 0 {
		err = rb.pool.Do(radix.FlatCmd(nil, "HSET", rb.keyDef(job.ID), "attempts", 0))
		if err != nil {
			return errors.WithStackIf(err)
		}

		err = rb.pool.Do(radix.FlatCmd(nil, "ZADD", rb.keyScheduled(), unixMS(next), job.ID))
		return errors.WithStackIf(err)
	}

	err = rb.pool.Do(radix.Cmd(nil, "DEL", rb.keyDef(job.ID)))
	return errors.WithStackIf(err)
}

func (rb *RedisBackend) Retry(job *Job, runAt time.Time) error {
	err := rb.pool.Do(radix.Cmd(nil, "ZREM", rb.keyActive(), job.ID))
	if err != nil {
		return errors.WithStackIf(err)
	}

	err = rb.pool.Do(radix.FlatCmd(nil, "HSET", rb.keyDef(job.ID), "attempts", job.Attempts))
	if err != nil {
		return errors.WithStackIf(err)
	}

	err = rb.pool.Do(radix.FlatCmd(nil, "ZADD", rb.keyScheduled(), unixMS(runAt), job.ID))
	return errors.WithStackIf(err)
}

func (rb *RedisBackend) RequeueStalled(now time.Time) (int, error) {
	var ids []string
	err := rb.pool.Do(radix.FlatCmd(&ids, "ZRANGEBYSCORE", rb.keyActive(), "-inf", unixMS(now)))
	if err != nil {
		return 0, errors.WithStackIf(err)
	}

	n := 0
	for _, id := range ids {
		var removed int
		err = rb.pool.Do(radix.Cmd(&removed, "ZREM", rb.keyActive(), id))
		if err != nil {
			return n, errors.WithStackIf(err)
		}

		// another worker may have requeued it between the range and the rem
		if removed == 0 {
			continue
		}

		err = rb.pool.Do(radix.FlatCmd(nil, "ZADD", rb.keyScheduled(), unixMS(now), id))
		if err != nil {
			return n, errors.WithStackIf(err)
		}
		n++
	}

	return n, nil
}

func (rb *RedisBackend) JobIDs(prefix string) ([]string, error) {
	var scheduled []string
	err := rb.pool.Do(radix.Cmd(&scheduled, "ZRANGE", rb.keyScheduled(), "0", "-1"))
	if err != nil {
		return nil, errors.WithStackIf(err)
	}

	var active []string
	err = rb.pool.Do(radix.Cmd(&active, "ZRANGE", rb.keyActive(), "0", "-1"))
	if err != nil {
		return nil, errors.WithStackIf(err)
	}

	seen := make(map[string]bool)
	var out []string
	for _, id := range append(scheduled, active...) {
		if seen[id] || !strings.HasPrefix(id, prefix) {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}

	return out, nil
}
