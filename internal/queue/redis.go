package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore is the durable Store. This is the production contract: the
// claim is a Lua compare-and-set on the job's state, so a job can never
// be executed concurrently by two workers, across processes included.
//
// Keys (prefix lfq):
// - lfq:job:<id>       hash of job fields
// - lfq:sched:<lane>   zset scored by due time (unix ms)
// - lfq:ready:<lane>   zset scored by priority then promotion order
// - lfq:active:<lane>  zset scored by lease expiry (unix ms)
// - lfq:done:<lane>, lfq:fail:<lane>  counters
// - lfq:seq            insertion sequence counter
// - lfq:pseq           promotion sequence counter
type RedisStore struct {
	rdb *redis.Client

	// completedTTL keeps finished job hashes around for inspection.
	completedTTL time.Duration

	clock func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, completedTTL: 24 * time.Hour, clock: time.Now}
}

// SetClock overrides the store clock for deterministic tests.
func (s *RedisStore) SetClock(clock func() time.Time) { s.clock = clock }

func jobKey(id string) string       { return "lfq:job:" + id }
func schedKey(lane Lane) string     { return "lfq:sched:" + string(lane) }
func readyKey(lane Lane) string     { return "lfq:ready:" + string(lane) }
func activeKey(lane Lane) string    { return "lfq:active:" + string(lane) }
func completedKey(lane Lane) string { return "lfq:done:" + string(lane) }
func failedKey(lane Lane) string    { return "lfq:fail:" + string(lane) }

const seqKey = "lfq:seq"
const pseqKey = "lfq:pseq"

// Ready scores pack (priority, promotion order) as prio * 1e12 + pseq.
// Priorities are small ints and pseq stays far below 1e12, so the sum
// is exact in a float64 mantissa. Due jobs are promoted in
// (scheduledFor, insertion seq) order, so within a priority class the
// promotion counter preserves that order as the tie-break.
const readyScoreBase = 1e12

// claimScript promotes due jobs from the scheduled set into the ready
// set, then pops the best ready job and compare-and-sets its state
// waiting -> active under a lease. Returns the claimed job id or false.
var claimScript = redis.NewScript(`
-- KEYS[1] = sched zset
-- KEYS[2] = ready zset
-- KEYS[3] = active zset
-- KEYS[4] = promotion sequence counter
-- ARGV[1] = now_ms
-- ARGV[2] = lease_until_ms
-- ARGV[3] = job key prefix
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, 100)
local batch = {}
for i = 1, #due, 2 do
  local id = due[i]
  local jk = ARGV[3] .. id
  batch[#batch + 1] = {
    id = id,
    due = tonumber(due[i + 1]),
    seq = tonumber(redis.call('HGET', jk, 'seq')) or 0,
  }
end
table.sort(batch, function(a, b)
  if a.due ~= b.due then
    return a.due < b.due
  end
  return a.seq < b.seq
end)
for _, e in ipairs(batch) do
  local jk = ARGV[3] .. e.id
  local prio = tonumber(redis.call('HGET', jk, 'priority')) or 100
  local pseq = redis.call('INCR', KEYS[4])
  redis.call('ZADD', KEYS[2], prio * 1e12 + pseq, e.id)
  redis.call('ZREM', KEYS[1], e.id)
end

while true do
  local popped = redis.call('ZPOPMIN', KEYS[2], 1)
  if #popped == 0 then
    return false
  end
  local id = popped[1]
  local jk = ARGV[3] .. id
  local state = redis.call('HGET', jk, 'state')
  if state == 'waiting' then
    redis.call('HSET', jk, 'state', 'active')
    redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), id)
    return id
  end
  -- Stale ready entry (job already moved on); drop it and keep popping.
end
`)

// releaseScript moves an active job back to the scheduled set (retry) or
// into the failed state, only if it is still active. Guards against a
// reaped lease racing a slow worker's completion.
var releaseScript = redis.NewScript(`
-- KEYS[1] = job key
-- KEYS[2] = active zset
-- KEYS[3] = sched zset (retry) or failed counter (terminal)
-- ARGV[1] = mode: 'retry' | 'fail' | 'complete'
-- ARGV[2] = job id
-- ARGV[3] = cause (retry/fail) | completed counter ttl_s (complete)
-- ARGV[4] = retry_at_ms (retry) | completed ttl_s (complete)
-- ARGV[5] = count_attempt 0/1 (retry)
local state = redis.call('HGET', KEYS[1], 'state')
if state ~= 'active' then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[2])
if ARGV[1] == 'retry' then
  if ARGV[5] == '1' then
    local n = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
    redis.call('HSET', KEYS[1], 'meta_attempt', n)
  end
  redis.call('HSET', KEYS[1], 'state', 'waiting', 'last_error', ARGV[3], 'scheduled_for_ms', ARGV[4])
  redis.call('ZADD', KEYS[3], tonumber(ARGV[4]), ARGV[2])
elseif ARGV[1] == 'fail' then
  redis.call('HSET', KEYS[1], 'state', 'failed', 'last_error', ARGV[3])
  redis.call('INCR', KEYS[3])
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[4]))
else
  redis.call('HSET', KEYS[1], 'state', 'completed')
  redis.call('INCR', KEYS[3])
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[4]))
end
return 1
`)

// reapScript moves lease-expired jobs back to the ready set.
var reapScript = redis.NewScript(`
-- KEYS[1] = active zset
-- KEYS[2] = ready zset
-- KEYS[3] = promotion sequence counter
-- ARGV[1] = now_ms
-- ARGV[2] = job key prefix
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
local n = 0
for _, id in ipairs(expired) do
  local jk = ARGV[2] .. id
  redis.call('ZREM', KEYS[1], id)
  if redis.call('HGET', jk, 'state') == 'active' then
    redis.call('HSET', jk, 'state', 'waiting')
    local prio = tonumber(redis.call('HGET', jk, 'priority')) or 100
    local pseq = redis.call('INCR', KEYS[3])
    redis.call('ZADD', KEYS[2], prio * 1e12 + pseq, id)
    n = n + 1
  end
end
return n
`)

func (s *RedisStore) Enqueue(ctx context.Context, typ string, payload any, opts Options) (string, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}
	opts = opts.withDefaults()

	id := uuid.NewString()
	seq, err := s.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return "", err
	}
	meta, err := json.Marshal(opts.Metadata)
	if err != nil {
		return "", err
	}
	due := s.clock().Add(opts.Delay).UTC()

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), map[string]any{
		"id":               id,
		"type":             typ,
		"lane":             string(opts.Lane),
		"priority":         opts.Priority,
		"payload":          string(body),
		"metadata":         string(meta),
		"attempts":         0,
		"max_attempts":     opts.MaxAttempts,
		"scheduled_for_ms": due.UnixMilli(),
		"state":            string(StateWaiting),
		"seq":              seq,
	})
	pipe.ZAdd(ctx, schedKey(opts.Lane), redis.Z{Score: float64(due.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func (s *RedisStore) Claim(ctx context.Context, lane Lane, workerID string, now, leaseUntil time.Time) (Job, bool, error) {
	res, err := claimScript.Run(ctx, s.rdb,
		[]string{schedKey(lane), readyKey(lane), activeKey(lane), pseqKey},
		now.UnixMilli(), leaseUntil.UnixMilli(), "lfq:job:",
	).Result()
	if err != nil {
		return Job{}, false, err
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return Job{}, false, nil
	}
	j, err := s.load(ctx, id)
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

func (s *RedisStore) load(ctx context.Context, id string) (Job, error) {
	m, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return Job{}, err
	}
	if len(m) == 0 {
		return Job{}, ErrNotFound
	}
	j := Job{
		ID:        m["id"],
		Type:      m["type"],
		Lane:      Lane(m["lane"]),
		Payload:   json.RawMessage(m["payload"]),
		State:     State(m["state"]),
		LastError: m["last_error"],
	}
	j.Priority, _ = strconv.Atoi(m["priority"])
	j.Attempts, _ = strconv.Atoi(m["attempts"])
	j.MaxAttempts, _ = strconv.Atoi(m["max_attempts"])
	if ms, err := strconv.ParseInt(m["scheduled_for_ms"], 10, 64); err == nil {
		j.ScheduledFor = time.UnixMilli(ms).UTC()
	}
	j.seq, _ = strconv.ParseInt(m["seq"], 10, 64)
	if raw := m["metadata"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &j.Metadata)
	}
	j.Metadata.Attempt = j.Attempts
	return j, nil
}

func (s *RedisStore) release(ctx context.Context, jobID, mode, cause string, retryAt time.Time, countAttempt bool) error {
	j, err := s.load(ctx, jobID)
	if err != nil {
		return err
	}
	var third string
	var arg4 any
	switch mode {
	case "retry":
		third = schedKey(j.Lane)
		arg4 = retryAt.UnixMilli()
	case "fail":
		third = failedKey(j.Lane)
		arg4 = int64(s.completedTTL / time.Second)
	default:
		third = completedKey(j.Lane)
		arg4 = int64(s.completedTTL / time.Second)
	}
	count := "0"
	if countAttempt {
		count = "1"
	}
	res, err := releaseScript.Run(ctx, s.rdb,
		[]string{jobKey(jobID), activeKey(j.Lane), third},
		mode, jobID, cause, arg4, count,
	).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (s *RedisStore) Complete(ctx context.Context, jobID string) error {
	return s.release(ctx, jobID, "complete", "", time.Time{}, false)
}

func (s *RedisStore) Retry(ctx context.Context, jobID string, cause string, retryAt time.Time, countAttempt bool) error {
	return s.release(ctx, jobID, "retry", cause, retryAt, countAttempt)
}

func (s *RedisStore) FailTerminal(ctx context.Context, jobID string, cause string) error {
	return s.release(ctx, jobID, "fail", cause, time.Time{}, false)
}

func (s *RedisStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, lane := range Lanes() {
		n, err := reapScript.Run(ctx, s.rdb,
			[]string{activeKey(lane), readyKey(lane), pseqKey},
			now.UnixMilli(), "lfq:job:",
		).Int()
		if err != nil {
			return total, fmt.Errorf("reap %s lane: %w", lane, err)
		}
		total += n
	}
	return total, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	out := Stats{}
	for _, lane := range Lanes() {
		pipe := s.rdb.Pipeline()
		sched := pipe.ZCard(ctx, schedKey(lane))
		ready := pipe.ZCard(ctx, readyKey(lane))
		active := pipe.ZCard(ctx, activeKey(lane))
		done := pipe.Get(ctx, completedKey(lane))
		failed := pipe.Get(ctx, failedKey(lane))
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, err
		}
		st := LaneStats{
			Waiting: sched.Val() + ready.Val(),
			Active:  active.Val(),
		}
		if v, err := done.Int64(); err == nil {
			st.Completed = v
		}
		if v, err := failed.Int64(); err == nil {
			st.Failed = v
		}
		out[lane] = st
	}
	return out, nil
}
