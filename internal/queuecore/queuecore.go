// Package queuecore implements the Queue Core (spec §4.3): the single
// logical, Redis-backed store of job state that every other component
// observes through its read methods and mutates only through its public
// contract. It is the sole owner of job state; a worker holding a job
// during dispatch holds only a transient reference.
//
// Redis layout per class C (spec §6):
//
//	C:waiting   — sorted set, member=jobID, score=(priority,enqueuedAt)
//	C:delayed   — sorted set, member=jobID, score=delayUntil
//	C:active    — hash, field=jobID, value=dispatchedAt (lease marker)
//	C:completed — bounded list of jobIDs, most recent first
//	C:failed    — bounded list of jobIDs, most recent first
//	job:{id}    — hash of the full job record
//
// The waiting→active transition is linearized with a Lua script so the
// Dispatcher and the Polling Loop can race for the same job without ever
// both claiming it (spec §4.5's concurrency rule).
package queuecore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/muaviaUsmani/chatqueue/internal/job"
	"github.com/muaviaUsmani/chatqueue/internal/logger"
	"github.com/muaviaUsmani/chatqueue/internal/metrics"
	"github.com/muaviaUsmani/chatqueue/internal/queueerr"
	"github.com/muaviaUsmani/chatqueue/internal/redisconn"
	"github.com/redis/go-redis/v9"
)

// priorityScoreScale is large enough that an enqueuedAt millisecond
// timestamp never spills into the next priority's score bucket (holds
// until year ~2286).
const priorityScoreScale = 1e13

// ErrJobNotFound is returned by GetJob when no record exists for the id.
var ErrJobNotFound = fmt.Errorf("queuecore: job not found")

// ErrNotActivated is returned by TryActivate when the CAS lost the race —
// the job was no longer in waiting (already claimed, promoted, or removed).
var ErrNotActivated = fmt.Errorf("queuecore: job was not activated")

// EnqueueResult is returned by Enqueue.
type EnqueueResult struct {
	ID       string
	Position *int64 // rank within C:waiting, nil if the job enqueued delayed
}

// QueueStatsSnapshot is the read model behind stats() for one class.
type QueueStatsSnapshot struct {
	Class            job.Class
	Waiting          int64
	Delayed          int64
	Active           int64
	CompletedRetained int64
	FailedRetained   int64
	ErrorRatePercent float64
}

// Core is the Queue Core. One instance serves every registered class.
type Core struct {
	conn      *redisconn.Manager
	keyPrefix string
	log       logger.Logger

	defaultBackoffBaseMs int64

	activateScript   *redis.Script
	promoteScript    *redis.Script
	completeScript   *redis.Script
	failTerminalScript *redis.Script
	failRetryScript  *redis.Script
}

// New builds a Core bound to conn. keyPrefix namespaces every key this
// instance touches (e.g. "chatqueue:").
func New(conn *redisconn.Manager, keyPrefix string) *Core {
	return &Core{
		conn:      conn,
		keyPrefix: keyPrefix,
		log:       logger.Default().WithComponent(logger.ComponentQueue),

		activateScript: redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
  return 0
end
redis.call('HSET', KEYS[2], 'state', 'active', 'dispatchedAt', ARGV[2])
redis.call('HINCRBY', KEYS[2], 'attemptsMade', 1)
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
return 1
`),
		promoteScript: redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'waiting', 'delayUntil', '0')
return 1
`),
		completeScript: redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'completed' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'completed', 'completedAt', ARGV[2])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('LPUSH', KEYS[3], ARGV[1])
redis.call('LTRIM', KEYS[3], 0, tonumber(ARGV[3]) - 1)
return 1
`),
		failTerminalScript: redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'failed' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'failed', 'completedAt', ARGV[2], 'error', ARGV[3], 'attemptsMade', ARGV[4])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('LPUSH', KEYS[3], ARGV[1])
redis.call('LTRIM', KEYS[3], 0, tonumber(ARGV[5]) - 1)
return 1
`),
		failRetryScript: redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'delayed', 'delayUntil', ARGV[2], 'attemptsMade', ARGV[3], 'error', ARGV[4])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 1
`),
	}
}

func (c *Core) client(ctx context.Context) (*redis.Client, error) {
	return c.conn.Get(redisconn.UsageQueueBackend)
}

func (c *Core) waitingKey(class job.Class) string   { return c.keyPrefix + string(class) + ":waiting" }
func (c *Core) delayedKey(class job.Class) string    { return c.keyPrefix + string(class) + ":delayed" }
func (c *Core) activeKey(class job.Class) string     { return c.keyPrefix + string(class) + ":active" }
func (c *Core) completedKey(class job.Class) string  { return c.keyPrefix + string(class) + ":completed" }
func (c *Core) failedKey(class job.Class) string     { return c.keyPrefix + string(class) + ":failed" }
func (c *Core) jobKey(id string) string              { return c.keyPrefix + "job:" + id }

// SetDefaultBackoffBaseMs overrides the base retry delay applied to jobs
// whose enqueue options don't name one. The Lifecycle Supervisor wires the
// configured value here before any producer enqueues.
func (c *Core) SetDefaultBackoffBaseMs(ms int64) {
	c.defaultBackoffBaseMs = ms
}

func (c *Core) applyDefaults(opts job.Options) job.Options {
	if opts.BackoffBaseMs == 0 && c.defaultBackoffBaseMs > 0 {
		opts.BackoffBaseMs = c.defaultBackoffBaseMs
	}
	return opts
}

// Enqueue persists a new job and indexes it into waiting or delayed,
// per job.New's state decision.
func (c *Core) Enqueue(ctx context.Context, class job.Class, payload []byte, opts job.Options) (*EnqueueResult, error) {
	j, err := job.New(class, payload, "", c.applyDefaults(opts))
	if err != nil {
		return nil, fmt.Errorf("queuecore: build job: %w", err)
	}
	return c.enqueueJob(ctx, j)
}

// EnqueueForMerchant is Enqueue with a tenant attached, used by the public
// client API (pkg/client).
func (c *Core) EnqueueForMerchant(ctx context.Context, class job.Class, payload []byte, merchantID string, opts job.Options) (*EnqueueResult, error) {
	j, err := job.New(class, payload, merchantID, c.applyDefaults(opts))
	if err != nil {
		return nil, fmt.Errorf("queuecore: build job: %w", err)
	}
	return c.enqueueJob(ctx, j)
}

func (c *Core) enqueueJob(ctx context.Context, j *job.Job) (*EnqueueResult, error) {
	cl, err := c.client(ctx)
	if err != nil {
		return nil, err
	}

	fields := hashFromJob(j)
	pipe := cl.Pipeline()
	pipe.HSet(ctx, c.jobKey(j.ID), fields)

	if j.State == job.StateDelayed {
		pipe.ZAdd(ctx, c.delayedKey(j.Class), redis.Z{Score: float64(j.DelayUntil), Member: j.ID})
	} else {
		pipe.ZAdd(ctx, c.waitingKey(j.Class), redis.Z{Score: waitingScore(j.Priority, j.EnqueuedAt), Member: j.ID})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queuecore: enqueue: %w", err)
	}

	metrics.Default().RecordEnqueued(j.Class)

	result := &EnqueueResult{ID: j.ID}
	if j.State == job.StateWaiting {
		rank, err := cl.ZRank(ctx, c.waitingKey(j.Class), j.ID).Result()
		if err == nil {
			result.Position = &rank
		}
	}
	return result, nil
}

func waitingScore(priority job.Priority, enqueuedAt time.Time) float64 {
	return float64(priority)*priorityScoreScale + float64(enqueuedAt.UnixMilli())
}

// fetchByIDs batches HGETALL across ids via pipeline and decodes each into
// a Job, skipping ids whose record is missing (already removed elsewhere).
// A record that exists but cannot be decoded (e.g. a legacy priority
// literal from a previous incompatible deployment) is dead-lettered via
// deadLetterCorrupt rather than silently skipped.
func (c *Core) fetchByIDs(ctx context.Context, class job.Class, ids []string) ([]*job.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cl, err := c.client(ctx)
	if err != nil {
		return nil, err
	}

	pipe := cl.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, c.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("queuecore: batch fetch: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		j, err := jobFromHash(fields)
		if err != nil {
			c.deadLetterCorrupt(ctx, class, ids[i], err)
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// deadLetterCorrupt handles a job record that exists in Redis but cannot be
// decoded: it counts a PayloadCorruptError failure, removes the orphaned
// job:{id} hash and every set membership that references it, and returns
// the typed error for callers that surface it (spec §7 / SPEC_FULL §13.1).
func (c *Core) deadLetterCorrupt(ctx context.Context, class job.Class, jobID string, decodeErr error) *queueerr.PayloadCorruptError {
	corrupt := &queueerr.PayloadCorruptError{JobID: jobID, Reason: decodeErr.Error()}
	c.log.Warn("undecodable job record, removing", "jobId", jobID, "class", string(class), "error", decodeErr)
	metrics.Default().RecordFailed(class, "PayloadCorruptError", 0)
	if err := c.Remove(ctx, class, jobID); err != nil {
		c.log.Error("remove undecodable job record failed", "jobId", jobID, "error", err)
	}
	return corrupt
}

// FetchWaiting is a non-destructive, paginated read of up to n jobs in
// ascending (priority, enqueuedAt) order.
func (c *Core) FetchWaiting(ctx context.Context, class job.Class, n int64) ([]*job.Job, error) {
	cl, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := cl.ZRange(ctx, c.waitingKey(class), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queuecore: fetch waiting: %w", err)
	}
	return c.fetchByIDs(ctx, class, ids)
}

// FetchDelayed is a non-destructive, paginated read of up to n delayed jobs
// in ascending delayUntil order.
func (c *Core) FetchDelayed(ctx context.Context, class job.Class, n int64) ([]*job.Job, error) {
	cl, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := cl.ZRange(ctx, c.delayedKey(class), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queuecore: fetch delayed: %w", err)
	}
	return c.fetchByIDs(ctx, class, ids)
}

// FetchActive is a non-destructive, paginated read of up to n active jobs.
func (c *Core) FetchActive(ctx context.Context, class job.Class, n int64) ([]*job.Job, error) {
	cl, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := cl.HKeys(ctx, c.activeKey(class)).Result()
	if err != nil {
		return nil, fmt.Errorf("queuecore: fetch active: %w", err)
	}
	if int64(len(ids)) > n {
		ids = ids[:n]
	}
	return c.fetchByIDs(ctx, class, ids)
}

// TryActivate atomically transitions a single job from waiting to active.
// Returns ErrNotActivated if another caller (Dispatcher or Polling Loop)
// already claimed, promoted, or removed the job first — the caller should
// simply skip it, per spec §4.5's concurrency rule.
func (c *Core) TryActivate(ctx context.Context, class job.Class, jobID string) (*job.Job, error) {
	cl, err := c.client(ctx)
	if err != nil {
		return nil, err
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	res, err := c.activateScript.Run(ctx, cl,
		[]string{c.waitingKey(class), c.jobKey(jobID), c.activeKey(class)},
		jobID, now,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("queuecore: activate %s: %w", jobID, err)
	}
	if res == 0 {
		return nil, ErrNotActivated
	}

	return c.GetJob(ctx, jobID)
}

// Promote transitions a delayed job to waiting. Idempotent: if the job is
// no longer in the delayed set (already promoted or removed), it is a
// silent no-op.
func (c *Core) Promote(ctx context.Context, j *job.Job) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	score := waitingScore(j.Priority, j.EnqueuedAt)
	_, err = c.promoteScript.Run(ctx, cl,
		[]string{c.delayedKey(j.Class), c.waitingKey(j.Class), c.jobKey(j.ID)},
		j.ID, score,
	).Int()
	if err != nil {
		return fmt.Errorf("queuecore: promote %s: %w", j.ID, err)
	}
	return nil
}

// MarkCompleted is the terminal success transition. Idempotent: a second
// call for an already-completed job is a no-op and never duplicates the
// retention list entry.
func (c *Core) MarkCompleted(ctx context.Context, j *job.Job) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	retentionCap := j.RemoveOnComplete
	if retentionCap <= 0 {
		retentionCap = 1
	}
	res, err := c.completeScript.Run(ctx, cl,
		[]string{c.jobKey(j.ID), c.activeKey(j.Class), c.completedKey(j.Class)},
		j.ID, now, retentionCap,
	).Int()
	if err != nil {
		return fmt.Errorf("queuecore: mark completed %s: %w", j.ID, err)
	}
	if res == 1 {
		dispatchedMs := j.EnqueuedAt
		if j.DispatchedAt != nil {
			dispatchedMs = *j.DispatchedAt
		}
		metrics.Default().RecordCompleted(j.Class, time.Since(dispatchedMs))
	}
	return nil
}

// MarkFailed reports a handler failure. When retry is true and the job has
// attempts remaining, it schedules the next attempt with jittered
// exponential backoff and transitions to delayed; otherwise it is a
// terminal failure.
func (c *Core) MarkFailed(ctx context.Context, j *job.Job, failureErr error, retry bool) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}

	// TryActivate already incremented attemptsMade for this dispatch, so j
	// (re-read after activation) carries the count including this attempt.
	attempts := j.AttemptsMade
	if attempts < 1 {
		attempts = 1
	}
	errMsg := ""
	if failureErr != nil {
		errMsg = failureErr.Error()
	}

	if retry && attempts < j.MaxAttempts {
		delay := j.Backoff.NextDelay(attempts)
		nextDelayUntil := time.Now().Add(delay).UnixMilli()

		_, err = c.failRetryScript.Run(ctx, cl,
			[]string{c.jobKey(j.ID), c.activeKey(j.Class), c.delayedKey(j.Class)},
			j.ID, nextDelayUntil, attempts, errMsg,
		).Int()
		if err != nil {
			return fmt.Errorf("queuecore: schedule retry for %s: %w", j.ID, err)
		}
		return nil
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	retentionCap := j.RemoveOnFail
	if retentionCap <= 0 {
		retentionCap = 1
	}
	res, err := c.failTerminalScript.Run(ctx, cl,
		[]string{c.jobKey(j.ID), c.activeKey(j.Class), c.failedKey(j.Class)},
		j.ID, now, errMsg, attempts, retentionCap,
	).Int()
	if err != nil {
		return fmt.Errorf("queuecore: mark failed %s: %w", j.ID, err)
	}
	if res == 1 {
		dispatchedMs := j.EnqueuedAt
		if j.DispatchedAt != nil {
			dispatchedMs = *j.DispatchedAt
		}
		metrics.Default().RecordFailed(j.Class, errorTypeLabel(failureErr), time.Since(dispatchedMs))
	}
	return nil
}

// errorTypeLabel reduces an error value to the bare type name used as the
// errorType metric label, e.g. *queueerr.TimeoutError -> "TimeoutError".
func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// Remove unconditionally deletes a job's record and every index entry that
// might reference it. Used for unknown job classes and corrupted payloads.
func (c *Core) Remove(ctx context.Context, class job.Class, jobID string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	pipe := cl.Pipeline()
	pipe.Del(ctx, c.jobKey(jobID))
	pipe.ZRem(ctx, c.waitingKey(class), jobID)
	pipe.ZRem(ctx, c.delayedKey(class), jobID)
	pipe.HDel(ctx, c.activeKey(class), jobID)
	pipe.LRem(ctx, c.completedKey(class), 0, jobID)
	pipe.LRem(ctx, c.failedKey(class), 0, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queuecore: remove %s: %w", jobID, err)
	}
	return nil
}

// Clean bulk-purges completed or failed jobs older than olderThanMs,
// removing at most limit records.
func (c *Core) Clean(ctx context.Context, class job.Class, state job.State, olderThanMs int64, limit int64) (int64, error) {
	var listKey string
	switch state {
	case job.StateCompleted:
		listKey = c.completedKey(class)
	case job.StateFailed:
		listKey = c.failedKey(class)
	default:
		return 0, fmt.Errorf("queuecore: clean only supports completed/failed, got %s", state)
	}

	cl, err := c.client(ctx)
	if err != nil {
		return 0, err
	}

	ids, err := cl.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("queuecore: clean: list jobs: %w", err)
	}

	cutoff := time.Now().UnixMilli() - olderThanMs
	var removed int64

	for _, id := range ids {
		if removed >= limit {
			break
		}
		fields, err := cl.HGetAll(ctx, c.jobKey(id)).Result()
		if err != nil || len(fields) == 0 {
			pipe := cl.Pipeline()
			pipe.LRem(ctx, listKey, 0, id)
			_, _ = pipe.Exec(ctx)
			continue
		}
		completedAtMs, _ := strconv.ParseInt(fields["completedAt"], 10, 64)
		if completedAtMs > cutoff {
			continue
		}
		pipe := cl.Pipeline()
		pipe.Del(ctx, c.jobKey(id))
		pipe.LRem(ctx, listKey, 0, id)
		if _, err := pipe.Exec(ctx); err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}

// GetJob reads one job record by id.
func (c *Core) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	cl, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	fields, err := cl.HGetAll(ctx, c.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("queuecore: get job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	j, err := jobFromHash(fields)
	if err != nil {
		return nil, c.deadLetterCorrupt(ctx, job.Class(fields["class"]), jobID, err)
	}
	return j, nil
}

// Stats computes a QueueStatsSnapshot for one class.
func (c *Core) Stats(ctx context.Context, class job.Class) (*QueueStatsSnapshot, error) {
	cl, err := c.client(ctx)
	if err != nil {
		return nil, err
	}

	pipe := cl.Pipeline()
	waitingCmd := pipe.ZCard(ctx, c.waitingKey(class))
	delayedCmd := pipe.ZCard(ctx, c.delayedKey(class))
	activeCmd := pipe.HLen(ctx, c.activeKey(class))
	completedCmd := pipe.LLen(ctx, c.completedKey(class))
	failedCmd := pipe.LLen(ctx, c.failedKey(class))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queuecore: stats: %w", err)
	}

	completed := completedCmd.Val()
	failed := failedCmd.Val()
	var errorRate float64
	if total := completed + failed; total > 0 {
		errorRate = float64(failed) / float64(total) * 100
	}

	snap := &QueueStatsSnapshot{
		Class:             class,
		Waiting:           waitingCmd.Val(),
		Delayed:           delayedCmd.Val(),
		Active:            activeCmd.Val(),
		CompletedRetained: completed,
		FailedRetained:    failed,
		ErrorRatePercent:  errorRate,
	}

	metrics.Default().RecordQueueDepth(class, job.StateWaiting, snap.Waiting)
	metrics.Default().RecordQueueDepth(class, job.StateDelayed, snap.Delayed)
	metrics.Default().RecordQueueDepth(class, job.StateActive, snap.Active)

	return snap, nil
}

// DiscoverClasses scans Redis for every `<class>:waiting` key actually
// present, rather than assuming the closed set in job.KnownClasses. A job
// enqueued (or injected, e.g. by a misbehaving producer or a test) under a
// class the dispatch table never heard of still gets a namespaced waiting
// key — this is how the Polling Loop finds it so it can be removed per
// spec §4.5 step 3 / §8's unknown-class-hygiene property, even though the
// Dispatcher itself only ever pulls from classes it registered a handler
// for.
func (c *Core) DiscoverClasses(ctx context.Context) ([]job.Class, error) {
	cl, err := c.client(ctx)
	if err != nil {
		return nil, err
	}

	pattern := c.keyPrefix + "*:waiting"
	var classes []job.Class
	var cursor uint64
	for {
		keys, next, err := cl.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("queuecore: discover classes: %w", err)
		}
		for _, key := range keys {
			trimmed := strings.TrimPrefix(key, c.keyPrefix)
			trimmed = strings.TrimSuffix(trimmed, ":waiting")
			if trimmed != "" {
				classes = append(classes, job.Class(trimmed))
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return classes, nil
}

// StatsAll computes a QueueStatsSnapshot for every known class.
func (c *Core) StatsAll(ctx context.Context) (map[job.Class]*QueueStatsSnapshot, error) {
	out := make(map[job.Class]*QueueStatsSnapshot, len(job.KnownClasses))
	for _, class := range job.KnownClasses {
		snap, err := c.Stats(ctx, class)
		if err != nil {
			return nil, err
		}
		out[class] = snap
	}
	return out, nil
}
