// Package task is the shared runtime for background work: a Redis-backed
// priority queue with deferred jobs, at-least-once workers with retry and
// backoff, and the periodic schedule.
//
// Delivery is at-least-once; every handler must be idempotent. Results are
// retained for 24 hours so replays of an already-completed task can be
// detected and skipped.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Priority levels, highest first. They mirror the ingestion priorities so a
// CRITICAL event's handler runs before any backlog of NORMAL work.
const (
	PriorityCritical = 0
	PriorityHigh     = 1
	PriorityNormal   = 2
	PriorityLow      = 3

	numPriorities = 4
)

// NumLanes is the count of sequential lanes. A task carrying a lane name
// hashes onto one of them; every task with the same name lands on the same
// lane, and each lane has a single consumer. That is what serializes event
// handling per contract.
const NumLanes = 8

// DefaultMaxAttempts is how many times a task runs before being abandoned.
const DefaultMaxAttempts = 3

// ResultTTL is how long completed-task results are retained.
const ResultTTL = 24 * time.Hour

// ErrNotDeferred reports a cancel for a job that is not waiting.
var ErrNotDeferred = errors.New("task not in deferred set")

// Task is one unit of background work. A non-empty Lane routes the task to
// a sequential lane instead of the priority lists; tasks sharing a lane name
// run one at a time, in enqueue order.
type Task struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Priority    int             `json:"priority"`
	Lane        string          `json:"lane,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// NewTask builds a task with a fresh ID and default retry budget.
func NewTask(kind string, priority int, payload interface{}) (*Task, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload for %s: %w", kind, err)
		}
		raw = b
	}
	return &Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		Priority:    priority,
		Payload:     raw,
		MaxAttempts: DefaultMaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}, nil
}

// Result records a task's terminal outcome.
type Result struct {
	TaskID     string    `json:"task_id"`
	Kind       string    `json:"kind"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	FinishedAt time.Time `json:"finished_at"`
}

// Queue is the Redis priority queue. Each priority level is one list; a pop
// scans the lists highest-priority first, so per-priority FIFO holds but
// cross-priority ordering does not.
type Queue struct {
	rdb *redis.Client
	log zerolog.Logger

	promoteScript *redis.Script
}

// NewQueue builds a queue on an existing Redis client.
func NewQueue(rdb *redis.Client, logger zerolog.Logger) *Queue {
	q := &Queue{
		rdb: rdb,
		log: logger.With().Str("component", "taskqueue").Logger(),
	}

	// Move all due deferred jobs into their priority lists in one step.
	// KEYS[1] = deferred zset, ARGV[1] = now (ms). Each member is a task ID;
	// the body lives in a separate key so jobs can be cancelled by ID. A job
	// deferred with a lane promotes back onto its lane list.
	q.promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local moved = 0
for _, id in ipairs(due) do
    local body = redis.call('GET', 'strata:task:body:' .. id)
    if body then
        local lane = redis.call('GET', 'strata:task:lane:' .. id)
        if lane then
            redis.call('LPUSH', 'strata:queue:lane' .. lane, body)
        else
            local prio = redis.call('GET', 'strata:task:prio:' .. id) or '2'
            redis.call('LPUSH', 'strata:queue:p' .. prio, body)
        end
        redis.call('DEL', 'strata:task:body:' .. id, 'strata:task:prio:' .. id, 'strata:task:lane:' .. id)
        moved = moved + 1
    end
    redis.call('ZREM', KEYS[1], id)
end
return moved
`)
	return q
}

func queueKey(priority int) string { return fmt.Sprintf("strata:queue:p%d", priority) }

func laneKey(lane int) string { return fmt.Sprintf("strata:queue:lane%d", lane) }

const deferredKey = "strata:queue:deferred"

func resultKey(taskID string) string { return "strata:task:result:" + taskID }

// LaneIndex maps a lane name onto one of the NumLanes lists.
func LaneIndex(lane string) int {
	h := fnv.New32a()
	h.Write([]byte(lane))
	return int(h.Sum32() % NumLanes)
}

// Enqueue pushes a task for immediate execution. Laned tasks go to their
// lane list; everything else to the priority lists.
func (q *Queue) Enqueue(ctx context.Context, t *Task) error {
	if t.Priority < 0 || t.Priority >= numPriorities {
		return fmt.Errorf("invalid priority %d", t.Priority)
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	key := queueKey(t.Priority)
	if t.Lane != "" {
		key = laneKey(LaneIndex(t.Lane))
	}
	if err := q.rdb.LPush(ctx, key, body).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", t.Kind, err)
	}
	return nil
}

// Defer schedules a task to become runnable at runAt. Deferred jobs survive
// restarts, which is what makes them usable as SLA timers.
func (q *Queue) Defer(ctx context.Context, t *Task, runAt time.Time) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, "strata:task:body:"+t.ID, body, 0)
	pipe.Set(ctx, "strata:task:prio:"+t.ID, t.Priority, 0)
	if t.Lane != "" {
		pipe.Set(ctx, "strata:task:lane:"+t.ID, LaneIndex(t.Lane), 0)
	}
	pipe.ZAdd(ctx, deferredKey, &redis.Z{Score: float64(runAt.UnixMilli()), Member: t.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("defer %s: %w", t.Kind, err)
	}
	return nil
}

// CancelDeferred removes a not-yet-due job. Returns ErrNotDeferred when the
// job already promoted or never existed.
func (q *Queue) CancelDeferred(ctx context.Context, taskID string) error {
	n, err := q.rdb.ZRem(ctx, deferredKey, taskID).Result()
	if err != nil {
		return fmt.Errorf("cancel deferred %s: %w", taskID, err)
	}
	q.rdb.Del(ctx, "strata:task:body:"+taskID, "strata:task:prio:"+taskID, "strata:task:lane:"+taskID)
	if n == 0 {
		return ErrNotDeferred
	}
	return nil
}

// PromoteDue moves all due deferred jobs into their priority lists and
// returns how many moved.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := q.promoteScript.Run(ctx, q.rdb, []string{deferredKey}, now.UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("promote deferred: %w", err)
	}
	return n, nil
}

// Dequeue pops the highest-priority available task, blocking up to timeout.
// Returns nil when nothing arrived.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	keys := make([]string, numPriorities)
	for i := 0; i < numPriorities; i++ {
		keys[i] = queueKey(i)
	}
	res, err := q.rdb.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	var t Task
	if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

// DequeueLane pops the next task on one lane, blocking up to timeout.
// Returns nil when nothing arrived. With a single consumer per lane this
// yields strict FIFO within the lane.
func (q *Queue) DequeueLane(ctx context.Context, lane int, timeout time.Duration) (*Task, error) {
	res, err := q.rdb.BRPop(ctx, timeout, laneKey(lane)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue lane %d: %w", lane, err)
	}
	var t Task
	if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

// Depth returns the queued task count per priority.
func (q *Queue) Depth(ctx context.Context) ([numPriorities]int64, error) {
	var out [numPriorities]int64
	for i := 0; i < numPriorities; i++ {
		n, err := q.rdb.LLen(ctx, queueKey(i)).Result()
		if err != nil {
			return out, fmt.Errorf("queue depth p%d: %w", i, err)
		}
		out[i] = n
	}
	return out, nil
}

// StoreResult records a terminal outcome for ResultTTL.
func (q *Queue) StoreResult(ctx context.Context, r *Result) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := q.rdb.Set(ctx, resultKey(r.TaskID), body, ResultTTL).Err(); err != nil {
		return fmt.Errorf("store result %s: %w", r.TaskID, err)
	}
	return nil
}

// LoadResult fetches a retained result, or nil when unknown/expired.
func (q *Queue) LoadResult(ctx context.Context, taskID string) (*Result, error) {
	body, err := q.rdb.Get(ctx, resultKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load result %s: %w", taskID, err)
	}
	var r Result
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &r, nil
}
