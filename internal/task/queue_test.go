package task

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewQueue(rdb, zerolog.Nop()), mr
}

func TestQueuePriorityOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	low, err := NewTask("low", PriorityLow, nil)
	require.NoError(t, err)
	crit, err := NewTask("crit", PriorityCritical, nil)
	require.NoError(t, err)
	norm, err := NewTask("norm", PriorityNormal, nil)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, low))
	require.NoError(t, q.Enqueue(ctx, norm))
	require.NoError(t, q.Enqueue(ctx, crit))

	got1, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got1)
	assert.Equal(t, "crit", got1.Kind)

	got2, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "norm", got2.Kind)

	got3, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "low", got3.Kind)
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, kind := range []string{"a", "b", "c"} {
		tk, err := NewTask(kind, PriorityNormal, nil)
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(ctx, tk))
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.Kind)
	}
}

func TestLaneFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	lane := LaneIndex("0xvault")
	// mixed priorities on one lane still come out in enqueue order
	for i, prio := range []int{PriorityNormal, PriorityCritical, PriorityHigh} {
		tk, err := NewTask("ev", prio, map[string]int{"seq": i})
		require.NoError(t, err)
		tk.Lane = "0xvault"
		require.NoError(t, q.Enqueue(ctx, tk))
	}

	for want := 0; want < 3; want++ {
		got, err := q.DequeueLane(ctx, lane, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, got)
		var p map[string]int
		require.NoError(t, json.Unmarshal(got.Payload, &p))
		assert.Equal(t, want, p["seq"])
	}

	// laned tasks never leak into the priority lists
	got, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLaneIndexStable(t *testing.T) {
	a := LaneIndex("0xaaa")
	assert.Equal(t, a, LaneIndex("0xaaa"))
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, NumLanes)
}

func TestDeferredLaneTaskPromotesToLane(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	tk, err := NewTask("ev", PriorityHigh, nil)
	require.NoError(t, err)
	tk.Lane = "0xvault"
	require.NoError(t, q.Defer(ctx, tk, time.Now().Add(time.Minute)))

	n, err := q.PromoteDue(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// promoted back onto its lane, not a priority list
	got, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = q.DequeueLane(ctx, LaneIndex("0xvault"), 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ev", got.Kind)
}

func TestQueueEmptyDequeue(t *testing.T) {
	q, _ := newTestQueue(t)
	got, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInvalidPriorityRejected(t *testing.T) {
	q, _ := newTestQueue(t)
	tk, err := NewTask("x", PriorityNormal, nil)
	require.NoError(t, err)
	tk.Priority = 9
	assert.Error(t, q.Enqueue(context.Background(), tk))
}

func TestDeferredPromotion(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	tk, err := NewTask("sla_warning", PriorityHigh, map[string]string{"ticket": "T1"})
	require.NoError(t, err)
	runAt := time.Now().Add(time.Hour)
	require.NoError(t, q.Defer(ctx, tk, runAt))

	// not due yet
	n, err := q.PromoteDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)

	// due
	n, err = q.PromoteDue(ctx, runAt.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sla_warning", got.Kind)
	assert.Equal(t, PriorityHigh, got.Priority)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, "T1", payload["ticket"])
}

func TestCancelDeferred(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	tk, err := NewTask("sla_deadline", PriorityHigh, nil)
	require.NoError(t, err)
	require.NoError(t, q.Defer(ctx, tk, time.Now().Add(time.Minute)))

	require.NoError(t, q.CancelDeferred(ctx, tk.ID))
	assert.ErrorIs(t, q.CancelDeferred(ctx, tk.ID), ErrNotDeferred)

	n, err := q.PromoteDue(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResultRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	r := &Result{TaskID: "t1", Kind: "forecast", OK: true, Attempts: 1, FinishedAt: time.Now().UTC()}
	require.NoError(t, q.StoreResult(ctx, r))

	got, err := q.LoadResult(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.OK)
	assert.Equal(t, "forecast", got.Kind)

	missing, err := q.LoadResult(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPoolRetryThenAbandon(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	p := NewPool(q, 1, zerolog.Nop())
	p.Register("flaky", func(ctx context.Context, tk *Task) error {
		atomic.AddInt32(&calls, 1)
		return assert.AnError
	})

	tk, err := NewTask("flaky", PriorityNormal, nil)
	require.NoError(t, err)
	tk.MaxAttempts = 2
	require.NoError(t, q.Enqueue(ctx, tk))

	p.Start(ctx)
	defer p.Close()

	// first attempt fails and defers a retry; force-promote it
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		n, _ := q.PromoteDue(ctx, time.Now().Add(time.Minute))
		_ = n
		return atomic.LoadInt32(&calls) >= 2
	}, 5*time.Second, 50*time.Millisecond)

	// after max attempts the failure result is recorded
	require.Eventually(t, func() bool {
		res, _ := q.LoadResult(ctx, tk.ID)
		return res != nil && !res.OK
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPoolSkipsCompletedReplay(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	p := NewPool(q, 1, zerolog.Nop())
	p.Register("once", func(ctx context.Context, tk *Task) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	tk, err := NewTask("once", PriorityNormal, nil)
	require.NoError(t, err)
	require.NoError(t, q.StoreResult(ctx, &Result{TaskID: tk.ID, Kind: "once", OK: true}))
	require.NoError(t, q.Enqueue(ctx, tk))

	p.Start(ctx)
	defer p.Close()

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestBackoffCapped(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := Backoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 30*time.Second)
	}
	assert.GreaterOrEqual(t, Backoff(3), 4*time.Second)
}
