package task

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/strata/internal/metrics"
)

// Handler executes one task kind. Handlers must be idempotent: the queue is
// at-least-once and a crashed worker's task will run again.
type Handler func(ctx context.Context, t *Task) error

// Pool runs a fixed set of workers against the priority lists, one worker
// per sequential lane, plus one promoter that moves due deferred jobs. The
// single consumer per lane is load-bearing: it is what keeps laned tasks
// strictly ordered.
type Pool struct {
	queue    *Queue
	handlers map[string]Handler
	workers  int
	log      zerolog.Logger

	mu   sync.RWMutex
	wg   sync.WaitGroup
	stop chan struct{}
}

// NewPool builds a worker pool. Handlers are registered before Start.
func NewPool(queue *Queue, workers int, logger zerolog.Logger) *Pool {
	return &Pool{
		queue:    queue,
		handlers: make(map[string]Handler),
		workers:  workers,
		log:      logger.With().Str("component", "taskpool").Logger(),
		stop:     make(chan struct{}),
	}
}

// Register binds a handler to a task kind. Later registrations replace
// earlier ones.
func (p *Pool) Register(kind string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

// Start launches the workers, the lane workers and the deferred-job
// promoter.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	for i := 0; i < NumLanes; i++ {
		p.wg.Add(1)
		go p.laneWorker(ctx, i)
	}
	p.wg.Add(1)
	go p.promoter(ctx)
	p.log.Info().Int("workers", p.workers).Int("lanes", NumLanes).Msg("task pool started")
}

// Close signals shutdown and waits for in-flight tasks to finish.
func (p *Pool) Close() {
	close(p.stop)
	p.wg.Wait()
	p.log.Info().Msg("task pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}

		t, err := p.queue.Dequeue(ctx, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error().Err(err).Int("worker", id).Msg("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if t == nil {
			continue
		}
		p.run(ctx, t)
	}
}

func (p *Pool) laneWorker(ctx context.Context, lane int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}

		t, err := p.queue.DequeueLane(ctx, lane, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error().Err(err).Int("lane", lane).Msg("lane dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if t == nil {
			continue
		}
		p.run(ctx, t)
	}
}

func (p *Pool) promoter(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			if _, err := p.queue.PromoteDue(ctx, time.Now()); err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("promote deferred failed")
			}
		}
	}
}

func (p *Pool) run(ctx context.Context, t *Task) {
	p.mu.RLock()
	h, ok := p.handlers[t.Kind]
	p.mu.RUnlock()
	if !ok {
		p.log.Warn().Str("kind", t.Kind).Str("task", t.ID).Msg("no handler registered, dropping")
		return
	}

	// replay of an already-finished task
	if res, err := p.queue.LoadResult(ctx, t.ID); err == nil && res != nil && res.OK {
		p.log.Debug().Str("task", t.ID).Msg("result already recorded, skipping")
		return
	}

	t.Attempt++
	start := time.Now()
	err := h(ctx, t)
	elapsed := time.Since(start)
	metrics.TaskDuration.WithLabelValues(t.Kind).Observe(elapsed.Seconds())

	if err == nil {
		metrics.TasksProcessed.WithLabelValues(t.Kind, "ok").Inc()
		p.log.Debug().Str("kind", t.Kind).Str("task", t.ID).Dur("took", elapsed).Msg("task done")
		if serr := p.queue.StoreResult(ctx, &Result{
			TaskID: t.ID, Kind: t.Kind, OK: true, Attempts: t.Attempt, FinishedAt: time.Now().UTC(),
		}); serr != nil {
			p.log.Error().Err(serr).Str("task", t.ID).Msg("store result failed")
		}
		return
	}

	maxAttempts := t.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if t.Attempt >= maxAttempts {
		metrics.TasksProcessed.WithLabelValues(t.Kind, "abandoned").Inc()
		p.log.Error().Err(err).Str("kind", t.Kind).Str("task", t.ID).Int("attempts", t.Attempt).
			Msg("task abandoned after max attempts")
		if serr := p.queue.StoreResult(ctx, &Result{
			TaskID: t.ID, Kind: t.Kind, OK: false, Error: err.Error(),
			Attempts: t.Attempt, FinishedAt: time.Now().UTC(),
		}); serr != nil {
			p.log.Error().Err(serr).Str("task", t.ID).Msg("store result failed")
		}
		return
	}

	delay := Backoff(t.Attempt)
	metrics.TasksProcessed.WithLabelValues(t.Kind, "retry").Inc()
	p.log.Warn().Err(err).Str("kind", t.Kind).Str("task", t.ID).
		Int("attempt", t.Attempt).Dur("retry_in", delay).Msg("task failed, retrying")
	if derr := p.queue.Defer(ctx, t, time.Now().Add(delay)); derr != nil {
		p.log.Error().Err(derr).Str("task", t.ID).Msg("retry defer failed")
	}
}

// Backoff returns the jittered exponential retry delay for an attempt count,
// capped at 30 seconds.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Second << uint(attempt-1)
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 4))
	d := base + jitter
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// EnqueueAndLog is a convenience for fire-and-forget enqueues from periodic
// schedules.
func (p *Pool) EnqueueAndLog(ctx context.Context, kind string, priority int, payload interface{}) {
	t, err := NewTask(kind, priority, payload)
	if err != nil {
		p.log.Error().Err(err).Str("kind", kind).Msg("build task failed")
		return
	}
	if err := p.queue.Enqueue(ctx, t); err != nil {
		p.log.Error().Err(err).Str("kind", kind).Msg("enqueue failed")
	}
}
