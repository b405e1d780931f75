// Package ingest runs the event ingestion pipeline: poll confirmed blocks,
// decode recognized logs, deduplicate, and enqueue them for dispatch with
// the right priority.
//
// Polling is the authoritative path; the WebSocket subscription only nudges
// the poller so fresh blocks are picked up without waiting for the next
// tick. The ingestor is a singleton guarded by a distributed lease.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/kelpejol/strata/internal/chain"
	"github.com/kelpejol/strata/internal/coord"
	"github.com/kelpejol/strata/internal/metrics"
	"github.com/kelpejol/strata/internal/task"
)

// ErrHalted is returned while the ingestor is stopped on a detected reorg
// and waiting for a manual resync.
var ErrHalted = errors.New("ingestor halted on reorg, resync required")

// checkpointFlushCount and checkpointFlushEvery bound how much work can be
// replayed after a crash: the checkpoint persists after this many events or
// this much time, whichever comes first.
const (
	checkpointFlushCount = 100
	checkpointFlushEvery = 5 * time.Second
)

// maxPollFailures is how many consecutive poll failures raise the critical
// incident. The poller keeps retrying with backoff afterwards; checkpoints
// cannot advance until the RPC recovers.
const maxPollFailures = 10

// Subscription reconnect backoff bounds.
const (
	wsBackoffMin = time.Second
	wsBackoffMax = 30 * time.Second
)

// IncidentFunc surfaces an operational incident (reorg detection) to the
// risk layer without this package importing it.
type IncidentFunc func(ctx context.Context, kind, title, detail string)

// Options configures an Ingestor.
type Options struct {
	Contracts     []string
	GenesisBlock  uint64
	Confirmations uint64
	PollInterval  time.Duration
	BatchSize     uint64
	DedupTTL      time.Duration
}

// Ingestor delivers every confirmed event exactly once to the task queue, in
// (block_number, log_index) order per contract.
type Ingestor struct {
	gw       chain.Gateway
	registry *chain.Registry
	coord    *coord.Coordinator
	queue    *task.Queue
	opts     Options
	incident IncidentFunc
	log      zerolog.Logger

	mu     sync.Mutex
	halted bool
	// last processed block and its hash, per contract, for reorg rechecks
	lastSeen map[string]blockRef

	// events since the last checkpoint flush, per contract
	pending     map[string]uint64
	pendingN    int
	lastFlushAt time.Time

	nudge chan struct{}
}

type blockRef struct {
	number uint64
	hash   string
}

// New builds an Ingestor.
func New(gw chain.Gateway, registry *chain.Registry, c *coord.Coordinator, queue *task.Queue, opts Options, incident IncidentFunc, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		gw:          gw,
		registry:    registry,
		coord:       c,
		queue:       queue,
		opts:        opts,
		incident:    incident,
		log:         logger.With().Str("component", "ingest").Logger(),
		lastSeen:    make(map[string]blockRef),
		pending:     make(map[string]uint64),
		lastFlushAt: time.Now(),
		nudge:       make(chan struct{}, 1),
	}
}

// Run polls until ctx is cancelled. It should only run while the caller
// holds the ingestor lease.
func (in *Ingestor) Run(ctx context.Context) error {
	in.startSubscription(ctx)

	ticker := time.NewTicker(in.opts.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-in.nudge:
		}

		err := in.poll(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if errors.Is(err, ErrHalted) {
			// stay up but do nothing until Resync
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		failures++
		delay := in.notePollFailure(ctx, err, failures)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// notePollFailure logs a consecutive poll failure and returns the backoff
// before the next attempt. Crossing maxPollFailures raises the critical
// incident once per streak.
func (in *Ingestor) notePollFailure(ctx context.Context, err error, failures int) time.Duration {
	in.log.Error().Err(err).Int("consecutive", failures).Msg("poll failed")
	if failures == maxPollFailures && in.incident != nil {
		in.incident(ctx, "log_fetch_failing", "Event log fetch failing",
			fmt.Sprintf("%d consecutive poll failures, checkpoints paused; last: %v", failures, err))
	}
	return task.Backoff(failures)
}

// startSubscription wires the WS log stream into poller nudges. The
// subscription reconnects with exponential backoff after a drop; while it is
// down ingestion degrades to pure polling off the ticker.
func (in *Ingestor) startSubscription(ctx context.Context) {
	go func() {
		sink := make(chan types.Log, 256)
		delay := wsBackoffMin
		for ctx.Err() == nil {
			stop, errCh, err := in.gw.SubscribeLogs(ctx, sink)
			if err != nil {
				in.log.Warn().Err(err).Dur("retry_in", delay).Msg("log subscription unavailable, polling only")
			} else {
				delay = wsBackoffMin
				in.consumeSubscription(ctx, sink, errCh)
				stop()
				if ctx.Err() != nil {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > wsBackoffMax {
				delay = wsBackoffMax
			}
		}
	}()
}

// consumeSubscription forwards stream activity to the poller until the
// subscription drops or ctx ends.
func (in *Ingestor) consumeSubscription(ctx context.Context, sink <-chan types.Log, errCh <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sink:
			select {
			case in.nudge <- struct{}{}:
			default:
			}
		case err, ok := <-errCh:
			if !ok {
				return
			}
			in.log.Warn().Err(err).Msg("log subscription dropped, reconnecting")
			return
		}
	}
}

// Halted reports whether the ingestor refuses to advance pending a resync.
func (in *Ingestor) Halted() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.halted
}

// Resync rewinds all contract checkpoints to fromBlock and clears the halt.
// This is the manual recovery path after a reorg incident.
func (in *Ingestor) Resync(ctx context.Context, fromBlock uint64) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, c := range in.opts.Contracts {
		if err := in.coord.ResetCheckpoint(ctx, c, fromBlock); err != nil {
			return err
		}
	}
	in.lastSeen = make(map[string]blockRef)
	in.pending = make(map[string]uint64)
	in.pendingN = 0
	in.halted = false
	in.log.Warn().Uint64("from_block", fromBlock).Msg("resync requested, halt cleared")
	return nil
}

func (in *Ingestor) poll(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.halted {
		return ErrHalted
	}

	head, err := in.gw.Head(ctx)
	if err != nil {
		return fmt.Errorf("fetch head: %w", err)
	}
	if head < in.opts.Confirmations {
		return nil
	}
	confirmed := head - in.opts.Confirmations

	// verify previously processed blocks are still canonical before moving on
	if err := in.recheckCanonical(ctx); err != nil {
		return err
	}

	from, err := in.scanFrom(ctx)
	if err != nil {
		return err
	}
	if from > confirmed {
		return in.maybeFlush(ctx, false)
	}

	to := confirmed
	if in.opts.BatchSize > 0 && to-from+1 > in.opts.BatchSize {
		to = from + in.opts.BatchSize - 1
	}

	logs, err := in.gw.FilterLogs(ctx, from, to)
	if err != nil {
		return err
	}

	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		if err := in.handleLog(ctx, lg); err != nil {
			return err
		}
	}

	// the whole range is confirmed; every contract's checkpoint may move to `to`
	for _, c := range in.opts.Contracts {
		in.pending[c] = to
	}
	in.pendingN += len(logs)
	return in.maybeFlush(ctx, false)
}

// scanFrom returns the first unscanned block across all contracts.
func (in *Ingestor) scanFrom(ctx context.Context) (uint64, error) {
	from := uint64(0)
	first := true
	for _, c := range in.opts.Contracts {
		cp, ok, err := in.coord.Checkpoint(ctx, c)
		if err != nil {
			return 0, err
		}
		start := in.opts.GenesisBlock
		if ok {
			start = cp + 1
		}
		if first || start < from {
			from = start
			first = false
		}
	}
	return from, nil
}

func (in *Ingestor) handleLog(ctx context.Context, lg types.Log) error {
	ev, err := in.registry.Decode(lg)
	if errors.Is(err, chain.ErrUnknownEvent) {
		return nil
	}
	if err != nil {
		// malformed data never blocks the checkpoint
		in.log.Warn().Err(err).Str("tx", lg.TxHash.Hex()).Uint("log_index", lg.Index).Msg("decode failed, skipping")
		return nil
	}

	err = in.coord.MarkProcessed(ctx, ev.Key(), in.opts.DedupTTL)
	if errors.Is(err, coord.ErrDedupHit) {
		return nil
	}
	if err != nil {
		return err
	}

	t, err := task.NewTask(task.KindHandleEvent, chain.PriorityFor(ev.Kind), ev)
	if err != nil {
		return err
	}
	// same contract, same lane: handlers see events in (block, log index) order
	t.Lane = ev.Contract
	if err := in.queue.Enqueue(ctx, t); err != nil {
		return err
	}

	in.lastSeen[ev.Contract] = blockRef{number: ev.BlockNumber, hash: ev.BlockHash}
	metrics.EventsIngested.WithLabelValues(string(ev.Kind)).Inc()
	in.log.Debug().
		Str("kind", string(ev.Kind)).
		Uint64("block", ev.BlockNumber).
		Str("tx", ev.TxHash).
		Int("priority", t.Priority).
		Msg("event enqueued")
	return nil
}

// recheckCanonical compares the hash of each contract's last processed block
// with the chain. A mismatch means a reorg deeper than the confirmation
// depth: halt and raise an incident, never silently rewrite history.
func (in *Ingestor) recheckCanonical(ctx context.Context) error {
	for contract, ref := range in.lastSeen {
		hash, err := in.gw.BlockHash(ctx, ref.number)
		if err != nil {
			return fmt.Errorf("recheck block %d: %w", ref.number, err)
		}
		if hash != ref.hash {
			in.halted = true
			detail := fmt.Sprintf("contract %s block %d hash changed from %s to %s",
				contract, ref.number, ref.hash, hash)
			in.log.Error().Str("contract", contract).Uint64("block", ref.number).Msg("reorg detected, ingestion halted")
			if in.incident != nil {
				in.incident(ctx, "reorg_detected", "Deep reorg detected", detail)
			}
			return ErrHalted
		}
	}
	return nil
}

// maybeFlush persists pending checkpoints when thresholds are reached.
func (in *Ingestor) maybeFlush(ctx context.Context, force bool) error {
	if !force && in.pendingN < checkpointFlushCount && time.Since(in.lastFlushAt) < checkpointFlushEvery {
		return nil
	}
	for contract, block := range in.pending {
		if _, err := in.coord.AdvanceCheckpoint(ctx, contract, block); err != nil {
			return err
		}
	}
	if len(in.pending) > 0 {
		in.log.Debug().Int("events", in.pendingN).Msg("checkpoints flushed")
	}
	in.pending = make(map[string]uint64)
	in.pendingN = 0
	in.lastFlushAt = time.Now()
	return nil
}
