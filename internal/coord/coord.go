// Package coord holds the Redis-backed coordination primitives: per-contract
// checkpoints, the processed-event dedup set, and distributed leases for
// singleton workers.
//
// All mutations run as Lua scripts so concurrent instances cannot interleave
// a check with its matching write. Scripts are compiled once at construction
// and reused for every call.
package coord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrDedupHit means the event key was already marked processed.
	ErrDedupHit = errors.New("event already processed")

	// ErrLeaseHeld means another instance holds the lease.
	ErrLeaseHeld = errors.New("lease held by another instance")

	// ErrLeaseLost means our token no longer matches the lease; the holder
	// must stop its singleton work immediately.
	ErrLeaseLost = errors.New("lease lost")
)

// Coordinator wraps a Redis client with the coordination operations.
type Coordinator struct {
	rdb *redis.Client
	log zerolog.Logger

	advanceScript *redis.Script
	dedupScript   *redis.Script
	renewScript   *redis.Script
	releaseScript *redis.Script
}

// New builds a Coordinator on an existing Redis client.
func New(rdb *redis.Client, logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		rdb: rdb,
		log: logger.With().Str("component", "coord").Logger(),
	}

	// Checkpoint may only move forward. A concurrent writer with an older
	// view must not rewind a newer instance's progress.
	c.advanceScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '-1')
local new = tonumber(ARGV[1])
if new <= cur then
    return cur
end
redis.call('SET', KEYS[1], new)
return new
`)

	// Atomic check-and-mark. SET NX with TTL returns whether we won.
	c.dedupScript = redis.NewScript(`
local ok = redis.call('SET', KEYS[1], ARGV[1], 'NX', 'EX', ARGV[2])
if ok then
    return 1
end
return 0
`)

	// Renew only our own lease.
	c.renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

	// Release only our own lease.
	c.releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

	return c
}

func checkpointKey(contract string) string { return "strata:checkpoint:" + contract }
func dedupKey(eventKey string) string      { return "strata:dedup:" + eventKey }
func leaseKey(name string) string          { return "strata:lease:" + name }

// Checkpoint returns the last confirmed block for a contract, or ok=false
// when none has been persisted yet.
func (c *Coordinator) Checkpoint(ctx context.Context, contract string) (uint64, bool, error) {
	v, err := c.rdb.Get(ctx, checkpointKey(contract)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read checkpoint %s: %w", contract, err)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse checkpoint %s: %w", contract, err)
	}
	return n, true, nil
}

// AdvanceCheckpoint persists a new last-confirmed block. The stored value
// never decreases; the effective value after the call is returned.
func (c *Coordinator) AdvanceCheckpoint(ctx context.Context, contract string, block uint64) (uint64, error) {
	out, err := c.advanceScript.Run(ctx, c.rdb, []string{checkpointKey(contract)}, block).Int64()
	if err != nil {
		return 0, fmt.Errorf("advance checkpoint %s: %w", contract, err)
	}
	return uint64(out), nil
}

// ResetCheckpoint rewinds a checkpoint for a manual resync. This is the only
// path allowed to move a checkpoint backwards.
func (c *Coordinator) ResetCheckpoint(ctx context.Context, contract string, block uint64) error {
	if err := c.rdb.Set(ctx, checkpointKey(contract), block, 0).Err(); err != nil {
		return fmt.Errorf("reset checkpoint %s: %w", contract, err)
	}
	c.log.Warn().Str("contract", contract).Uint64("block", block).Msg("checkpoint reset")
	return nil
}

// MarkProcessed atomically claims an event key. Returns ErrDedupHit when
// another instance (or an earlier pass) already claimed it.
func (c *Coordinator) MarkProcessed(ctx context.Context, eventKey string, ttl time.Duration) error {
	won, err := c.dedupScript.Run(ctx, c.rdb, []string{dedupKey(eventKey)}, time.Now().UTC().Format(time.RFC3339), int(ttl.Seconds())).Int64()
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", eventKey, err)
	}
	if won == 0 {
		return ErrDedupHit
	}
	return nil
}

// SeenProcessed reports whether an event key is in the dedup set without
// claiming it.
func (c *Coordinator) SeenProcessed(ctx context.Context, eventKey string) (bool, error) {
	n, err := c.rdb.Exists(ctx, dedupKey(eventKey)).Result()
	if err != nil {
		return false, fmt.Errorf("check processed %s: %w", eventKey, err)
	}
	return n > 0, nil
}

// EnterCooldown claims a named cooldown window. Returns true when this call
// started the window, false while a previous window is still live. Used to
// suppress duplicate liquidity alerts within an hour.
func (c *Coordinator) EnterCooldown(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	won, err := c.dedupScript.Run(ctx, c.rdb, []string{"strata:cooldown:" + name},
		time.Now().UTC().Format(time.RFC3339), int(ttl.Seconds())).Int64()
	if err != nil {
		return false, fmt.Errorf("enter cooldown %s: %w", name, err)
	}
	return won == 1, nil
}

func flagKey(name string) string { return "strata:flag:" + name }

// SetFlag raises or clears a named operational flag (e.g. pausing standard
// redemption acceptance while risk is HIGH).
func (c *Coordinator) SetFlag(ctx context.Context, name string, on bool) error {
	var err error
	if on {
		err = c.rdb.Set(ctx, flagKey(name), time.Now().UTC().Format(time.RFC3339), 0).Err()
	} else {
		err = c.rdb.Del(ctx, flagKey(name)).Err()
	}
	if err != nil {
		return fmt.Errorf("set flag %s=%v: %w", name, on, err)
	}
	return nil
}

// Flag reports whether a named operational flag is raised.
func (c *Coordinator) Flag(ctx context.Context, name string) (bool, error) {
	n, err := c.rdb.Exists(ctx, flagKey(name)).Result()
	if err != nil {
		return false, fmt.Errorf("read flag %s: %w", name, err)
	}
	return n > 0, nil
}

// Lease is a fenced hold on a singleton role. The token proves ownership on
// every renew and release; a lease that expired and was re-acquired elsewhere
// fails renewal instead of silently double-running.
type Lease struct {
	coord *Coordinator
	name  string
	token string
	ttl   time.Duration
}

// AcquireLease attempts to take the named lease. Returns ErrLeaseHeld when
// another instance owns it.
func (c *Coordinator) AcquireLease(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, leaseKey(name), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	c.log.Info().Str("lease", name).Msg("lease acquired")
	return &Lease{coord: c, name: name, token: token, ttl: ttl}, nil
}

// Renew extends the lease. Returns ErrLeaseLost if the token no longer
// matches.
func (l *Lease) Renew(ctx context.Context) error {
	ok, err := l.coord.renewScript.Run(ctx, l.coord.rdb, []string{leaseKey(l.name)}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", l.name, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release gives the lease up. Releasing a lease we no longer own is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := l.coord.releaseScript.Run(ctx, l.coord.rdb, []string{leaseKey(l.name)}, l.token).Int64(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.name, err)
	}
	l.coord.log.Info().Str("lease", l.name).Msg("lease released")
	return nil
}

// KeepAlive renews the lease every renewEvery until ctx is cancelled or the
// lease is lost. The returned channel closes when the hold ends; callers must
// stop singleton work when it does.
func (l *Lease) KeepAlive(ctx context.Context, renewEvery time.Duration) <-chan struct{} {
	lost := make(chan struct{})
	go func() {
		defer close(lost)
		ticker := time.NewTicker(renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Renew(ctx); err != nil {
					l.coord.log.Error().Err(err).Str("lease", l.name).Msg("lease renewal failed")
					return
				}
			}
		}
	}()
	return lost
}
