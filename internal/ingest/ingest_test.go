package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/strata/internal/chain"
	"github.com/kelpejol/strata/internal/coord"
	"github.com/kelpejol/strata/internal/task"
)

const testContract = "0x00000000000000000000000000000000000000AA"

type fakeGateway struct {
	head   uint64
	hashes map[uint64]string
	logs   []types.Log
	// recorded filter ranges
	ranges [][2]uint64
}

func (f *fakeGateway) Head(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeGateway) BlockHash(ctx context.Context, n uint64) (string, error) {
	if h, ok := f.hashes[n]; ok {
		return h, nil
	}
	return common.HexToHash(fmt.Sprintf("0x%064x", n)).Hex(), nil
}

func (f *fakeGateway) FilterLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	f.ranges = append(f.ranges, [2]uint64{from, to})
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeGateway) SubscribeLogs(ctx context.Context, sink chan<- types.Log) (func(), <-chan error, error) {
	return nil, nil, fmt.Errorf("no ws in tests")
}

func (f *fakeGateway) Call(ctx context.Context, contract string, data []byte) ([]byte, error) {
	return nil, nil
}

func (f *fakeGateway) Simulate(ctx context.Context, req chain.TxRequest) (*chain.SimResult, error) {
	return &chain.SimResult{OK: true}, nil
}

func (f *fakeGateway) Send(ctx context.Context, req chain.TxRequest) (*chain.Receipt, error) {
	return &chain.Receipt{Success: true}, nil
}

func (f *fakeGateway) Close() {}

func navLog(block uint64, index uint) types.Log {
	word := func(v int64) []byte {
		out := make([]byte, 32)
		big.NewInt(v).FillBytes(out)
		return out
	}
	var data []byte
	data = append(data, word(100)...)
	data = append(data, word(1000)...)
	data = append(data, word(10)...)
	return types.Log{
		Address:     common.HexToAddress(testContract),
		Topics:      []common.Hash{crypto.Keccak256Hash([]byte("NavUpdated(uint256,uint256,uint256)"))},
		Data:        data,
		BlockNumber: block,
		BlockHash:   common.HexToHash(fmt.Sprintf("0x%064x", block)),
		TxHash:      common.HexToHash(fmt.Sprintf("0x%064x", block*1000+uint64(index))),
		Index:       index,
	}
}

func newTestIngestor(t *testing.T, gw *fakeGateway) (*Ingestor, *task.Queue, *coord.Coordinator) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	c := coord.New(rdb, zerolog.Nop())
	q := task.NewQueue(rdb, zerolog.Nop())
	in := New(gw, chain.NewRegistry(), c, q, Options{
		Contracts:     []string{common.HexToAddress(testContract).Hex()},
		GenesisBlock:  1,
		Confirmations: 15,
		PollInterval:  time.Second,
		BatchSize:     1000,
		DedupTTL:      7 * 24 * time.Hour,
	}, nil, zerolog.Nop())
	return in, q, c
}

// contractLane is where the test contract's events land: every event task
// carries the contract address as its lane.
func contractLane() int {
	return task.LaneIndex(common.HexToAddress(testContract).Hex())
}

func TestPollEnqueuesConfirmedOnly(t *testing.T) {
	gw := &fakeGateway{
		head: 115, // confirmed head = 100
		logs: []types.Log{navLog(100, 0), navLog(101, 0)},
	}
	in, q, _ := newTestIngestor(t, gw)
	ctx := context.Background()

	require.NoError(t, in.poll(ctx))

	// block 100 is exactly head-confirmations: accepted. 101 is deferred.
	got, err := q.DequeueLane(ctx, contractLane(), 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, common.HexToAddress(testContract).Hex(), got.Lane)

	var ev chain.Event
	require.NoError(t, json.Unmarshal(got.Payload, &ev))
	assert.Equal(t, chain.EvNavUpdated, ev.Kind)
	assert.Equal(t, uint64(100), ev.BlockNumber)

	got, err = q.DequeueLane(ctx, contractLane(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)

	// filter range capped at the confirmed head
	require.Len(t, gw.ranges, 1)
	assert.Equal(t, [2]uint64{1, 100}, gw.ranges[0])
}

func TestPollDeduplicatesAcrossRuns(t *testing.T) {
	gw := &fakeGateway{head: 120, logs: []types.Log{navLog(100, 0)}}
	in, q, c := newTestIngestor(t, gw)
	ctx := context.Background()

	require.NoError(t, in.poll(ctx))

	// rewind checkpoint and poll again: dedup must drop the replay
	contract := common.HexToAddress(testContract).Hex()
	require.NoError(t, c.ResetCheckpoint(ctx, contract, 1))
	require.NoError(t, in.poll(ctx))

	got, err := q.DequeueLane(ctx, contractLane(), 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	got, err = q.DequeueLane(ctx, contractLane(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCheckpointAdvancesAfterFlush(t *testing.T) {
	gw := &fakeGateway{head: 120, logs: []types.Log{navLog(90, 0)}}
	in, _, c := newTestIngestor(t, gw)
	ctx := context.Background()

	require.NoError(t, in.poll(ctx))
	require.NoError(t, in.maybeFlush(ctx, true))

	cp, ok, err := c.Checkpoint(ctx, common.HexToAddress(testContract).Hex())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(105), cp) // head 120 - confirmations 15
}

func TestReorgHaltsIngestion(t *testing.T) {
	gw := &fakeGateway{head: 120, hashes: map[uint64]string{}, logs: []types.Log{navLog(100, 0)}}
	var incidentKind string
	in, q, _ := newTestIngestor(t, gw)
	in.incident = func(ctx context.Context, kind, title, detail string) { incidentKind = kind }
	ctx := context.Background()

	require.NoError(t, in.poll(ctx))
	_, err := q.DequeueLane(ctx, contractLane(), 50*time.Millisecond)
	require.NoError(t, err)

	// the processed block's hash changes under us
	gw.hashes[100] = "0xdifferent"
	gw.head = 130
	err = in.poll(ctx)
	assert.ErrorIs(t, err, ErrHalted)
	assert.True(t, in.Halted())
	assert.Equal(t, "reorg_detected", incidentKind)

	// further polls refuse to advance
	assert.ErrorIs(t, in.poll(ctx), ErrHalted)

	// manual resync clears the halt
	require.NoError(t, in.Resync(ctx, 50))
	assert.False(t, in.Halted())
}

func TestPriorityMappingOnEnqueue(t *testing.T) {
	emergencyLog := func(block uint64) types.Log {
		var data []byte
		b := make([]byte, 32)
		b[31] = 1
		data = append(data, b...)
		data = append(data, make([]byte, 32)...)
		return types.Log{
			Address:     common.HexToAddress(testContract),
			Topics:      []common.Hash{crypto.Keccak256Hash([]byte("EmergencyModeChanged(bool,address)"))},
			Data:        data,
			BlockNumber: block,
			BlockHash:   common.HexToHash(fmt.Sprintf("0x%064x", block)),
			TxHash:      common.HexToHash(fmt.Sprintf("0x%064x", block*7)),
		}
	}

	gw := &fakeGateway{head: 120, logs: []types.Log{navLog(99, 0), emergencyLog(100)}}
	in, q, _ := newTestIngestor(t, gw)
	ctx := context.Background()

	require.NoError(t, in.poll(ctx))

	// same contract means same lane: block order holds even though the
	// later event is critical. The priority still rides on the task for
	// the handler's benefit.
	got, err := q.DequeueLane(ctx, contractLane(), 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.PriorityHigh, got.Priority)

	got, err = q.DequeueLane(ctx, contractLane(), 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.PriorityCritical, got.Priority)
}

func TestPersistentPollFailureRaisesIncident(t *testing.T) {
	gw := &fakeGateway{head: 120}
	in, _, _ := newTestIngestor(t, gw)
	var incidents []string
	in.incident = func(ctx context.Context, kind, title, detail string) { incidents = append(incidents, kind) }
	ctx := context.Background()

	err := fmt.Errorf("fetch head: connection refused")
	for i := 1; i < maxPollFailures; i++ {
		d := in.notePollFailure(ctx, err, i)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 30*time.Second)
	}
	assert.Empty(t, incidents)

	// the tenth consecutive failure crosses the line, exactly once
	in.notePollFailure(ctx, err, maxPollFailures)
	require.Equal(t, []string{"log_fetch_failing"}, incidents)
	in.notePollFailure(ctx, err, maxPollFailures+1)
	assert.Len(t, incidents, 1)
}

// wsGateway hands out a live subscription whose error channel the test
// controls, so drops and reconnects can be observed.
type wsGateway struct {
	fakeGateway
	mu    sync.Mutex
	calls int
	errCh chan error
}

func (g *wsGateway) SubscribeLogs(ctx context.Context, sink chan<- types.Log) (func(), <-chan error, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.errCh = make(chan error, 1)
	return func() {}, g.errCh, nil
}

func (g *wsGateway) subscribeCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestSubscriptionReconnectsAfterDrop(t *testing.T) {
	gw := &wsGateway{}
	in, _, _ := newTestIngestor(t, &gw.fakeGateway)
	in.gw = gw

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in.startSubscription(ctx)

	require.Eventually(t, func() bool { return gw.subscribeCalls() == 1 },
		time.Second, 10*time.Millisecond)

	gw.mu.Lock()
	gw.errCh <- fmt.Errorf("websocket: close 1006")
	gw.mu.Unlock()

	// the consumer notices the drop and resubscribes after the backoff
	assert.Eventually(t, func() bool { return gw.subscribeCalls() >= 2 },
		3*time.Second, 50*time.Millisecond)
}
