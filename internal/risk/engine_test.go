package risk

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/strata/internal/chain"
)

type sendRecorder struct {
	mu    sync.Mutex
	sent  [][]byte
	fail  error
	block chan struct{} // when set, Send waits on it before returning
}

func (g *sendRecorder) Head(ctx context.Context) (uint64, error)                { return 0, nil }
func (g *sendRecorder) BlockHash(ctx context.Context, n uint64) (string, error) { return "", nil }
func (g *sendRecorder) FilterLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	return nil, nil
}
func (g *sendRecorder) SubscribeLogs(ctx context.Context, sink chan<- types.Log) (func(), <-chan error, error) {
	return nil, nil, nil
}
func (g *sendRecorder) Call(ctx context.Context, contract string, data []byte) ([]byte, error) {
	return nil, nil
}
func (g *sendRecorder) Simulate(ctx context.Context, req chain.TxRequest) (*chain.SimResult, error) {
	return &chain.SimResult{OK: true}, nil
}

func (g *sendRecorder) Send(ctx context.Context, req chain.TxRequest) (*chain.Receipt, error) {
	if g.block != nil {
		<-g.block
	}
	g.mu.Lock()
	g.sent = append(g.sent, req.Data)
	g.mu.Unlock()
	if g.fail != nil {
		return nil, g.fail
	}
	return &chain.Receipt{Success: true, TxHash: "0xtx"}, nil
}

func (g *sendRecorder) Close() {}

func newPairEngine(gw *sendRecorder) *Engine {
	return &Engine{
		gw:   gw,
		opts: Options{Vault: "0xvault"},
		log:  zerolog.Nop(),
	}
}

func TestSendPairSubmitsBothCalls(t *testing.T) {
	gw := &sendRecorder{block: make(chan struct{})}
	e := newPairEngine(gw)

	done := make(chan error, 1)
	go func() {
		done <- e.sendPair(context.Background(),
			chain.SetEmergencyModeCall(true), chain.PauseCall())
	}()

	// both sends are in flight before either receipt lands
	close(gw.block)
	require.NoError(t, <-done)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Len(t, gw.sent, 2)
	assert.Contains(t, gw.sent, chain.SetEmergencyModeCall(true))
	assert.Contains(t, gw.sent, chain.PauseCall())
}

func TestSendPairSurfacesFirstError(t *testing.T) {
	gw := &sendRecorder{fail: chain.ErrSendTimeout}
	e := newPairEngine(gw)

	err := e.sendPair(context.Background(),
		chain.SetEmergencyModeCall(false), chain.UnpauseCall())
	assert.ErrorIs(t, err, chain.ErrSendTimeout)
}
