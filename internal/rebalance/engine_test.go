package rebalance

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/strata/internal/chain"
	"github.com/kelpejol/strata/internal/model"
)

// simGateway answers every Simulate with the same canned result.
type simGateway struct {
	result chain.SimResult
}

func (g *simGateway) Head(ctx context.Context) (uint64, error)                { return 0, nil }
func (g *simGateway) BlockHash(ctx context.Context, n uint64) (string, error) { return "", nil }
func (g *simGateway) FilterLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	return nil, nil
}
func (g *simGateway) SubscribeLogs(ctx context.Context, sink chan<- types.Log) (func(), <-chan error, error) {
	return nil, nil, nil
}
func (g *simGateway) Call(ctx context.Context, contract string, data []byte) ([]byte, error) {
	return nil, nil
}
func (g *simGateway) Simulate(ctx context.Context, req chain.TxRequest) (*chain.SimResult, error) {
	res := g.result
	return &res, nil
}
func (g *simGateway) Send(ctx context.Context, req chain.TxRequest) (*chain.Receipt, error) {
	return &chain.Receipt{Success: true, TxHash: "0xtx"}, nil
}
func (g *simGateway) Close() {}

// returnWord encodes v as the single uint256 return word of a tier move.
func returnWord(v *big.Int) []byte {
	return v.FillBytes(make([]byte, 32))
}

func simEngine(gw chain.Gateway) *Engine {
	return &Engine{
		gw:   gw,
		opts: Options{Vault: "0xvault", DriftToleranceBps: 10_000},
		log:  zerolog.Nop(),
	}
}

func slippagePlan(bps int64) *model.RebalancePlan {
	return &model.RebalancePlan{
		ID: "plan-1",
		Actions: []model.PlanAction{{
			ID:             "act-1",
			Kind:           model.ActionTransfer,
			FromTier:       model.TierL2,
			ToTier:         model.TierL1,
			Amount:         model.Units(500_000),
			MaxSlippageBps: bps,
		}},
	}
}

func TestSimulateRejectsExcessSlippage(t *testing.T) {
	plan := slippagePlan(200)
	requested := plan.Actions[0].Amount.Big()

	// realized 97% of requested: 300 bps against a 200 bps bound
	executed := new(big.Int).Mul(requested, big.NewInt(97))
	executed.Div(executed, big.NewInt(100))
	gw := &simGateway{result: chain.SimResult{OK: true, ReturnData: returnWord(executed)}}

	err := simEngine(gw).simulate(context.Background(), projection(100_000, 800_000, 100_000), plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSlippageExceeded)
	assert.NotErrorIs(t, err, ErrSimulationFailed)
}

func TestSimulatePassesSlippageWithinBound(t *testing.T) {
	plan := slippagePlan(200)
	requested := plan.Actions[0].Amount.Big()

	// realized 99.5%: 50 bps, inside the bound
	executed := new(big.Int).Mul(requested, big.NewInt(995))
	executed.Div(executed, big.NewInt(1000))
	gw := &simGateway{result: chain.SimResult{OK: true, ReturnData: returnWord(executed)}}

	err := simEngine(gw).simulate(context.Background(), projection(100_000, 800_000, 100_000), plan)
	assert.NoError(t, err)
}

func TestSimulateSkipsGateWithoutBound(t *testing.T) {
	plan := slippagePlan(0)
	gw := &simGateway{result: chain.SimResult{OK: true, ReturnData: returnWord(big.NewInt(1))}}
	err := simEngine(gw).simulate(context.Background(), projection(100_000, 800_000, 100_000), plan)
	assert.NoError(t, err)
}

func TestSlippageBps(t *testing.T) {
	assert.Equal(t, int64(300), slippageBps(big.NewInt(10_000), big.NewInt(9_700)))
	assert.Equal(t, int64(1), slippageBps(big.NewInt(10_000), big.NewInt(9_999)))
	// over-delivery and degenerate requests count as zero
	assert.Equal(t, int64(0), slippageBps(big.NewInt(10_000), big.NewInt(10_500)))
	assert.Equal(t, int64(0), slippageBps(big.NewInt(0), big.NewInt(5)))
}

func TestTransientSendError(t *testing.T) {
	for _, err := range []error{
		chain.ErrSendTimeout,
		chain.ErrReceiptFailed,
		chain.ErrBreakerOpen,
		chain.ErrReorgDropped,
		context.DeadlineExceeded,
	} {
		assert.True(t, transientSendError(err), err.Error())
	}
	// policy rejections and unknown failures burn no retries
	assert.False(t, transientSendError(chain.ErrRejectedByPolicy))
	assert.False(t, transientSendError(errors.New("nonce gap")))
}
