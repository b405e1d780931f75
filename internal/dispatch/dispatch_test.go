package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/strata/internal/chain"
	"github.com/kelpejol/strata/internal/model"
	"github.com/kelpejol/strata/internal/store"
	"github.com/kelpejol/strata/internal/task"
)

func TestChannelFromCode(t *testing.T) {
	assert.Equal(t, model.ChannelStandard, channelFromCode(0))
	assert.Equal(t, model.ChannelEmergency, channelFromCode(1))
	assert.Equal(t, model.ChannelScheduled, channelFromCode(2))
	// unrecognized codes fall back to standard
	assert.Equal(t, model.ChannelStandard, channelFromCode(99))
}

func TestTierFromCode(t *testing.T) {
	assert.Equal(t, model.TierL1, tierFromCode(1))
	assert.Equal(t, model.TierL2, tierFromCode(2))
	assert.Equal(t, model.TierL3, tierFromCode(3))
	assert.Equal(t, model.TierL1, tierFromCode(0))
}

func TestRedemptionEventSurvivesTaskPayload(t *testing.T) {
	// 120 000 tokens at 18 decimals, past float64's exact-integer range
	locked, ok := new(big.Int).SetString("120000000000000000000000", 10)
	require.True(t, ok)

	ev := &chain.Event{
		Kind:        chain.EvRedemptionRequested,
		TxHash:      "0xabc",
		BlockNumber: 100,
		LogIndex:    3,
		Contract:    "0xdead",
		Args: map[string]interface{}{
			"request_id":        big.NewInt(42),
			"owner":             "0x1111111111111111111111111111111111111111",
			"receiver":          "0x2222222222222222222222222222222222222222",
			"shares":            big.NewInt(1000),
			"locked_amount":     locked,
			"estimated_fee":     big.NewInt(5),
			"channel":           big.NewInt(1),
			"requires_approval": true,
			"settlement_time":   big.NewInt(1700000000),
			"window_id":         big.NewInt(7),
		},
	}

	// the exact path from ingest to the handler: task payload in, queue
	// body through Redis, payload decoded back out
	tk, err := task.NewTask(task.KindHandleEvent, chain.PriorityFor(ev.Kind), ev)
	require.NoError(t, err)
	body, err := json.Marshal(tk)
	require.NoError(t, err)

	var back task.Task
	require.NoError(t, json.Unmarshal(body, &back))
	var got chain.Event
	require.NoError(t, json.Unmarshal(back.Payload, &got))

	r := redemptionFromEvent(&got)
	assert.Equal(t, uint64(42), r.RequestID)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", r.Owner)
	assert.Equal(t, "0x2222222222222222222222222222222222222222", r.Receiver)
	assert.Equal(t, 0, r.Shares.Big().Cmp(big.NewInt(1000)))
	assert.Equal(t, 0, r.GrossAmount.Big().Cmp(locked))
	assert.Equal(t, 0, r.EstimatedFee.Big().Cmp(big.NewInt(5)))
	assert.Equal(t, model.ChannelEmergency, r.Channel)
	assert.True(t, r.RequiresApproval)
	assert.Equal(t, model.RedemptionPendingApproval, r.Status)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), r.SettlementTime)
	require.NotNil(t, r.WindowID)
	assert.Equal(t, uint64(7), *r.WindowID)
}

func TestIgnoreStale(t *testing.T) {
	assert.NoError(t, ignoreStale(store.ErrStaleStatus))
	assert.NoError(t, ignoreStale(store.ErrNotFound))
	assert.NoError(t, ignoreStale(fmt.Errorf("update redemption: %w", store.ErrStaleStatus)))

	other := errors.New("connection reset")
	assert.Equal(t, other, ignoreStale(other))
	assert.NoError(t, ignoreStale(nil))
}
