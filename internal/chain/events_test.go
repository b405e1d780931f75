package chain

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/strata/internal/task"
)

func topicFor(sig string) common.Hash {
	return crypto.Keccak256Hash([]byte(sig))
}

func uintTopic(v int64) common.Hash {
	return common.BigToHash(big.NewInt(v))
}

func addrTopic(a string) common.Hash {
	return common.BytesToHash(common.HexToAddress(a).Bytes())
}

func TestDecodeRedemptionRequested(t *testing.T) {
	reg := NewRegistry()

	owner := "0x1111111111111111111111111111111111111111"
	receiver := "0x2222222222222222222222222222222222222222"

	var data []byte
	data = append(data, addrWord(receiver)...)              // receiver
	data = append(data, uintWord(big.NewInt(1000))...)      // shares
	data = append(data, uintWord(big.NewInt(1050))...)      // locked_amount
	data = append(data, uintWord(big.NewInt(5))...)         // estimated_fee
	data = append(data, uintWord(big.NewInt(1))...)         // channel = EMERGENCY
	data = append(data, boolWord(true)...)                  // requires_approval
	data = append(data, uintWord(big.NewInt(1700000000))...) // settlement_time
	data = append(data, uintWord(big.NewInt(7))...)         // window_id

	lg := types.Log{
		Address: common.HexToAddress("0xdead"),
		Topics: []common.Hash{
			topicFor("RedemptionRequested(uint256,address,address,uint256,uint256,uint256,uint8,bool,uint256,uint256)"),
			uintTopic(42),
			addrTopic(owner),
		},
		Data:        data,
		BlockNumber: 100,
		TxHash:      common.HexToHash("0xabc"),
		Index:       3,
	}

	ev, err := reg.Decode(lg)
	require.NoError(t, err)
	assert.Equal(t, EvRedemptionRequested, ev.Kind)
	assert.Equal(t, uint64(42), ev.Uint("request_id"))
	assert.Equal(t, common.HexToAddress(owner).Hex(), ev.Addr("owner"))
	assert.Equal(t, common.HexToAddress(receiver).Hex(), ev.Addr("receiver"))
	assert.Equal(t, uint64(1000), ev.Uint("shares"))
	assert.Equal(t, uint64(1050), ev.Uint("locked_amount"))
	assert.Equal(t, uint64(1), ev.Uint("channel"))
	assert.True(t, ev.Bool("requires_approval"))
	assert.Equal(t, uint64(7), ev.Uint("window_id"))
	assert.Equal(t, lg.TxHash.Hex()+":3", ev.Key())
}

func TestDecodeRedemptionRejectedString(t *testing.T) {
	reg := NewRegistry()

	reason := "insufficient documentation"
	var data []byte
	data = append(data, uintWord(big.NewInt(32))...) // offset to string tail
	data = append(data, stringTail(reason)...)

	lg := types.Log{
		Topics: []common.Hash{
			topicFor("RedemptionRejected(uint256,address,string)"),
			uintTopic(9),
			addrTopic("0x3333333333333333333333333333333333333333"),
		},
		Data: data,
	}

	ev, err := reg.Decode(lg)
	require.NoError(t, err)
	assert.Equal(t, EvRedemptionRejected, ev.Kind)
	assert.Equal(t, uint64(9), ev.Uint("request_id"))
	assert.Equal(t, reason, ev.Str("reason"))
}

func TestDecodeEmergencyModeChanged(t *testing.T) {
	reg := NewRegistry()

	var data []byte
	data = append(data, boolWord(true)...)
	data = append(data, addrWord("0x4444444444444444444444444444444444444444")...)

	lg := types.Log{
		Topics: []common.Hash{topicFor("EmergencyModeChanged(bool,address)")},
		Data:   data,
	}
	ev, err := reg.Decode(lg)
	require.NoError(t, err)
	assert.Equal(t, EvEmergencyModeChanged, ev.Kind)
	assert.True(t, ev.Bool("enabled"))
}

func TestDecodeUnknownTopic(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Decode(types.Log{Topics: []common.Hash{common.HexToHash("0x01")}})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = reg.Decode(types.Log{})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecodeTruncatedData(t *testing.T) {
	reg := NewRegistry()
	lg := types.Log{
		Topics: []common.Hash{topicFor("NavUpdated(uint256,uint256,uint256)")},
		Data:   uintWord(big.NewInt(1)), // needs three words
	}
	_, err := reg.Decode(lg)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownEvent)
}

func TestEventArgsSurviveQueueRoundTrip(t *testing.T) {
	// 150 000 tokens at 18 decimals, well past float64's integer range
	amount, ok := new(big.Int).SetString("150000000000000000000000", 10)
	require.True(t, ok)

	ev := &Event{
		Kind:        EvRedemptionRequested,
		TxHash:      "0xabc",
		BlockNumber: 100,
		LogIndex:    3,
		Contract:    "0xdead",
		Args: map[string]interface{}{
			"request_id":        big.NewInt(42),
			"locked_amount":     amount,
			"owner":             "0x1111111111111111111111111111111111111111",
			"requires_approval": true,
			"reason":            "insufficient documentation",
		},
	}

	// same path an event takes through Redis: task payload in, JSON body
	// through the queue, payload out
	tk, err := task.NewTask(task.KindHandleEvent, PriorityFor(ev.Kind), ev)
	require.NoError(t, err)
	body, err := json.Marshal(tk)
	require.NoError(t, err)

	var back task.Task
	require.NoError(t, json.Unmarshal(body, &back))
	var got Event
	require.NoError(t, json.Unmarshal(back.Payload, &got))

	assert.Equal(t, EvRedemptionRequested, got.Kind)
	assert.Equal(t, uint64(42), got.Uint("request_id"))
	assert.Equal(t, 0, got.Big("locked_amount").Cmp(amount))
	assert.Equal(t, "0x1111111111111111111111111111111111111111", got.Addr("owner"))
	assert.True(t, got.Bool("requires_approval"))
	assert.Equal(t, "insufficient documentation", got.Str("reason"))
	assert.Equal(t, "0xabc:3", got.Key())
}

func TestBigToleratesEncodedForms(t *testing.T) {
	ev := &Event{Args: map[string]interface{}{
		"a": big.NewInt(7),
		"b": "9007199254740993", // 2^53 + 1
		"c": json.Number("12"),
	}}
	assert.Equal(t, uint64(7), ev.Uint("a"))
	assert.Equal(t, "9007199254740993", ev.Big("b").String())
	assert.Equal(t, uint64(12), ev.Uint("c"))
	assert.Equal(t, uint64(0), ev.Uint("missing"))
}

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, PriorityCritical, PriorityFor(EvEmergencyModeChanged))
	assert.Equal(t, PriorityCritical, PriorityFor(EvCriticalLiquidityAlert))
	assert.Equal(t, PriorityHigh, PriorityFor(EvRedemptionRequested))
	assert.Equal(t, PriorityHigh, PriorityFor(EvNavUpdated))
	assert.Equal(t, PriorityHigh, PriorityFor(EvBaseRedemptionFeeUpdated))
	assert.Equal(t, PriorityNormal, PriorityFor(EvDeposit))
	assert.Equal(t, PriorityNormal, PriorityFor(EvRedemptionSettled))
}

func TestRegistryCoversAllSpecs(t *testing.T) {
	reg := NewRegistry()
	assert.Len(t, reg.Topics(), len(eventSpecs))
}

func TestCalldataBuilders(t *testing.T) {
	data := ApproveRedemptionCall(42)
	require.Len(t, data, 4+32)
	assert.Equal(t, selector("approveRedemption(uint256)"), data[:4])
	assert.Equal(t, uint64(42), new(big.Int).SetBytes(data[4:36]).Uint64())

	data = RejectRedemptionCall(7, "no")
	assert.Equal(t, selector("rejectRedemption(uint256,string)"), data[:4])
	// offset points at the string tail after two head words
	assert.Equal(t, int64(64), new(big.Int).SetBytes(data[36:68]).Int64())
	assert.Equal(t, int64(2), new(big.Int).SetBytes(data[68:100]).Int64())
	assert.Equal(t, "no", string(data[100:102]))
	// tail is padded to a full word
	assert.Len(t, data, 4+32*3+32)

	data = TransferBetweenTiersCall(1, 2, big.NewInt(500))
	assert.Len(t, data, 4+32*3)

	// pause/unpause take no arguments, calldata is the bare selector
	assert.Equal(t, selector("pause()"), PauseCall())
	assert.Equal(t, selector("unpause()"), UnpauseCall())
	assert.Len(t, PauseCall(), 4)
}
