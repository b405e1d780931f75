package chain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// EventKind identifies one decoded contract event.
type EventKind string

const (
	// ERC-4626 vault core
	EvDeposit  EventKind = "Deposit"
	EvWithdraw EventKind = "Withdraw"

	// Redemption lifecycle
	EvRedemptionRequested EventKind = "RedemptionRequested"
	EvRedemptionApproved  EventKind = "RedemptionApproved"
	EvRedemptionRejected  EventKind = "RedemptionRejected"
	EvRedemptionSettled   EventKind = "RedemptionSettled"
	EvRedemptionCancelled EventKind = "RedemptionCancelled"

	// Share accounting
	EvSharesLocked   EventKind = "SharesLocked"
	EvSharesUnlocked EventKind = "SharesUnlocked"
	EvSharesBurned   EventKind = "SharesBurned"

	// Fees
	EvRedemptionFeeAdded        EventKind = "RedemptionFeeAdded"
	EvRedemptionFeeReduced      EventKind = "RedemptionFeeReduced"
	EvBaseRedemptionFeeUpdated  EventKind = "BaseRedemptionFeeUpdated"
	EvEmergencyPenaltyFeeUpdated EventKind = "EmergencyPenaltyFeeUpdated"
	EvVoucherThresholdUpdated   EventKind = "VoucherThresholdUpdated"

	// NAV
	EvNavUpdated EventKind = "NavUpdated"

	// Emergency / quota
	EvEmergencyModeChanged      EventKind = "EmergencyModeChanged"
	EvEmergencyQuotaRefreshed   EventKind = "EmergencyQuotaRefreshed"
	EvEmergencyQuotaRestored    EventKind = "EmergencyQuotaRestored"
	EvLockedMintAssetsReset     EventKind = "LockedMintAssetsReset"
	EvStandardQuotaRatioUpdated EventKind = "StandardQuotaRatioUpdated"

	// Pending-approval share bookkeeping
	EvPendingApprovalSharesAdded     EventKind = "PendingApprovalSharesAdded"
	EvPendingApprovalSharesRemoved   EventKind = "PendingApprovalSharesRemoved"
	EvPendingApprovalSharesConverted EventKind = "PendingApprovalSharesConverted"

	// Admin
	EvAssetControllerUpdated   EventKind = "AssetControllerUpdated"
	EvRedemptionManagerUpdated EventKind = "RedemptionManagerUpdated"

	// Vouchers
	EvVoucherMinted  EventKind = "VoucherMinted"
	EvVoucherSettled EventKind = "VoucherSettled"

	// Liability
	EvDailyLiabilityAdded          EventKind = "DailyLiabilityAdded"
	EvLiabilityRemoved             EventKind = "LiabilityRemoved"
	EvSettlementWaterfallTriggered EventKind = "SettlementWaterfallTriggered"

	// Asset management
	EvAssetAdded   EventKind = "AssetAdded"
	EvAssetRemoved EventKind = "AssetRemoved"

	// Rebalancing
	EvRebalanceExecuted EventKind = "RebalanceExecuted"

	// Liquidity alerts emitted by the asset controller
	EvLowLiquidityAlert      EventKind = "LowLiquidityAlert"
	EvCriticalLiquidityAlert EventKind = "CriticalLiquidityAlert"
)

// Priority buckets for the task queue, highest first.
const (
	PriorityCritical = 0
	PriorityHigh     = 1
	PriorityNormal   = 2
	PriorityLow      = 3
)

// PriorityFor maps an event kind to its ingestion priority.
func PriorityFor(kind EventKind) int {
	switch kind {
	case EvEmergencyModeChanged, EvCriticalLiquidityAlert, EvLowLiquidityAlert:
		return PriorityCritical
	case EvRedemptionRequested, EvVoucherMinted, EvSettlementWaterfallTriggered,
		EvNavUpdated, EvBaseRedemptionFeeUpdated, EvEmergencyPenaltyFeeUpdated,
		EvVoucherThresholdUpdated:
		return PriorityHigh
	}
	return PriorityNormal
}

type fieldSpec struct {
	name    string
	typ     string // uint256, address, uint8, bool, string
	indexed bool
}

type eventSpec struct {
	kind      EventKind
	signature string
	fields    []fieldSpec
}

// eventSpecs is the closed set of recognized events. Field order matches the
// Solidity declaration; indexed fields come from topics, the rest from data.
var eventSpecs = []eventSpec{
	{EvDeposit, "Deposit(address,address,uint256,uint256)", []fieldSpec{
		{"sender", "address", true}, {"owner", "address", true},
		{"assets", "uint256", false}, {"shares", "uint256", false},
	}},
	{EvWithdraw, "Withdraw(address,address,address,uint256,uint256)", []fieldSpec{
		{"sender", "address", true}, {"receiver", "address", true}, {"owner", "address", true},
		{"assets", "uint256", false}, {"shares", "uint256", false},
	}},
	{EvRedemptionRequested, "RedemptionRequested(uint256,address,address,uint256,uint256,uint256,uint8,bool,uint256,uint256)", []fieldSpec{
		{"request_id", "uint256", true}, {"owner", "address", true},
		{"receiver", "address", false}, {"shares", "uint256", false},
		{"locked_amount", "uint256", false}, {"estimated_fee", "uint256", false},
		{"channel", "uint8", false}, {"requires_approval", "bool", false},
		{"settlement_time", "uint256", false}, {"window_id", "uint256", false},
	}},
	{EvRedemptionApproved, "RedemptionApproved(uint256,address,uint256)", []fieldSpec{
		{"request_id", "uint256", true}, {"approver", "address", true},
		{"settlement_time", "uint256", false},
	}},
	{EvRedemptionRejected, "RedemptionRejected(uint256,address,string)", []fieldSpec{
		{"request_id", "uint256", true}, {"rejecter", "address", true},
		{"reason", "string", false},
	}},
	{EvRedemptionSettled, "RedemptionSettled(uint256,address,uint256,uint256)", []fieldSpec{
		{"request_id", "uint256", true}, {"receiver", "address", true},
		{"net_amount", "uint256", false}, {"fee", "uint256", false},
	}},
	{EvRedemptionCancelled, "RedemptionCancelled(uint256,address)", []fieldSpec{
		{"request_id", "uint256", true}, {"owner", "address", true},
	}},
	{EvSharesLocked, "SharesLocked(address,uint256,uint256)", []fieldSpec{
		{"owner", "address", true}, {"amount", "uint256", false}, {"request_id", "uint256", false},
	}},
	{EvSharesUnlocked, "SharesUnlocked(address,uint256)", []fieldSpec{
		{"owner", "address", true}, {"amount", "uint256", false},
	}},
	{EvSharesBurned, "SharesBurned(address,uint256)", []fieldSpec{
		{"owner", "address", true}, {"amount", "uint256", false},
	}},
	{EvRedemptionFeeAdded, "RedemptionFeeAdded(uint256)", []fieldSpec{
		{"amount", "uint256", false},
	}},
	{EvRedemptionFeeReduced, "RedemptionFeeReduced(uint256)", []fieldSpec{
		{"amount", "uint256", false},
	}},
	{EvNavUpdated, "NavUpdated(uint256,uint256,uint256)", []fieldSpec{
		{"share_price", "uint256", false}, {"total_assets", "uint256", false},
		{"total_supply", "uint256", false},
	}},
	{EvEmergencyModeChanged, "EmergencyModeChanged(bool,address)", []fieldSpec{
		{"enabled", "bool", false}, {"triggered_by", "address", false},
	}},
	{EvEmergencyQuotaRefreshed, "EmergencyQuotaRefreshed(uint256)", []fieldSpec{
		{"quota", "uint256", false},
	}},
	{EvEmergencyQuotaRestored, "EmergencyQuotaRestored(uint256)", []fieldSpec{
		{"quota", "uint256", false},
	}},
	{EvLockedMintAssetsReset, "LockedMintAssetsReset(uint256)", []fieldSpec{
		{"amount", "uint256", false},
	}},
	{EvStandardQuotaRatioUpdated, "StandardQuotaRatioUpdated(uint256,uint256)", []fieldSpec{
		{"old_ratio", "uint256", false}, {"new_ratio", "uint256", false},
	}},
	{EvPendingApprovalSharesAdded, "PendingApprovalSharesAdded(address,uint256)", []fieldSpec{
		{"owner", "address", true}, {"amount", "uint256", false},
	}},
	{EvPendingApprovalSharesRemoved, "PendingApprovalSharesRemoved(address,uint256)", []fieldSpec{
		{"owner", "address", true}, {"amount", "uint256", false},
	}},
	{EvPendingApprovalSharesConverted, "PendingApprovalSharesConverted(address,uint256)", []fieldSpec{
		{"owner", "address", true}, {"amount", "uint256", false},
	}},
	{EvAssetControllerUpdated, "AssetControllerUpdated(address,address)", []fieldSpec{
		{"old_controller", "address", false}, {"new_controller", "address", false},
	}},
	{EvRedemptionManagerUpdated, "RedemptionManagerUpdated(address,address)", []fieldSpec{
		{"old_manager", "address", false}, {"new_manager", "address", false},
	}},
	{EvVoucherMinted, "VoucherMinted(uint256,uint256,address)", []fieldSpec{
		{"request_id", "uint256", true}, {"token_id", "uint256", false}, {"owner", "address", false},
	}},
	{EvVoucherSettled, "VoucherSettled(uint256,uint256,address,uint256)", []fieldSpec{
		{"token_id", "uint256", true}, {"request_id", "uint256", false},
		{"owner", "address", false}, {"amount", "uint256", false},
	}},
	{EvDailyLiabilityAdded, "DailyLiabilityAdded(uint256,uint256)", []fieldSpec{
		{"day_index", "uint256", false}, {"amount", "uint256", false},
	}},
	{EvLiabilityRemoved, "LiabilityRemoved(uint256,uint256)", []fieldSpec{
		{"day_index", "uint256", false}, {"amount", "uint256", false},
	}},
	{EvSettlementWaterfallTriggered, "SettlementWaterfallTriggered(uint256,uint256,uint256)", []fieldSpec{
		{"request_id", "uint256", true}, {"shortfall", "uint256", false}, {"liquidated", "uint256", false},
	}},
	{EvBaseRedemptionFeeUpdated, "BaseRedemptionFeeUpdated(uint256,uint256)", []fieldSpec{
		{"old_fee", "uint256", false}, {"new_fee", "uint256", false},
	}},
	{EvEmergencyPenaltyFeeUpdated, "EmergencyPenaltyFeeUpdated(uint256,uint256)", []fieldSpec{
		{"old_fee", "uint256", false}, {"new_fee", "uint256", false},
	}},
	{EvVoucherThresholdUpdated, "VoucherThresholdUpdated(uint256,uint256)", []fieldSpec{
		{"old_threshold", "uint256", false}, {"new_threshold", "uint256", false},
	}},
	{EvAssetAdded, "AssetAdded(address,uint8,uint256)", []fieldSpec{
		{"asset", "address", true}, {"tier", "uint8", false}, {"target_ratio", "uint256", false},
	}},
	{EvAssetRemoved, "AssetRemoved(address)", []fieldSpec{
		{"asset", "address", true},
	}},
	{EvRebalanceExecuted, "RebalanceExecuted(address,uint256)", []fieldSpec{
		{"asset", "address", true}, {"amount", "uint256", false},
	}},
	{EvLowLiquidityAlert, "LowLiquidityAlert(uint256,uint256)", []fieldSpec{
		{"l1_ratio", "uint256", false}, {"threshold", "uint256", false},
	}},
	{EvCriticalLiquidityAlert, "CriticalLiquidityAlert(uint256,uint256)", []fieldSpec{
		{"l1_ratio", "uint256", false}, {"threshold", "uint256", false},
	}},
}

// Event is a decoded, confirmation-checked contract event.
type Event struct {
	Kind        EventKind
	TxHash      string
	BlockNumber uint64
	BlockHash   string
	LogIndex    uint
	Contract    string
	Time        time.Time
	Args        map[string]interface{}
}

// Key is the global dedup key for this event.
func (e *Event) Key() string {
	return fmt.Sprintf("%s:%d", e.TxHash, e.LogIndex)
}

type eventAlias Event

// MarshalJSON carries uint256 arguments as decimal strings. Events cross the
// task queue as JSON, and a numeric encoding would round values above 2^53
// through float64.
func (e Event) MarshalJSON() ([]byte, error) {
	a := eventAlias(e)
	a.Args = make(map[string]interface{}, len(e.Args))
	for k, v := range e.Args {
		if b, ok := v.(*big.Int); ok {
			a.Args[k] = b.String()
			continue
		}
		a.Args[k] = v
	}
	return json.Marshal(a)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var a eventAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = Event(a)
	return nil
}

// Uint returns a uint256/uint8 argument as uint64 (zero when absent).
func (e *Event) Uint(name string) uint64 {
	return e.Big(name).Uint64()
}

// Big returns a uint256 argument as *big.Int (zero when absent). Arguments
// arrive as *big.Int straight off the decoder and as decimal strings after a
// queue round trip.
func (e *Event) Big(name string) *big.Int {
	switch v := e.Args[name].(type) {
	case *big.Int:
		return v
	case string:
		if b, ok := new(big.Int).SetString(v, 10); ok {
			return b
		}
	case json.Number:
		if b, ok := new(big.Int).SetString(v.String(), 10); ok {
			return b
		}
	}
	return new(big.Int)
}

// Addr returns an address argument in lower-case hex (empty when absent).
func (e *Event) Addr(name string) string {
	v, _ := e.Args[name].(string)
	return v
}

// Bool returns a bool argument (false when absent).
func (e *Event) Bool(name string) bool {
	v, _ := e.Args[name].(bool)
	return v
}

// Str returns a string argument (empty when absent).
func (e *Event) Str(name string) string {
	v, _ := e.Args[name].(string)
	return v
}

// Registry decodes raw logs against the closed event set.
type Registry struct {
	byTopic map[common.Hash]*eventSpec
}

// NewRegistry builds the topic0 lookup table.
func NewRegistry() *Registry {
	r := &Registry{byTopic: make(map[common.Hash]*eventSpec, len(eventSpecs))}
	for i := range eventSpecs {
		s := &eventSpecs[i]
		r.byTopic[crypto.Keccak256Hash([]byte(s.signature))] = s
	}
	return r
}

// Topics returns all recognized topic0 hashes, for filter construction.
func (r *Registry) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(r.byTopic))
	for h := range r.byTopic {
		out = append(out, h)
	}
	return out
}

// ErrUnknownEvent marks a log whose topic0 is outside the recognized set.
var ErrUnknownEvent = fmt.Errorf("unknown event topic")

// Decode parses a raw log into an Event. Unknown topics return
// ErrUnknownEvent; malformed data returns a decode error. Neither blocks the
// caller's checkpoint.
func (r *Registry) Decode(lg types.Log) (*Event, error) {
	if len(lg.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	spec, ok := r.byTopic[lg.Topics[0]]
	if !ok {
		return nil, ErrUnknownEvent
	}

	args := make(map[string]interface{}, len(spec.fields))
	topicIdx := 1
	dataOff := 0
	for _, f := range spec.fields {
		if f.indexed {
			if topicIdx >= len(lg.Topics) {
				return nil, fmt.Errorf("decode %s: missing topic for %s", spec.kind, f.name)
			}
			v, err := decodeWord(f.typ, lg.Topics[topicIdx].Bytes(), lg.Data)
			if err != nil {
				return nil, fmt.Errorf("decode %s.%s: %w", spec.kind, f.name, err)
			}
			args[f.name] = v
			topicIdx++
			continue
		}
		if dataOff+32 > len(lg.Data) {
			return nil, fmt.Errorf("decode %s: data too short for %s", spec.kind, f.name)
		}
		v, err := decodeWord(f.typ, lg.Data[dataOff:dataOff+32], lg.Data)
		if err != nil {
			return nil, fmt.Errorf("decode %s.%s: %w", spec.kind, f.name, err)
		}
		args[f.name] = v
		dataOff += 32
	}

	return &Event{
		Kind:        spec.kind,
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash.Hex(),
		LogIndex:    lg.Index,
		Contract:    common.Address(lg.Address).Hex(),
		Args:        args,
	}, nil
}

// decodeWord interprets one 32-byte ABI word. Dynamic strings read through
// the offset into the full data slice.
func decodeWord(typ string, word []byte, data []byte) (interface{}, error) {
	switch typ {
	case "uint256", "uint8":
		return new(big.Int).SetBytes(word), nil
	case "address":
		return common.BytesToAddress(word[12:]).Hex(), nil
	case "bool":
		return word[31] != 0, nil
	case "string":
		off := new(big.Int).SetBytes(word).Int64()
		if off < 0 || off+32 > int64(len(data)) {
			return nil, fmt.Errorf("string offset out of range")
		}
		n := new(big.Int).SetBytes(data[off : off+32]).Int64()
		if n < 0 || off+32+n > int64(len(data)) {
			return nil, fmt.Errorf("string length out of range")
		}
		return string(data[off+32 : off+32+n]), nil
	default:
		return nil, fmt.Errorf("unsupported type %s", typ)
	}
}
