package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Calldata builders for the vault and asset-controller write methods the
// control plane invokes. Arguments are ABI-encoded head/tail style; only the
// types used below are supported.

func selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

func word(b []byte) []byte {
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func uintWord(v *big.Int) []byte { return word(v.Bytes()) }

func addrWord(a string) []byte { return word(common.HexToAddress(a).Bytes()) }

func boolWord(v bool) []byte {
	out := make([]byte, 32)
	if v {
		out[31] = 1
	}
	return out
}

func stringTail(s string) []byte {
	out := uintWord(big.NewInt(int64(len(s))))
	padded := (len(s) + 31) / 32 * 32
	body := make([]byte, padded)
	copy(body, s)
	return append(out, body...)
}

// ApproveRedemptionCall commits an approved redemption on-chain.
func ApproveRedemptionCall(requestID uint64) []byte {
	data := selector("approveRedemption(uint256)")
	return append(data, uintWord(new(big.Int).SetUint64(requestID))...)
}

// RejectRedemptionCall commits a rejection with a reason string.
func RejectRedemptionCall(requestID uint64, reason string) []byte {
	data := selector("rejectRedemption(uint256,string)")
	data = append(data, uintWord(new(big.Int).SetUint64(requestID))...)
	data = append(data, uintWord(big.NewInt(64))...) // offset of the string tail
	return append(data, stringTail(reason)...)
}

// TransferBetweenTiersCall moves value between liquidity tiers.
func TransferBetweenTiersCall(fromTier, toTier uint8, amount *big.Int) []byte {
	data := selector("transferBetweenTiers(uint8,uint8,uint256)")
	data = append(data, uintWord(big.NewInt(int64(fromTier)))...)
	data = append(data, uintWord(big.NewInt(int64(toTier)))...)
	return append(data, uintWord(amount)...)
}

// PurchaseAssetCall buys an asset into its tier.
func PurchaseAssetCall(asset string, amount *big.Int) []byte {
	data := selector("purchaseAsset(address,uint256)")
	data = append(data, addrWord(asset)...)
	return append(data, uintWord(amount)...)
}

// RedeemAssetCall sells an asset out of its tier.
func RedeemAssetCall(asset string, amount *big.Int) []byte {
	data := selector("redeemAsset(address,uint256)")
	data = append(data, addrWord(asset)...)
	return append(data, uintWord(amount)...)
}

// AllocateToLayerCall deploys idle value into a tier without naming an
// asset; the contract's allocator picks the instruments.
func AllocateToLayerCall(tier uint8, amount *big.Int) []byte {
	data := selector("allocateToLayer(uint8,uint256)")
	data = append(data, uintWord(big.NewInt(int64(tier)))...)
	return append(data, uintWord(amount)...)
}

// ExecuteWaterfallCall liquidates up to maxTier until amount is raised.
func ExecuteWaterfallCall(amount *big.Int, maxTier uint8) []byte {
	data := selector("executeWaterfall(uint256,uint8)")
	data = append(data, uintWord(amount)...)
	return append(data, uintWord(big.NewInt(int64(maxTier)))...)
}

// SetEmergencyModeCall toggles the vault's emergency mode.
func SetEmergencyModeCall(enabled bool) []byte {
	data := selector("setEmergencyMode(bool)")
	return append(data, boolWord(enabled)...)
}

// PauseCall halts the vault's user entry points.
func PauseCall() []byte {
	return selector("pause()")
}

// UnpauseCall reopens the vault's user entry points.
func UnpauseCall() []byte {
	return selector("unpause()")
}

// ProcessOverdueLiabilityBatchCall sweeps liabilities older than daysBack.
func ProcessOverdueLiabilityBatchCall(daysBack uint64) []byte {
	data := selector("processOverdueLiabilityBatch(uint256)")
	return append(data, uintWord(new(big.Int).SetUint64(daysBack))...)
}
