// Package chain is the only component that talks to the blockchain. It
// exposes a typed gateway over JSON-RPC/WebSocket, decodes the recognized
// event set, and routes writes through the external key service.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/kelpejol/strata/internal/model"
)

// Sentinel errors surfaced by the gateway. Callers branch with errors.Is.
var (
	// ErrRejectedByPolicy means the key service refused to sign (per-tx or
	// daily cap, or role not allowed for the target method).
	ErrRejectedByPolicy = errors.New("rejected by signing policy")

	// ErrSendTimeout means the transaction was broadcast but did not confirm
	// within the send deadline. The tx may still land later.
	ErrSendTimeout = errors.New("send timed out awaiting confirmation")

	// ErrReceiptFailed means the transaction was mined with status 0.
	ErrReceiptFailed = errors.New("transaction reverted")

	// ErrReorgDropped means the mined block left the canonical chain before
	// the confirmation depth was reached.
	ErrReorgDropped = errors.New("transaction dropped by reorg")

	// ErrBreakerOpen means the RPC circuit breaker is open; the endpoint is
	// considered down.
	ErrBreakerOpen = errors.New("rpc circuit breaker open")
)

// TxRequest describes one on-chain write.
type TxRequest struct {
	Contract string
	Signer   model.SignerRole
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // 0 = estimate
}

// Receipt is the confirmed outcome of a Send.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
}

// SimResult is the outcome of a dry-run.
type SimResult struct {
	OK         bool
	GasUsed    uint64
	ReturnData []byte
	Revert     string
}

// Gateway is the chain access surface the rest of the system depends on.
// Reads go straight to RPC behind a circuit breaker; writes are signed by the
// key service, serialized per (contract, signer), and confirmed to depth.
type Gateway interface {
	// Head returns the latest block number.
	Head(ctx context.Context) (uint64, error)

	// BlockHash returns the canonical hash at a height, for reorg checks.
	BlockHash(ctx context.Context, number uint64) (string, error)

	// FilterLogs fetches logs for the watched contracts in [from, to].
	FilterLogs(ctx context.Context, from, to uint64) ([]types.Log, error)

	// SubscribeLogs streams new logs for the watched contracts. The returned
	// stop function tears the subscription down. Errors after return arrive
	// on errCh; the subscription is best-effort and callers must not rely on
	// it for completeness.
	SubscribeLogs(ctx context.Context, sink chan<- types.Log) (stop func(), errCh <-chan error, err error)

	// Call executes a read-only contract call at the latest block.
	Call(ctx context.Context, contract string, data []byte) ([]byte, error)

	// Simulate dry-runs a write without broadcasting.
	Simulate(ctx context.Context, req TxRequest) (*SimResult, error)

	// Send signs, broadcasts and waits for the configured confirmation
	// depth. Returns ErrReceiptFailed on revert, ErrSendTimeout when the
	// deadline passes, ErrRejectedByPolicy if signing is refused.
	Send(ctx context.Context, req TxRequest) (*Receipt, error)

	Close()
}
