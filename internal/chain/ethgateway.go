package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// EthGateway implements Gateway over go-ethereum's JSON-RPC client. All read
// calls run behind a shared circuit breaker; five consecutive failures open
// it for 30 seconds.
type EthGateway struct {
	rpc     *ethclient.Client
	ws      *ethclient.Client // nil when no WS endpoint is configured
	breaker *gobreaker.CircuitBreaker
	signer  Signer

	contracts     []common.Address
	topics        []common.Hash
	chainID       *big.Int
	confirmations uint64
	rpcTimeout    time.Duration

	// one lock per (contract, signer role) keeps nonces strictly ordered
	sendMu sync.Mutex
	lanes  map[string]*sync.Mutex

	logger zerolog.Logger
}

// GatewayOptions configures an EthGateway.
type GatewayOptions struct {
	RPCURL        string
	WSURL         string
	Contracts     []string
	Confirmations uint64
	RPCTimeout    time.Duration
}

// NewEthGateway dials the RPC (and optionally WS) endpoints and resolves the
// chain ID.
func NewEthGateway(ctx context.Context, opts GatewayOptions, reg *Registry, signer Signer, logger zerolog.Logger) (*EthGateway, error) {
	rpc, err := ethclient.DialContext(ctx, opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", opts.RPCURL, err)
	}

	var ws *ethclient.Client
	if opts.WSURL != "" {
		ws, err = ethclient.DialContext(ctx, opts.WSURL)
		if err != nil {
			// WS is an optimization; polling remains authoritative.
			logger.Warn().Err(err).Str("url", opts.WSURL).Msg("websocket dial failed, continuing with polling only")
			ws = nil
		}
	}

	chainID, err := rpc.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	addrs := make([]common.Address, 0, len(opts.Contracts))
	for _, c := range opts.Contracts {
		addrs = append(addrs, common.HexToAddress(c))
	}

	g := &EthGateway{
		rpc:           rpc,
		ws:            ws,
		signer:        signer,
		contracts:     addrs,
		topics:        reg.Topics(),
		chainID:       chainID,
		confirmations: opts.Confirmations,
		rpcTimeout:    opts.RPCTimeout,
		lanes:         make(map[string]*sync.Mutex),
		logger:        logger.With().Str("component", "chain").Logger(),
	}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "chain-rpc",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("rpc breaker state change")
		},
	})

	return g, nil
}

// exec runs an RPC call through the breaker with the configured timeout.
func (g *EthGateway) exec(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	out, err := g.breaker.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, g.rpcTimeout)
		defer cancel()
		return fn(cctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrBreakerOpen, err)
	}
	return out, err
}

// Head implements Gateway.
func (g *EthGateway) Head(ctx context.Context) (uint64, error) {
	out, err := g.exec(ctx, func(ctx context.Context) (interface{}, error) {
		return g.rpc.BlockNumber(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("fetch head: %w", err)
	}
	return out.(uint64), nil
}

// BlockHash implements Gateway.
func (g *EthGateway) BlockHash(ctx context.Context, number uint64) (string, error) {
	out, err := g.exec(ctx, func(ctx context.Context) (interface{}, error) {
		return g.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	})
	if err != nil {
		return "", fmt.Errorf("fetch header %d: %w", number, err)
	}
	return out.(*types.Header).Hash().Hex(), nil
}

// FilterLogs implements Gateway.
func (g *EthGateway) FilterLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: g.contracts,
		Topics:    [][]common.Hash{g.topics},
	}
	out, err := g.exec(ctx, func(ctx context.Context) (interface{}, error) {
		return g.rpc.FilterLogs(ctx, q)
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs [%d,%d]: %w", from, to, err)
	}
	return out.([]types.Log), nil
}

// SubscribeLogs implements Gateway.
func (g *EthGateway) SubscribeLogs(ctx context.Context, sink chan<- types.Log) (func(), <-chan error, error) {
	if g.ws == nil {
		return nil, nil, fmt.Errorf("no websocket endpoint configured")
	}
	q := ethereum.FilterQuery{
		Addresses: g.contracts,
		Topics:    [][]common.Hash{g.topics},
	}
	sub, err := g.ws.SubscribeFilterLogs(ctx, q, sink)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe logs: %w", err)
	}
	return sub.Unsubscribe, sub.Err(), nil
}

// Call implements Gateway.
func (g *EthGateway) Call(ctx context.Context, contract string, data []byte) ([]byte, error) {
	to := common.HexToAddress(contract)
	msg := ethereum.CallMsg{To: &to, Data: data}
	out, err := g.exec(ctx, func(ctx context.Context) (interface{}, error) {
		return g.rpc.CallContract(ctx, msg, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", contract, err)
	}
	return out.([]byte), nil
}

// Simulate implements Gateway. A revert is reported in the result, not as an
// error; transport failures are errors.
func (g *EthGateway) Simulate(ctx context.Context, req TxRequest) (*SimResult, error) {
	from, err := g.signer.Address(ctx, req.Signer)
	if err != nil {
		return nil, err
	}
	to := common.HexToAddress(req.Contract)
	msg := ethereum.CallMsg{
		From:  common.HexToAddress(from),
		To:    &to,
		Data:  req.Data,
		Value: req.Value,
	}

	gasOut, err := g.exec(ctx, func(ctx context.Context) (interface{}, error) {
		return g.rpc.EstimateGas(ctx, msg)
	})
	if err != nil {
		if isRevert(err) {
			return &SimResult{OK: false, Revert: err.Error()}, nil
		}
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	ret, err := g.exec(ctx, func(ctx context.Context) (interface{}, error) {
		return g.rpc.CallContract(ctx, msg, nil)
	})
	if err != nil {
		if isRevert(err) {
			return &SimResult{OK: false, Revert: err.Error()}, nil
		}
		return nil, fmt.Errorf("simulate call: %w", err)
	}

	return &SimResult{OK: true, GasUsed: gasOut.(uint64), ReturnData: ret.([]byte)}, nil
}

func isRevert(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "revert") || strings.Contains(s, "execution reverted")
}

func (g *EthGateway) lane(contract string, role string) *sync.Mutex {
	g.sendMu.Lock()
	defer g.sendMu.Unlock()
	key := contract + "/" + role
	mu, ok := g.lanes[key]
	if !ok {
		mu = &sync.Mutex{}
		g.lanes[key] = mu
	}
	return mu
}

// Send implements Gateway.
func (g *EthGateway) Send(ctx context.Context, req TxRequest) (*Receipt, error) {
	mu := g.lane(req.Contract, string(req.Signer))
	mu.Lock()
	defer mu.Unlock()

	from, err := g.signer.Address(ctx, req.Signer)
	if err != nil {
		return nil, err
	}
	fromAddr := common.HexToAddress(from)
	to := common.HexToAddress(req.Contract)

	nonceOut, err := g.exec(ctx, func(ctx context.Context) (interface{}, error) {
		return g.rpc.PendingNonceAt(ctx, fromAddr)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}
	nonce := nonceOut.(uint64)

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		est, err := g.exec(ctx, func(ctx context.Context) (interface{}, error) {
			return g.rpc.EstimateGas(ctx, ethereum.CallMsg{From: fromAddr, To: &to, Data: req.Data, Value: req.Value})
		})
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
		// headroom against state shifting between estimate and inclusion
		gasLimit = est.(uint64) * 120 / 100
	}

	tipOut, err := g.exec(ctx, func(ctx context.Context) (interface{}, error) {
		return g.rpc.SuggestGasTipCap(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("suggest tip: %w", err)
	}
	tip := tipOut.(*big.Int)

	headOut, err := g.exec(ctx, func(ctx context.Context) (interface{}, error) {
		return g.rpc.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch head header: %w", err)
	}
	baseFee := headOut.(*types.Header).BaseFee
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	raw, err := g.signer.SignTx(ctx, req.Signer, &SignRequest{
		ChainID:   g.chainID,
		To:        req.Contract,
		Nonce:     nonce,
		Value:     value.String(),
		Data:      hexutil.Encode(req.Data),
		GasLimit:  gasLimit,
		GasFeeCap: feeCap.String(),
		GasTipCap: tip.String(),
	})
	if err != nil {
		return nil, err
	}

	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode signed tx: %w", err)
	}

	if _, err := g.exec(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, g.rpc.SendTransaction(ctx, &tx)
	}); err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}

	g.logger.Info().
		Str("tx", tx.Hash().Hex()).
		Str("contract", req.Contract).
		Str("signer", string(req.Signer)).
		Uint64("nonce", nonce).
		Msg("transaction broadcast")

	return g.waitConfirmed(ctx, tx.Hash())
}

// waitConfirmed polls for the receipt and holds until the configured depth.
func (g *EthGateway) waitConfirmed(ctx context.Context, hash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	var rcpt *types.Receipt
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrSendTimeout, hash.Hex())
		case <-ticker.C:
		}

		if rcpt == nil {
			out, err := g.exec(ctx, func(ctx context.Context) (interface{}, error) {
				r, err := g.rpc.TransactionReceipt(ctx, hash)
				if errors.Is(err, ethereum.NotFound) {
					return (*types.Receipt)(nil), nil
				}
				return r, err
			})
			if err != nil {
				g.logger.Warn().Err(err).Str("tx", hash.Hex()).Msg("receipt poll failed")
				continue
			}
			rcpt = out.(*types.Receipt)
			if rcpt == nil {
				continue
			}
		}

		head, err := g.Head(ctx)
		if err != nil {
			continue
		}
		if head < rcpt.BlockNumber.Uint64()+g.confirmations {
			continue
		}

		// depth reached; re-check canonicality before declaring success
		out, err := g.exec(ctx, func(ctx context.Context) (interface{}, error) {
			r, err := g.rpc.TransactionReceipt(ctx, hash)
			if errors.Is(err, ethereum.NotFound) {
				return (*types.Receipt)(nil), nil
			}
			return r, err
		})
		if err != nil {
			continue
		}
		final := out.(*types.Receipt)
		if final == nil || final.BlockHash != rcpt.BlockHash {
			g.logger.Error().Str("tx", hash.Hex()).Msg("transaction displaced by reorg")
			return nil, fmt.Errorf("%w: %s", ErrReorgDropped, hash.Hex())
		}

		r := &Receipt{
			TxHash:      hash.Hex(),
			BlockNumber: final.BlockNumber.Uint64(),
			GasUsed:     final.GasUsed,
			Success:     final.Status == types.ReceiptStatusSuccessful,
		}
		if !r.Success {
			return r, fmt.Errorf("%w: %s", ErrReceiptFailed, hash.Hex())
		}
		return r, nil
	}
}

// Close releases both RPC connections.
func (g *EthGateway) Close() {
	g.rpc.Close()
	if g.ws != nil {
		g.ws.Close()
	}
}
