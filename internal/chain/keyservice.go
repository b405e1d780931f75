package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"github.com/kelpejol/strata/internal/model"
)

// Signer produces signed raw transactions for a role. The control plane
// never holds key material; the key service enforces per-transaction and
// daily value caps per role and refuses anything outside policy.
type Signer interface {
	// Address returns the signing address for a role.
	Address(ctx context.Context, role model.SignerRole) (string, error)

	// SignTx asks the service to sign a prepared transaction. Returns the
	// RLP-encoded signed transaction, or ErrRejectedByPolicy.
	SignTx(ctx context.Context, role model.SignerRole, tx *SignRequest) ([]byte, error)
}

// SignRequest carries the unsigned transaction fields to the key service.
type SignRequest struct {
	ChainID   *big.Int `json:"chain_id"`
	To        string   `json:"to"`
	Nonce     uint64   `json:"nonce"`
	Value     string   `json:"value"`
	Data      string   `json:"data"`
	GasLimit  uint64   `json:"gas_limit"`
	GasFeeCap string   `json:"gas_fee_cap"`
	GasTipCap string   `json:"gas_tip_cap"`
}

// KeyServiceClient is the HTTP client for the external signing service.
type KeyServiceClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  zerolog.Logger
}

// NewKeyServiceClient builds a client for the signing service at baseURL.
func NewKeyServiceClient(baseURL, token string, logger zerolog.Logger) *KeyServiceClient {
	return &KeyServiceClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{},
		logger:  logger.With().Str("component", "keyservice").Logger(),
	}
}

type addressResponse struct {
	Address string `json:"address"`
}

// Address implements Signer.
func (c *KeyServiceClient) Address(ctx context.Context, role model.SignerRole) (string, error) {
	var out addressResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/signers/%s/address", role), nil, &out); err != nil {
		return "", fmt.Errorf("fetch signer address: %w", err)
	}
	return out.Address, nil
}

type signResponse struct {
	RawTx string `json:"raw_tx"`
}

// SignTx implements Signer.
func (c *KeyServiceClient) SignTx(ctx context.Context, role model.SignerRole, req *SignRequest) ([]byte, error) {
	var out signResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/signers/%s/sign", role), req, &out)
	if err != nil {
		return nil, err
	}
	raw, err := hexutil.Decode(out.RawTx)
	if err != nil {
		return nil, fmt.Errorf("decode signed tx: %w", err)
	}
	c.logger.Debug().Str("role", string(role)).Str("to", req.To).Msg("transaction signed")
	return raw, nil
}

func (c *KeyServiceClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("key service request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn().Str("path", path).Bytes("detail", msg).Msg("signing refused by policy")
		return fmt.Errorf("%w: %s", ErrRejectedByPolicy, msg)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("key service %s: status %d: %s", path, resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
