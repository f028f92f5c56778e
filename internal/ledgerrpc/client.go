// Package ledgerrpc implements the ledger client against an
// Ethereum-style JSON-RPC endpoint.
package ledgerrpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/veilstream/veilstream/pkg/ledger"
	"github.com/veilstream/veilstream/pkg/model"
)

// Client speaks JSON-RPC 2.0 to a ledger node. Commitments are submitted
// as calldata of a transaction to the configured contract address.
type Client struct {
	endpoint string
	contract string
	from     string
	http     *http.Client
	nextID   atomic.Uint64
}

var _ ledger.Client = (*Client)(nil)

// New creates a JSON-RPC ledger client. A nil httpClient uses a default
// with a 15 second timeout.
func New(endpoint, contract, from string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		endpoint: endpoint,
		contract: contract,
		from:     from,
		http:     httpClient,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("ledgerrpc: rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("ledgerrpc: encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ledgerrpc: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ledgerrpc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ledgerrpc: read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledgerrpc: %s: unexpected status %s", method, resp.Status)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("ledgerrpc: decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("ledgerrpc: decode %s result: %w", method, err)
		}
	}
	return nil
}

// Submit sends the commitment as transaction calldata and returns the
// transaction hash.
func (c *Client) Submit(ctx context.Context, sessionID string, commitment model.Digest, gasBudget uint64) (string, error) {
	tx := map[string]string{
		"from": c.from,
		"to":   c.contract,
		"data": "0x" + hex.EncodeToString(commitment[:]),
		"gas":  "0x" + strconv.FormatUint(gasBudget, 16),
	}

	var txHash string
	if err := c.call(ctx, "eth_sendTransaction", []any{tx}, &txHash); err != nil {
		return "", fmt.Errorf("ledgerrpc: submit commitment for session %s: %w", sessionID, err)
	}
	if txHash == "" {
		return "", fmt.Errorf("ledgerrpc: submit commitment for session %s: empty transaction hash", sessionID)
	}
	return txHash, nil
}

type receiptResult struct {
	BlockNumber string `json:"blockNumber"`
	Status      string `json:"status"`
}

// GetReceipt fetches the transaction receipt. A null result means the
// transaction is not included yet.
func (c *Client) GetReceipt(ctx context.Context, txRef string) (ledger.Receipt, error) {
	var result *receiptResult
	if err := c.call(ctx, "eth_getTransactionReceipt", []any{txRef}, &result); err != nil {
		return ledger.Receipt{}, err
	}
	if result == nil {
		return ledger.Receipt{}, ledger.ErrReceiptNotFound
	}

	blockNumber, err := parseHexUint(result.BlockNumber)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("ledgerrpc: parse receipt block number %q: %w", result.BlockNumber, err)
	}
	return ledger.Receipt{
		BlockNumber: blockNumber,
		Success:     result.Status == "0x1",
	}, nil
}

// TransactionExists reports whether the ledger still knows the
// transaction, in its mempool or in a block.
func (c *Client) TransactionExists(ctx context.Context, txRef string) (bool, error) {
	var result *json.RawMessage
	if err := c.call(ctx, "eth_getTransactionByHash", []any{txRef}, &result); err != nil {
		return false, err
	}
	return result != nil && string(*result) != "null", nil
}

func parseHexUint(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, fmt.Errorf("empty hex quantity")
	}
	return strconv.ParseUint(s, 16, 64)
}
