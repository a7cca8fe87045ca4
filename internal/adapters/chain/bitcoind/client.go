package bitcoind

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bnema/vpnledger/internal/ports"
)

const maxRPCResponseBytes = 8 << 20

// Client talks to a bitcoind wallet over JSON-RPC. It is read-only:
// only transaction listing calls are issued.
type Client struct {
	URL            string
	User           string
	Password       string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

var _ ports.ChainRPC = (*Client)(nil)

func NewClient(url, user, password string, requestTimeout time.Duration) *Client {
	return &Client{
		URL:            url,
		User:           user,
		Password:       password,
		HTTPClient:     &http.Client{},
		RequestTimeout: requestTimeout,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type walletTx struct {
	TxID          string          `json:"txid"`
	Address       string          `json:"address"`
	Category      string          `json:"category"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int64           `json:"confirmations"`
}

type listSinceBlockResult struct {
	Transactions []walletTx `json:"transactions"`
	LastBlock    string     `json:"lastblock"`
}

// ListSinceBlock wraps the node's listsinceblock call. The
// targetConfirmations argument makes the node report lastblock that
// many blocks deep, so under-confirmed transactions show up again on
// the next poll.
func (c *Client) ListSinceBlock(ctx context.Context, blockHash string, targetConfirmations int) (ports.ListSinceBlockResult, error) {
	params := []any{blockHash, targetConfirmations}
	if blockHash == "" {
		params[0] = nil
	}

	var result listSinceBlockResult
	if err := c.call(ctx, "listsinceblock", params, &result); err != nil {
		return ports.ListSinceBlockResult{}, err
	}

	out := ports.ListSinceBlockResult{LastBlock: result.LastBlock}
	for _, tx := range result.Transactions {
		out.Transactions = append(out.Transactions, ports.WalletTransaction{
			TxID:          tx.TxID,
			Address:       tx.Address,
			Category:      tx.Category,
			Amount:        tx.Amount,
			Confirmations: tx.Confirmations,
		})
	}

	return out, nil
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      "vpnledger",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	requestCtx, cancel := c.requestContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.User != "" {
		req.SetBasicAuth(c.User, c.Password)
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRPCResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("decode %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: %w", method, rpcResp.Error)
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("empty rpc result")
	}

	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}

	return nil
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
