/**
 * @description
 * This package provides a client for the on-chain savings vault, spoken over
 * JSON-RPC. It encapsulates transaction submission for the three vault
 * operations (deposit, withdraw request, redeem), receipt lookup via the
 * application log, and read-only valuation calls.
 *
 * Submissions carry the caller's idempotency key so the vault node can
 * de-duplicate replays on its side; the returned transaction reference is the
 * handle later receipt lookups use.
 *
 * @dependencies
 * - bytes, context, encoding/json, errors, fmt, net/http, sync/atomic, time: Standard Go libraries.
 */
package vaultclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// ErrReceiptNotFound means the node does not know the transaction (yet). It is
// distinct from a transport failure: not-found is a normal pre-confirmation
// state, transport errors mean the answer is unknown.
var ErrReceiptNotFound = errors.New("vaultclient: receipt not found")

// Client is a JSON-RPC client for the vault node.
type Client struct {
	rpcURL     string
	contract   string
	httpClient *http.Client
	reqID      atomic.Int64
}

// NewClient creates a new vault client for the given RPC endpoint and vault
// contract reference.
func NewClient(rpcURL, contract string) *Client {
	return &Client{
		rpcURL:   rpcURL,
		contract: contract,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      int64           `json:"id"`
}

// rpc error code the node answers receipt lookups with when the transaction is
// unknown.
const rpcCodeUnknownTransaction = -100

// call performs one JSON-RPC round trip and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.reqID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc call %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc call %s: unexpected status %d", method, resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode rpc response for %s: %w", method, err)
	}
	if decoded.Error != nil {
		if decoded.Error.Code == rpcCodeUnknownTransaction {
			return ErrReceiptNotFound
		}
		return fmt.Errorf("rpc call %s: node error %d: %s", method, decoded.Error.Code, decoded.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("unmarshal rpc result for %s: %w", method, err)
		}
	}
	return nil
}

type submitResult struct {
	TxRef string `json:"txref"`
}

// SubmitDeposit submits a deposit of amount for the given account reference.
// Returns the transaction reference to reconcile against.
func (c *Client) SubmitDeposit(ctx context.Context, idempotencyKey, accountRef string, amount int64) (string, error) {
	var result submitResult
	err := c.call(ctx, "vault_submitdeposit", []interface{}{c.contract, accountRef, amount, idempotencyKey}, &result)
	if err != nil {
		return "", err
	}
	if result.TxRef == "" {
		return "", errors.New("vaultclient: node returned empty tx reference")
	}
	return result.TxRef, nil
}

// SubmitWithdrawRequest submits a withdraw request for amount. The shares
// burned and the external request id only become known at confirmation.
func (c *Client) SubmitWithdrawRequest(ctx context.Context, idempotencyKey, accountRef string, amount int64) (string, error) {
	var result submitResult
	err := c.call(ctx, "vault_submitwithdrawrequest", []interface{}{c.contract, accountRef, amount, idempotencyKey}, &result)
	if err != nil {
		return "", err
	}
	if result.TxRef == "" {
		return "", errors.New("vaultclient: node returned empty tx reference")
	}
	return result.TxRef, nil
}

// SubmitRedeem redeems a previously confirmed withdraw request by its external
// request id.
func (c *Client) SubmitRedeem(ctx context.Context, idempotencyKey, accountRef, requestID string) (string, error) {
	var result submitResult
	err := c.call(ctx, "vault_submitredeem", []interface{}{c.contract, accountRef, requestID, idempotencyKey}, &result)
	if err != nil {
		return "", err
	}
	if result.TxRef == "" {
		return "", errors.New("vaultclient: node returned empty tx reference")
	}
	return result.TxRef, nil
}

// DepositedEvent is the vault's deposit confirmation notification.
type DepositedEvent struct {
	AccountRef string `json:"account"`
	Amount     int64  `json:"amount"`
	Shares     int64  `json:"shares"`
}

// WithdrawRequestedEvent is the vault's withdraw-request confirmation. The
// RequestID is the handle the later redeem must present.
type WithdrawRequestedEvent struct {
	AccountRef string `json:"account"`
	RequestID  string `json:"request_id"`
	Amount     int64  `json:"amount"`
	Shares     int64  `json:"shares"`
}

// RedeemedEvent is the vault's redeem confirmation.
type RedeemedEvent struct {
	AccountRef string `json:"account"`
	RequestID  string `json:"request_id"`
	Amount     int64  `json:"amount"`
}

// Receipt is the decoded application log for one submitted transaction. At
// most one of the typed event fields is set, matching the operation the
// transaction performed. Executed=false with a FailureReason means the
// transaction ran and reverted.
type Receipt struct {
	TxRef             string                  `json:"txref"`
	Executed          bool                    `json:"executed"`
	FailureReason     string                  `json:"failure_reason,omitempty"`
	Deposited         *DepositedEvent         `json:"deposited,omitempty"`
	WithdrawRequested *WithdrawRequestedEvent `json:"withdraw_requested,omitempty"`
	Redeemed          *RedeemedEvent          `json:"redeemed,omitempty"`
}

type applicationLog struct {
	TxRef      string `json:"txref"`
	VMState    string `json:"vmstate"`
	Exception  string `json:"exception,omitempty"`
	Notifications []struct {
		Contract  string          `json:"contract"`
		EventName string          `json:"eventname"`
		State     json.RawMessage `json:"state"`
	} `json:"notifications"`
}

// GetReceipt fetches and decodes the application log for a transaction.
// Returns ErrReceiptNotFound while the node has no record of it.
func (c *Client) GetReceipt(ctx context.Context, txRef string) (*Receipt, error) {
	var raw applicationLog
	if err := c.call(ctx, "vault_getapplicationlog", []interface{}{txRef}, &raw); err != nil {
		return nil, err
	}

	receipt := &Receipt{TxRef: raw.TxRef}
	if raw.VMState != "HALT" {
		receipt.FailureReason = raw.Exception
		if receipt.FailureReason == "" {
			receipt.FailureReason = "execution reverted"
		}
		return receipt, nil
	}
	receipt.Executed = true

	for _, note := range raw.Notifications {
		if note.Contract != c.contract {
			continue
		}
		switch note.EventName {
		case "Deposited":
			var event DepositedEvent
			if err := json.Unmarshal(note.State, &event); err != nil {
				return nil, fmt.Errorf("decode Deposited event: %w", err)
			}
			receipt.Deposited = &event
		case "WithdrawRequested":
			var event WithdrawRequestedEvent
			if err := json.Unmarshal(note.State, &event); err != nil {
				return nil, fmt.Errorf("decode WithdrawRequested event: %w", err)
			}
			receipt.WithdrawRequested = &event
		case "Redeemed":
			var event RedeemedEvent
			if err := json.Unmarshal(note.State, &event); err != nil {
				return nil, fmt.Errorf("decode Redeemed event: %w", err)
			}
			receipt.Redeemed = &event
		}
	}
	return receipt, nil
}

type previewResult struct {
	Value int64 `json:"value"`
}

// PreviewRedeem returns the current redemption value of a share count. This is
// a read-only call, safe to poll for mark-to-market.
func (c *Client) PreviewRedeem(ctx context.Context, shares int64) (int64, error) {
	var result previewResult
	if err := c.call(ctx, "vault_previewredeem", []interface{}{c.contract, shares}, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}
