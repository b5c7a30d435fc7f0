package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/rpc/v2/json2"
)

const defaultCallTimeout = 15 * time.Second

// rpcRequester sends JSON-RPC 2.0 requests to a chain node. Transient
// transport failures are retried with exponential backoff per the policy;
// node-reported errors are returned as-is.
type rpcRequester struct {
	url     string
	client  *http.Client
	timeout time.Duration
	retry   RetryPolicy

	// alive is consulted before every request so operations against a dead
	// process fail fast instead of dialing a vacated port.
	alive func() error
}

func newRequester(url string, retry RetryPolicy, alive func() error) *rpcRequester {
	if retry.Attempts == 0 {
		retry = DefaultRetryPolicy
	}
	if alive == nil {
		alive = func() error { return nil }
	}
	return &rpcRequester{
		url:     url,
		client:  &http.Client{},
		timeout: defaultCallTimeout,
		retry:   retry,
		alive:   alive,
	}
}

func (r *rpcRequester) call(ctx context.Context, method string, reply any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	var lastErr error
	for attempt := 0; attempt <= r.retry.Attempts; attempt++ {
		if err := r.alive(); err != nil {
			return err
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.retry.Backoff(attempt - 1)):
			}
		}

		lastErr = r.doOnce(ctx, method, body, reply)
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", method, r.retry.Attempts+1, lastErr)
}

func (r *rpcRequester) doOnce(ctx context.Context, method string, body []byte, reply any) error {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s request: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: received status code %d", method, resp.StatusCode)
	}
	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		// A null result is a valid answer (a pending receipt, for one);
		// leave reply at its zero value.
		if errors.Is(err, json2.ErrNullResult) {
			return nil
		}
		return err
	}
	return nil
}

// isTransient reports whether an RPC failure is worth retrying: timeouts and
// transport-level faults only. JSON-RPC errors are application answers, never
// retried.
func isTransient(err error) bool {
	var rpcErr *json2.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// --- eth wire structures ---

type txArgs struct {
	From     string         `json:"from"`
	To       string         `json:"to,omitempty"`
	Gas      hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice hexutil.Uint64 `json:"gasPrice,omitempty"`
	Value    *hexutil.Big   `json:"value,omitempty"`
	Data     hexutil.Bytes  `json:"data,omitempty"`
}

type rpcLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

type rpcReceipt struct {
	TransactionHash string         `json:"transactionHash"`
	Status          hexutil.Uint64 `json:"status"`
	GasUsed         hexutil.Uint64 `json:"gasUsed"`
	ContractAddress string         `json:"contractAddress"`
	BlockNumber     hexutil.Uint64 `json:"blockNumber"`
	Logs            []rpcLog       `json:"logs"`
}

type rpcBlock struct {
	Number    hexutil.Uint64 `json:"number"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

func (l rpcLog) toLog() Log {
	return Log{Address: l.Address, Topics: l.Topics, Data: l.Data}
}

// revertReasonFromRPCError decodes the ABI-encoded revert payload a node
// attaches to eth_call failures. Empty when the payload is absent or not a
// standard Error(string).
func revertReasonFromRPCError(rpcErr *json2.Error) string {
	raw, ok := rpcErr.Data.(string)
	if !ok {
		if m, ok := rpcErr.Data.(map[string]any); ok {
			raw, _ = m["data"].(string)
		}
	}
	if raw == "" {
		return ""
	}
	payload, err := hexutil.Decode(raw)
	if err != nil {
		return ""
	}
	reason, err := abi.UnpackRevert(payload)
	if err != nil {
		return ""
	}
	return reason
}
