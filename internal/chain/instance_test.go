package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/rpc/v2/json2"
)

// revertData is the ABI encoding of Error("nope") as a node attaches it to a
// failed eth_call.
const revertData = "0x08c379a0" +
	"0000000000000000000000000000000000000000000000000000000000000020" +
	"0000000000000000000000000000000000000000000000000000000000000004" +
	"6e6f706500000000000000000000000000000000000000000000000000000000"

type stubHandler func(params json.RawMessage) (any, *json2.Error)

// stubNode is a minimal JSON-RPC 2.0 endpoint for driving Instance without a
// real chain process.
type stubNode struct {
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]stubHandler
	calls    []string
	params   map[string][]json.RawMessage
}

func newStubNode(t *testing.T) *stubNode {
	t.Helper()
	n := &stubNode{
		handlers: make(map[string]stubHandler),
		params:   make(map[string][]json.RawMessage),
	}
	n.srv = httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *stubNode) handle(method string, fn stubHandler) {
	n.mu.Lock()
	n.handlers[method] = fn
	n.mu.Unlock()
}

// result registers a handler that always answers with the same value.
func (n *stubNode) result(method string, v any) {
	n.handle(method, func(json.RawMessage) (any, *json2.Error) { return v, nil })
}

func (n *stubNode) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.calls = append(n.calls, req.Method)
	n.params[req.Method] = append(n.params[req.Method], req.Params)
	fn := n.handlers[req.Method]
	n.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if fn == nil {
		resp["error"] = map[string]any{"code": -32601, "message": "method not found: " + req.Method}
	} else if result, rpcErr := fn(req.Params); rpcErr != nil {
		resp["error"] = map[string]any{"code": rpcErr.Code, "message": rpcErr.Message, "data": rpcErr.Data}
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp["result"] = json.RawMessage(raw)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *stubNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, m := range n.calls {
		if m == method {
			total++
		}
	}
	return total
}

func (n *stubNode) total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *stubNode) lastParams(t *testing.T, method string, into any) {
	t.Helper()
	n.mu.Lock()
	seen := n.params[method]
	n.mu.Unlock()
	if len(seen) == 0 {
		t.Fatalf("no %s calls recorded", method)
	}
	if err := json.Unmarshal(seen[len(seen)-1], into); err != nil {
		t.Fatalf("decode %s params: %v", method, err)
	}
}

func testInstance(t *testing.T, node *stubNode) *Instance {
	t.Helper()
	cfg, err := NormalizeConfig(Config{})
	if err != nil {
		t.Fatalf("NormalizeConfig: %v", err)
	}
	in := &Instance{
		ID:     "test-instance",
		Config: cfg,
		rpcURL: node.srv.URL,
		state:  StateRunning,
	}
	in.rpc = newRequester(node.srv.URL, RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, in.aliveCheck)
	return in
}

func TestSnapshotRevertPopsStack(t *testing.T) {
	node := newStubNode(t)
	var next atomic.Int64
	node.handle("evm_snapshot", func(json.RawMessage) (any, *json2.Error) {
		return fmt.Sprintf("0x%x", next.Add(1)), nil
	})
	node.result("evm_revert", true)

	in := testInstance(t, node)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := in.Snapshot(ctx); err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
	}

	if err := in.Revert(ctx, "0x2"); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if got := in.SnapshotStack(); len(got) != 1 || got[0] != "0x1" {
		t.Errorf("stack = %v, want [0x1]", got)
	}

	var args []string
	node.lastParams(t, "evm_revert", &args)
	if len(args) != 1 || args[0] != "0x2" {
		t.Errorf("evm_revert params = %v, want [0x2]", args)
	}
}

func TestRevertUnknownIDNeverTouchesNode(t *testing.T) {
	node := newStubNode(t)
	in := testInstance(t, node)

	err := in.Revert(context.Background(), "0xbeef")
	if !errors.Is(err, ErrInvalidSnapshot) {
		t.Fatalf("err = %v, want ErrInvalidSnapshot", err)
	}
	if node.count("evm_revert") != 0 {
		t.Errorf("evm_revert reached the node for an unknown id")
	}
}

func TestRevertRejectedByNodeKeepsStack(t *testing.T) {
	node := newStubNode(t)
	node.result("evm_snapshot", "0x1")
	node.result("evm_revert", false)

	in := testInstance(t, node)
	ctx := context.Background()
	if _, err := in.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	err := in.Revert(ctx, "0x1")
	if !errors.Is(err, ErrInvalidSnapshot) {
		t.Fatalf("err = %v, want ErrInvalidSnapshot", err)
	}
	if got := in.SnapshotStack(); len(got) != 1 {
		t.Errorf("stack = %v, want the snapshot retained", got)
	}
}

func TestForkClearsSnapshotStack(t *testing.T) {
	node := newStubNode(t)
	node.result("evm_snapshot", "0x1")
	node.result("anvil_reset", true)

	in := testInstance(t, node)
	ctx := context.Background()
	if _, err := in.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, err := in.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if err := in.Fork(ctx, "https://mainnet.example/rpc", 123); err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if got := in.SnapshotStack(); len(got) != 0 {
		t.Errorf("stack = %v, want empty after fork", got)
	}

	var args []struct {
		Forking struct {
			JSONRPCURL  string `json:"jsonRpcUrl"`
			BlockNumber uint64 `json:"blockNumber"`
		} `json:"forking"`
	}
	node.lastParams(t, "anvil_reset", &args)
	if len(args) != 1 || args[0].Forking.JSONRPCURL != "https://mainnet.example/rpc" || args[0].Forking.BlockNumber != 123 {
		t.Errorf("anvil_reset params = %+v", args)
	}
}

func TestDeadInstanceFailsFast(t *testing.T) {
	cases := []struct {
		name  string
		state InstanceState
	}{
		{"crashed", StateCrashed},
		{"stopped", StateStopped},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			node := newStubNode(t)
			node.result("eth_blockNumber", "0x10")
			in := testInstance(t, node)
			in.setState(tc.state)

			_, err := in.BlockNumber(context.Background())
			if !errors.Is(err, ErrUnavailable) {
				t.Fatalf("err = %v, want ErrUnavailable", err)
			}
			if node.total() != 0 {
				t.Errorf("dead instance still dialed the node")
			}
		})
	}
}

func TestCrashedAfterStopStaysStopped(t *testing.T) {
	node := newStubNode(t)
	in := testInstance(t, node)
	in.setState(StateStopped)
	in.markCrashed()
	if got := in.State(); got != StateStopped {
		t.Errorf("state = %q, want stopped", got)
	}
}

func TestCallDecodesRevertReason(t *testing.T) {
	node := newStubNode(t)
	node.handle("eth_call", func(json.RawMessage) (any, *json2.Error) {
		return nil, &json2.Error{Code: 3, Message: "execution reverted", Data: revertData}
	})

	in := testInstance(t, node)
	_, err := in.Call(context.Background(), "0xabc", []byte{0x01})
	var rev *RevertError
	if !errors.As(err, &rev) {
		t.Fatalf("err = %v, want RevertError", err)
	}
	if rev.Reason != "nope" {
		t.Errorf("reason = %q, want %q", rev.Reason, "nope")
	}
	if node.count("eth_call") != 1 {
		t.Errorf("eth_call retried a node-reported error: %d calls", node.count("eth_call"))
	}
}

func TestSendWaitsForReceipt(t *testing.T) {
	node := newStubNode(t)
	node.result("eth_sendTransaction", "0xhash1")
	node.handle("eth_getTransactionReceipt", func(json.RawMessage) (any, *json2.Error) {
		if node.count("eth_getTransactionReceipt") < 2 {
			return nil, nil // pending
		}
		return map[string]any{
			"transactionHash": "0xhash1",
			"status":          "0x1",
			"gasUsed":         "0x5208",
			"blockNumber":     "0x2",
			"logs": []map[string]any{
				{"address": "0xabc", "topics": []string{"0xt1"}, "data": "0x"},
			},
		}, nil
	})
	node.result("eth_call", "0xdeadbeef")

	in := testInstance(t, node)
	result, err := in.Send(context.Background(), "0xabc", []byte{0x01}, "0xfrom", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.Reverted {
		t.Fatalf("result reverted: %q", result.RevertReason)
	}
	if result.TxHash != "0xhash1" || result.GasUsed != 21000 || result.BlockNumber != 2 {
		t.Errorf("result = %+v", result)
	}
	if len(result.Logs) != 1 || result.Logs[0].Address != "0xabc" {
		t.Errorf("logs = %+v, want one log from 0xabc", result.Logs)
	}
	if !bytes.Equal(result.ReturnData, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("return data = %x", result.ReturnData)
	}
	if got := node.count("eth_getTransactionReceipt"); got < 2 {
		t.Errorf("receipt polled %d times, want at least 2", got)
	}
}

func TestSendCapturesMinedRevert(t *testing.T) {
	node := newStubNode(t)
	node.result("eth_sendTransaction", "0xhash1")
	node.result("eth_getTransactionReceipt", map[string]any{
		"transactionHash": "0xhash1",
		"status":          "0x0",
		"gasUsed":         "0x5208",
		"blockNumber":     "0x2",
	})
	node.handle("eth_call", func(json.RawMessage) (any, *json2.Error) {
		return nil, &json2.Error{Code: 3, Message: "execution reverted", Data: revertData}
	})

	in := testInstance(t, node)
	result, err := in.Send(context.Background(), "0xabc", []byte{0x01}, "0xfrom", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !result.Reverted || result.RevertReason != "nope" {
		t.Errorf("result = %+v, want reverted with reason nope", result)
	}
}

func TestDeployRevertIsAnError(t *testing.T) {
	node := newStubNode(t)
	node.result("eth_sendTransaction", "0xhash1")
	node.result("eth_getTransactionReceipt", map[string]any{
		"transactionHash": "0xhash1",
		"status":          "0x0",
		"gasUsed":         "0x5208",
		"blockNumber":     "0x2",
	})
	node.handle("eth_call", func(json.RawMessage) (any, *json2.Error) {
		return nil, &json2.Error{Code: 3, Message: "execution reverted", Data: revertData}
	})

	in := testInstance(t, node)
	_, err := in.Deploy(context.Background(), []byte{0x60, 0x80}, "0xfrom", nil)
	var rev *RevertError
	if !errors.As(err, &rev) {
		t.Fatalf("err = %v, want RevertError", err)
	}
	if rev.Reason != "nope" {
		t.Errorf("reason = %q, want %q", rev.Reason, "nope")
	}
}

func TestIncreaseTimeMinesABlock(t *testing.T) {
	node := newStubNode(t)
	node.result("evm_increaseTime", "0x0")
	node.result("anvil_mine", nil)

	in := testInstance(t, node)
	if err := in.IncreaseTime(context.Background(), 3600); err != nil {
		t.Fatalf("IncreaseTime: %v", err)
	}
	if node.count("anvil_mine") != 1 {
		t.Errorf("anvil_mine called %d times, want 1", node.count("anvil_mine"))
	}
}

func TestTransientTimeoutIsRetried(t *testing.T) {
	node := newStubNode(t)
	var slowOnce atomic.Bool
	slowOnce.Store(true)
	node.handle("eth_blockNumber", func(json.RawMessage) (any, *json2.Error) {
		if slowOnce.CompareAndSwap(true, false) {
			time.Sleep(300 * time.Millisecond)
		}
		return "0x10", nil
	})

	in := testInstance(t, node)
	in.rpc.timeout = 100 * time.Millisecond

	n, err := in.BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("BlockNumber: %v", err)
	}
	if n != 16 {
		t.Errorf("block number = %d, want 16", n)
	}
	if got := node.count("eth_blockNumber"); got != 2 {
		t.Errorf("eth_blockNumber called %d times, want 2", got)
	}
}
