package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rpcgate/rpcgate/internal/pool"
	"github.com/rpcgate/rpcgate/pkg/errors"
)

// Well-known upstream methods.
const (
	MethodGetHealth      = "getHealth"
	MethodGetBlockHeight = "getBlockHeight"
	MethodGetBalance     = "getBalance"
	MethodGetTransaction = "getTransaction"
	MethodGetTokenSupply = "getTokenSupply"
)

// CallExecutor performs the actual upstream call for a provider. Concrete
// instances are the individual JSON-RPC endpoints; tests substitute fakes.
type CallExecutor interface {
	// Execute sends method/params to the provider at url and returns the raw
	// result payload. Transport and upstream failures come back as typed
	// errors so the circuit breaker can tell provider faults from caller
	// mistakes.
	Execute(ctx context.Context, url, method string, params interface{}) (json.RawMessage, error)
}

// rpcRequest is the JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// JSON-RPC 2.0 error codes that indicate a malformed request rather than a
// broken provider. These must not trip the circuit breaker.
const (
	rpcCodeInvalidRequest = -32600
	rpcCodeMethodNotFound = -32601
	rpcCodeInvalidParams  = -32602
)

// HTTPExecutor is the production CallExecutor speaking JSON-RPC 2.0 over HTTP.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor wraps client as a JSON-RPC executor. A nil client gets a
// default with a conservative timeout; the breaker's per-call timeout is the
// effective bound in practice.
func NewHTTPExecutor(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPExecutor{client: client}
}

// Execute performs one JSON-RPC call.
func (e *HTTPExecutor) Execute(ctx context.Context, url, method string, params interface{}) (json.RawMessage, error) {
	body, err := encodeRPCRequest(method, params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("invalid provider url %q: %v", url, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewTransportError(url, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewTransportError(url, fmt.Sprintf("unexpected status %d for %s", resp.StatusCode, method))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errors.NewTransportError(url, fmt.Sprintf("reading response for %s: %v", method, err))
	}

	return decodeRPCResponse(url, method, raw)
}

func encodeRPCRequest(method string, params interface{}) ([]byte, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("unencodable params for %s: %v", method, err))
	}
	return body, nil
}

func decodeRPCResponse(url, method string, raw []byte) (json.RawMessage, error) {
	var parsed rpcResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.NewTransportError(url, fmt.Sprintf("malformed JSON-RPC response for %s: %v", method, err))
	}

	if parsed.Error != nil {
		switch parsed.Error.Code {
		case rpcCodeInvalidRequest, rpcCodeMethodNotFound, rpcCodeInvalidParams:
			return nil, errors.NewValidationError(fmt.Sprintf("upstream rejected %s: %s", method, parsed.Error.Message)).
				WithDetail("rpc_code", fmt.Sprintf("%d", parsed.Error.Code))
		default:
			return nil, errors.NewTransportError(url, fmt.Sprintf("upstream error %d on %s: %s", parsed.Error.Code, method, parsed.Error.Message))
		}
	}

	return parsed.Result, nil
}

// HTTPDoer dispatches one HTTP request. The connection pool satisfies it.
type HTTPDoer interface {
	Do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*pool.Response, error)
}

// PooledExecutor routes JSON-RPC calls through the bounded connection pool so
// upstream traffic shares the pool's admission queue and connection recycling.
type PooledExecutor struct {
	doer HTTPDoer
}

// NewPooledExecutor wraps the connection pool as a CallExecutor.
func NewPooledExecutor(doer HTTPDoer) *PooledExecutor {
	return &PooledExecutor{doer: doer}
}

// Execute performs one JSON-RPC call over a pooled connection. Pool admission
// failures (queue full, queue timeout) surface as typed errors and count as
// provider failures like any other transport fault.
func (e *PooledExecutor) Execute(ctx context.Context, url, method string, params interface{}) (json.RawMessage, error) {
	body, err := encodeRPCRequest(method, params)
	if err != nil {
		return nil, err
	}

	resp, err := e.doer.Do(ctx, http.MethodPost, url, map[string]string{"Content-Type": "application/json"}, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewTransportError(url, fmt.Sprintf("unexpected status %d for %s", resp.StatusCode, method))
	}

	return decodeRPCResponse(url, method, resp.Body)
}
